package logpd

import (
	"encoding/binary"
	"errors"
)

// Request type tags. The first frame of every request starts with
// exactly one of these bytes.
const (
	ReqConfig       byte = '?'
	ReqLogInfo      byte = 'i'
	ReqUpdate       byte = 'u'
	ReqEntries      byte = 'e'
	ReqPublisherURL byte = '*'
)

// Response status bytes.
const (
	StatusOK byte = iota
	StatusRedirect
	StatusNoLeader
	StatusEntries
	StatusSnapshot
	StatusDone
	StatusStale
	StatusError
)

var ErrShortFrame = errors.New("logpd: frame too short")

// Broadcast message framing over the fan-out socket:
//
//	[secret | term(4 LE) | last_log_index(8 LE) | entry_0 | entry_1 | ...]
//
// A heartbeat carries zero entry frames.
type Broadcast struct {
	Term      uint32
	LastIndex uint64
	Entries   [][]byte
}

// MarshalBroadcast build the fan-out frames for a broadcast message.
// The secret doubles as the subscription filter, so it must stay the
// first frame.
func MarshalBroadcast(secret []byte, term uint32, lastIndex uint64, entries [][]byte) [][]byte {
	frames := make([][]byte, 0, 3+len(entries))
	frames = append(frames, secret)
	frames = append(frames, binary.LittleEndian.AppendUint32(nil, term))
	frames = append(frames, binary.LittleEndian.AppendUint64(nil, lastIndex))
	frames = append(frames, entries...)
	return frames
}

// UnmarshalBroadcast parse fan-out frames, verifying the secret.
// A mismatching secret is an authentication failure for the caller.
func UnmarshalBroadcast(secret []byte, frames [][]byte) (Broadcast, bool) {
	var b Broadcast
	if len(frames) < 3 || string(frames[0]) != string(secret) {
		return b, false
	}
	if len(frames[1]) != 4 || len(frames[2]) != 8 {
		return b, false
	}
	b.Term = binary.LittleEndian.Uint32(frames[1])
	b.LastIndex = binary.LittleEndian.Uint64(frames[2])
	b.Entries = frames[3:]
	return b, true
}

// EntriesRequest is the argument block of an 'e' request.
type EntriesRequest struct {
	FromIndex  uint64
	ByteBudget uint64
	CountLimit uint32
}

func MarshalEntriesRequest(r *EntriesRequest) []byte {
	buf := make([]byte, 0, 21)
	buf = append(buf, ReqEntries)
	buf = binary.LittleEndian.AppendUint64(buf, r.FromIndex)
	buf = binary.LittleEndian.AppendUint64(buf, r.ByteBudget)
	buf = binary.LittleEndian.AppendUint32(buf, r.CountLimit)
	return buf
}

func UnmarshalEntriesRequest(raw []byte) (EntriesRequest, error) {
	var r EntriesRequest
	if len(raw) != 21 || raw[0] != ReqEntries {
		return r, ErrShortFrame
	}
	r.FromIndex = binary.LittleEndian.Uint64(raw[1:9])
	r.ByteBudget = binary.LittleEndian.Uint64(raw[9:17])
	r.CountLimit = binary.LittleEndian.Uint32(raw[17:21])
	return r, nil
}

// MarshalChunkHeader encode the per-chunk header frame of a snapshot
// transfer on the 'e' stream.
func MarshalChunkHeader(c *SnapshotChunk) []byte {
	buf := make([]byte, 0, 25)
	buf = binary.LittleEndian.AppendUint64(buf, c.Index)
	buf = binary.LittleEndian.AppendUint64(buf, c.ByteOffset)
	buf = binary.LittleEndian.AppendUint64(buf, c.ByteSize)
	if c.Last {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func UnmarshalChunkHeader(raw []byte) (SnapshotChunk, error) {
	var c SnapshotChunk
	if len(raw) != 25 {
		return c, ErrShortFrame
	}
	c.Index = binary.LittleEndian.Uint64(raw[:8])
	c.ByteOffset = binary.LittleEndian.Uint64(raw[8:16])
	c.ByteSize = binary.LittleEndian.Uint64(raw[16:24])
	c.Last = raw[24] == 1
	return c, nil
}

// U64 and helpers for the single-value frames used across responses.

func U64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func ParseU64(raw []byte) (uint64, error) {
	if len(raw) != 8 {
		return 0, ErrShortFrame
	}
	return binary.LittleEndian.Uint64(raw), nil
}

func U32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func ParseU32(raw []byte) (uint32, error) {
	if len(raw) != 4 {
		return 0, ErrShortFrame
	}
	return binary.LittleEndian.Uint32(raw), nil
}
