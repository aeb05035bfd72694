package logpd

import (
	"encoding/binary"
	"errors"
)

// Entry wire framing:
//
//	+----------------+---------+-----------+----------------+---------+
//	| request id(12) | type(1) | term(4 LE)| index (uvarint)| payload |
//	+----------------+---------+-----------+----------------+---------+
//
// The header width is stable within a cluster; only the index varies
// in width.
const entryHeaderFixed = RequestIDSize + 1 + 4

var (
	ErrShortEntry = errors.New("logpd: entry frame too short")
	ErrBadVarint  = errors.New("logpd: malformed index varint")
)

// MarshalEntry frame entry into a single byte slice.
func MarshalEntry(e *Entry) []byte {
	var idx [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(idx[:], e.Index)

	buf := make([]byte, 0, entryHeaderFixed+n+len(e.Data))
	buf = append(buf, e.RequestID[:]...)
	buf = append(buf, byte(e.Type))
	buf = binary.LittleEndian.AppendUint32(buf, e.Term)
	buf = append(buf, idx[:n]...)
	buf = append(buf, e.Data...)
	return buf
}

// UnmarshalEntry decode a framed entry. The payload aliases raw.
func UnmarshalEntry(raw []byte) (Entry, error) {
	var e Entry
	if len(raw) < entryHeaderFixed+1 {
		return e, ErrShortEntry
	}
	copy(e.RequestID[:], raw[:RequestIDSize])
	e.Type = EntryType(raw[RequestIDSize])
	e.Term = binary.LittleEndian.Uint32(raw[RequestIDSize+1 : entryHeaderFixed])
	idx, n := binary.Uvarint(raw[entryHeaderFixed:])
	if n <= 0 {
		return e, ErrBadVarint
	}
	e.Index = idx
	e.Data = raw[entryHeaderFixed+n:]
	return e, nil
}

// RequestIDOf extract the request id without decoding the rest of
// the frame.
func RequestIDOf(raw []byte) (RequestID, bool) {
	var rid RequestID
	if len(raw) < RequestIDSize {
		return rid, false
	}
	copy(rid[:], raw[:RequestIDSize])
	return rid, true
}

// IndexOf extract only the log index of a framed entry.
func IndexOf(raw []byte) (uint64, bool) {
	if len(raw) < entryHeaderFixed+1 {
		return 0, false
	}
	idx, n := binary.Uvarint(raw[entryHeaderFixed:])
	if n <= 0 {
		return 0, false
	}
	return idx, true
}
