package logpd

import (
	"encoding/gob"
	"fmt"
)

// EntryType discriminate what a log entry carries.
type EntryType int

const (
	// EntryState is an opaque application payload.
	EntryState EntryType = iota
	// EntryConfig carries a serialized cluster membership change.
	EntryConfig
	// EntryCheckpoint is appended by a newly elected leader to pin its
	// term in the log.
	EntryCheckpoint
)

var entryTypeStr = []string{
	"State",
	"Config",
	"Checkpoint",
}

func (t EntryType) String() string {
	if int(t) >= len(entryTypeStr) {
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
	return entryTypeStr[t]
}

// Entry is one immutable record of the replicated log.
type Entry struct {
	Index     uint64
	Term      uint32
	Type      EntryType
	RequestID RequestID
	Data      []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("logpd.Entry{idx: %d, term: %d, type: %v, rid: %v}",
		e.Index, e.Term, e.Type, e.RequestID)
}

// SnapshotChunk is one piece of a streamed snapshot transfer. Index is
// the snapshot's last included index; the body is addressed by byte
// offset within the snapshot data.
type SnapshotChunk struct {
	Index      uint64
	ByteOffset uint64
	ByteSize   uint64
	Last       bool
	Data       []byte
}

func (c *SnapshotChunk) Reset() { *c = SnapshotChunk{} }

func (c SnapshotChunk) String() string {
	return fmt.Sprintf("logpd.SnapshotChunk{idx: %d, off: %d, size: %d, last: %v}",
		c.Index, c.ByteOffset, c.ByteSize, c.Last)
}

// LogInfo is the tuple answered by the 'i' request.
type LogInfo struct {
	IsLeader     bool
	LeaderID     uint64
	CurrentTerm  uint32
	FirstIndex   uint64
	LastApplied  uint64
	CommitIndex  uint64
	LastIndex    uint64
	PruneIndex   uint64
	SnapshotSize uint64
}

func (i *LogInfo) Reset() { *i = LogInfo{} }

// ConfigInfo is the tuple answered by the '?' request.
type ConfigInfo struct {
	Peers    []Peer
	LeaderID uint64
}

func (c *ConfigInfo) Reset() { *c = ConfigInfo{} }

// Peer is one cluster member as carried on the wire and in config
// log entries.
type Peer struct {
	ID  uint64
	URL string
}

// PeerSet is the payload of an EntryConfig entry.
type PeerSet struct {
	Peers []Peer
}

func (p *PeerSet) Reset() { *p = PeerSet{} }

func init() {
	gob.Register(Entry{})
	gob.Register(SnapshotChunk{})
	gob.Register(LogInfo{})
	gob.Register(ConfigInfo{})
	gob.Register(PeerSet{})
}
