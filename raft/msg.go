package raft

import (
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/jcalfee/node-zmq-raft/logpd"
)

// ErrUnknownPeer means a message was addressed to a peer missing
// from the current configuration.
var ErrUnknownPeer = errors.New("raft: unknown peer")

type MessageType int

// Message from leader:
// - Append request (heartbeat when empty)
// - Snapshot request
//
// Message from follower:
// - Append response
// - Snapshot response
//
// Message from candidate:
// - Vote request
//
// Message from all servers:
// - Vote response
const (
	MsgAppendRequest MessageType = iota
	MsgAppendResponse
	MsgVoteRequest
	MsgVoteResponse
	MsgSnapshotRequest
	MsgSnapshotResponse
)

var messageTypeStr = []string{
	"Append request",
	"Append response",
	"Vote request",
	"Vote response",
	"Snapshot request",
	"Snapshot response",
}

func (tp MessageType) String() string {
	return messageTypeStr[tp]
}

// SnapshotPayload carries a full snapshot to a lagging follower.
type SnapshotPayload struct {
	Index uint64
	Term  uint32
	Data  []byte
}

type Message struct {
	MsgType  MessageType
	From, To uint64
	Term     uint32

	// prev entry for appends, last entry for votes
	LogIndex uint64
	LogTerm  uint32

	Commit     uint64
	Reject     bool
	RejectHint uint64
	Entries    []logpd.Entry
	Snapshot   *SnapshotPayload
}

func (m *Message) Reset() { *m = Message{} }

func (m Message) String() string {
	return fmt.Sprintf("raft.Message{%v %d->%d term: %d, log: %d/%d, commit: %d, reject: %v}",
		m.MsgType, m.From, m.To, m.Term, m.LogIndex, m.LogTerm, m.Commit, m.Reject)
}

func init() {
	gob.Register(Message{})
	gob.Register(SnapshotPayload{})
}
