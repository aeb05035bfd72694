// Package raft drives leader election and log replication over the
// rolling log. Correctness follows the Raft paper; the package's
// surface is the narrow collaborator contract the log service
// consumes: propose, step, status, and an apply callback.
package raft

import (
	"math/rand"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/config"
	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils"
	"github.com/jcalfee/node-zmq-raft/wal"
)

type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

var roleStr = []string{"Follower", "Candidate", "Leader"}

func (r Role) String() string { return roleStr[r] }

// Transport delivers messages to other peers. Send failures mean the
// peer is unreachable right now; raft retries on its own schedule.
type Transport interface {
	Send(to uint64, msg *Message) error
}

// Applier receives committed entries in index order plus the
// snapshot hooks used when a peer lags behind the log's first index.
type Applier interface {
	ApplyEntry(entry *logpd.Entry)
	ApplySnapshot(index uint64, term uint32, data []byte) error
	ReadSnapshot() (index uint64, term uint32, data []byte, err error)
}

// Config carries the per-node raft knobs.
type Config struct {
	ID               uint64
	Peers            []uint64
	ElectionTimeout  int // milliseconds
	HeartbeatTimeout int // milliseconds
	TickSize         int // milliseconds per periodic tick
	MaxEntriesPerMsg int
}

type peerProgress struct {
	next  uint64
	match uint64
}

// Node is one raft participant. All mutable state is confined behind
// the mutex; the periodic timer, Step and Propose are the entry
// points that advance the state machine.
type Node struct {
	mutex sync.Mutex

	cfg       Config
	wal       *wal.Log
	store     *StateStore
	transport Transport
	applier   Applier

	role     Role
	term     uint32
	vote     uint64
	leaderID uint64

	commitIndex uint64
	lastApplied uint64

	peers map[uint64]*peerProgress
	votes map[uint64]bool

	electionElapsed  int
	heartbeatElapsed int
	randomizedET     int
	rand             *rand.Rand

	timer *utils.Timer
}

// MakeNode restore hard state and start the periodic driver.
func MakeNode(cfg Config, w *wal.Log, store *StateStore,
	transport Transport, applier Applier) (*Node, error) {
	if cfg.MaxEntriesPerMsg <= 0 {
		cfg.MaxEntriesPerMsg = 128
	}

	term, vote, err := store.Load()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:         cfg,
		wal:         w,
		store:       store,
		transport:   transport,
		applier:     applier,
		term:        term,
		vote:        vote,
		commitIndex: w.SnapshotIndex(),
		lastApplied: w.SnapshotIndex(),
		peers:       make(map[uint64]*peerProgress),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
	}
	for _, id := range cfg.Peers {
		if id != cfg.ID {
			n.peers[id] = &peerProgress{next: w.LastIndex() + 1}
		}
	}
	n.becomeFollower(term, 0)

	log.Infof("%d raft node starts [term: %d, last: %d, commit: %d]",
		cfg.ID, n.term, w.LastIndex(), n.commitIndex)

	n.service()
	return n, nil
}

// service drive Periodic off a wall-clock ticker; the tick hands
// over elapsed real milliseconds, not tick counts.
func (n *Node) service() {
	last := time.Now()
	n.timer = utils.StartTimer(n.cfg.TickSize, func(now time.Time) {
		millis := int(now.Sub(last).Nanoseconds() / 1e6)
		last = now
		n.Periodic(millis)
	})
}

// Kill stop the periodic driver. The wal stays open; the owner
// closes it after teardown of the layers above.
func (n *Node) Kill() {
	n.timer.Stop()
}

// Status is the snapshot of raft state the service layer reports.
type Status struct {
	ID          uint64
	Term        uint32
	LeaderID    uint64
	CommitIndex uint64
	LastApplied uint64
	IsLeader    bool
}

func (n *Node) Status() Status {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	return Status{
		ID:          n.cfg.ID,
		Term:        n.term,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		IsLeader:    n.role == Leader,
	}
}

// UpdatePeers install a new peer set from a committed config entry.
func (n *Node) UpdatePeers(ids []uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	known := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		known[id] = true
		if id != n.cfg.ID {
			if _, ok := n.peers[id]; !ok {
				n.peers[id] = &peerProgress{next: n.wal.LastIndex() + 1}
			}
		}
	}
	for id := range n.peers {
		if !known[id] {
			delete(n.peers, id)
		}
	}
	n.cfg.Peers = ids
}

// Propose append an entry at the next index if this node leads.
func (n *Node) Propose(entryType logpd.EntryType, rid logpd.RequestID, data []byte) (uint64, uint32, bool) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if n.role != Leader {
		return 0, 0, false
	}

	entry := logpd.Entry{
		Term:      n.term,
		Type:      entryType,
		RequestID: rid,
		Data:      data,
	}
	index, err := n.wal.Append(&entry)
	if err != nil {
		log.Panicf("%d append failed: %v", n.cfg.ID, err)
	}
	if err := n.wal.Sync(); err != nil {
		log.Panicf("%d wal sync failed: %v", n.cfg.ID, err)
	}

	n.broadcastAppend()
	n.maybeCommit()
	return index, n.term, true
}

// Step feed one message from the network into the state machine.
func (n *Node) Step(msg *Message) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if msg.Term > n.term {
		leader := uint64(0)
		if msg.MsgType == MsgAppendRequest || msg.MsgType == MsgSnapshotRequest {
			leader = msg.From
		}
		n.becomeFollower(msg.Term, leader)
		n.persist()
	}

	switch msg.MsgType {
	case MsgVoteRequest:
		n.handleVoteRequest(msg)
	case MsgVoteResponse:
		n.handleVoteResponse(msg)
	case MsgAppendRequest:
		n.handleAppendRequest(msg)
	case MsgAppendResponse:
		n.handleAppendResponse(msg)
	case MsgSnapshotRequest:
		n.handleSnapshotRequest(msg)
	case MsgSnapshotResponse:
		n.handleSnapshotResponse(msg)
	}
}

// Unreachable drop a peer back to probing from its match index.
func (n *Node) Unreachable(peer uint64) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	if ps, ok := n.peers[peer]; ok {
		ps.next = utils.MaxUint64(ps.match+1, 1)
	}
}

// Periodic advance timers by the elapsed wall-clock milliseconds.
func (n *Node) Periodic(millis int) {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	switch n.role {
	case Leader:
		n.heartbeatElapsed += millis
		if n.heartbeatElapsed >= n.cfg.HeartbeatTimeout {
			n.heartbeatElapsed = 0
			n.broadcastAppend()
		}
	default:
		n.electionElapsed += millis
		if n.electionElapsed >= n.randomizedET {
			n.campaign()
		}
	}
}

func (n *Node) resetElectionTimer() {
	n.electionElapsed = 0
	n.randomizedET = n.cfg.ElectionTimeout + n.rand.Intn(n.cfg.ElectionTimeout)
}

func (n *Node) becomeFollower(term uint32, leader uint64) {
	n.role = Follower
	if term != n.term {
		n.vote = 0
	}
	n.term = term
	n.leaderID = leader
	n.votes = nil
	n.resetElectionTimer()
}

func (n *Node) becomeLeader() {
	utils.Assert(n.role == Candidate, "%d only a candidate may win", n.cfg.ID)
	n.role = Leader
	n.leaderID = n.cfg.ID
	n.heartbeatElapsed = 0
	for _, ps := range n.peers {
		ps.next = n.wal.LastIndex() + 1
		ps.match = 0
	}

	log.Infof("%d becomes leader at term %d", n.cfg.ID, n.term)

	// a checkpoint entry pins the new term in the log, so committed
	// state from earlier terms becomes committable right away
	entry := logpd.Entry{Term: n.term, Type: logpd.EntryCheckpoint}
	if _, err := n.wal.Append(&entry); err != nil {
		log.Panicf("%d append checkpoint failed: %v", n.cfg.ID, err)
	}
	if err := n.wal.Sync(); err != nil {
		log.Panicf("%d wal sync failed: %v", n.cfg.ID, err)
	}
	n.broadcastAppend()
	n.maybeCommit()
}

func (n *Node) campaign() {
	n.role = Candidate
	n.term++
	n.vote = n.cfg.ID
	n.leaderID = 0
	n.votes = map[uint64]bool{n.cfg.ID: true}
	n.persist()
	n.resetElectionTimer()

	log.Debugf("%d starts election at term %d", n.cfg.ID, n.term)

	if n.hasQuorum(len(n.votes)) {
		n.becomeLeader()
		return
	}
	for id := range n.peers {
		n.send(&Message{
			MsgType:  MsgVoteRequest,
			To:       id,
			LogIndex: n.wal.LastIndex(),
			LogTerm:  n.wal.LastTerm(),
		})
	}
}

func (n *Node) hasQuorum(count int) bool {
	return count >= config.MajorityOf(len(n.peers)+1)
}

func (n *Node) handleVoteRequest(msg *Message) {
	reject := true
	if msg.Term == n.term && (n.vote == 0 || n.vote == msg.From) && n.upToDate(msg) {
		reject = false
		n.vote = msg.From
		n.persist()
		n.resetElectionTimer()
	}
	log.Debugf("%d vote request from %d [term: %d]: reject=%v",
		n.cfg.ID, msg.From, msg.Term, reject)
	n.send(&Message{MsgType: MsgVoteResponse, To: msg.From, Reject: reject})
}

// upToDate implement the Raft §5.4.1 election restriction.
func (n *Node) upToDate(msg *Message) bool {
	lastTerm := n.wal.LastTerm()
	return msg.LogTerm > lastTerm ||
		(msg.LogTerm == lastTerm && msg.LogIndex >= n.wal.LastIndex())
}

func (n *Node) handleVoteResponse(msg *Message) {
	if n.role != Candidate || msg.Term < n.term {
		return
	}
	if n.votes == nil {
		n.votes = make(map[uint64]bool)
	}
	if !msg.Reject {
		n.votes[msg.From] = true
	}
	if n.hasQuorum(len(n.votes)) {
		n.becomeLeader()
	}
}

func (n *Node) handleAppendRequest(msg *Message) {
	if msg.Term < n.term {
		n.send(&Message{MsgType: MsgAppendResponse, To: msg.From, Reject: true,
			RejectHint: n.wal.LastIndex()})
		return
	}
	n.becomeFollower(msg.Term, msg.From)

	prevTerm, ok := n.wal.TermAt(msg.LogIndex)
	if msg.LogIndex > n.wal.LastIndex() || (ok && prevTerm != msg.LogTerm) || (!ok && msg.LogIndex > n.wal.SnapshotIndex()) {
		hint := utils.MinUint64(n.wal.LastIndex(), msg.LogIndex)
		log.Debugf("%d reject append from %d at %d [term: %d], hint %d",
			n.cfg.ID, msg.From, msg.LogIndex, msg.LogTerm, hint)
		n.send(&Message{MsgType: MsgAppendResponse, To: msg.From,
			Reject: true, RejectHint: hint})
		return
	}

	matched := msg.LogIndex + uint64(len(msg.Entries))
	for i := range msg.Entries {
		entry := &msg.Entries[i]
		if entry.Index <= n.wal.SnapshotIndex() {
			continue // compacted away already
		}
		if term, ok := n.wal.TermAt(entry.Index); ok && term == entry.Term {
			continue // already have it
		}
		utils.Assert(entry.Index > n.commitIndex,
			"%d entry %d conflicts below commit %d", n.cfg.ID, entry.Index, n.commitIndex)
		if err := n.wal.TruncateAfter(entry.Index - 1); err != nil {
			log.Panicf("%d truncate failed: %v", n.cfg.ID, err)
		}
		for j := i; j < len(msg.Entries); j++ {
			if _, err := n.wal.Append(&msg.Entries[j]); err != nil {
				log.Panicf("%d append failed: %v", n.cfg.ID, err)
			}
		}
		if err := n.wal.Sync(); err != nil {
			log.Panicf("%d wal sync failed: %v", n.cfg.ID, err)
		}
		break
	}

	n.commitTo(utils.MinUint64(msg.Commit, matched))
	n.send(&Message{MsgType: MsgAppendResponse, To: msg.From, LogIndex: matched})
}

func (n *Node) handleAppendResponse(msg *Message) {
	if n.role != Leader || msg.Term < n.term {
		return
	}
	ps, ok := n.peers[msg.From]
	if !ok {
		return
	}
	if msg.Reject {
		next := utils.MinUint64(msg.RejectHint+1, ps.next-1)
		ps.next = utils.MaxUint64(next, ps.match+1)
		if ps.next == 0 {
			ps.next = 1
		}
		n.sendAppend(msg.From)
		return
	}
	if msg.LogIndex > ps.match {
		ps.match = msg.LogIndex
		ps.next = msg.LogIndex + 1
		n.maybeCommit()
	}
	if ps.next <= n.wal.LastIndex() {
		n.sendAppend(msg.From)
	}
}

func (n *Node) handleSnapshotRequest(msg *Message) {
	if msg.Term < n.term || msg.Snapshot == nil {
		return
	}
	n.becomeFollower(msg.Term, msg.From)

	snapshot := msg.Snapshot
	if snapshot.Index <= n.commitIndex {
		n.send(&Message{MsgType: MsgSnapshotResponse, To: msg.From, LogIndex: n.commitIndex})
		return
	}

	log.Infof("%d installing snapshot at %d [term: %d]",
		n.cfg.ID, snapshot.Index, snapshot.Term)
	if err := n.applier.ApplySnapshot(snapshot.Index, snapshot.Term, snapshot.Data); err != nil {
		log.Errorf("%d snapshot install failed: %v", n.cfg.ID, err)
		return
	}
	n.commitIndex = utils.MaxUint64(n.commitIndex, snapshot.Index)
	n.lastApplied = utils.MaxUint64(n.lastApplied, snapshot.Index)
	n.send(&Message{MsgType: MsgSnapshotResponse, To: msg.From, LogIndex: snapshot.Index})
}

func (n *Node) handleSnapshotResponse(msg *Message) {
	if n.role != Leader {
		return
	}
	if ps, ok := n.peers[msg.From]; ok {
		ps.match = utils.MaxUint64(ps.match, msg.LogIndex)
		ps.next = ps.match + 1
	}
}

func (n *Node) broadcastAppend() {
	for id := range n.peers {
		n.sendAppend(id)
	}
}

func (n *Node) sendAppend(to uint64) {
	ps := n.peers[to]

	if ps.next <= n.wal.SnapshotIndex() {
		index, term, data, err := n.applier.ReadSnapshot()
		if err != nil {
			log.Errorf("%d read snapshot for %d failed: %v", n.cfg.ID, to, err)
			return
		}
		n.send(&Message{
			MsgType:  MsgSnapshotRequest,
			To:       to,
			Snapshot: &SnapshotPayload{Index: index, Term: term, Data: data},
		})
		ps.next = index + 1
		return
	}

	prev := ps.next - 1
	prevTerm, ok := n.wal.TermAt(prev)
	if !ok {
		// prev slid under a concurrent compaction, retry as snapshot
		ps.next = n.wal.SnapshotIndex()
		if ps.next == 0 {
			ps.next = 1
		}
		return
	}

	var entries []logpd.Entry
	last := utils.MinUint64(n.wal.LastIndex(), prev+uint64(n.cfg.MaxEntriesPerMsg))
	for index := ps.next; index <= last; index++ {
		entry, ok, err := n.wal.Read(index)
		if err != nil || !ok {
			log.Panicf("%d read %d for append failed: %v", n.cfg.ID, index, err)
		}
		entries = append(entries, entry)
	}

	n.send(&Message{
		MsgType:  MsgAppendRequest,
		To:       to,
		LogIndex: prev,
		LogTerm:  prevTerm,
		Commit:   n.commitIndex,
		Entries:  entries,
	})
}

// maybeCommit advance the commit index to the highest entry of the
// current term replicated on a quorum.
func (n *Node) maybeCommit() {
	if n.role != Leader {
		return
	}
	last := n.wal.LastIndex()
	for index := last; index > n.commitIndex; index-- {
		term, ok := n.wal.TermAt(index)
		if !ok || term != n.term {
			break
		}
		count := 1 // self
		for _, ps := range n.peers {
			if ps.match >= index {
				count++
			}
		}
		if n.hasQuorum(count) {
			n.commitTo(index)
			// propagate the new commit index without waiting for
			// the next heartbeat
			n.broadcastAppend()
			break
		}
	}
}

func (n *Node) commitTo(to uint64) {
	if to <= n.commitIndex {
		return
	}
	utils.Assert(to <= n.wal.LastIndex(),
		"%d commit %d beyond last %d", n.cfg.ID, to, n.wal.LastIndex())
	n.commitIndex = to
	log.Debugf("%d commit entries to index: %d", n.cfg.ID, to)
	n.applyCommitted()
}

func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		index := n.lastApplied + 1
		entry, ok, err := n.wal.Read(index)
		if err != nil || !ok {
			log.Panicf("%d apply read %d failed: %v", n.cfg.ID, index, err)
		}
		n.applier.ApplyEntry(&entry)
		n.lastApplied = index
	}
}

// persist write term and vote before any message that depends on
// them leaves this node.
func (n *Node) persist() {
	if err := n.store.Save(n.term, n.vote); err != nil {
		log.Panicf("%d persist hard state failed: %v", n.cfg.ID, err)
	}
}

func (n *Node) send(msg *Message) {
	msg.From = n.cfg.ID
	msg.Term = n.term
	if err := n.transport.Send(msg.To, msg); err != nil {
		if ps, ok := n.peers[msg.To]; ok && n.role == Leader {
			ps.next = utils.MaxUint64(ps.match+1, 1)
		}
	}
}
