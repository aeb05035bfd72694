// Package server runs one peer of the replicated log service: the
// ZeroMQ ROUTER front end for client RPCs and raft traffic, the
// request-id dedup table, the broadcast publisher, and the wiring of
// log, snapshot and raft underneath.
package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/broadcast"
	"github.com/jcalfee/node-zmq-raft/config"
	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/raft"
	"github.com/jcalfee/node-zmq-raft/snap"
	"github.com/jcalfee/node-zmq-raft/utils"
	"github.com/jcalfee/node-zmq-raft/utils/pd"
	"github.com/jcalfee/node-zmq-raft/wal"
)

const (
	// per-message packing bounds for the 'e' stream
	streamMessageBytes   = 256 * 1024
	streamMessageEntries = 128
	snapshotChunkBytes   = 256 * 1024

	defaultStreamBudget = 8 * 1024 * 1024
)

// Config describe one service node.
type Config struct {
	ID      uint64
	DataDir string

	// BindURL is the ROUTER bind endpoint; the advertised URL lives
	// in the cluster peer set.
	BindURL    string
	PubBindURL string
	PubURL     string

	Cluster config.Cluster

	ElectionTimeout  int // milliseconds
	HeartbeatTimeout int
	TickSize         int
}

type pendingReply struct {
	identity []byte
	corr     []byte
	at       time.Time
}

// Node is a running service peer.
type Node struct {
	cfg     Config
	cluster config.Cluster

	ctx    context.Context
	cancel context.CancelFunc

	wal       *wal.Log
	store     *raft.StateStore
	raft      *raft.Node
	transport *peerTransport
	pub       *broadcast.Publisher
	dedup     *dedupTable
	snapPath  string

	router zmq4.Socket
	sendMu sync.Mutex

	mu          sync.Mutex
	lastApplied uint64
	waiters     map[logpd.RequestID][]pendingReply
	proposed    map[logpd.RequestID]bool
	applyQueue  []logpd.Entry
	applyWake   chan struct{}
	wasLeader   bool

	sweep *utils.Timer
	done  chan struct{}
}

// Start bring the node up: config, snapshot metadata and log, raft
// state store, rpc router, peer transport and publisher, then raft,
// in that order.
func Start(cfg Config) (*Node, error) {
	cfg.Cluster = cfg.Cluster.WithDefaults()
	if err := cfg.Cluster.Validate(); err != nil {
		return nil, err
	}
	if cfg.ElectionTimeout <= 0 {
		cfg.ElectionTimeout = 1000
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 100
	}
	if cfg.TickSize <= 0 {
		cfg.TickSize = 25
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:       cfg,
		cluster:   cfg.Cluster,
		ctx:       ctx,
		cancel:    cancel,
		dedup:     makeDedupTable(cfg.Cluster.FreshnessWindow),
		snapPath:  filepath.Join(cfg.DataDir, "snap"),
		waiters:   make(map[logpd.RequestID][]pendingReply),
		proposed:  make(map[logpd.RequestID]bool),
		applyWake: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	if err := n.openStorage(); err != nil {
		cancel()
		return nil, err
	}
	if err := n.openNetwork(); err != nil {
		n.closeStorage()
		cancel()
		return nil, err
	}

	ids := make([]uint64, len(n.cluster.Peers))
	for i, peer := range n.cluster.Peers {
		ids[i] = peer.ID
	}
	rn, err := raft.MakeNode(raft.Config{
		ID:               cfg.ID,
		Peers:            ids,
		ElectionTimeout:  cfg.ElectionTimeout,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		TickSize:         cfg.TickSize,
	}, n.wal, n.store, n.transport, n)
	if err != nil {
		n.closeNetwork()
		n.closeStorage()
		cancel()
		return nil, err
	}
	n.raft = rn

	go n.routerLoop()
	go n.applyLoop()
	n.sweep = utils.StartTimer(1000, n.periodicSweep)

	log.Infof("%d server started at %s (data %s)", cfg.ID, cfg.BindURL, cfg.DataDir)
	return n, nil
}

func (n *Node) openStorage() error {
	if err := snap.SweepTemp(n.cfg.DataDir); err != nil {
		return err
	}
	meta, _, err := snap.ReadMeta(n.snapPath)
	if err != nil {
		return err
	}

	w, err := wal.Open(filepath.Join(n.cfg.DataDir, "log"),
		meta.LastIncludedIndex, meta.LastIncludedTerm, wal.Options{
			MaxEntriesPerSegment: n.cluster.MaxEntriesPerSegment,
			MaxBytesPerSegment:   n.cluster.MaxBytesPerSegment,
		})
	if err != nil {
		return err
	}
	n.wal = w
	n.lastApplied = meta.LastIncludedIndex

	store, err := raft.OpenStateStore(filepath.Join(n.cfg.DataDir, "raft-state"))
	if err != nil {
		w.Close()
		return err
	}
	n.store = store

	// a persisted peer set from an applied config entry wins over
	// the bootstrap configuration
	if peers, err := store.LoadPeers(); err == nil && len(peers) > 0 {
		n.cluster.Peers = peers
	} else if err := store.SavePeers(n.cluster.Peers); err != nil {
		store.Close()
		w.Close()
		return err
	}
	return nil
}

func (n *Node) closeStorage() {
	if n.store != nil {
		n.store.Close()
	}
	if n.wal != nil {
		n.wal.Close()
	}
}

func (n *Node) openNetwork() error {
	router := zmq4.NewRouter(n.ctx)
	if err := router.Listen(n.cfg.BindURL); err != nil {
		return err
	}
	n.router = router
	n.transport = makePeerTransport(n.ctx, n.cluster.Peers)

	pub, err := broadcast.MakePublisher(n.cfg.PubBindURL, n.cfg.PubURL,
		n.cluster.Secret, n.cluster.HeartbeatInterval, 0, n.wal.LastIndex())
	if err != nil {
		n.transport.Close()
		router.Close()
		return err
	}
	n.pub = pub
	return nil
}

func (n *Node) closeNetwork() {
	if n.pub != nil {
		n.pub.Close()
	}
	if n.transport != nil {
		n.transport.Close()
	}
	if n.router != nil {
		n.router.Close()
	}
}

// Stop tear the node down in reverse of startup order.
func (n *Node) Stop() {
	n.cancel()
	n.sweep.Stop()
	n.raft.Kill()
	n.closeNetwork()
	close(n.done)
	n.closeStorage()
	log.Infof("%d server stopped", n.cfg.ID)
}

// Status expose the raft view for tests and tooling.
func (n *Node) Status() raft.Status {
	return n.raft.Status()
}

// LastApplied return the highest index handed to the dedup/broadcast
// pipeline.
func (n *Node) LastApplied() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastApplied
}

/* ---- raft.Applier ---- */

// ApplyEntry runs under the raft mutex: it only queues. The apply
// loop does the real work so nothing here can call back into raft.
func (n *Node) ApplyEntry(entry *logpd.Entry) {
	n.mu.Lock()
	n.applyQueue = append(n.applyQueue, *entry)
	n.mu.Unlock()
	select {
	case n.applyWake <- struct{}{}:
	default:
	}
}

func (n *Node) ApplySnapshot(index uint64, term uint32, data []byte) error {
	writer, err := snap.MakeWriter(n.snapPath, snap.Meta{
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		DataSize:          uint64(len(data)),
	})
	if err != nil {
		return err
	}
	if _, err := writer.Write(data); err != nil {
		writer.Abort()
		return err
	}
	if err := writer.Commit(); err != nil {
		return err
	}
	if err := n.wal.InstallSnapshot(index, term); err != nil {
		return err
	}
	n.mu.Lock()
	n.lastApplied = utils.MaxUint64(n.lastApplied, index)
	n.mu.Unlock()
	return nil
}

func (n *Node) ReadSnapshot() (uint64, uint32, []byte, error) {
	reader, err := snap.OpenReader(n.snapPath)
	if err != nil {
		return 0, 0, nil, err
	}
	defer reader.Close()

	body, err := reader.Body()
	if err != nil {
		return 0, 0, nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, 0, nil, err
	}
	meta := reader.Meta()
	return meta.LastIncludedIndex, meta.LastIncludedTerm, data, nil
}

/* ---- apply pipeline ---- */

func (n *Node) applyLoop() {
	for {
		select {
		case <-n.done:
			return
		case <-n.applyWake:
		}

		n.mu.Lock()
		entries := n.applyQueue
		n.applyQueue = nil
		n.mu.Unlock()
		if len(entries) == 0 {
			continue
		}

		st := n.raft.Status()
		for i := range entries {
			n.applyOne(&entries[i])
		}
		if st.IsLeader {
			n.pub.Publish(st.Term, entries[len(entries)-1].Index, entries)
		}
	}
}

func (n *Node) applyOne(entry *logpd.Entry) {
	n.mu.Lock()
	n.lastApplied = utils.MaxUint64(n.lastApplied, entry.Index)
	delete(n.proposed, entry.RequestID)
	pending := n.waiters[entry.RequestID]
	delete(n.waiters, entry.RequestID)
	n.mu.Unlock()

	n.dedup.Record(entry.RequestID, entry.Index)

	for _, p := range pending {
		n.reply(p.identity, p.corr, [][]byte{{logpd.StatusOK}, logpd.U64(entry.Index)})
	}

	if entry.Type == logpd.EntryConfig {
		peers, err := config.UnmarshalPeers(entry.Data)
		if err != nil {
			log.Errorf("%d malformed config entry at %d: %v", n.cfg.ID, entry.Index, err)
			return
		}
		n.applyPeers(peers)
	}
}

func (n *Node) applyPeers(peers []logpd.Peer) {
	n.mu.Lock()
	n.cluster.Peers = peers
	n.mu.Unlock()

	ids := make([]uint64, len(peers))
	for i, peer := range peers {
		ids[i] = peer.ID
	}
	n.raft.UpdatePeers(ids)
	n.transport.UpdatePeers(peers)
	if err := n.store.SavePeers(peers); err != nil {
		log.Errorf("%d persist peers failed: %v", n.cfg.ID, err)
	}
	log.Infof("%d cluster config now %d peers", n.cfg.ID, len(peers))
}

// periodicSweep expire dedup ids and abandoned update waiters, and
// track leadership movement for the publisher.
func (n *Node) periodicSweep(now time.Time) {
	n.dedup.Sweep(now)

	st := n.raft.Status()
	n.mu.Lock()
	if st.IsLeader != n.wasLeader {
		n.wasLeader = st.IsLeader
		if !st.IsLeader {
			// in-flight proposals died with leadership; clients
			// retransmit and dedup keeps them idempotent
			n.proposed = make(map[logpd.RequestID]bool)
		}
	}
	cutoff := now.Add(-10 * time.Second)
	for rid, pending := range n.waiters {
		kept := pending[:0]
		for _, p := range pending {
			if p.at.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(n.waiters, rid)
		} else {
			n.waiters[rid] = kept
		}
	}
	n.mu.Unlock()

	n.pub.SetActive(st.IsLeader, st.Term, n.wal.LastIndex())
}

/* ---- RPC front end ---- */

func (n *Node) routerLoop() {
	for {
		msg, err := n.router.Recv()
		if err != nil {
			return
		}
		frames := msg.Frames
		if len(frames) < 3 || len(frames[2]) == 0 {
			continue
		}
		identity, corr, rest := frames[0], frames[1], frames[2:]
		go n.handle(identity, corr, rest)
	}
}

func (n *Node) reply(identity, corr []byte, frames [][]byte) {
	all := append([][]byte{identity, corr}, frames...)
	n.sendMu.Lock()
	defer n.sendMu.Unlock()
	if err := n.router.Send(zmq4.NewMsgFrom(all...)); err != nil {
		log.Debugf("%d reply failed: %v", n.cfg.ID, err)
	}
}

func (n *Node) handle(identity, corr []byte, frames [][]byte) {
	switch frames[0][0] {
	case reqRaft:
		if len(frames) < 2 {
			return
		}
		var msg raft.Message
		if pd.MaybeUnmarshal(&msg, frames[1]) {
			n.raft.Step(&msg)
		}
	case logpd.ReqConfig:
		n.handleConfig(identity, corr)
	case logpd.ReqLogInfo:
		n.handleLogInfo(identity, corr, frames[0])
	case logpd.ReqUpdate:
		n.handleUpdate(identity, corr, frames)
	case logpd.ReqEntries:
		n.handleEntries(identity, corr, frames[0])
	case logpd.ReqPublisherURL:
		n.handlePublisherURL(identity, corr, frames)
	default:
		n.reply(identity, corr, [][]byte{{logpd.StatusError}})
	}
}

func (n *Node) peersCopy() []logpd.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]logpd.Peer, len(n.cluster.Peers))
	copy(peers, n.cluster.Peers)
	return peers
}

func (n *Node) handleConfig(identity, corr []byte) {
	st := n.raft.Status()
	info := logpd.ConfigInfo{Peers: n.peersCopy(), LeaderID: st.LeaderID}
	n.reply(identity, corr, [][]byte{{logpd.StatusOK}, pd.MustMarshal(&info)})
}

// redirectReply answer a leader-only request from a non-leader.
func (n *Node) redirectReply(identity, corr []byte, st raft.Status) {
	if st.LeaderID != 0 {
		if peer, ok := config.PeerByID(n.peersCopy(), st.LeaderID); ok {
			n.reply(identity, corr, [][]byte{
				{logpd.StatusRedirect}, logpd.U64(peer.ID), []byte(peer.URL)})
			return
		}
	}
	n.reply(identity, corr, [][]byte{{logpd.StatusNoLeader}})
}

func (n *Node) handleLogInfo(identity, corr, arg []byte) {
	anyPeer := len(arg) > 1 && arg[1] == 1
	st := n.raft.Status()
	if !anyPeer && !st.IsLeader {
		n.redirectReply(identity, corr, st)
		return
	}

	var snapshotSize uint64
	if meta, ok, err := snap.ReadMeta(n.snapPath); err == nil && ok {
		snapshotSize = meta.DataSize
	}
	info := logpd.LogInfo{
		IsLeader:     st.IsLeader,
		LeaderID:     st.LeaderID,
		CurrentTerm:  st.Term,
		FirstIndex:   n.wal.FirstIndex(),
		LastApplied:  n.LastApplied(),
		CommitIndex:  st.CommitIndex,
		LastIndex:    n.wal.LastIndex(),
		PruneIndex:   st.CommitIndex,
		SnapshotSize: snapshotSize,
	}
	n.reply(identity, corr, [][]byte{{logpd.StatusOK}, pd.MustMarshal(&info)})
}

func (n *Node) handleUpdate(identity, corr []byte, frames [][]byte) {
	if len(frames) < 3 {
		n.reply(identity, corr, [][]byte{{logpd.StatusError}})
		return
	}
	rid, err := logpd.RequestIDFromBytes(frames[1])
	if err != nil || rid.IsZero() {
		n.reply(identity, corr, [][]byte{{logpd.StatusError}})
		return
	}

	// retransmit of an applied request: answer the original index
	if index, ok := n.dedup.Lookup(rid); ok {
		n.reply(identity, corr, [][]byte{{logpd.StatusOK}, logpd.U64(index)})
		return
	}

	if rid.Expired(time.Now(), n.cluster.FreshnessWindow) && !n.cluster.ReappendExpiredIDs {
		n.reply(identity, corr, [][]byte{{logpd.StatusStale}})
		return
	}

	st := n.raft.Status()
	if !st.IsLeader {
		n.redirectReply(identity, corr, st)
		return
	}

	n.mu.Lock()
	n.waiters[rid] = append(n.waiters[rid], pendingReply{
		identity: append([]byte(nil), identity...),
		corr:     append([]byte(nil), corr...),
		at:       time.Now(),
	})
	alreadyProposed := n.proposed[rid]
	if !alreadyProposed {
		n.proposed[rid] = true
	}
	n.mu.Unlock()

	if alreadyProposed {
		return // commit resolves every waiter of this id
	}
	if _, _, ok := n.raft.Propose(logpd.EntryState, rid, frames[2]); !ok {
		n.mu.Lock()
		delete(n.proposed, rid)
		delete(n.waiters, rid)
		n.mu.Unlock()
		n.redirectReply(identity, corr, n.raft.Status())
	}
}

func (n *Node) handlePublisherURL(identity, corr []byte, frames [][]byte) {
	if len(frames) < 2 || string(frames[1]) != string(n.cluster.Secret) {
		n.reply(identity, corr, [][]byte{{logpd.StatusError}})
		return
	}
	st := n.raft.Status()
	if !st.IsLeader {
		// only the leader fans out; clients keep asking around
		n.reply(identity, corr, [][]byte{{logpd.StatusOK}, {}})
		return
	}
	n.reply(identity, corr, [][]byte{{logpd.StatusOK}, []byte(n.pub.URL())})
}

// handleEntries serve the 'e' stream: entries from the rolling log,
// or a chunked snapshot transfer when the range was compacted away,
// then tail entries.
func (n *Node) handleEntries(identity, corr, arg []byte) {
	req, err := logpd.UnmarshalEntriesRequest(arg)
	if err != nil {
		n.reply(identity, corr, [][]byte{{logpd.StatusError}})
		return
	}
	from := req.FromIndex
	if from == 0 {
		from = 1
	}
	budget := int64(req.ByteBudget)
	if budget <= 0 {
		budget = defaultStreamBudget
	}
	count := uint64(req.CountLimit)
	if count == 0 {
		count = ^uint64(0)
	}

	if from < n.wal.FirstIndex() {
		last, ok := n.streamSnapshot(identity, corr)
		if !ok {
			n.reply(identity, corr, [][]byte{{logpd.StatusError}})
			return
		}
		from = last + 1
	}

	st := n.raft.Status()
	lastSent := n.streamEntries(identity, corr, from, st.CommitIndex, budget, count)
	n.reply(identity, corr, [][]byte{{logpd.StatusDone}, logpd.U64(lastSent)})
}

func (n *Node) streamSnapshot(identity, corr []byte) (uint64, bool) {
	reader, err := snap.OpenReader(n.snapPath)
	if err != nil {
		return 0, false
	}
	defer reader.Close()

	meta := reader.Meta()
	size, err := reader.Size()
	if err != nil {
		return 0, false
	}

	var off uint64
	for {
		chunkLen := uint64(snapshotChunkBytes)
		if off+chunkLen >= size {
			chunkLen = size - off
		}
		chunk := logpd.SnapshotChunk{
			Index:      meta.LastIncludedIndex,
			ByteOffset: off,
			ByteSize:   chunkLen,
			Last:       off+chunkLen >= size,
		}
		data, err := reader.ReadChunkAt(off, chunkLen)
		if err != nil {
			return 0, false
		}
		n.reply(identity, corr, [][]byte{
			{logpd.StatusSnapshot}, logpd.MarshalChunkHeader(&chunk), data})
		off += chunkLen
		if chunk.Last {
			return meta.LastIncludedIndex, true
		}
	}
}

func (n *Node) streamEntries(identity, corr []byte, from, to uint64, budget int64, count uint64) uint64 {
	var batch [][]byte
	var batchBytes int
	flush := func() {
		if len(batch) == 0 {
			return
		}
		frames := append([][]byte{{logpd.StatusEntries}}, batch...)
		n.reply(identity, corr, frames)
		batch = nil
		batchBytes = 0
	}

	var sent uint64
	last, err := n.wal.ReadRange(from, to, budget, func(entry logpd.Entry) bool {
		raw := logpd.MarshalEntry(&entry)
		batch = append(batch, raw)
		batchBytes += len(raw)
		if len(batch) >= streamMessageEntries || batchBytes >= streamMessageBytes {
			flush()
		}
		sent++
		return sent < count
	})
	if err != nil {
		log.Errorf("%d entries stream failed: %v", n.cfg.ID, err)
	}
	flush()
	return last
}

// ProposeConfig append a new peer set as a config entry. Leader only.
func (n *Node) ProposeConfig(peers []logpd.Peer) (uint64, error) {
	cl := config.Cluster{Peers: peers, Secret: n.cluster.Secret}
	if err := cl.Validate(); err != nil {
		return 0, err
	}
	index, _, ok := n.raft.Propose(logpd.EntryConfig, logpd.NewRequestID(), config.MarshalPeers(peers))
	if !ok {
		return 0, fmt.Errorf("server: not the leader")
	}
	return index, nil
}
