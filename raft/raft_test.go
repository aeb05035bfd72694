package raft

import (
	"bytes"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/thinkermao/network-simu-go"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils/pd"
	"github.com/jcalfee/node-zmq-raft/wal"
)

const (
	testElectionTimeout  = 200
	testHeartbeatTimeout = 50
	testTickSize         = 10
)

// testPeer wires one raft node to the simulated network and records
// what it applies.
type testPeer struct {
	t       *testing.T
	handler network.Handler

	mu      sync.Mutex
	node    *Node
	applied []logpd.Entry
}

func (p *testPeer) id() uint64 { return uint64(p.handler.ID()) + 1 }

func (p *testPeer) Send(to uint64, msg *Message) error {
	return p.handler.Call(int(to-1), pd.MustMarshal(msg))
}

func (p *testPeer) receive(from int, data []byte) {
	p.mu.Lock()
	node := p.node
	p.mu.Unlock()
	if node == nil {
		return
	}
	var msg Message
	pd.MustUnmarshal(&msg, data)
	node.Step(&msg)
}

func (p *testPeer) ApplyEntry(entry *logpd.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, *entry)
}

func (p *testPeer) ApplySnapshot(index uint64, term uint32, data []byte) error {
	return nil
}

func (p *testPeer) ReadSnapshot() (uint64, uint32, []byte, error) {
	return 0, 0, nil, nil
}

func (p *testPeer) appliedAt(index uint64) (logpd.Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.applied {
		if entry.Index == index {
			return entry, true
		}
	}
	return logpd.Entry{}, false
}

type testCluster struct {
	t     *testing.T
	net   network.Network
	peers []*testPeer
	logs  []*wal.Log
}

func makeTestCluster(t *testing.T, n int) *testCluster {
	builder := network.CreateBuilder()
	cluster := &testCluster{t: t}

	for i := 0; i < n; i++ {
		peer := &testPeer{t: t, handler: builder.AddEndpoint()}
		peer.handler.BindReceiver(peer.receive)
		cluster.peers = append(cluster.peers, peer)
	}
	cluster.net = builder.Build()

	ids := make([]uint64, n)
	for i, peer := range cluster.peers {
		ids[i] = peer.id()
	}

	dir := t.TempDir()
	for i, peer := range cluster.peers {
		w, err := wal.Open(filepath.Join(dir, "log", strconv.Itoa(i)), 0, 0, wal.Options{})
		if err != nil {
			t.Fatalf("open wal %d: %v", i, err)
		}
		store, err := OpenStateStore(filepath.Join(dir, "state-"+strconv.Itoa(i)))
		if err != nil {
			t.Fatalf("open store %d: %v", i, err)
		}
		node, err := MakeNode(Config{
			ID:               peer.id(),
			Peers:            ids,
			ElectionTimeout:  testElectionTimeout,
			HeartbeatTimeout: testHeartbeatTimeout,
			TickSize:         testTickSize,
		}, w, store, peer, peer)
		if err != nil {
			t.Fatalf("make node %d: %v", i, err)
		}
		peer.mu.Lock()
		peer.node = node
		peer.mu.Unlock()
		cluster.logs = append(cluster.logs, w)
		cluster.net.Enable(i)
	}
	return cluster
}

func (c *testCluster) cleanup() {
	for _, peer := range c.peers {
		peer.node.Kill()
	}
	for _, w := range c.logs {
		w.Close()
	}
}

// checkOneLeader wait for the cluster to settle on a single leader.
func (c *testCluster) checkOneLeader() *testPeer {
	for iters := 0; iters < 50; iters++ {
		time.Sleep(testElectionTimeout * time.Millisecond / 2)
		leaders := make(map[uint32][]*testPeer)
		for _, peer := range c.peers {
			st := peer.node.Status()
			if st.IsLeader {
				leaders[st.Term] = append(leaders[st.Term], peer)
			}
		}
		var lastTerm uint32
		for term, peers := range leaders {
			if len(peers) > 1 {
				c.t.Fatalf("term %d has %d leaders", term, len(peers))
			}
			if term > lastTerm {
				lastTerm = term
			}
		}
		if len(leaders) != 0 {
			return leaders[lastTerm][0]
		}
	}
	c.t.Fatal("no leader elected")
	return nil
}

func (c *testCluster) waitApplied(index uint64, want int) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		count := 0
		for _, peer := range c.peers {
			if _, ok := peer.appliedAt(index); ok {
				count++
			}
		}
		if count >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.t.Fatalf("entry %d not applied on %d peers", index, want)
}

func TestElection(t *testing.T) {
	cluster := makeTestCluster(t, 3)
	defer cluster.cleanup()

	cluster.checkOneLeader()
}

func TestProposeCommitsEverywhere(t *testing.T) {
	cluster := makeTestCluster(t, 3)
	defer cluster.cleanup()

	leader := cluster.checkOneLeader()
	rid := logpd.NewRequestID()
	index, _, ok := leader.node.Propose(logpd.EntryState, rid, []byte("value"))
	if !ok {
		t.Fatal("leader rejected propose")
	}

	cluster.waitApplied(index, 3)
	for i, peer := range cluster.peers {
		entry, ok := peer.appliedAt(index)
		if !ok || !bytes.Equal(entry.Data, []byte("value")) || entry.RequestID != rid {
			t.Fatalf("peer %d applied wrong entry at %d", i, index)
		}
	}
}

func TestSinglePeerIsMajorityOfOne(t *testing.T) {
	cluster := makeTestCluster(t, 1)
	defer cluster.cleanup()

	leader := cluster.checkOneLeader()
	index, _, ok := leader.node.Propose(logpd.EntryState, logpd.NewRequestID(), []byte("solo"))
	if !ok {
		t.Fatal("single peer rejected propose")
	}
	cluster.waitApplied(index, 1)
}

func TestFollowerRejoinsAfterPartition(t *testing.T) {
	cluster := makeTestCluster(t, 3)
	defer cluster.cleanup()

	leader := cluster.checkOneLeader()

	// partition one follower away
	var cut int
	for i, peer := range cluster.peers {
		if peer != leader {
			cut = i
			break
		}
	}
	cluster.net.Disable(cut)

	index, _, ok := leader.node.Propose(logpd.EntryState, logpd.NewRequestID(), []byte("during partition"))
	if !ok {
		t.Fatal("leader rejected propose during partition")
	}
	cluster.waitApplied(index, 2)

	// heal: the follower catches up
	cluster.net.Enable(cut)
	cluster.waitApplied(index, 3)
}
