package server

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/jcalfee/node-zmq-raft/broadcast"
	"github.com/jcalfee/node-zmq-raft/client"
	"github.com/jcalfee/node-zmq-raft/config"
	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils/dlog"
)

var testSecret = []byte("test-cluster-secret")

// startSinglePeer boot a one-node cluster on loopback. basePort must
// be unique per test to keep parallel runs apart.
func startSinglePeer(t *testing.T, basePort int) (*Node, string) {
	t.Helper()
	url := fmt.Sprintf("tcp://127.0.0.1:%d", basePort)
	pubURL := fmt.Sprintf("tcp://127.0.0.1:%d", basePort+1)

	node, err := Start(Config{
		ID:         1,
		DataDir:    t.TempDir(),
		BindURL:    url,
		PubBindURL: pubURL,
		PubURL:     pubURL,
		Cluster: config.Cluster{
			Peers:             []logpd.Peer{{ID: 1, URL: url}},
			Secret:            testSecret,
			HeartbeatInterval: 100 * time.Millisecond,
		},
		ElectionTimeout:  200,
		HeartbeatTimeout: 50,
		TickSize:         10,
	})
	if err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(node.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for !node.Status().IsLeader {
		if time.Now().After(deadline) {
			t.Fatal("single peer never became leader")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return node, url
}

func makeTestClient(t *testing.T, url string) *client.Client {
	t.Helper()
	cl, err := client.MakeClient(client.Options{
		Peers:          []string{url},
		Secret:         testSecret,
		RequestTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cl.Close)
	return cl
}

func TestSinglePeerUpdateAndRead(t *testing.T) {
	dl := dlog.New(testing.Verbose(), filepath.Join(t.TempDir(), "trace"))
	node, url := startSinglePeer(t, 23110)
	cl := makeTestClient(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rid := logpd.NewRequestID()
	index, err := cl.RequestUpdate(ctx, rid, []byte("a"))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	dl.Printf(1, "update committed at %d", index)

	// log info from the leader reflects the commit
	info, err := cl.RequestLogInfo(ctx, false)
	if err != nil {
		t.Fatalf("log info: %v", err)
	}
	if !info.IsLeader || info.CommitIndex < index || info.LastIndex < index {
		t.Fatalf("log info inconsistent: %+v", info)
	}

	// retransmit of the same request id: original index, no second
	// append
	again, err := cl.RequestUpdate(ctx, rid, []byte("a"))
	if err != nil || again != index {
		t.Fatalf("retransmit: index %d (want %d), err %v", again, index, err)
	}
	info2, err := cl.RequestLogInfo(ctx, false)
	if err != nil || info2.LastIndex != info.LastIndex {
		t.Fatalf("retransmit appended: last %d -> %d", info.LastIndex, info2.LastIndex)
	}

	// the streamed read yields the committed entry at its index
	stream, err := cl.RequestEntriesStream(ctx, 1, client.StreamOptions{})
	if err != nil {
		t.Fatalf("entries stream: %v", err)
	}
	defer stream.Close()
	found := false
	for {
		item, err := stream.Next(ctx)
		if err != nil {
			break
		}
		if item.Entry != nil && item.Entry.Index == index {
			if string(item.Entry.Data) != "a" || item.Entry.RequestID != rid {
				t.Fatalf("entry at %d mismatch: %v", index, item.Entry)
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("entry %d not delivered by the stream", index)
	}
	_ = node
}

func TestSubscriberCatchUpThenLive(t *testing.T) {
	node, url := startSinglePeer(t, 23120)
	cl := makeTestClient(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var lastCommitted uint64
	for i := 0; i < 10; i++ {
		index, err := cl.RequestUpdate(ctx, logpd.NewRequestID(), []byte(fmt.Sprintf("v%d", i)))
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		lastCommitted = index
	}

	sub, err := broadcast.MakeSubscriber(broadcast.SubscriberOptions{
		Peers:             []string{url},
		Secret:            testSecret,
		HeartbeatInterval: 100 * time.Millisecond,
		RequestTimeout:    time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// catch-up: strict index order from 1 through the committed tail
	var next uint64 = 1
	for next <= lastCommitted {
		item, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next at %d: %v", next, err)
		}
		if item.Entry == nil {
			t.Fatalf("expected entry at %d, got %+v", next, item)
		}
		if item.Entry.Index != next {
			t.Fatalf("out of order: want %d, got %d", next, item.Entry.Index)
		}
		next++
	}
	if sub.LastLogIndex() != lastCommitted {
		t.Fatalf("last log index %d, want %d", sub.LastLogIndex(), lastCommitted)
	}

	// fresh is observed once in sync
	waitEvent(t, sub, broadcast.EventFresh, 5*time.Second)

	// a write through the duplex comes back on the read side
	index, err := sub.Update(ctx, broadcast.UpdateRequest{
		RequestID: logpd.NewRequestID(),
		Payload:   []byte("live"),
	})
	if err != nil {
		t.Fatalf("duplex update: %v", err)
	}
	if sub.LastUpdateLogIndex() != index {
		t.Fatalf("last update index %d, want %d", sub.LastUpdateLogIndex(), index)
	}
	for {
		item, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("live next: %v", err)
		}
		if item.Entry != nil && item.Entry.Index == index {
			if string(item.Entry.Data) != "live" {
				t.Fatalf("live entry payload: %q", item.Entry.Data)
			}
			break
		}
	}
	_ = node
}

func waitEvent(t *testing.T, sub *broadcast.Subscriber, kind broadcast.EventKind, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event := <-sub.Events():
			if event.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("event %v not observed", kind)
		}
	}
}

func TestStaleRequestIDRejected(t *testing.T) {
	_, url := startSinglePeer(t, 23130)
	cl := makeTestClient(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	aged := ridAt(time.Now().Add(-2 * config.DefaultFreshnessWindow))
	if _, err := cl.RequestUpdate(ctx, aged, []byte("old")); err != client.ErrStaleRequest {
		t.Fatalf("want ErrStaleRequest, got %v", err)
	}
}

func TestBatchUpdates(t *testing.T) {
	_, url := startSinglePeer(t, 23140)

	sub, err := broadcast.MakeSubscriber(broadcast.SubscriberOptions{
		Peers:             []string{url},
		Secret:            testSecret,
		HeartbeatInterval: 100 * time.Millisecond,
		RequestTimeout:    time.Second,
		SingleSlotWrites:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reqs := make([]broadcast.UpdateRequest, 5)
	for i := range reqs {
		reqs[i] = broadcast.UpdateRequest{
			RequestID: logpd.NewRequestID(),
			Payload:   []byte(fmt.Sprintf("b%d", i)),
		}
	}
	indexes, err := sub.UpdateBatch(ctx, reqs)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	// single-slot writes commit in call order
	for i := 1; i < len(indexes); i++ {
		if indexes[i] <= indexes[i-1] {
			t.Fatalf("batch commits out of order: %v", indexes)
		}
	}
}
