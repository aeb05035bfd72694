package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils/pd"
)

// fakePeer run a scripted ROUTER endpoint: handler maps request
// frames to response frames (after the echoed correlation id).
func fakePeer(t *testing.T, ctx context.Context, url string,
	handler func(req [][]byte) [][]byte) {
	t.Helper()
	router := zmq4.NewRouter(ctx)
	if err := router.Listen(url); err != nil {
		t.Fatalf("fake peer %s: %v", url, err)
	}
	go func() {
		defer router.Close()
		for {
			msg, err := router.Recv()
			if err != nil {
				return
			}
			if len(msg.Frames) < 3 {
				continue
			}
			identity, corr := msg.Frames[0], msg.Frames[1]
			reply := handler(msg.Frames[2:])
			if reply == nil {
				continue // simulate a dead peer
			}
			all := append([][]byte{identity, corr}, reply...)
			router.Send(zmq4.NewMsgFrom(all...))
		}
	}()
}

func configReply(peers []logpd.Peer, leader uint64) [][]byte {
	info := logpd.ConfigInfo{Peers: peers, LeaderID: leader}
	return [][]byte{{logpd.StatusOK}, pd.MustMarshal(&info)}
}

func TestRedirectAdoptsLeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	followerURL := "tcp://127.0.0.1:23161"
	leaderURL := "tcp://127.0.0.1:23162"

	fakePeer(t, ctx, followerURL, func(req [][]byte) [][]byte {
		return [][]byte{{logpd.StatusRedirect}, logpd.U64(2), []byte(leaderURL)}
	})
	fakePeer(t, ctx, leaderURL, func(req [][]byte) [][]byte {
		if req[0][0] != logpd.ReqLogInfo {
			return [][]byte{{logpd.StatusError}}
		}
		info := logpd.LogInfo{IsLeader: true, LeaderID: 2, CommitIndex: 10}
		return [][]byte{{logpd.StatusOK}, pd.MustMarshal(&info)}
	})

	cl, err := MakeClient(Options{
		Peers:          []string{followerURL},
		RequestTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 10*time.Second)
	defer cancelCall()
	info, err := cl.RequestLogInfo(callCtx, false)
	if err != nil {
		t.Fatalf("log info: %v", err)
	}
	if !info.IsLeader || info.CommitIndex != 10 {
		t.Fatalf("unexpected info: %+v", info)
	}
	if id, url := cl.Leader(); id != 2 || url != leaderURL {
		t.Fatalf("leader opinion not adopted: %d %s", id, url)
	}
}

func TestTimeoutFallsOverToNextPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deadURL := "tcp://127.0.0.1:23163"
	liveURL := "tcp://127.0.0.1:23164"

	fakePeer(t, ctx, deadURL, func(req [][]byte) [][]byte {
		return nil // swallow every request
	})
	peers := []logpd.Peer{{ID: 1, URL: liveURL}}
	fakePeer(t, ctx, liveURL, func(req [][]byte) [][]byte {
		return configReply(peers, 1)
	})

	cl, err := MakeClient(Options{
		Peers:          []string{deadURL, liveURL},
		RequestTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 10*time.Second)
	defer cancelCall()
	info, err := cl.RequestConfig(callCtx)
	if err != nil {
		t.Fatalf("config despite live peer: %v", err)
	}
	if info.LeaderID != 1 {
		t.Fatalf("unexpected config: %+v", info)
	}
}

func TestNoLeaderBacksOffThenRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "tcp://127.0.0.1:23165"
	var calls int32
	fakePeer(t, ctx, url, func(req [][]byte) [][]byte {
		if atomic.AddInt32(&calls, 1) == 1 {
			return [][]byte{{logpd.StatusNoLeader}}
		}
		return [][]byte{{logpd.StatusOK}, logpd.U64(7)}
	})

	cl, err := MakeClient(Options{
		Peers:              []string{url},
		RequestTimeout:     time.Second,
		ElectionGraceDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 10*time.Second)
	defer cancelCall()
	index, err := cl.RequestUpdate(callCtx, logpd.NewRequestID(), []byte("x"))
	if err != nil || index != 7 {
		t.Fatalf("update: %d, %v", index, err)
	}
	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("no retry happened: %d calls", calls)
	}
}

func TestStaleStatusSurfacesAsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "tcp://127.0.0.1:23166"
	fakePeer(t, ctx, url, func(req [][]byte) [][]byte {
		return [][]byte{{logpd.StatusStale}}
	})

	cl, err := MakeClient(Options{Peers: []string{url}, RequestTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer cl.Close()

	callCtx, cancelCall := context.WithTimeout(ctx, 5*time.Second)
	defer cancelCall()
	if _, err := cl.RequestUpdate(callCtx, logpd.NewRequestID(), []byte("x")); err != ErrStaleRequest {
		t.Fatalf("want ErrStaleRequest, got %v", err)
	}
}

func TestMakeClientValidatesPeers(t *testing.T) {
	if _, err := MakeClient(Options{}); err == nil {
		t.Fatal("empty peer list accepted")
	}
	if _, err := MakeClient(Options{Peers: []string{"http://x"}}); err == nil {
		t.Fatal("bad peer url accepted")
	}
}

func TestStreamCursorDetectsOutOfOrder(t *testing.T) {
	s := &EntryStream{client: &Client{opts: Options{RequestTimeout: time.Second}}, cursor: 5}

	inOrder := [][]byte{
		{logpd.StatusEntries},
		logpd.MarshalEntry(&logpd.Entry{Index: 5, Term: 1}),
		logpd.MarshalEntry(&logpd.Entry{Index: 6, Term: 1}),
	}
	if err := s.ingest(inOrder); err != nil {
		t.Fatalf("in-order ingest: %v", err)
	}
	if s.cursor != 7 || len(s.pending) != 2 {
		t.Fatalf("cursor %d, pending %d", s.cursor, len(s.pending))
	}

	skipped := [][]byte{
		{logpd.StatusEntries},
		logpd.MarshalEntry(&logpd.Entry{Index: 9, Term: 1}),
	}
	if err := s.ingest(skipped); err != ErrOutOfOrder {
		t.Fatalf("want ErrOutOfOrder, got %v", err)
	}
}

func TestStreamSnapshotCursor(t *testing.T) {
	s := &EntryStream{client: &Client{opts: Options{RequestTimeout: time.Second}}, cursor: 1}

	first := logpd.SnapshotChunk{Index: 500, ByteOffset: 0, ByteSize: 4, Last: false}
	msg := [][]byte{{logpd.StatusSnapshot}, logpd.MarshalChunkHeader(&first), []byte("abcd")}
	if err := s.ingest(msg); err != nil {
		t.Fatal(err)
	}

	// a chunk repeating an old offset breaks the cursor
	if err := s.ingest(msg); err != ErrOutOfOrder {
		t.Fatalf("want ErrOutOfOrder, got %v", err)
	}

	last := logpd.SnapshotChunk{Index: 500, ByteOffset: 4, ByteSize: 2, Last: true}
	msg = [][]byte{{logpd.StatusSnapshot}, logpd.MarshalChunkHeader(&last), []byte("ef")}
	if err := s.ingest(msg); err != nil {
		t.Fatal(err)
	}
	if s.cursor != 501 {
		t.Fatalf("cursor after snapshot: %d, want 501", s.cursor)
	}
}
