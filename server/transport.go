package server

import (
	"context"
	"sync"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/xid"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/raft"
	"github.com/jcalfee/node-zmq-raft/utils/pd"
)

// reqRaft is the internal type tag raft messages travel under on the
// same ROUTER front end as client RPCs. Peers never reply to it.
const reqRaft byte = 'r'

// peerTransport delivers raft messages to other peers over cached
// DEALER sockets. A failed send drops the socket so the next attempt
// redials.
type peerTransport struct {
	mu    sync.Mutex
	ctx   context.Context
	urls  map[uint64]string
	socks map[uint64]zmq4.Socket
}

func makePeerTransport(ctx context.Context, peers []logpd.Peer) *peerTransport {
	t := &peerTransport{
		ctx:   ctx,
		urls:  make(map[uint64]string),
		socks: make(map[uint64]zmq4.Socket),
	}
	t.UpdatePeers(peers)
	return t
}

func (t *peerTransport) UpdatePeers(peers []logpd.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()

	known := make(map[uint64]bool, len(peers))
	for _, peer := range peers {
		known[peer.ID] = true
		if t.urls[peer.ID] != peer.URL {
			t.dropLocked(peer.ID)
			t.urls[peer.ID] = peer.URL
		}
	}
	for id := range t.urls {
		if !known[id] {
			t.dropLocked(id)
			delete(t.urls, id)
		}
	}
}

func (t *peerTransport) dropLocked(id uint64) {
	if sock, ok := t.socks[id]; ok {
		sock.Close()
		delete(t.socks, id)
	}
}

func (t *peerTransport) socket(id uint64) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sock, ok := t.socks[id]; ok {
		return sock, nil
	}
	url, ok := t.urls[id]
	if !ok {
		return nil, raft.ErrUnknownPeer
	}
	sock := zmq4.NewDealer(t.ctx)
	if err := sock.Dial(url); err != nil {
		sock.Close()
		return nil, err
	}
	t.socks[id] = sock
	return sock, nil
}

// Send implement raft.Transport.
func (t *peerTransport) Send(to uint64, msg *raft.Message) error {
	sock, err := t.socket(to)
	if err != nil {
		return err
	}
	frames := [][]byte{xid.New().Bytes(), {reqRaft}, pd.MustMarshal(msg)}
	if err := sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		t.mu.Lock()
		t.dropLocked(to)
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *peerTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.socks {
		t.dropLocked(id)
	}
}
