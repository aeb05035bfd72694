// Package broadcast implements the state-broadcast layer: the leader
// fans committed entries out on a PUB socket, and subscribers track
// the stream, healing gaps through the cluster RPC client.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils"
)

// Publisher owns the fan-out socket of the current leader. Every
// message carries the secret (doubling as subscription filter), the
// leader term and the last log index; a heartbeat is the same message
// with zero entries.
type Publisher struct {
	mu sync.Mutex

	sock      zmq4.Socket
	cancel    context.CancelFunc
	publicURL string
	secret    []byte

	term      uint32
	lastIndex uint64
	lastSent  time.Time
	active    bool

	timer *utils.Timer
}

// MakePublisher bind the fan-out socket and start the heartbeat
// timer; nothing is sent until SetActive(true). bindURL is the local
// bind endpoint; publicURL is what the '*' RPC hands to subscribers.
func MakePublisher(bindURL, publicURL string, secret []byte,
	interval time.Duration, term uint32, lastIndex uint64) (*Publisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(bindURL); err != nil {
		cancel()
		return nil, err
	}

	p := &Publisher{
		sock:      sock,
		cancel:    cancel,
		publicURL: publicURL,
		secret:    secret,
		term:      term,
		lastIndex: lastIndex,
	}

	tick := int(interval.Milliseconds() / 4)
	if tick < 10 {
		tick = 10
	}
	p.timer = utils.StartTimer(tick, func(now time.Time) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.active && now.Sub(p.lastSent) >= interval {
			p.sendLocked(nil)
		}
	})

	log.Infof("broadcast: publisher bound at %s (public %s)", bindURL, publicURL)
	return p, nil
}

// URL return the endpoint subscribers should dial.
func (p *Publisher) URL() string { return p.publicURL }

// SetActive gate the fan-out on leadership: only the leader
// heartbeats or publishes. Activation publishes the current term at
// once so subscribers observe the movement.
func (p *Publisher) SetActive(active bool, term uint32, lastIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == active {
		return
	}
	p.active = active
	p.term = term
	p.lastIndex = lastIndex
	if active {
		p.sendLocked(nil)
	}
}

// Publish fan out committed entries. Term changes without entries
// are published too, so followers observe leadership movement.
func (p *Publisher) Publish(term uint32, lastIndex uint64, entries []logpd.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return
	}
	p.term = term
	p.lastIndex = lastIndex

	raw := make([][]byte, len(entries))
	for i := range entries {
		raw[i] = logpd.MarshalEntry(&entries[i])
	}
	p.sendLocked(raw)
}

func (p *Publisher) sendLocked(entries [][]byte) {
	frames := logpd.MarshalBroadcast(p.secret, p.term, p.lastIndex, entries)
	if err := p.sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
		log.Debugf("broadcast: publish failed: %v", err)
		return
	}
	p.lastSent = time.Now()
}

// Close stop heartbeats and drop the socket, discarding queued
// outbound messages.
func (p *Publisher) Close() {
	p.timer.Stop()
	p.cancel()
	p.sock.Close()
}
