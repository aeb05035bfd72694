package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/client"
	"github.com/jcalfee/node-zmq-raft/config"
	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils"
)

var ErrSubscriberClosed = errors.New("broadcast: subscriber closed")

// minUnresponsiveness is the floor of the publisher liveness
// threshold regardless of the heartbeat interval.
const minUnresponsiveness = 100 * time.Millisecond

// discoveryFailureLimit is how many consecutive discovery failures
// pass before the session reports on its error channel.
const discoveryFailureLimit = 10

// UpdateRequest is one write-side item: a payload tagged with its
// request id.
type UpdateRequest struct {
	RequestID logpd.RequestID
	Payload   []byte
}

// SubscriberOptions configure the duplex.
type SubscriberOptions struct {
	Peers  []string
	Secret []byte

	// LastIndex resumes delivery after the given index; zero means
	// from the beginning of the retained log.
	LastIndex uint64

	RequestTimeout     time.Duration
	ElectionGraceDelay time.Duration
	HeartbeatInterval  time.Duration

	// QueueSize bounds the read-side buffer; a full buffer pauses
	// the fan-out socket.
	QueueSize int

	// SingleSlotWrites serializes update requests so commit order
	// matches call order. Batches lose their concurrency.
	SingleSlotWrites bool
}

func (o *SubscriberOptions) withDefaults() SubscriberOptions {
	opts := *o
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return opts
}

// Subscriber is the duplex ordered stream over the replicated log:
// the read side yields entries and snapshot chunks in strict index
// order with pull backpressure, the write side forwards update
// requests to the cluster.
type Subscriber struct {
	opts   SubscriberOptions
	client *client.Client

	ctx    context.Context
	cancel context.CancelFunc
	start  sync.Once

	out    chan client.Item
	events chan Event
	errs   chan error

	// owned by the run goroutine
	sub     zmq4.Socket
	bcastCh chan logpd.Broadcast
	lastLog uint64
	fresh   bool
	paused  bool

	mu         sync.Mutex
	lastLogX   uint64 // mirror of lastLog for readers
	lastUpdate uint64

	writeGate chan struct{}
}

// MakeSubscriber build the duplex. Nothing touches the network until
// the first read or write demand.
func MakeSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts = opts.withDefaults()
	cl, err := client.MakeClient(client.Options{
		Peers:              opts.Peers,
		Secret:             opts.Secret,
		RequestTimeout:     opts.RequestTimeout,
		ElectionGraceDelay: opts.ElectionGraceDelay,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		opts:      opts,
		client:    cl,
		ctx:       ctx,
		cancel:    cancel,
		out:       make(chan client.Item, opts.QueueSize),
		events:    make(chan Event, 16),
		errs:      make(chan error, 1),
		lastLog:   opts.LastIndex,
		lastLogX:  opts.LastIndex,
		writeGate: make(chan struct{}, 1),
	}
	return s, nil
}

// Events deliver fresh/stale/timeout notifications. Slow consumers
// lose events, never entries.
func (s *Subscriber) Events() <-chan Event { return s.events }

// Errors surface unrecoverable session failures.
func (s *Subscriber) Errors() <-chan error { return s.errs }

// LastLogIndex is the highest entry index delivered on the read side.
func (s *Subscriber) LastLogIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLogX
}

// LastUpdateLogIndex is the highest commit index acknowledged for a
// write from this subscriber.
func (s *Subscriber) LastUpdateLogIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// Close tear the session down: the fan-out socket is dropped without
// lingering, the in-flight catch-up stream is cancelled, and the
// ahead queue is discarded.
func (s *Subscriber) Close() {
	s.cancel()
	s.client.Close()
}

// Next pull the next item of the ordered read stream. The first call
// triggers discovery.
func (s *Subscriber) Next(ctx context.Context) (client.Item, error) {
	s.start.Do(s.spawn)
	select {
	case item, ok := <-s.out:
		if !ok {
			return client.Item{}, ErrSubscriberClosed
		}
		return item, nil
	case <-ctx.Done():
		return client.Item{}, ctx.Err()
	case <-s.ctx.Done():
		return client.Item{}, ErrSubscriberClosed
	}
}

// Update forward one update request to the cluster and record its
// commit index.
func (s *Subscriber) Update(ctx context.Context, req UpdateRequest) (uint64, error) {
	s.start.Do(s.spawn)
	if s.opts.SingleSlotWrites {
		select {
		case s.writeGate <- struct{}{}:
			defer func() { <-s.writeGate }()
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	index, err := s.client.RequestUpdate(ctx, req.RequestID, req.Payload)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastUpdate = utils.MaxUint64(s.lastUpdate, index)
	s.mu.Unlock()
	return index, nil
}

// UpdateBatch issue a batch of update requests concurrently. Commit
// order across the batch is not guaranteed unless SingleSlotWrites
// is set, in which case requests run one at a time in order.
func (s *Subscriber) UpdateBatch(ctx context.Context, reqs []UpdateRequest) ([]uint64, error) {
	indexes := make([]uint64, len(reqs))
	if s.opts.SingleSlotWrites {
		for i, req := range reqs {
			index, err := s.Update(ctx, req)
			if err != nil {
				return indexes, err
			}
			indexes[i] = index
		}
		return indexes, nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req UpdateRequest) {
			defer wg.Done()
			indexes[i], errs[i] = s.Update(ctx, req)
		}(i, req)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return indexes, err
		}
	}
	return indexes, nil
}

func (s *Subscriber) spawn() {
	go s.run()
}

// run is the read-side state machine:
//
//	Disconnected -> Discovering -> Subscribed{fresh|stale}
//	                    ^                |
//	                    +---- timeout ---+
func (s *Subscriber) run() {
	defer close(s.out)
	failures := 0
	for s.ctx.Err() == nil {
		if err := s.discover(); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures++
			log.Debugf("subscriber: discovery failed (%d): %v", failures, err)
			if failures == discoveryFailureLimit {
				// keep retrying, but let the owner know the session
				// cannot reach the cluster
				select {
				case s.errs <- fmt.Errorf("broadcast: discovery keeps failing: %w", err):
				default:
				}
			}
			select {
			case <-time.After(s.graceDelay()):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		failures = 0
		s.fresh = false
		s.serve()
		s.teardownSocket()
	}
}

func (s *Subscriber) graceDelay() time.Duration {
	if s.opts.ElectionGraceDelay > 0 {
		return s.opts.ElectionGraceDelay
	}
	return config.DefaultElectionGraceDelay
}

// discover learn the cluster layout, then the publisher URL, then
// attach the fan-out socket with the secret as subscription filter.
func (s *Subscriber) discover() error {
	if _, err := s.client.RequestConfig(s.ctx); err != nil {
		return err
	}
	url, err := s.client.RequestPublisherURL(s.ctx)
	if err != nil {
		return err
	}

	sub := zmq4.NewSub(s.ctx)
	if err := sub.Dial(url); err != nil {
		sub.Close()
		return err
	}
	if err := sub.SetOption(zmq4.OptionSubscribe, string(s.opts.Secret)); err != nil {
		sub.Close()
		return err
	}

	s.sub = sub
	s.paused = false
	s.bcastCh = make(chan logpd.Broadcast)
	go s.recvLoop(sub, s.bcastCh)

	log.Debugf("subscriber: attached to publisher at %s", url)
	return nil
}

func (s *Subscriber) teardownSocket() {
	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
}

// recvLoop feed parsed broadcast messages to the run goroutine. The
// channel is unbuffered: transport buffering is the only queue, so a
// paused reader stalls the socket, not the process heap.
func (s *Subscriber) recvLoop(sub zmq4.Socket, ch chan<- logpd.Broadcast) {
	for {
		msg, err := sub.Recv()
		if err != nil {
			return
		}
		b, ok := logpd.UnmarshalBroadcast(s.opts.Secret, msg.Frames)
		if !ok {
			// wrong secret or malformed frames: discard
			log.Debugf("subscriber: discarding unauthenticated broadcast")
			continue
		}
		select {
		case ch <- b:
		case <-s.ctx.Done():
			return
		}
	}
}

// serve process broadcasts until the publisher goes unresponsive or
// the session closes.
func (s *Subscriber) serve() {
	threshold := 2 * s.opts.HeartbeatInterval
	if threshold < minUnresponsiveness {
		threshold = minUnresponsiveness
	}

	timer := time.NewTimer(threshold)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case b := <-s.bcastCh:
			if !s.handleBroadcast(b) {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(threshold)
		case <-timer.C:
			log.Debugf("subscriber: publisher unresponsive after %v", threshold)
			s.emit(Event{Kind: EventTimeout})
			return
		}
	}
}

// handleBroadcast apply a broadcast in order, or enter gap recovery.
// Returns false when the session is closing.
func (s *Subscriber) handleBroadcast(b logpd.Broadcast) bool {
	prev := b.LastIndex - uint64(len(b.Entries))
	if prev <= s.lastLog {
		return s.applySuffix(b)
	}
	return s.catchup(b, prev)
}

// applySuffix deliver the part of the message the subscriber has not
// seen yet. A message entirely behind the cursor degrades to a
// heartbeat.
func (s *Subscriber) applySuffix(b logpd.Broadcast) bool {
	prev := b.LastIndex - uint64(len(b.Entries))
	skip := s.lastLog - prev
	if skip < uint64(len(b.Entries)) {
		for _, raw := range b.Entries[skip:] {
			entry, err := logpd.UnmarshalEntry(raw)
			if err != nil {
				log.Debugf("subscriber: discarding malformed broadcast entry")
				return true
			}
			if entry.Index != s.lastLog+1 {
				return true
			}
			e := entry
			if !s.deliver(client.Item{Entry: &e}) {
				return false
			}
			s.setLastLog(entry.Index)
		}
	}
	if !s.fresh {
		s.fresh = true
		s.emit(Event{Kind: EventFresh})
	}
	return true
}

// deliver hand one item to the consumer. When the consumer has no
// room the fan-out subscription is shed until the consumer pulls
// again; resumption re-subscribes before processing continues.
func (s *Subscriber) deliver(item client.Item) bool {
	select {
	case s.out <- item:
		return true
	default:
	}

	s.pauseFanout()
	select {
	case s.out <- item:
		s.resumeFanout()
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Subscriber) pauseFanout() {
	if s.paused || s.sub == nil {
		return
	}
	s.paused = true
	if err := s.sub.SetOption(zmq4.OptionUnsubscribe, string(s.opts.Secret)); err != nil {
		log.Debugf("subscriber: unsubscribe failed: %v", err)
	}
	log.Debugf("subscriber: consumer full, fan-out paused at %d", s.lastLog)
}

func (s *Subscriber) resumeFanout() {
	if !s.paused || s.sub == nil {
		return
	}
	s.paused = false
	if err := s.sub.SetOption(zmq4.OptionSubscribe, string(s.opts.Secret)); err != nil {
		log.Debugf("subscriber: resubscribe failed: %v", err)
	}
	log.Debugf("subscriber: fan-out resumed at %d", s.lastLog)
}

// catchup fill the gap below the triggering message through the
// streaming RPC, queuing further broadcasts into the ahead queue,
// then drain the queue in last-index order, repeating for any gap
// found during the drain.
func (s *Subscriber) catchup(first logpd.Broadcast, firstPrev uint64) bool {
	s.fresh = false
	s.emit(Event{Kind: EventStale, GapSize: firstPrev - s.lastLog})

	ahead := map[uint64]logpd.Broadcast{first.LastIndex: first}
	for len(ahead) > 0 {
		if s.ctx.Err() != nil {
			return false
		}
		b, ok := smallestAhead(ahead)
		if !ok {
			break
		}
		prev := b.LastIndex - uint64(len(b.Entries))
		if prev <= s.lastLog {
			delete(ahead, b.LastIndex)
			if !s.applySuffix(b) {
				return false
			}
			continue
		}
		if !s.fillGap(prev, ahead) {
			return false
		}
	}
	return true
}

func smallestAhead(ahead map[uint64]logpd.Broadcast) (logpd.Broadcast, bool) {
	keys := make([]uint64, 0, len(ahead))
	for k := range ahead {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return logpd.Broadcast{}, false
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return ahead[keys[0]], true
}

// fillGap stream entries (lastLog, target] from the cluster. The
// fan-out keeps queuing into ahead while the stream is in flight;
// stream errors restart from the current cursor.
func (s *Subscriber) fillGap(target uint64, ahead map[uint64]logpd.Broadcast) bool {
	for s.lastLog < target {
		if s.ctx.Err() != nil {
			return false
		}
		stream, err := s.client.RequestEntriesStream(s.ctx, s.lastLog+1, client.StreamOptions{
			CountLimit: uint32(utils.MinUint64(target-s.lastLog, 1<<31)),
		})
		if err != nil {
			if s.ctx.Err() != nil {
				return false
			}
			continue
		}
		if !s.drainStream(stream, target, ahead) {
			stream.Close()
			return false
		}
		stream.Close()
	}
	return true
}

func (s *Subscriber) drainStream(stream *client.EntryStream, target uint64, ahead map[uint64]logpd.Broadcast) bool {
	for s.lastLog < target {
		s.stashAhead(ahead)

		item, err := stream.Next(s.ctx)
		if err == io.EOF {
			return true // short stream: caller re-issues
		}
		if errors.Is(err, client.ErrOutOfOrder) || errors.Is(err, client.ErrTimeout) {
			// restart from the current position
			log.Debugf("subscriber: catch-up stream broke at %d: %v", s.lastLog, err)
			return true
		}
		if err != nil {
			return s.ctx.Err() == nil
		}

		switch {
		case item.Entry != nil:
			if item.Entry.Index != s.lastLog+1 {
				return true // treated as out of order: restart
			}
			if !s.deliver(item) {
				return false
			}
			s.setLastLog(item.Entry.Index)
		case item.Chunk != nil:
			if !s.deliver(item) {
				return false
			}
			if item.Chunk.Last {
				s.setLastLog(item.Chunk.Index)
			}
		}
	}
	return true
}

// stashAhead move any broadcast that arrived during recovery into
// the ahead queue without blocking the drain.
func (s *Subscriber) stashAhead(ahead map[uint64]logpd.Broadcast) {
	for {
		select {
		case b := <-s.bcastCh:
			ahead[b.LastIndex] = b
		default:
			return
		}
	}
}

func (s *Subscriber) setLastLog(index uint64) {
	s.lastLog = index
	s.mu.Lock()
	s.lastLogX = index
	s.mu.Unlock()
}

// emit push an event without ever blocking delivery of entries.
func (s *Subscriber) emit(event Event) {
	select {
	case s.events <- event:
	default:
		log.Debugf("subscriber: dropping event %v", event)
	}
}
