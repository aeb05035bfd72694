package client

import (
	"context"
	"io"

	"github.com/go-zeromq/zmq4"

	"github.com/jcalfee/node-zmq-raft/logpd"
)

// StreamOptions bound one entries request.
type StreamOptions struct {
	ByteBudget uint64
	CountLimit uint32
}

// Item is one element of an entry stream: exactly one of Entry or
// Chunk is set. Chunks appear when the requested range predates the
// serving peer's first log index and a snapshot transfer replaces it.
type Item struct {
	Entry *logpd.Entry
	Chunk *logpd.SnapshotChunk
}

// EntryStream is the lazy, pull-based result of an entries request.
// Messages the consumer has not pulled stay in the transport, so not
// calling Next is the stream's backpressure.
type EntryStream struct {
	client *Client
	sock   zmq4.Socket

	cursor  uint64 // next expected entry index
	snapOff uint64 // next expected snapshot byte offset
	pending []Item
	done    bool
}

// RequestEntriesStream start streaming entries from the given index.
// The stream is resumable: on ErrOutOfOrder or ErrTimeout, issue a
// new call starting at NextIndex.
func (c *Client) RequestEntriesStream(ctx context.Context, from uint64, opts StreamOptions) (*EntryStream, error) {
	req := logpd.EntriesRequest{
		FromIndex:  from,
		ByteBudget: opts.ByteBudget,
		CountLimit: opts.CountLimit,
	}
	sock, reply, err := c.call(ctx, [][]byte{logpd.MarshalEntriesRequest(&req)})
	if err != nil {
		return nil, err
	}

	s := &EntryStream{client: c, sock: sock, cursor: from}
	if err := s.ingest(reply); err != nil {
		sock.Close()
		return nil, err
	}
	return s, nil
}

// NextIndex return the index a replacement stream should start from.
func (s *EntryStream) NextIndex() uint64 { return s.cursor }

// Next return the next item in strict order. io.EOF ends the stream;
// ErrOutOfOrder and ErrTimeout abandon it (restart from NextIndex).
func (s *EntryStream) Next(ctx context.Context) (Item, error) {
	for len(s.pending) == 0 {
		if s.done {
			return Item{}, io.EOF
		}
		frames, err := recvTimeout(ctx, s.sock, s.client.opts.RequestTimeout)
		if err != nil {
			return Item{}, err
		}
		if len(frames) < 2 {
			return Item{}, ErrOutOfOrder
		}
		if err := s.ingest(frames[1:]); err != nil {
			return Item{}, err
		}
	}
	item := s.pending[0]
	s.pending = s.pending[1:]
	return item, nil
}

// ingest parse one stream message (status frame onward) into pending
// items, enforcing the cursor.
func (s *EntryStream) ingest(frames [][]byte) error {
	if len(frames) == 0 || len(frames[0]) == 0 {
		return ErrOutOfOrder
	}
	switch frames[0][0] {
	case logpd.StatusEntries:
		for _, raw := range frames[1:] {
			entry, err := logpd.UnmarshalEntry(raw)
			if err != nil {
				return ErrOutOfOrder
			}
			if entry.Index != s.cursor {
				return ErrOutOfOrder
			}
			s.cursor++
			e := entry
			s.pending = append(s.pending, Item{Entry: &e})
		}
	case logpd.StatusSnapshot:
		if len(frames) < 3 {
			return ErrOutOfOrder
		}
		chunk, err := logpd.UnmarshalChunkHeader(frames[1])
		if err != nil {
			return ErrOutOfOrder
		}
		if chunk.ByteOffset != s.snapOff {
			return ErrOutOfOrder
		}
		chunk.Data = frames[2]
		s.snapOff += chunk.ByteSize
		if chunk.Last {
			// the snapshot replaces everything up to its index
			s.cursor = chunk.Index + 1
			s.snapOff = 0
		}
		c := chunk
		s.pending = append(s.pending, Item{Chunk: &c})
	case logpd.StatusDone:
		s.done = true
	default:
		return ErrOutOfOrder
	}
	return nil
}

// Close drop the stream. Pending transport messages are discarded.
func (s *EntryStream) Close() {
	s.sock.Close()
}
