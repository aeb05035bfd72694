// Package client talks to the cluster: it tracks the current leader,
// routes requests with redirection and retry, and streams entries or
// snapshot chunks from whichever peer can serve them.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"

	"github.com/jcalfee/node-zmq-raft/config"
	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils/pd"
)

var (
	// ErrTimeout means a single RPC attempt missed its deadline. The
	// request/response calls retry it internally; it reaches callers
	// from EntryStream.Next and from RequestPublisherURL when the
	// answering peer has no publisher URL.
	ErrTimeout = errors.New("client: request timeout")
	// ErrOutOfOrder means a streaming response broke the request
	// cursor; restart the stream from the current position.
	ErrOutOfOrder = errors.New("client: stream out of order")
	// ErrStaleRequest means the request id aged out of the cluster's
	// freshness window and the cluster is configured to reject it.
	ErrStaleRequest = errors.New("client: request id expired")
	// ErrClosed means the client was shut down.
	ErrClosed = errors.New("client: closed")

	errRejected = errors.New("client: request rejected")
)

// Options configure a cluster client.
type Options struct {
	Peers              []string
	Secret             []byte
	RequestTimeout     time.Duration
	ElectionGraceDelay time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	if opts.ElectionGraceDelay <= 0 {
		opts.ElectionGraceDelay = config.DefaultElectionGraceDelay
	}
	return opts
}

// Client is safe for concurrent use; each in-flight request holds its
// own socket, only the leader opinion is shared.
type Client struct {
	mu       sync.Mutex
	opts     Options
	ctx      context.Context
	cancel   context.CancelFunc
	leaderID uint64
	leader   string // url, "" when unknown
	cursor   int    // round-robin position
}

// MakeClient build a client over the given peer URLs. Round-robin
// starts at a random offset so a fleet of clients spreads its first
// contact across the cluster.
func MakeClient(opts Options) (*Client, error) {
	if len(opts.Peers) == 0 {
		return nil, fmt.Errorf("client: empty peer list: %w", config.ErrInvalidArgument)
	}
	for _, url := range opts.Peers {
		if err := config.ValidatePeerURL(url); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
		cursor: rand.Intn(len(opts.Peers)),
	}, nil
}

// Close abort all in-flight requests.
func (c *Client) Close() {
	c.cancel()
}

// Leader return the current leader opinion, zero when unknown.
func (c *Client) Leader() (uint64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID, c.leader
}

func (c *Client) pickPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader != "" {
		return c.leader
	}
	url := c.opts.Peers[c.cursor%len(c.opts.Peers)]
	c.cursor++
	return url
}

func (c *Client) adoptLeader(id uint64, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if config.ValidatePeerURL(url) != nil {
		return
	}
	c.leaderID = id
	c.leader = url
}

// demoteLeader clear the leader opinion if it still points at url.
func (c *Client) demoteLeader(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leader == url || url == "" {
		c.leaderID = 0
		c.leader = ""
	}
}

// roundTrip send one request to url and wait for the first response
// message. The returned socket stays open for streaming responses;
// the caller owns it.
func (c *Client) roundTrip(ctx context.Context, url string, corr []byte, frames [][]byte) (zmq4.Socket, [][]byte, error) {
	sock := zmq4.NewDealer(c.ctx)
	if err := sock.Dial(url); err != nil {
		sock.Close()
		return nil, nil, fmt.Errorf("client: dial %s: %w", url, ErrTimeout)
	}

	all := append([][]byte{corr}, frames...)
	if err := sock.Send(zmq4.NewMsgFrom(all...)); err != nil {
		sock.Close()
		return nil, nil, fmt.Errorf("client: send %s: %w", url, ErrTimeout)
	}

	reply, err := recvTimeout(ctx, sock, c.opts.RequestTimeout)
	if err != nil {
		sock.Close()
		return nil, nil, err
	}
	if len(reply) < 2 || string(reply[0]) != string(corr) {
		sock.Close()
		return nil, nil, ErrOutOfOrder
	}
	return sock, reply[1:], nil
}

// recvTimeout wait for one message; closing deadlines are enforced by
// racing the blocking Recv against the timer and the caller context.
func recvTimeout(ctx context.Context, sock zmq4.Socket, timeout time.Duration) ([][]byte, error) {
	type result struct {
		msg zmq4.Msg
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := sock.Recv()
		ch <- result{msg, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("client: recv: %w", ErrTimeout)
		}
		return r.msg.Frames, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// call run the retry/redirect loop around roundTrip until a terminal
// status arrives or ctx is cancelled. There is no retry cap: callers
// bound the call through ctx.
func (c *Client) call(ctx context.Context, frames [][]byte) (zmq4.Socket, [][]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, nil, ErrClosed
		default:
		}

		url := c.pickPeer()
		corr := xid.New().Bytes()
		sock, reply, err := c.roundTrip(ctx, url, corr, frames)
		if errors.Is(err, ErrTimeout) {
			log.Debugf("client: %s timed out, demoting leader opinion", url)
			c.demoteLeader(url)
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		switch reply[0][0] {
		case logpd.StatusRedirect:
			sock.Close()
			if len(reply) >= 3 {
				id, _ := logpd.ParseU64(reply[1])
				c.adoptLeader(id, string(reply[2]))
				log.Debugf("client: redirected to leader %d at %s", id, string(reply[2]))
			}
			continue
		case logpd.StatusNoLeader:
			sock.Close()
			c.demoteLeader("")
			select {
			case <-time.After(c.opts.ElectionGraceDelay):
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
			continue
		case logpd.StatusError:
			sock.Close()
			return nil, nil, errRejected
		default:
			return sock, reply, nil
		}
	}
}

// callOnce is call for single-response RPCs: the socket is closed
// before returning.
func (c *Client) callOnce(ctx context.Context, frames [][]byte) ([][]byte, error) {
	sock, reply, err := c.call(ctx, frames)
	if err != nil {
		return nil, err
	}
	sock.Close()
	return reply, nil
}

// RequestConfig ask any peer for the peer set and its leader opinion.
func (c *Client) RequestConfig(ctx context.Context) (logpd.ConfigInfo, error) {
	var info logpd.ConfigInfo
	reply, err := c.callOnce(ctx, [][]byte{{logpd.ReqConfig}})
	if err != nil {
		return info, err
	}
	if len(reply) < 2 {
		return info, ErrOutOfOrder
	}
	if err := pd.Unmarshal(&info, reply[1]); err != nil {
		return info, err
	}
	if id, url, ok := leaderOf(&info); ok {
		c.adoptLeader(id, url)
	}
	return info, nil
}

func leaderOf(info *logpd.ConfigInfo) (uint64, string, bool) {
	if info.LeaderID == 0 {
		return 0, "", false
	}
	peer, ok := config.PeerByID(info.Peers, info.LeaderID)
	return peer.ID, peer.URL, ok
}

// RequestLogInfo fetch the log state tuple. With anyPeer false the
// call is served by the leader only, redirecting as needed.
func (c *Client) RequestLogInfo(ctx context.Context, anyPeer bool) (logpd.LogInfo, error) {
	var info logpd.LogInfo
	flag := byte(0)
	if anyPeer {
		flag = 1
	}
	reply, err := c.callOnce(ctx, [][]byte{{logpd.ReqLogInfo, flag}})
	if err != nil {
		return info, err
	}
	if len(reply) < 2 {
		return info, ErrOutOfOrder
	}
	err = pd.Unmarshal(&info, reply[1])
	return info, err
}

// RequestUpdate submit an update request and return the commit index
// the cluster assigned to its request id. Retransmits of an applied
// id return the original index.
func (c *Client) RequestUpdate(ctx context.Context, rid logpd.RequestID, payload []byte) (uint64, error) {
	frames := [][]byte{{logpd.ReqUpdate}, rid[:], payload}
	for {
		reply, err := c.callOnce(ctx, frames)
		if err != nil {
			if errors.Is(err, errRejected) {
				return 0, fmt.Errorf("update rejected: %w", config.ErrInvalidArgument)
			}
			return 0, err
		}
		switch reply[0][0] {
		case logpd.StatusOK:
			if len(reply) < 2 {
				return 0, ErrOutOfOrder
			}
			return logpd.ParseU64(reply[1])
		case logpd.StatusStale:
			return 0, ErrStaleRequest
		default:
			// leader lost leadership mid-append: same request id,
			// new round; dedup makes the retry idempotent
			c.demoteLeader("")
		}
	}
}

// RequestPublisherURL ask the cluster for the broadcast publisher's
// fan-out URL.
func (c *Client) RequestPublisherURL(ctx context.Context) (string, error) {
	reply, err := c.callOnce(ctx, [][]byte{{logpd.ReqPublisherURL}, c.opts.Secret})
	if err != nil {
		return "", err
	}
	if len(reply) < 2 || len(reply[1]) == 0 {
		return "", ErrTimeout
	}
	return string(reply[1]), nil
}
