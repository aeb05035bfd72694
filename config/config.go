// Package config owns cluster-level settings: the peer set, the
// shared secret, and the timing knobs every component derives its
// behavior from.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/jcalfee/node-zmq-raft/logpd"
	"github.com/jcalfee/node-zmq-raft/utils/pd"
)

var ErrInvalidArgument = errors.New("config: invalid argument")

const (
	DefaultRequestTimeout     = 500 * time.Millisecond
	DefaultElectionGraceDelay = 300 * time.Millisecond
	DefaultHeartbeatInterval  = 500 * time.Millisecond
	DefaultFreshnessWindow    = 8 * time.Hour
)

// Cluster is the runtime configuration shared by the server node,
// the RPC client and the subscriber.
type Cluster struct {
	Peers  []logpd.Peer
	Secret []byte

	RequestTimeout     time.Duration
	ElectionGraceDelay time.Duration
	HeartbeatInterval  time.Duration
	FreshnessWindow    time.Duration

	MaxEntriesPerSegment int
	MaxBytesPerSegment   int64

	// ReappendExpiredIDs controls what happens when an update arrives
	// whose request id has aged out of the freshness window: false
	// rejects it, true appends it again as a fresh request. Silent
	// re-append of a possibly-applied id is never done implicitly.
	ReappendExpiredIDs bool
}

func (c *Cluster) WithDefaults() Cluster {
	out := *c
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ElectionGraceDelay <= 0 {
		out.ElectionGraceDelay = DefaultElectionGraceDelay
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.FreshnessWindow <= 0 {
		out.FreshnessWindow = DefaultFreshnessWindow
	}
	return out
}

// Validate check the peer set: unique ids, valid URLs, non-empty
// secret.
func (c *Cluster) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("empty peer set: %w", ErrInvalidArgument)
	}
	if len(c.Secret) == 0 {
		return fmt.Errorf("empty cluster secret: %w", ErrInvalidArgument)
	}
	seen := make(map[uint64]bool, len(c.Peers))
	for _, peer := range c.Peers {
		if peer.ID == 0 || seen[peer.ID] {
			return fmt.Errorf("peer id %d duplicate or zero: %w", peer.ID, ErrInvalidArgument)
		}
		seen[peer.ID] = true
		if err := ValidatePeerURL(peer.URL); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePeerURL enforce the cluster addressing rule: tcp://ip:port
// with a literal, non-wildcard IP and nothing else.
func ValidatePeerURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("peer url %q: %w", raw, ErrInvalidArgument)
	}
	if u.Scheme != "tcp" || u.Path != "" || u.RawQuery != "" ||
		u.Fragment != "" || u.User != nil || u.Opaque != "" {
		return fmt.Errorf("peer url %q must be tcp://ip:port: %w", raw, ErrInvalidArgument)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return fmt.Errorf("peer url %q: %w", raw, ErrInvalidArgument)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("peer url %q host must be a literal ip: %w", raw, ErrInvalidArgument)
	}
	if ip.IsUnspecified() {
		return fmt.Errorf("peer url %q must not be a wildcard address: %w", raw, ErrInvalidArgument)
	}
	var portNum int
	if _, err := fmt.Sscanf(port, "%d", &portNum); err != nil || portNum < 1 || portNum > 65535 {
		return fmt.Errorf("peer url %q port out of range: %w", raw, ErrInvalidArgument)
	}
	return nil
}

// MajorityOf return the quorum size for n voters.
func MajorityOf(n int) int {
	if n == 0 {
		return 1
	}
	return n/2 + 1
}

// PeerURLs return the URLs of the peer set in declaration order.
func PeerURLs(peers []logpd.Peer) []string {
	urls := make([]string, len(peers))
	for i, peer := range peers {
		urls[i] = peer.URL
	}
	return urls
}

// PeerByID find a peer in the set.
func PeerByID(peers []logpd.Peer, id uint64) (logpd.Peer, bool) {
	for _, peer := range peers {
		if peer.ID == id {
			return peer, true
		}
	}
	return logpd.Peer{}, false
}

// MarshalPeers encode a peer set as the payload of an EntryConfig
// log entry.
func MarshalPeers(peers []logpd.Peer) []byte {
	return pd.MustMarshal(&logpd.PeerSet{Peers: peers})
}

// UnmarshalPeers decode an EntryConfig payload.
func UnmarshalPeers(data []byte) ([]logpd.Peer, error) {
	var set logpd.PeerSet
	if err := pd.Unmarshal(&set, data); err != nil {
		return nil, err
	}
	return set.Peers, nil
}
