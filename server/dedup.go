package server

import (
	"sync"
	"time"

	"github.com/jcalfee/node-zmq-raft/logpd"
)

// dedupTable remembers which request ids were applied and at what
// commit index, for at least the freshness window. Expiry follows
// the timestamp embedded in the id, not the receiving peer's clock,
// so all peers agree on when an id ages out.
type dedupTable struct {
	mu     sync.Mutex
	window time.Duration
	m      map[logpd.RequestID]uint64
}

func makeDedupTable(window time.Duration) *dedupTable {
	return &dedupTable{
		window: window,
		m:      make(map[logpd.RequestID]uint64),
	}
}

// Lookup return the commit index previously assigned to rid.
func (d *dedupTable) Lookup(rid logpd.RequestID) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	index, ok := d.m[rid]
	return index, ok
}

// Record remember the commit index applied for rid.
func (d *dedupTable) Record(rid logpd.RequestID, index uint64) {
	if rid.IsZero() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.m[rid] = index
}

// Sweep drop ids that fell out of the freshness window.
func (d *dedupTable) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for rid := range d.m {
		if rid.Expired(now, d.window) {
			delete(d.m, rid)
		}
	}
}

func (d *dedupTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.m)
}
