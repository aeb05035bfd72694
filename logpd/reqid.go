package logpd

import (
	"errors"
	"time"

	"github.com/rs/xid"
)

// RequestIDSize is the fixed width of a request identifier.
const RequestIDSize = 12

var ErrBadRequestID = errors.New("logpd: request id must be 12 bytes")

// RequestID is the opaque per-update token used for deduplication at
// the leader. The first four bytes embed a big-endian wall-clock
// second, which drives freshness-window expiry.
type RequestID [RequestIDSize]byte

// NewRequestID return a fresh globally unique request id.
func NewRequestID() RequestID {
	return RequestID(xid.New())
}

// RequestIDFromBytes validate and copy raw into a RequestID.
func RequestIDFromBytes(raw []byte) (RequestID, error) {
	var rid RequestID
	if len(raw) != RequestIDSize {
		return rid, ErrBadRequestID
	}
	copy(rid[:], raw)
	return rid, nil
}

// Timestamp recover the wall-clock second embedded at creation.
func (rid RequestID) Timestamp() time.Time {
	return xid.ID(rid).Time()
}

// IsZero report whether rid is the all-zero id. The zero id is only
// valid on internally generated entries (checkpoints, config).
func (rid RequestID) IsZero() bool {
	return rid == RequestID{}
}

// Expired report whether rid fell out of the freshness window at
// the given reference time.
func (rid RequestID) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(rid.Timestamp()) > window
}

func (rid RequestID) String() string {
	return xid.ID(rid).String()
}
