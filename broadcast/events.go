package broadcast

import "fmt"

type EventKind int

const (
	// EventFresh fires when a broadcast message is processed cleanly
	// after discovery or gap recovery: the subscriber is in sync.
	EventFresh EventKind = iota
	// EventStale fires on entering gap recovery; GapSize is the
	// number of missing entries being fetched.
	EventStale
	// EventTimeout fires when the publisher went unresponsive and
	// the subscriber re-enters discovery.
	EventTimeout
)

var eventKindStr = []string{"fresh", "stale", "timeout"}

func (k EventKind) String() string { return eventKindStr[k] }

// Event is a state change on the subscriber's read side.
type Event struct {
	Kind    EventKind
	GapSize uint64
}

func (e Event) String() string {
	if e.Kind == EventStale {
		return fmt.Sprintf("stale(%d)", e.GapSize)
	}
	return e.Kind.String()
}
