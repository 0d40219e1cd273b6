package storage

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dDoc/lib/util"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
)

// EventKind distinguishes document and view events
type EventKind uint8

const (
	EventDocumentChanged EventKind = iota + 1
	EventViewUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventDocumentChanged:
		return "document"
	case EventViewUpdated:
		return "view"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *EventKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "document":
		*k = EventDocumentChanged
	case "view":
		*k = EventViewUpdated
	default:
		return fmt.Errorf("unknown event kind %q", text)
	}
	return nil
}

// Event is published after a transaction committed (document events) or a
// view applied entries for a key (view events). Source is the collection or
// the view name.
type Event struct {
	Kind          EventKind `json:"kind"`
	Database      string    `json:"database"`
	Source        string    `json:"source"`
	DocumentID    uint64    `json:"document_id,omitempty"`
	Key           []byte    `json:"key,omitempty"`
	TransactionID uint64    `json:"transaction_id"`
	Deleted       bool      `json:"deleted,omitempty"`
}

// Filter selects events. Empty fields match everything.
type Filter struct {
	Database string      `json:"database,omitempty"`
	Kinds    []EventKind `json:"kinds,omitempty"`
	Sources  []string    `json:"sources,omitempty"`
}

// Match reports whether e passes the filter
func (f Filter) Match(e Event) bool {
	if f.Database != "" && f.Database != e.Database {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Sources) > 0 && !slices.Contains(f.Sources, e.Source) {
		return false
	}
	return true
}

// Publisher receives every event batch, e.g. to forward it to an external
// broker. Publish is called from the dispatch goroutine and must not block
// for long.
type Publisher interface {
	Publish(events []Event) error
}

// PublisherFunc adapts a function to a Publisher
type PublisherFunc func(events []Event) error

func (f PublisherFunc) Publish(events []Event) error {
	return f(events)
}

// --------------------------------------------------------------------------
// Subscription
// --------------------------------------------------------------------------

// Subscription delivers matching events on C. A subscriber that does not
// keep up loses events; Dropped counts them.
type Subscription struct {
	ID     string
	C      <-chan Event
	c      chan Event
	filter Filter
	n      *Notifier

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

// Dropped returns the number of events lost because C was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C
func (s *Subscription) Close() {
	s.n.subscriptions.Delete(s.ID)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.c)
	}
}

func (s *Subscription) deliver(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.c <- e:
	default:
		s.dropped.Add(1)
	}
}

// --------------------------------------------------------------------------
// Notifier
// --------------------------------------------------------------------------

// Notifier fans committed changes out to subscribers and publishers. Publish
// never blocks the committing writer: batches go through a lock free queue
// and a single goroutine dispatches them in publish order.
type Notifier struct {
	buffer        int
	publishers    []Publisher
	subscriptions *xsync.MapOf[string, *Subscription]
	queue         *util.LockFreeMPSC[[]Event]
	done          chan struct{}
}

// NewNotifier starts a notifier; buffer is the channel capacity of each subscription
func NewNotifier(buffer int, publishers ...Publisher) *Notifier {
	if buffer <= 0 {
		buffer = 256
	}
	n := &Notifier{
		buffer:        buffer,
		publishers:    publishers,
		subscriptions: xsync.NewMapOf[string, *Subscription](),
		queue:         util.NewLockFreeMPSC[[]Event](),
		done:          make(chan struct{}),
	}
	go n.dispatch()
	return n
}

// Subscribe registers a subscription for the events matching filter
func (n *Notifier) Subscribe(filter Filter) *Subscription {
	c := make(chan Event, n.buffer)
	s := &Subscription{
		ID:     uuid.NewString(),
		C:      c,
		c:      c,
		filter: filter,
		n:      n,
	}
	if n.queue.IsClosed() {
		s.close()
		return s
	}
	n.subscriptions.Store(s.ID, s)
	return s
}

// Publish queues a batch of events. Returns false after Close.
func (n *Notifier) Publish(events []Event) bool {
	if len(events) == 0 {
		return true
	}
	return n.queue.Push(&events)
}

// Close delivers the queued events, then closes every subscription
func (n *Notifier) Close() {
	if n.queue.IsClosed() {
		<-n.done
		return
	}
	n.queue.Close()
	<-n.done
	n.subscriptions.Range(func(id string, s *Subscription) bool {
		n.subscriptions.Delete(id)
		s.close()
		return true
	})
}

func (n *Notifier) dispatch() {
	defer close(n.done)
	for batch := range n.queue.Recv() {
		events := *batch
		n.subscriptions.Range(func(_ string, s *Subscription) bool {
			for _, e := range events {
				if s.filter.Match(e) {
					s.deliver(e)
				}
			}
			return true
		})
		for _, p := range n.publishers {
			if err := p.Publish(events); err != nil {
				Logger.Warningf("failed to publish %d events: %v", len(events), err)
			}
		}
	}
}
