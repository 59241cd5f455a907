package dashboard

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/kaiwa/internal/sink"
)

// subscriberBuffer is the number of events a websocket client may lag
// behind before it is disconnected.
const subscriberBuffer = 32

// ErrHubClosed is returned by [Hub.Subscribe] after [Hub.Close].
var ErrHubClosed = errors.New("dashboard: hub closed")

// Hub fans pipeline events out to live dashboard clients and remembers the
// most recent turns. It implements [sink.Publisher].
type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	recent []sink.Event
	limit  int
	closed bool
}

var _ sink.Publisher = (*Hub)(nil)

type subscriber struct {
	events chan sink.Event
	// slow is closed when the subscriber was dropped for lagging.
	slow chan struct{}
}

// NewHub keeps up to limit turns for [Hub.History].
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = 50
	}
	return &Hub{subs: make(map[*subscriber]struct{}), limit: limit}
}

// Publish implements [sink.Publisher]. It never blocks on a client: a client
// whose buffer is full is dropped.
func (h *Hub) Publish(_ context.Context, e sink.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if e.Kind == sink.KindTurn {
		h.recent = append(h.recent, e)
		if over := len(h.recent) - h.limit; over > 0 {
			h.recent = append(h.recent[:0], h.recent[over:]...)
		}
	}
	for s := range h.subs {
		select {
		case s.events <- e:
		default:
			delete(h.subs, s)
			close(s.slow)
		}
	}
	return nil
}

// Subscribe registers a client. The returned slow channel is closed if the
// client is dropped for lagging; cancel must be called when the client leaves.
func (h *Hub) Subscribe() (events <-chan sink.Event, slow <-chan struct{}, cancel func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, nil, ErrHubClosed
	}
	s := &subscriber{events: make(chan sink.Event, subscriberBuffer), slow: make(chan struct{})}
	h.subs[s] = struct{}{}
	return s.events, s.slow, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, s)
	}, nil
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// History returns up to n remembered turns, oldest first.
func (h *Hub) History(_ context.Context, n int64) ([]sink.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if n > 0 && int(n) < len(h.recent) {
		start = len(h.recent) - int(n)
	}
	return append([]sink.Event(nil), h.recent[start:]...), nil
}

// Close implements [sink.Publisher]. Connected clients see their slow
// channel closed and disconnect.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for s := range h.subs {
		delete(h.subs, s)
		close(s.slow)
	}
	return nil
}
