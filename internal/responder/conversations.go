package responder

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxConversations bounds the histories kept for reconnecting
	// clients.
	DefaultMaxConversations = 64

	// DefaultIdleTimeout is how long an unused history is kept.
	DefaultIdleTimeout = 30 * time.Minute
)

// conversation is the state shared by every connection carrying the same
// session ID. mu serializes turns so a redial never races the connection it
// replaces.
type conversation struct {
	id string

	mu   sync.Mutex
	hist *History

	// Guarded by conversations.mu.
	refs     int
	lastUsed time.Time
}

// conversations keeps histories keyed by session ID. Only idle entries are
// evicted: those past the idle timeout first, then the least recently used
// when the store is full.
type conversations struct {
	max   int
	idle  time.Duration
	words int
	now   func() time.Time

	mu   sync.Mutex
	byID map[string]*conversation
}

func newConversations(max int, idle time.Duration, words int) *conversations {
	if max <= 0 {
		max = DefaultMaxConversations
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &conversations{max: max, idle: idle, words: words, now: time.Now, byID: make(map[string]*conversation)}
}

// acquire returns the conversation for id, creating it when unknown. An empty
// id yields a private conversation that is never stored. resumed reports
// whether the history already existed. release must be called when the
// connection ends.
func (cs *conversations) acquire(id string) (c *conversation, resumed bool, release func()) {
	if id == "" {
		return &conversation{id: uuid.NewString(), hist: NewHistory(cs.words)}, false, func() {}
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := cs.now()
	c, resumed = cs.byID[id]
	if !resumed {
		cs.evict(now)
		c = &conversation{id: id, hist: NewHistory(cs.words)}
		cs.byID[id] = c
	}
	c.refs++
	c.lastUsed = now

	var once sync.Once
	return c, resumed, func() {
		once.Do(func() {
			cs.mu.Lock()
			defer cs.mu.Unlock()
			c.refs--
			c.lastUsed = cs.now()
		})
	}
}

// evict makes room for one more entry. Callers hold cs.mu.
func (cs *conversations) evict(now time.Time) {
	for id, c := range cs.byID {
		if c.refs == 0 && now.Sub(c.lastUsed) > cs.idle {
			delete(cs.byID, id)
		}
	}
	for len(cs.byID) >= cs.max {
		var oldest *conversation
		for _, c := range cs.byID {
			if c.refs == 0 && (oldest == nil || c.lastUsed.Before(oldest.lastUsed)) {
				oldest = c
			}
		}
		if oldest == nil {
			// Every entry is in use; grow past the bound rather than drop a
			// live conversation.
			return
		}
		delete(cs.byID, oldest.id)
	}
}

func (cs *conversations) len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.byID)
}
