// Package stream tracks in-flight and completed asynchronous replies.
//
// Each inbound content message gets one stream state, identified by a
// generated ID the platform polls with. A deduplication index maps the
// platform's delivery message ID to the stream ID so retried deliveries
// reuse the state instead of triggering generation again. All state is
// in-memory and ephemeral; entries leave the table only through TTL pruning.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultTTL is how long a stream state stays reachable after its last
	// update. Expiry is the implicit abandonment path: there is no explicit
	// cancellation of the generation backend.
	DefaultTTL = 10 * time.Minute

	// DefaultMaxContentBytes caps the accumulated reply content. When the
	// cap is exceeded the trailing (most recent) bytes are kept.
	DefaultMaxContentBytes = 4096

	// separator joins successive appended segments.
	separator = "\n\n"
)

// Reply is the poll payload for one stream: the accumulated content and
// whether the stream has reached a terminal state.
type Reply struct {
	Content  string
	Finished bool
}

// Config holds options for creating a Store.
type Config struct {
	// TTL is the stream lifetime since last update; DefaultTTL when zero.
	TTL time.Duration
	// MaxContentBytes caps accumulated content; DefaultMaxContentBytes
	// when zero.
	MaxContentBytes int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// state is one tracked stream. Terminal (finished or errored) states are
// absorbing: no mutation transitions out of them.
type state struct {
	id        string
	msgID     string
	createdAt time.Time
	updatedAt time.Time
	started   bool
	finished  bool
	errText   string
	content   string

	// first is closed on the first content append or terminal transition,
	// waking any bounded wait in WaitFirst.
	first     chan struct{}
	firstOnce sync.Once
}

func (s *state) terminal() bool { return s.finished || s.errText != "" }

func (s *state) signalFirst() {
	s.firstOnce.Do(func() { close(s.first) })
}

// Store is the stream state table plus the deduplication index. It is safe
// for concurrent use; consistency is per stream ID, which is all the request
// flow requires.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	streams map[string]*state
	byMsgID map[string]string
}

// NewStore creates an empty Store.
func NewStore(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		ttl:     cfg.TTL,
		maxSize: cfg.MaxContentBytes,
		now:     cfg.Now,
		streams: make(map[string]*state),
		byMsgID: make(map[string]string),
	}
}

// TTL returns the configured stream lifetime.
func (st *Store) TTL() time.Duration { return st.ttl }

// Len returns the number of live streams.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.streams)
}

// Create registers a new stream under id. When msgID is non-empty it is also
// recorded in the deduplication index, unless another live stream already
// owns it (a live stream has at most one message ID, and vice versa).
func (st *Store) Create(id, msgID string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.streams[id]; exists {
		return
	}
	now := st.now()
	s := &state{
		id:        id,
		createdAt: now,
		updatedAt: now,
		first:     make(chan struct{}),
	}
	if msgID != "" {
		if _, taken := st.byMsgID[msgID]; !taken {
			s.msgID = msgID
			st.byMsgID[msgID] = id
		}
	}
	st.streams[id] = s
}

// MarkStarted records that generation has been launched for id.
func (st *Store) MarkStarted(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.streams[id]; ok && !s.terminal() {
		s.started = true
		s.updatedAt = st.now()
	}
}

// Append concatenates text onto the stream's content, joined with a blank
// line when content already exists, trimmed, and truncated to the byte cap
// keeping the trailing bytes at a rune boundary. A no-op when the stream is
// expired or terminal.
func (st *Store) Append(id, text string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.streams[id]
	if !ok || s.terminal() {
		return
	}

	joined := text
	if s.content != "" {
		joined = s.content + separator + text
	}
	s.content = truncateTail(strings.TrimSpace(joined), st.maxSize)
	s.updatedAt = st.now()
	s.signalFirst()
}

// Finish marks the stream as cleanly completed. Idempotent; a no-op when the
// entry has already expired.
func (st *Store) Finish(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.streams[id]
	if !ok || s.terminal() {
		return
	}
	s.finished = true
	s.updatedAt = st.now()
	s.signalFirst()
}

// Fail marks the stream as terminally errored. The error description becomes
// reply content so the end user sees it on the next poll (the original HTTP
// response has typically already been returned). Idempotent; a no-op when
// the entry has already expired.
func (st *Store) Fail(id, errText string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.streams[id]
	if !ok || s.terminal() {
		return
	}
	s.errText = errText
	if s.content == "" {
		s.content = errText
	} else {
		s.content = truncateTail(s.content+separator+errText, st.maxSize)
	}
	s.finished = true
	s.updatedAt = st.now()
	s.signalFirst()
}

// Read returns the current reply payload for id, and whether the stream is
// live.
func (st *Store) Read(id string) (Reply, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.streams[id]
	if !ok {
		return Reply{}, false
	}
	return Reply{Content: s.content, Finished: s.finished}, true
}

// LookupMessage resolves a platform message ID to the stream it created, if
// one is live. This is the retried-delivery index.
func (st *Store) LookupMessage(msgID string) (string, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id, ok := st.byMsgID[msgID]
	return id, ok
}

// WaitFirst blocks until the stream receives its first content append or
// terminal transition, the timeout elapses, or ctx is cancelled. It returns
// immediately when the stream already has content, is already terminal, or
// does not exist. The wait is a channel wait; other requests keep being
// served.
func (st *Store) WaitFirst(ctx context.Context, id string, timeout time.Duration) {
	st.mu.Lock()
	s, ok := st.streams[id]
	if !ok || s.content != "" || s.terminal() {
		st.mu.Unlock()
		return
	}
	first := s.first
	st.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-first:
	case <-timer.C:
	case <-ctx.Done():
	}
}

// Prune removes every stream whose last update is older than the TTL,
// together with its deduplication-index entry. Called at the start of each
// incoming request; an index entry never outlives its stream.
func (st *Store) Prune() {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := st.now().Add(-st.ttl)
	for id, s := range st.streams {
		if s.updatedAt.Before(cutoff) {
			if s.msgID != "" {
				delete(st.byMsgID, s.msgID)
			}
			// Wake any waiter so it re-reads and observes the missing entry.
			s.signalFirst()
			delete(st.streams, id)
		}
	}
}

// truncateTail limits s to max bytes keeping the trailing bytes, moving the
// cut forward to the next rune start so a multi-byte code point is never
// split.
func truncateTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
