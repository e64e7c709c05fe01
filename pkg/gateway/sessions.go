package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"chatroster/pkg/session"
	"chatroster/pkg/source"
)

var errManagerClosed = errors.New("session manager closed")

// sessionEntry is one subscriber's session. ready closes once Start has
// finished and session or err is set.
type sessionEntry struct {
	ready    chan struct{}
	session  *session.Session
	err      error
	refs     int
	lastUsed time.Time
}

func (e *sessionEntry) started() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// sessionManager owns one live roster session per subscriber id. Sessions
// start outside the lock so a slow start only delays callers for the same
// subscriber.
type sessionManager struct {
	ctx      context.Context
	sources  source.Set
	template session.Options
	log      *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	closed   bool
}

// newSessionManager builds a manager whose sessions live until ctx ends,
// they sit idle past the eviction window or Close is called. template
// supplies everything but the subscriber id.
func newSessionManager(ctx context.Context, sources source.Set, template session.Options, log *slog.Logger) *sessionManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		log = slog.Default()
	}

	template.Sources = sources
	template.Logger = log
	template.OwnSources = false

	return &sessionManager{
		ctx:      ctx,
		sources:  sources,
		template: template,
		log:      log.With("component", "gateway.sessions"),
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
}

// Get returns the session for subscriberID, starting it on first use.
func (m *sessionManager) Get(ctx context.Context, subscriberID string) (*session.Session, error) {
	s, release, err := m.Acquire(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	release()
	return s, nil
}

// Acquire is Get for long-lived users such as websockets: the session is not
// evicted until release is called. ctx bounds only the wait; the start itself
// runs under the manager's context.
func (m *sessionManager) Acquire(ctx context.Context, subscriberID string) (*session.Session, func(), error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, nil, fmt.Errorf("subscriber id is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, nil, errManagerClosed
		}
		entry, ok := m.sessions[subscriberID]
		if !ok {
			entry = &sessionEntry{ready: make(chan struct{})}
			m.sessions[subscriberID] = entry
			m.mu.Unlock()
			m.start(subscriberID, entry)
		} else {
			m.mu.Unlock()
		}

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, nil, entry.err
		}

		m.mu.Lock()
		if m.sessions[subscriberID] != entry {
			// Evicted between start and pin; start a fresh one.
			m.mu.Unlock()
			continue
		}
		entry.refs++
		entry.lastUsed = m.now()
		m.mu.Unlock()

		var once sync.Once
		release := func() {
			once.Do(func() {
				m.mu.Lock()
				defer m.mu.Unlock()

				entry.refs--
				entry.lastUsed = m.now()
			})
		}
		return entry.session, release, nil
	}
}

func (m *sessionManager) start(subscriberID string, entry *sessionEntry) {
	opts := m.template
	opts.SubscriberID = subscriberID
	s, err := session.Start(m.ctx, opts)

	m.mu.Lock()
	orphaned := false
	switch {
	case err != nil:
		if m.sessions[subscriberID] == entry {
			delete(m.sessions, subscriberID)
		}
	case m.closed:
		orphaned = true
		err = errManagerClosed
	default:
		m.log.Info("Session started", "subscriber", subscriberID)
	}
	entry.session = s
	entry.err = err
	entry.lastUsed = m.now()
	close(entry.ready)
	m.mu.Unlock()

	if orphaned {
		if closeErr := s.Close(); closeErr != nil {
			m.log.Warn("Closing session after shutdown failed", "subscriber", subscriberID, "error", closeErr)
		}
	}
}

// EvictIdle closes sessions nobody holds that were last used more than idle
// ago and returns their subscriber ids.
func (m *sessionManager) EvictIdle(idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}

	m.mu.Lock()
	cutoff := m.now().Add(-idle)
	victims := make(map[string]*session.Session)
	for subscriberID, entry := range m.sessions {
		if !entry.started() || entry.refs > 0 || entry.lastUsed.After(cutoff) {
			continue
		}
		delete(m.sessions, subscriberID)
		victims[subscriberID] = entry.session
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(victims))
	for subscriberID, s := range victims {
		if err := s.Close(); err != nil {
			m.log.Warn("Closing idle session failed", "subscriber", subscriberID, "error", err)
		}
		m.log.Info("Idle session evicted", "subscriber", subscriberID)
		ids = append(ids, subscriberID)
	}
	sort.Strings(ids)
	return ids
}

// Subscribers lists subscriber ids with a running session.
func (m *sessionManager) Subscribers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.sessions))
	for id, entry := range m.sessions {
		if entry.started() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close stops every session and rejects new ones. Sessions still starting
// are closed as soon as their start finishes.
func (m *sessionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	entries := m.sessions
	m.sessions = make(map[string]*sessionEntry)
	m.mu.Unlock()

	var result *multierror.Error
	for subscriberID, entry := range entries {
		if !entry.started() {
			continue
		}
		if err := entry.session.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close session %s: %w", subscriberID, err))
		}
	}
	return result.ErrorOrNil()
}
