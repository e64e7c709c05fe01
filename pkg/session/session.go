// Package session runs one live roster for one subscriber: it loads the
// directory and history, pumps the message and presence feeds through a bus
// into the aggregator, and reconnects feeds that drop.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"chatroster/pkg/bus"
	"chatroster/pkg/metrics"
	"chatroster/pkg/projection"
	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

// Options configures a session.
type Options struct {
	SubscriberID string
	Sources      source.Set
	Logger       *slog.Logger
	DedupWindow  int
	BusBuffer    int
	Reconnect    ReconnectPolicy

	// SweepInterval makes the session periodically expire stale presence
	// when the presence source implements source.Sweeper. Zero disables it.
	SweepInterval time.Duration

	// OwnSources makes Close also close every source holding connections.
	OwnSources bool
}

// Session coordinates a single subscriber's roster.
//
// It owns:
//   - one aggregator,
//   - one in-process bus,
//   - one worker goroutine applying events in arrival order,
//   - and one pump goroutine per live feed.
type Session struct {
	subscriberID string
	sources      source.Set
	aggregator   *roster.Aggregator
	messageBus   *bus.MessageBus
	reconnect    ReconnectPolicy
	ownSources   bool
	log          *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Start builds the initial roster and starts the live feeds.
//
// A directory failure aborts the start with an error matching
// roster.ErrDirectoryUnavailable and nothing is left running. A history
// failure is logged and the roster starts from whatever was loaded. The
// session stops when ctx is canceled or Close is called.
func Start(ctx context.Context, opts Options) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	subscriberID := strings.TrimSpace(opts.SubscriberID)
	if subscriberID == "" {
		return nil, errors.New("subscriber id is required")
	}
	if err := opts.Sources.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session", "subscriber", subscriberID)

	directory, err := opts.Sources.Directory.ListCorrespondents(ctx, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("start session for %s: %w", subscriberID, source.Unavailable(err))
	}

	runCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		subscriberID: subscriberID,
		sources:      opts.Sources,
		messageBus:   bus.NewMessageBusWithBuffer(opts.BusBuffer),
		reconnect:    opts.Reconnect.withDefaults(),
		ownSources:   opts.OwnSources,
		log:          log,
		cancel:       cancel,
	}
	s.aggregator = roster.New(subscriberID,
		roster.WithLogger(log),
		roster.WithDedupWindow(opts.DedupWindow),
		roster.WithDropHandler(s.publishDrop),
	)

	// Subscribe before loading history so nothing appended in between is lost.
	messages, err := s.sources.History.SubscribeMessages(runCtx, subscriberID)
	if err != nil {
		log.Warn("Message feed unavailable at start; retrying in background", "error", err)
		messages = nil
	}

	history, err := s.sources.History.LoadHistory(runCtx, subscriberID)
	if err != nil {
		log.Warn("History load failed; starting with partial history", "error", err, "loaded", len(history))
	}

	initial := s.aggregator.Initialize(directory, history)
	log.Info("Roster initialized", "entries", initial.Len(), "history", len(history))

	s.wg.Add(3)
	go s.runWorker(runCtx)
	go s.runMessagePump(runCtx, messages, latestCreatedAt(history))
	go s.runPresencePump(runCtx)

	if sweeper, ok := s.sources.Presence.(source.Sweeper); ok && opts.SweepInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			source.RunSweeper(runCtx, sweeper, opts.SweepInterval, log)
		}()
	}

	if err := s.sources.Presence.PublishSelfPresence(runCtx, subscriberID); err != nil {
		log.Warn("Publishing own presence failed", "error", err)
	}

	metrics.SessionsActive.Inc()
	return s, nil
}

// SubscriberID returns the id the session serves.
func (s *Session) SubscriberID() string {
	return s.subscriberID
}

// Snapshot returns the current roster.
func (s *Session) Snapshot() roster.Roster {
	return s.aggregator.Snapshot()
}

// Project returns the filtered, ordered view of the current roster.
func (s *Session) Project(search string) []roster.Entry {
	return projection.Project(s.aggregator.Snapshot(), search)
}

// Items returns the projected view with previews.
func (s *Session) Items(search string) []projection.Item {
	return projection.Items(s.aggregator.Snapshot(), search)
}

// Changes subscribes to roster notifications. The channel closes when ctx
// ends, the session closes, or the returned func is called.
func (s *Session) Changes(ctx context.Context, buffer int) (<-chan bus.Event, func()) {
	return s.messageBus.SubscribeEvents(ctx, buffer)
}

// PublishSelfPresence announces the subscriber as online again.
func (s *Session) PublishSelfPresence(ctx context.Context) error {
	return s.sources.Presence.PublishSelfPresence(ctx, s.subscriberID)
}

// RefreshDirectory re-reads the directory, swaps it into the roster and
// reloads history so new correspondents get their summaries.
func (s *Session) RefreshDirectory(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	directory, err := s.sources.Directory.ListCorrespondents(ctx, s.subscriberID)
	if err != nil {
		return fmt.Errorf("refresh directory for %s: %w", s.subscriberID, source.Unavailable(err))
	}

	s.aggregator.ReplaceDirectory(directory)

	history, err := s.sources.History.LoadHistory(ctx, s.subscriberID)
	if err != nil {
		s.log.Warn("History reload after directory refresh failed", "error", err)
	}
	for _, msg := range history {
		s.aggregator.ApplyMessage(msg)
	}

	s.publishChanged(ctx, "")
	return nil
}

// Close stops the pumps and the worker and waits for them. With OwnSources
// it also closes the sources and returns their combined errors. Close is
// idempotent.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}

	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.messageBus.Close()
		metrics.SessionsActive.Dec()

		if !s.ownSources {
			return
		}

		var result *multierror.Error
		for _, member := range s.sources.Members() {
			closer, ok := member.(source.Closer)
			if !ok {
				continue
			}
			if err := closer.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		s.closeErr = result.ErrorOrNil()
	})

	return s.closeErr
}

func (s *Session) runWorker(ctx context.Context) {
	defer s.wg.Done()

	for {
		inbound, ok := s.messageBus.Consume(ctx)
		if !ok {
			return
		}

		var changed bool
		switch inbound.Feed {
		case bus.FeedMessages:
			changed = s.aggregator.ApplyMessage(inbound.Message)
		case bus.FeedPresence:
			changed = s.aggregator.ApplyPresenceEvent(inbound.Presence)
		}

		if changed {
			s.publishChanged(ctx, inbound.Feed)
		}
	}
}

func (s *Session) publishChanged(ctx context.Context, feed bus.Feed) {
	_ = s.messageBus.PublishEvent(ctx, bus.Event{
		Type:         bus.EventRosterChanged,
		SubscriberID: s.subscriberID,
		Feed:         feed,
		Version:      s.aggregator.Version(),
	})
}

// publishDrop runs under the aggregator lock; PublishEvent never blocks.
func (s *Session) publishDrop(reason string) {
	_ = s.messageBus.PublishEvent(context.Background(), bus.Event{
		Type:         bus.EventDropped,
		SubscriberID: s.subscriberID,
		Payload:      map[string]string{"reason": reason},
	})
}

func latestCreatedAt(messages []roster.Message) time.Time {
	var latest time.Time
	for _, msg := range messages {
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
	}
	return latest
}
