package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"chatroster/pkg/bus"
	"chatroster/pkg/metrics"
	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

const (
	defaultInitialInterval = 250 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
)

// ReconnectPolicy bounds the exponential backoff used to resubscribe a feed.
// A zero MaxElapsedTime retries until the session closes.
//
// GapLookback sets how far before the newest seen CreatedAt the message gap is
// reloaded after a reconnect. Messages can be delivered out of timestamp
// order, so zero reloads the whole history.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	GapLookback     time.Duration
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = defaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = defaultMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// resubscribe retries subscribe until it succeeds, the policy gives up or ctx
// ends. It returns false when the feed could not be restored.
func (s *Session) resubscribe(ctx context.Context, feed bus.Feed, subscribe func() error) bool {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return subscribe()
	}, s.reconnect.backOff(ctx), func(err error, wait time.Duration) {
		s.log.Warn("Feed resubscribe failed", "feed", feed, "attempt", attempt, "retry_in", wait, "error", err)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("Giving up on feed", "feed", feed, "attempts", attempt, "error", err)
		}
		return false
	}
	return true
}

func (s *Session) disconnected(ctx context.Context, feed bus.Feed) {
	metrics.SourceReconnects.WithLabelValues(string(feed)).Inc()
	s.log.Warn("Feed disconnected; reconnecting", "feed", feed)

	_ = s.messageBus.PublishEvent(ctx, bus.Event{
		Type:         bus.EventSourceDisconnected,
		SubscriberID: s.subscriberID,
		Feed:         feed,
		Error:        source.ErrSourceDisconnected.Error(),
	})
}

func (s *Session) recovered(ctx context.Context, feed bus.Feed) {
	s.log.Info("Feed recovered", "feed", feed)

	_ = s.messageBus.PublishEvent(ctx, bus.Event{
		Type:         bus.EventSourceRecovered,
		SubscriberID: s.subscriberID,
		Feed:         feed,
	})
}

// runMessagePump forwards the message feed into the bus. stream may be nil
// when the first subscription failed. lastSeen is the newest CreatedAt
// already known; it bounds the reload after a reconnect.
func (s *Session) runMessagePump(ctx context.Context, stream <-chan roster.Message, lastSeen time.Time) {
	defer s.wg.Done()

	for {
		if stream == nil {
			ok := s.resubscribe(ctx, bus.FeedMessages, func() error {
				ch, err := s.sources.History.SubscribeMessages(ctx, s.subscriberID)
				if err != nil {
					return err
				}
				stream = ch
				return nil
			})
			if !ok {
				return
			}

			if !s.recoverMessages(ctx, &lastSeen) {
				return
			}
			s.recovered(ctx, bus.FeedMessages)
		}

		if !s.forwardMessages(ctx, stream, &lastSeen) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		stream = nil
		s.disconnected(ctx, bus.FeedMessages)
	}
}

// forwardMessages drains stream into the bus. It returns false when the bus
// or ctx is done and true when the stream itself ended.
func (s *Session) forwardMessages(ctx context.Context, stream <-chan roster.Message, lastSeen *time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-stream:
			if !ok {
				return true
			}
			if msg.CreatedAt.After(*lastSeen) {
				*lastSeen = msg.CreatedAt
			}
			if !s.messageBus.PublishMessage(ctx, msg) {
				return false
			}
		}
	}
}

// recoverMessages re-requests what may have been missed while disconnected.
// Reapplying known messages is harmless.
func (s *Session) recoverMessages(ctx context.Context, lastSeen *time.Time) bool {
	var (
		missed []roster.Message
		err    error
	)

	since, ok := s.sources.History.(source.HistorySince)
	if ok && s.reconnect.GapLookback > 0 && !lastSeen.IsZero() {
		from := lastSeen.Add(-s.reconnect.GapLookback)
		missed, err = since.LoadHistorySince(ctx, s.subscriberID, from)
	} else {
		missed, err = s.sources.History.LoadHistory(ctx, s.subscriberID)
	}
	if err != nil {
		s.log.Warn("Gap recovery failed", "error", err, "loaded", len(missed))
	}
	s.log.Debug("Replaying message gap", "messages", len(missed), "lookback", s.reconnect.GapLookback)

	for _, msg := range missed {
		if msg.CreatedAt.After(*lastSeen) {
			*lastSeen = msg.CreatedAt
		}
		if !s.messageBus.PublishMessage(ctx, msg) {
			return false
		}
	}
	return true
}

// runPresencePump forwards the presence feed into the bus. Each subscription
// starts with a Sync, which heals any drift accumulated while disconnected.
func (s *Session) runPresencePump(ctx context.Context) {
	defer s.wg.Done()

	var stream <-chan roster.PresenceEvent
	first := true
	for {
		ok := s.resubscribe(ctx, bus.FeedPresence, func() error {
			ch, err := s.sources.Presence.SubscribePresence(ctx)
			if err != nil {
				return err
			}
			stream = ch
			return nil
		})
		if !ok {
			return
		}
		if !first {
			s.recovered(ctx, bus.FeedPresence)
		}
		first = false

		if !s.forwardPresence(ctx, stream) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		s.disconnected(ctx, bus.FeedPresence)
	}
}

func (s *Session) forwardPresence(ctx context.Context, stream <-chan roster.PresenceEvent) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return true
			}
			if !s.messageBus.PublishPresence(ctx, event) {
				return false
			}
		}
	}
}
