// Package memory provides in-process directory, history and presence feeds.
// It backs tests, demos and the snapshot command.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

const defaultStreamBuffer = 256

// Source is an in-memory implementation of every source contract.
//
// Live subscribers that fall behind by more than the stream buffer are
// disconnected instead of blocking writers.
type Source struct {
	log *slog.Logger
	now func() time.Time

	mu             sync.Mutex
	correspondents []roster.Correspondent
	messages       []roster.Message
	online         map[string]struct{}
	directoryErr   error
	pingErr        error
	closed         bool

	nextSubID    uint64
	messageSubs  map[uint64]*messageSub
	presenceSubs map[uint64]*presenceSub
	buffer       int

	// watchers counts the goroutines tying subscriptions to their contexts.
	watchers sync.WaitGroup
}

// done closes together with ch so the context watcher of an ended
// subscription exits without waiting for its context.
type messageSub struct {
	subscriberID string
	ch           chan roster.Message
	done         chan struct{}
}

func (sub *messageSub) close() {
	close(sub.ch)
	close(sub.done)
}

type presenceSub struct {
	ch   chan roster.PresenceEvent
	done chan struct{}
}

func (sub *presenceSub) close() {
	close(sub.ch)
	close(sub.done)
}

// Option customizes a Source.
type Option func(*Source)

// WithLogger sets the source logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Source) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the timestamp assigned to delivered messages without one.
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		if now != nil {
			s.now = now
		}
	}
}

// WithStreamBuffer sets the per-subscription buffer size.
func WithStreamBuffer(size int) Option {
	return func(s *Source) {
		if size > 0 {
			s.buffer = size
		}
	}
}

// WithCorrespondents seeds the directory.
func WithCorrespondents(correspondents ...roster.Correspondent) Option {
	return func(s *Source) {
		s.correspondents = append(s.correspondents, correspondents...)
	}
}

// WithMessages seeds the message log.
func WithMessages(messages ...roster.Message) Option {
	return func(s *Source) {
		s.messages = append(s.messages, messages...)
	}
}

// WithOnline seeds the online set.
func WithOnline(ids ...string) Option {
	return func(s *Source) {
		for _, id := range ids {
			s.online[id] = struct{}{}
		}
	}
}

func New(opts ...Option) *Source {
	s := &Source{
		log:          slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		online:       make(map[string]struct{}),
		messageSubs:  make(map[uint64]*messageSub),
		presenceSubs: make(map[uint64]*presenceSub),
		buffer:       defaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "source.memory")

	return s
}

// ListCorrespondents returns the directory without excludeID.
func (s *Source) ListCorrespondents(ctx context.Context, excludeID string) ([]roster.Correspondent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.directoryErr != nil {
		return nil, s.directoryErr
	}

	out := make([]roster.Correspondent, 0, len(s.correspondents))
	for _, c := range s.correspondents {
		if c.ID == excludeID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// LoadHistory returns every message involving subscriberID in append order.
func (s *Source) LoadHistory(ctx context.Context, subscriberID string) ([]roster.Message, error) {
	return s.LoadHistorySince(ctx, subscriberID, time.Time{})
}

// LoadHistorySince returns messages involving subscriberID created at or
// after since.
func (s *Source) LoadHistorySince(ctx context.Context, subscriberID string, since time.Time) ([]roster.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]roster.Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if _, ok := msg.OtherParty(subscriberID); !ok {
			continue
		}
		if msg.CreatedAt.Before(since) {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// SubscribeMessages streams messages involving subscriberID delivered after
// the call.
func (s *Source) SubscribeMessages(ctx context.Context, subscriberID string) (<-chan roster.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, source.NewError(source.ErrorSourceDisconnected, "memory source closed")
	}

	id := s.nextSubID
	s.nextSubID++
	sub := &messageSub{
		subscriberID: subscriberID,
		ch:           make(chan roster.Message, s.buffer),
		done:         make(chan struct{}),
	}
	s.messageSubs[id] = sub
	s.mu.Unlock()

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		select {
		case <-ctx.Done():
			s.dropMessageSub(id)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

// SubscribePresence streams presence changes, starting with a Sync of the
// current online set.
func (s *Source) SubscribePresence(ctx context.Context) (<-chan roster.PresenceEvent, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, source.NewError(source.ErrorSourceDisconnected, "memory source closed")
	}

	id := s.nextSubID
	s.nextSubID++
	sub := &presenceSub{ch: make(chan roster.PresenceEvent, s.buffer), done: make(chan struct{})}
	sub.ch <- roster.Sync(s.onlineLocked()...)
	s.presenceSubs[id] = sub
	s.mu.Unlock()

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		select {
		case <-ctx.Done():
			s.dropPresenceSub(id)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

// PublishSelfPresence marks subscriberID online.
func (s *Source) PublishSelfPresence(ctx context.Context, subscriberID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(subscriberID) == "" {
		return source.NewError(source.ErrorInvalidPayload, "subscriber id is required")
	}

	s.Join(subscriberID)
	return nil
}

// Ping reports the configured ping error.
func (s *Source) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return source.NewError(source.ErrorSourceDisconnected, "memory source closed")
	}
	return s.pingErr
}

// Deliver appends msg to the log and pushes it to live subscribers of either
// participant. Missing ids get a ULID and missing timestamps the clock time.
func (s *Source) Deliver(msg roster.Message) roster.Message {
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.ContentKind == "" {
		msg.ContentKind = roster.ContentText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = append(s.messages, msg)
	for id, sub := range s.messageSubs {
		if _, ok := msg.OtherParty(sub.subscriberID); !ok {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			s.log.Warn("message subscriber overflowed; disconnecting", "subscriber", sub.subscriberID)
			delete(s.messageSubs, id)
			sub.close()
		}
	}

	return msg
}

// Redeliver pushes an already logged message to live subscribers again
// without appending it.
func (s *Source) Redeliver(msg roster.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.messageSubs {
		if _, ok := msg.OtherParty(sub.subscriberID); !ok {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// Join marks id online and notifies presence subscribers.
func (s *Source) Join(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.online[id] = struct{}{}
	s.broadcastLocked(roster.Join(id))
}

// Leave marks id offline and notifies presence subscribers.
func (s *Source) Leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.online, id)
	s.broadcastLocked(roster.Leave(id))
}

// Sync replaces the online set and notifies presence subscribers.
func (s *Source) Sync(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.online[id] = struct{}{}
	}
	s.broadcastLocked(roster.Sync(s.onlineLocked()...))
}

// SetOnlineQuietly changes the online set without notifying anyone. The next
// presence subscription observes it in its leading Sync.
func (s *Source) SetOnlineQuietly(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.online = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.online[id] = struct{}{}
	}
}

// Online returns the current online set, sorted.
func (s *Source) Online() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.onlineLocked()
}

// SetCorrespondents replaces the directory.
func (s *Source) SetCorrespondents(correspondents ...roster.Correspondent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.correspondents = append([]roster.Correspondent{}, correspondents...)
}

// FailDirectory makes directory reads fail with a directory_unavailable
// error. A nil err restores normal reads.
func (s *Source) FailDirectory(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		err = source.Unavailable(err)
	}
	s.directoryErr = err
}

// FailPing makes Ping return err.
func (s *Source) FailPing(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pingErr = err
}

// Disconnect ends every live subscription, as if the connection dropped.
// New subscriptions are still accepted.
func (s *Source) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeSubsLocked()
}

// Subscriptions reports the number of live message and presence subscriptions.
func (s *Source) Subscriptions() (messages int, presence int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.messageSubs), len(s.presenceSubs)
}

// Close ends every subscription and rejects new ones.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.closeSubsLocked()
	return nil
}

func (s *Source) closeSubsLocked() {
	for id, sub := range s.messageSubs {
		delete(s.messageSubs, id)
		sub.close()
	}
	for id, sub := range s.presenceSubs {
		delete(s.presenceSubs, id)
		sub.close()
	}
}

func (s *Source) broadcastLocked(event roster.PresenceEvent) {
	for id, sub := range s.presenceSubs {
		select {
		case sub.ch <- event:
		default:
			s.log.Warn("presence subscriber overflowed; disconnecting")
			delete(s.presenceSubs, id)
			sub.close()
		}
	}
}

func (s *Source) onlineLocked() []string {
	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Source) dropMessageSub(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.messageSubs[id]; ok {
		delete(s.messageSubs, id)
		sub.close()
	}
}

func (s *Source) dropPresenceSub(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.presenceSubs[id]; ok {
		delete(s.presenceSubs, id)
		sub.close()
	}
}
