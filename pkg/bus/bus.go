package bus

import (
	"context"
	"sync"

	"chatroster/pkg/roster"
)

const defaultBufferSize = 100

// MessageBus serializes the message and presence feeds into a single
// consumer and fans out roster notifications. Each feed is FIFO; no order is
// kept across feeds.
type MessageBus struct {
	messages chan roster.Message
	presence chan roster.PresenceEvent

	eventSubscribers      map[uint64]chan Event
	nextEventSubscriberID uint64

	done      chan struct{}
	closeOnce sync.Once

	mu sync.RWMutex
}

func NewMessageBus() *MessageBus {
	return NewMessageBusWithBuffer(defaultBufferSize)
}

func NewMessageBusWithBuffer(size int) *MessageBus {
	if size <= 0 {
		size = defaultBufferSize
	}

	return &MessageBus{
		messages:         make(chan roster.Message, size),
		presence:         make(chan roster.PresenceEvent, size),
		eventSubscribers: make(map[uint64]chan Event),
		done:             make(chan struct{}),
	}
}

func (mb *MessageBus) PublishMessage(ctx context.Context, msg roster.Message) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.messages <- msg:
		return true
	}
}

func (mb *MessageBus) PublishPresence(ctx context.Context, event roster.PresenceEvent) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	case mb.presence <- event:
		return true
	}
}

// Consume blocks until the next event from either feed is available.
func (mb *MessageBus) Consume(ctx context.Context) (Inbound, bool) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return Inbound{}, false
	case <-mb.done:
		return Inbound{}, false
	case msg := <-mb.messages:
		return Inbound{Feed: FeedMessages, Message: msg}, true
	case event := <-mb.presence:
		return Inbound{Feed: FeedPresence, Presence: event}, true
	}
}

// Pending reports how many events are queued per feed.
func (mb *MessageBus) Pending() (messages int, presence int) {
	return len(mb.messages), len(mb.presence)
}

func (mb *MessageBus) Done() <-chan struct{} {
	return mb.done
}

func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		close(mb.done)

		mb.mu.Lock()
		for id, ch := range mb.eventSubscribers {
			close(ch)
			delete(mb.eventSubscribers, id)
		}
		mb.mu.Unlock()
	})
}
