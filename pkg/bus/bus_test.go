package bus

import (
	"context"
	"testing"
	"time"

	"chatroster/pkg/roster"
)

func TestMessageRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	in := roster.Message{ID: "m1", SenderID: "a", RecipientID: "me", Body: "hello"}
	if ok := mb.PublishMessage(context.Background(), in); !ok {
		t.Fatal("expected message publish to succeed")
	}

	out, ok := mb.Consume(context.Background())
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if out.Feed != FeedMessages {
		t.Fatalf("feed = %q, want %q", out.Feed, FeedMessages)
	}
	if out.Message.ID != in.ID {
		t.Fatalf("message id = %q, want %q", out.Message.ID, in.ID)
	}
}

func TestPresenceRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	if ok := mb.PublishPresence(context.Background(), roster.Sync("a", "b")); !ok {
		t.Fatal("expected presence publish to succeed")
	}

	out, ok := mb.Consume(context.Background())
	if !ok {
		t.Fatal("expected consume to succeed")
	}
	if out.Feed != FeedPresence || out.Presence.Type != roster.PresenceSync {
		t.Fatalf("inbound = %+v, want presence sync", out)
	}
	if len(out.Presence.Online) != 2 {
		t.Fatalf("online = %v, want 2 ids", out.Presence.Online)
	}
}

func TestFeedOrderIsPreserved(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		mb.PublishMessage(ctx, roster.Message{ID: id})
		mb.PublishPresence(ctx, roster.Join(id))
	}

	var messages, presence []string
	for i := 0; i < 6; i++ {
		in, ok := mb.Consume(ctx)
		if !ok {
			t.Fatal("expected consume to succeed")
		}
		switch in.Feed {
		case FeedMessages:
			messages = append(messages, in.Message.ID)
		case FeedPresence:
			presence = append(presence, in.Presence.ID)
		}
	}

	if got := len(messages); got != 3 || messages[0] != "1" || messages[2] != "3" {
		t.Fatalf("message order = %v", messages)
	}
	if got := len(presence); got != 3 || presence[0] != "1" || presence[2] != "3" {
		t.Fatalf("presence order = %v", presence)
	}
}

func TestCloseStopsBusOperations(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	if ok := mb.PublishMessage(context.Background(), roster.Message{ID: "m"}); ok {
		t.Fatal("expected message publish to fail after close")
	}
	if ok := mb.PublishPresence(context.Background(), roster.Join("a")); ok {
		t.Fatal("expected presence publish to fail after close")
	}
	if _, ok := mb.Consume(context.Background()); ok {
		t.Fatal("expected consume to stop after close")
	}

	mb.Close()
}

func TestContextCancellation(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if ok := mb.PublishMessage(ctx, roster.Message{ID: "m"}); ok {
		t.Fatal("expected publish to fail on canceled context")
	}
	if _, ok := mb.Consume(ctx); ok {
		t.Fatal("expected consume to fail on canceled context")
	}
}

func TestConsumeUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = mb.Consume(context.Background())
	}()

	mb.Close()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("consume did not unblock after close")
	}
}

func TestPending(t *testing.T) {
	mb := NewMessageBusWithBuffer(4)
	t.Cleanup(mb.Close)

	mb.PublishMessage(context.Background(), roster.Message{ID: "m"})
	mb.PublishPresence(context.Background(), roster.Join("a"))
	mb.PublishPresence(context.Background(), roster.Leave("a"))

	messages, presence := mb.Pending()
	if messages != 1 || presence != 2 {
		t.Fatalf("pending = (%d, %d), want (1, 2)", messages, presence)
	}
}

func TestEventFanout(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	eventsA, unsubA := mb.SubscribeEvents(ctx, 1)
	defer unsubA()
	eventsB, unsubB := mb.SubscribeEvents(ctx, 1)
	defer unsubB()

	event := Event{Type: EventRosterChanged, SubscriberID: "me", Version: 7}
	if ok := mb.PublishEvent(ctx, event); !ok {
		t.Fatal("expected event publish to succeed")
	}

	for name, events := range map[string]<-chan Event{"A": eventsA, "B": eventsB} {
		select {
		case got := <-events:
			if got.Type != EventRosterChanged || got.Version != 7 {
				t.Fatalf("subscriber %s event = %+v", name, got)
			}
			if got.At.IsZero() {
				t.Fatalf("subscriber %s event has zero timestamp", name)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("subscriber %s did not receive event", name)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublishEvent(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	defer unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventRosterChanged}); !ok {
		t.Fatal("expected first event publish to succeed")
	}

	start := time.Now()
	if ok := mb.PublishEvent(ctx, Event{Type: EventSourceDisconnected}); !ok {
		t.Fatal("expected second event publish to succeed")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("publish event blocked on slow subscriber")
	}

	select {
	case <-events:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected at least one event")
	}
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	mb := NewMessageBus()
	t.Cleanup(mb.Close)

	ctx := context.Background()
	events, unsubscribe := mb.SubscribeEvents(ctx, 1)
	unsubscribe()

	if ok := mb.PublishEvent(ctx, Event{Type: EventRosterChanged}); !ok {
		t.Fatal("expected event publish to succeed")
	}

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed event channel")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event channel close after unsubscribe")
	}
}

func TestSubscribeEventsUnblocksOnClose(t *testing.T) {
	mb := NewMessageBus()

	events, _ := mb.SubscribeEvents(context.Background(), 1)
	mb.Close()

	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected event channel to be closed")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("event subscription did not unblock after close")
	}
}

func TestSubscribeAfterCloseReturnsClosedChannel(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	events, unsubscribe := mb.SubscribeEvents(context.Background(), 1)
	defer unsubscribe()

	if _, ok := <-events; ok {
		t.Fatal("expected closed channel after bus close")
	}
}
