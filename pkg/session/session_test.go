package session

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"chatroster/pkg/bus"
	"chatroster/pkg/metrics"
	"chatroster/pkg/roster"
	"chatroster/pkg/source"
	"chatroster/pkg/source/memory"
)

const me = "me"

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func exampleSource(opts ...memory.Option) *memory.Source {
	seed := []memory.Option{
		memory.WithCorrespondents(
			roster.Correspondent{ID: "D1", Name: "Alice", Kind: roster.KindOperator},
			roster.Correspondent{ID: "D2", Name: "Bob", Kind: roster.KindAssistant},
			roster.Correspondent{ID: "D3", Name: "Assist-AI", Kind: roster.KindAgent},
		),
		memory.WithMessages(
			roster.Message{ID: "m1", SenderID: "D1", RecipientID: me, Body: "from alice", CreatedAt: at(10)},
			roster.Message{ID: "m2", SenderID: "D2", RecipientID: me, Body: "from bob", CreatedAt: at(20)},
		),
		memory.WithOnline("D1"),
	}
	return memory.New(append(seed, opts...)...)
}

func fastReconnect() ReconnectPolicy {
	return ReconnectPolicy{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond}
}

func startSession(t *testing.T, src *memory.Source) *Session {
	t.Helper()

	s, err := Start(context.Background(), Options{
		SubscriberID: me,
		Sources:      source.Set{Directory: src, History: src, Presence: src},
		Reconnect:    fastReconnect(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func names(entries []roster.Entry) string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Correspondent.Name)
	}
	return strings.Join(out, ",")
}

func online(s *Session, id string) bool {
	entry, ok := s.Snapshot().Lookup(id)
	return ok && entry.Online
}

func summaryID(s *Session, id string) string {
	entry, ok := s.Snapshot().Lookup(id)
	if !ok || entry.Latest == nil {
		return ""
	}
	return entry.Latest.MessageID
}

func waitFor(t *testing.T, events <-chan bus.Event, want bus.EventType) bus.Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-events:
			require.True(t, ok, "event channel closed while waiting for %s", want)
			if event.Type == want {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitForFeed(t *testing.T, events <-chan bus.Event, feed bus.Feed) bus.Event {
	t.Helper()

	for {
		event := waitFor(t, events, bus.EventRosterChanged)
		if event.Feed == feed {
			return event
		}
	}
}

func TestStartBuildsInitialRoster(t *testing.T) {
	s := startSession(t, exampleSource())

	require.Equal(t, me, s.SubscriberID())
	require.Equal(t, "Assist-AI,Bob,Alice", names(s.Project("")))
	require.Equal(t, "Assist-AI,Alice", names(s.Project("ali")))

	require.Eventually(t, func() bool { return online(s, "D1") }, 2*time.Second, 5*time.Millisecond)
	require.False(t, online(s, "D2"))
	require.True(t, online(s, "D3"))

	items := s.Items("")
	require.Len(t, items, 3)
	require.Equal(t, "from bob", items[1].Preview)
}

func TestStartPublishesOwnPresence(t *testing.T) {
	src := exampleSource()
	startSession(t, src)

	require.Contains(t, src.Online(), me)
}

func TestStartFailsWhenDirectoryUnavailable(t *testing.T) {
	src := exampleSource()
	src.FailDirectory(errors.New("db down"))

	s, err := Start(context.Background(), Options{
		SubscriberID: me,
		Sources:      source.Set{Directory: src, History: src, Presence: src},
	})
	require.Nil(t, s)
	require.ErrorIs(t, err, roster.ErrDirectoryUnavailable)

	messages, presence := src.Subscriptions()
	require.Zero(t, messages)
	require.Zero(t, presence)
}

func TestStartValidatesOptions(t *testing.T) {
	src := exampleSource()

	_, err := Start(context.Background(), Options{Sources: source.Set{Directory: src, History: src, Presence: src}})
	require.Error(t, err)

	_, err = Start(context.Background(), Options{SubscriberID: me, Sources: source.Set{Directory: src}})
	require.Equal(t, source.ErrorInvalidConfig, source.CategoryFromError(err))
}

type failingHistory struct {
	*memory.Source
}

func (f failingHistory) LoadHistory(ctx context.Context, subscriberID string) ([]roster.Message, error) {
	all, _ := f.Source.LoadHistory(ctx, subscriberID)
	return all[:1], errors.New("history timeout")
}

func TestStartContinuesWithPartialHistory(t *testing.T) {
	src := exampleSource()

	s, err := Start(context.Background(), Options{
		SubscriberID: me,
		Sources:      source.Set{Directory: src, History: failingHistory{src}, Presence: src},
		Reconnect:    fastReconnect(),
	})
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, "m1", summaryID(s, "D1"))
	require.Equal(t, "", summaryID(s, "D2"))
}

func TestLiveMessageUpdatesRoster(t *testing.T) {
	src := exampleSource()
	s := startSession(t, src)

	events, unsubscribe := s.Changes(context.Background(), 16)
	defer unsubscribe()

	src.Deliver(roster.Message{ID: "m3", SenderID: me, RecipientID: "D1", Body: "reply", CreatedAt: at(30)})

	event := waitForFeed(t, events, bus.FeedMessages)
	require.Equal(t, me, event.SubscriberID)
	require.NotZero(t, event.Version)

	require.Equal(t, "m3", summaryID(s, "D1"))
	require.Equal(t, "Assist-AI,Alice,Bob", names(s.Project("")))
}

func TestLivePresenceUpdatesRoster(t *testing.T) {
	src := exampleSource()
	s := startSession(t, src)
	require.Eventually(t, func() bool { return online(s, "D1") }, 2*time.Second, 5*time.Millisecond)

	src.Join("D2")
	src.Leave("D1")

	require.Eventually(t, func() bool { return online(s, "D2") && !online(s, "D1") }, 2*time.Second, 5*time.Millisecond)
}

func TestDuplicateDeliveryIsNoop(t *testing.T) {
	src := exampleSource()
	s := startSession(t, src)

	events, unsubscribe := s.Changes(context.Background(), 16)
	defer unsubscribe()

	src.Redeliver(roster.Message{ID: "m2", SenderID: "D2", RecipientID: me, Body: "from bob", CreatedAt: at(20)})

	event := waitFor(t, events, bus.EventDropped)
	require.Equal(t, roster.DropDuplicate, event.Payload["reason"])
	require.Equal(t, "m2", summaryID(s, "D2"))
}

func TestUnknownCorrespondentIsDropped(t *testing.T) {
	src := exampleSource()
	s := startSession(t, src)
	require.Eventually(t, func() bool { return online(s, "D1") }, 2*time.Second, 5*time.Millisecond)

	events, unsubscribe := s.Changes(context.Background(), 16)
	defer unsubscribe()

	before := s.Snapshot()
	src.Deliver(roster.Message{SenderID: "stranger", RecipientID: me, Body: "hi", CreatedAt: at(40)})

	event := waitFor(t, events, bus.EventDropped)
	require.Equal(t, roster.DropUnknownCorrespondent, event.Payload["reason"])
	require.Equal(t, before.Entries, s.Snapshot().Entries)
}

func TestMessageFeedReconnectRecoversGap(t *testing.T) {
	src := exampleSource()
	s := startSession(t, src)

	events, unsubscribe := s.Changes(context.Background(), 64)
	defer unsubscribe()

	reconnectsBefore := testutil.ToFloat64(metrics.SourceReconnects.WithLabelValues(string(bus.FeedMessages)))

	src.Disconnect()
	src.Deliver(roster.Message{ID: "gap", SenderID: "D2", RecipientID: me, Body: "while away", CreatedAt: at(50)})

	disconnected := waitFor(t, events, bus.EventSourceDisconnected)
	require.NotEmpty(t, disconnected.Feed)

	require.Eventually(t, func() bool { return summaryID(s, "D2") == "gap" }, 2*time.Second, 5*time.Millisecond)
	require.GreaterOrEqual(t, testutil.ToFloat64(metrics.SourceReconnects.WithLabelValues(string(bus.FeedMessages)))-reconnectsBefore, 1.0)

	src.Deliver(roster.Message{ID: "after", SenderID: "D1", RecipientID: me, Body: "back", CreatedAt: at(60)})
	require.Eventually(t, func() bool { return summaryID(s, "D1") == "after" }, 2*time.Second, 5*time.Millisecond)
}

// gatedHistory holds every resubscribe after the first until open closes.
type gatedHistory struct {
	*memory.Source
	open  chan struct{}
	calls atomic.Int32
}

func (g *gatedHistory) SubscribeMessages(ctx context.Context, subscriberID string) (<-chan roster.Message, error) {
	if g.calls.Add(1) > 1 {
		select {
		case <-g.open:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Source.SubscribeMessages(ctx, subscriberID)
}

func TestMessageGapRecoversOutOfOrderDelivery(t *testing.T) {
	tests := []struct {
		name     string
		lookback time.Duration
	}{
		{name: "full reload", lookback: 0},
		{name: "lookback window", lookback: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := exampleSource()
			history := &gatedHistory{Source: src, open: make(chan struct{})}

			policy := fastReconnect()
			policy.GapLookback = tt.lookback
			s, err := Start(context.Background(), Options{
				SubscriberID: me,
				Sources:      source.Set{Directory: src, History: history, Presence: src},
				Reconnect:    policy,
			})
			require.NoError(t, err)
			defer s.Close()

			events, unsubscribe := s.Changes(context.Background(), 64)
			defer unsubscribe()

			src.Disconnect()
			waitFor(t, events, bus.EventSourceDisconnected)

			// Older than the newest message already seen at t=20.
			src.Deliver(roster.Message{ID: "late", SenderID: "D1", RecipientID: me, Body: "delayed", CreatedAt: at(15)})
			close(history.open)

			require.Eventually(t, func() bool { return summaryID(s, "D1") == "late" }, 2*time.Second, 5*time.Millisecond)
			require.Equal(t, "m2", summaryID(s, "D2"))
		})
	}
}

func TestPresenceFeedReconnectHealsDrift(t *testing.T) {
	src := exampleSource()
	s := startSession(t, src)
	require.Eventually(t, func() bool { return online(s, "D1") }, 2*time.Second, 5*time.Millisecond)

	src.Disconnect()
	src.SetOnlineQuietly("D2")

	require.Eventually(t, func() bool { return online(s, "D2") && !online(s, "D1") }, 2*time.Second, 5*time.Millisecond)
	require.True(t, online(s, "D3"))
}

// expiringPresence expires every online correspondent on each sweep, like a
// presence store whose heartbeats all lapsed.
type expiringPresence struct {
	*memory.Source
	sweeps atomic.Int32
}

func (e *expiringPresence) Sweep(context.Context) ([]string, error) {
	e.sweeps.Add(1)
	var expired []string
	for _, id := range e.Online() {
		if id == me {
			continue
		}
		e.Leave(id)
		expired = append(expired, id)
	}
	return expired, nil
}

func TestSweepIntervalExpiresLapsedPresence(t *testing.T) {
	src := exampleSource()
	presence := &expiringPresence{Source: src}

	s, err := Start(context.Background(), Options{
		SubscriberID:  me,
		Sources:       source.Set{Directory: src, History: src, Presence: presence},
		Reconnect:     fastReconnect(),
		SweepInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	defer s.Close()

	require.Eventually(t, func() bool { return presence.sweeps.Load() > 0 && !online(s, "D1") }, 2*time.Second, 5*time.Millisecond)
	require.True(t, online(s, "D3"))
	require.Contains(t, src.Online(), me)
}

func TestRefreshDirectory(t *testing.T) {
	src := exampleSource(memory.WithMessages(
		roster.Message{ID: "m9", SenderID: "D9", RecipientID: me, Body: "new colleague", CreatedAt: at(5)},
	))
	s := startSession(t, src)

	_, known := s.Snapshot().Lookup("D9")
	require.False(t, known)

	src.SetCorrespondents(
		roster.Correspondent{ID: "D1", Name: "Alice", Kind: roster.KindOperator},
		roster.Correspondent{ID: "D3", Name: "Assist-AI", Kind: roster.KindAgent},
		roster.Correspondent{ID: "D9", Name: "Dana", Kind: roster.KindOperator},
	)
	require.NoError(t, s.RefreshDirectory(context.Background()))

	snapshot := s.Snapshot()
	require.Equal(t, 3, snapshot.Len())
	require.Equal(t, "m1", summaryID(s, "D1"))
	require.Equal(t, "m9", summaryID(s, "D9"))
	_, stillThere := snapshot.Lookup("D2")
	require.False(t, stillThere)

	src.FailDirectory(errors.New("gone"))
	require.ErrorIs(t, s.RefreshDirectory(context.Background()), roster.ErrDirectoryUnavailable)
	require.Equal(t, 3, s.Snapshot().Len())
}

func TestCloseUnsubscribesAndIsIdempotent(t *testing.T) {
	src := exampleSource()
	s, err := Start(context.Background(), Options{
		SubscriberID: me,
		Sources:      source.Set{Directory: src, History: src, Presence: src},
		Reconnect:    fastReconnect(),
	})
	require.NoError(t, err)

	events, _ := s.Changes(context.Background(), 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.Eventually(t, func() bool {
		messages, presence := src.Subscriptions()
		return messages == 0 && presence == 0
	}, 2*time.Second, 5*time.Millisecond)

	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("change channel not closed after Close")
	}

	// Source stays usable for other sessions.
	_, err = src.SubscribePresence(context.Background())
	require.NoError(t, err)
}

func TestCloseOwnedSources(t *testing.T) {
	src := exampleSource()
	s, err := Start(context.Background(), Options{
		SubscriberID: me,
		Sources:      source.Set{Directory: src, History: src, Presence: src},
		OwnSources:   true,
	})
	require.NoError(t, err)

	require.NoError(t, s.Close())

	_, err = src.SubscribePresence(context.Background())
	require.ErrorIs(t, err, source.ErrSourceDisconnected)
}

func TestCanceledContextStopsSession(t *testing.T) {
	src := exampleSource()
	ctx, cancel := context.WithCancel(context.Background())

	s, err := Start(ctx, Options{
		SubscriberID: me,
		Sources:      source.Set{Directory: src, History: src, Presence: src},
	})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		messages, presence := src.Subscriptions()
		return messages == 0 && presence == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
}
