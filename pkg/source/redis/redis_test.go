package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"chatroster/pkg/logger"
	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

var (
	_ source.History      = (*Store)(nil)
	_ source.HistorySince = (*Store)(nil)
	_ source.Presence     = (*Store)(nil)
	_ source.Pinger       = (*Store)(nil)
	_ source.Closer       = (*Store)(nil)
	_ source.Sweeper      = (*Store)(nil)
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *clock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	clk := &clock{now: base}
	store := New(client, append([]Option{WithClock(clk.Now), WithPresenceTTL(time.Minute)}, opts...)...)
	t.Cleanup(func() { _ = store.Close() })

	return store, clk
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()

	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}

	var zero T
	return zero
}

func TestAppendAndLoadHistory(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Append(ctx, roster.Message{SenderID: "D1", RecipientID: "me", Body: "hi", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)
	require.Equal(t, roster.ContentText, first.ContentKind)

	_, err = store.Append(ctx, roster.Message{ID: "m2", SenderID: "me", RecipientID: "D2", Body: "scan", ContentKind: roster.ContentDocument, CreatedAt: base.Add(2 * time.Second)})
	require.NoError(t, err)

	mine, err := store.LoadHistory(ctx, "me")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	require.Equal(t, first.ID, mine[0].ID)
	require.Equal(t, roster.ContentDocument, mine[1].ContentKind)

	theirs, err := store.LoadHistory(ctx, "D2")
	require.NoError(t, err)
	require.Len(t, theirs, 1)

	since, err := store.LoadHistorySince(ctx, "me", base.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, since, 1)
	require.Equal(t, "m2", since[0].ID)
}

func TestAppendRequiresParticipants(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Append(context.Background(), roster.Message{SenderID: "a"})
	require.Equal(t, source.ErrorInvalidPayload, source.CategoryFromError(err))
}

func TestSubscribeMessages(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := store.SubscribeMessages(ctx, "me")
	require.NoError(t, err)

	sent, err := store.Append(ctx, roster.Message{SenderID: "D1", RecipientID: "me", Body: "live", CreatedAt: base})
	require.NoError(t, err)

	got := receive(t, stream)
	require.Equal(t, sent.ID, got.ID)
	require.Equal(t, "live", got.Body)
	require.True(t, got.CreatedAt.Equal(base))

	cancel()
	select {
	case _, ok := <-stream:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
}

func TestPresenceSubscriptionStartsWithSync(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Heartbeat(ctx, "b"))
	require.NoError(t, store.Heartbeat(ctx, "a"))

	stream, err := store.SubscribePresence(ctx)
	require.NoError(t, err)

	first := receive(t, stream)
	require.Equal(t, roster.PresenceSync, first.Type)
	require.Equal(t, "a,b", strings.Join(first.Online, ","))

	require.NoError(t, store.PublishSelfPresence(ctx, "me"))
	require.NoError(t, store.Leave(ctx, "a"))

	join := receive(t, stream)
	require.Equal(t, roster.Join("me"), join)

	leave := receive(t, stream)
	require.Equal(t, roster.Leave("a"), leave)
}

func TestOnlineHonorsTTLAndSweep(t *testing.T) {
	store, clk := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Heartbeat(ctx, "old"))
	clk.now = base.Add(45 * time.Second)
	require.NoError(t, store.Heartbeat(ctx, "fresh"))
	clk.now = base.Add(90 * time.Second)

	online, err := store.Online(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, online)

	expired, err := store.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, expired)

	clk.now = base
	online, err = store.Online(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"fresh"}, online)
}

func TestSweeperTurnsLapsedHeartbeatsIntoLeaves(t *testing.T) {
	store, clk := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, store.Heartbeat(ctx, "D1"))
	stream, err := store.SubscribePresence(ctx)
	require.NoError(t, err)
	require.Equal(t, roster.Sync("D1"), receive(t, stream))

	clk.now = base.Add(2 * time.Minute)
	go source.RunSweeper(ctx, store, 10*time.Millisecond, logger.Discard())

	require.Equal(t, roster.Leave("D1"), receive(t, stream))

	online, err := store.Online(ctx)
	require.NoError(t, err)
	require.Empty(t, online)
}

func TestHeartbeatRequiresID(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.Heartbeat(context.Background(), "")
	require.Equal(t, source.ErrorInvalidPayload, source.CategoryFromError(err))
}

func TestDecodePresence(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    roster.PresenceEvent
		wantErr bool
	}{
		{name: "join", payload: `{"type":"join","id":"a"}`, want: roster.Join("a")},
		{name: "leave", payload: `{"type":"leave","id":"a"}`, want: roster.Leave("a")},
		{name: "sync rejected", payload: `{"type":"sync","online":["a"]}`, wantErr: true},
		{name: "missing id", payload: `{"type":"join"}`, wantErr: true},
		{name: "garbage", payload: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePresence([]byte(tt.payload))
			if tt.wantErr {
				require.Equal(t, source.ErrorInvalidPayload, source.CategoryFromError(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMessageNormalizesKind(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"id":"m","sender_id":"a","recipient_id":"b","created_at":"2026-03-01T12:00:00Z","message_type":"audio"}`))
	require.NoError(t, err)
	require.Equal(t, roster.ContentVoice, msg.ContentKind)

	_, err = DecodeMessage([]byte(`{"sender_id":"a"}`))
	require.Equal(t, source.ErrorInvalidPayload, source.CategoryFromError(err))
}

func TestMalformedHistoryEntriesAreSkipped(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.client.ZAdd(ctx, store.historyKey("me"), redis.Z{Score: 1, Member: "not json"}).Err())
	_, err := store.Append(ctx, roster.Message{ID: "ok", SenderID: "a", RecipientID: "me", CreatedAt: base})
	require.NoError(t, err)

	history, err := store.LoadHistory(ctx, "me")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "ok", history[0].ID)
}
