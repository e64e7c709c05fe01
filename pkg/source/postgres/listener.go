package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

// Notice is the payload of a message notification. Bodies are not carried;
// the row is read back by id.
type Notice struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
}

// DecodeNotice parses the JSON payload of a message notification.
func DecodeNotice(payload []byte) (Notice, error) {
	var notice Notice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return Notice{}, source.NewError(source.ErrorInvalidPayload, err.Error())
	}
	if notice.ID == "" || notice.SenderID == "" || notice.RecipientID == "" {
		return Notice{}, source.NewError(source.ErrorInvalidPayload, "notice needs id, sender_id and recipient_id")
	}
	return notice, nil
}

// listener shares one LISTEN connection among every message subscription of
// a Store and routes each new row to the subscriptions of its sender and
// recipient. It starts with the first subscription. When the connection
// fails every subscription is closed and the next one starts it again.
type listener struct {
	store *Store

	mu      sync.Mutex
	running bool
	nextID  uint64
	subs    map[string]map[uint64]*subscription
}

type subscription struct {
	ch   chan roster.Message
	done chan struct{}
}

func newListener(store *Store) *listener {
	return &listener{
		store: store,
		subs:  make(map[string]map[uint64]*subscription),
	}
}

func (l *listener) subscribe(ctx context.Context, subscriberID string) (<-chan roster.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store.ctx.Err() != nil {
		return nil, source.NewError(source.ErrorSourceDisconnected, "postgres store closed")
	}
	if !l.running {
		conn, err := l.listen(ctx)
		if err != nil {
			return nil, source.NewError(source.ErrorSourceDisconnected, err.Error())
		}
		l.running = true
		go l.run(conn)
	}

	id, sub := l.addLocked(subscriberID)
	go func() {
		select {
		case <-ctx.Done():
			l.remove(subscriberID, id)
		case <-sub.done:
		}
	}()

	return sub.ch, nil
}

// listen takes a connection out of the pool for good and starts listening.
func (l *listener) listen(ctx context.Context) (*pgx.Conn, error) {
	pooled, err := l.store.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	conn := pooled.Hijack()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.store.channel}.Sanitize()); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
		return nil, err
	}
	return conn, nil
}

func (l *listener) run(conn *pgx.Conn) {
	ctx := l.store.ctx
	log := l.store.log

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()
	defer l.stop()

	log.Debug("message listener started", "channel", l.store.channel)
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("notification stream ended", "error", err)
			}
			return
		}

		notice, err := DecodeNotice([]byte(notification.Payload))
		if err != nil {
			log.Warn("dropping malformed notification", "error", err)
			continue
		}
		if !l.wants(notice) {
			continue
		}

		msg, err := l.store.loadMessage(ctx, notice.ID)
		if errors.Is(err, pgx.ErrNoRows) {
			log.Debug("notified message no longer exists", "message_id", notice.ID)
			continue
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("reading notified message failed; restarting feed", "message_id", notice.ID, "error", err)
			}
			return
		}
		l.dispatch(msg)
	}
}

func (l *listener) addLocked(subscriberID string) (uint64, *subscription) {
	id := l.nextID
	l.nextID++

	sub := &subscription{
		ch:   make(chan roster.Message, l.store.buffer),
		done: make(chan struct{}),
	}
	if l.subs[subscriberID] == nil {
		l.subs[subscriberID] = make(map[uint64]*subscription)
	}
	l.subs[subscriberID][id] = sub
	return id, sub
}

func (l *listener) remove(subscriberID string, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removeLocked(subscriberID, id)
}

func (l *listener) removeLocked(subscriberID string, id uint64) {
	subs := l.subs[subscriberID]
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(l.subs, subscriberID)
	}
	close(sub.ch)
	close(sub.done)
}

func (l *listener) wants(notice Notice) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.subs[notice.SenderID]) > 0 || len(l.subs[notice.RecipientID]) > 0
}

// dispatch hands msg to every subscription of either participant. A
// subscription whose buffer is full is closed so its session resubscribes
// and reloads the gap.
func (l *listener) dispatch(msg roster.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	participants := []string{msg.SenderID}
	if msg.RecipientID != msg.SenderID {
		participants = append(participants, msg.RecipientID)
	}

	for _, subscriberID := range participants {
		for id, sub := range l.subs[subscriberID] {
			select {
			case sub.ch <- msg:
			default:
				l.store.log.Warn("message subscriber overflowed; disconnecting", "subscriber", subscriberID)
				l.removeLocked(subscriberID, id)
			}
		}
	}
}

// stop closes every subscription and lets the next subscribe restart the
// connection.
func (l *listener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.running = false
	for subscriberID, subs := range l.subs {
		for id := range subs {
			l.removeLocked(subscriberID, id)
		}
	}
}
