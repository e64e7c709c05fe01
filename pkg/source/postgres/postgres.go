// Package postgres reads the directory and message history from PostgreSQL
// and streams new messages through LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatroster/pkg/roster"
	"chatroster/pkg/source"
)

const (
	DefaultChannel      = "chatroster_messages"
	defaultStreamBuffer = 256
)

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// Store handles PostgreSQL reads for the directory and history feeds.
type Store struct {
	pool    *pgxpool.Pool
	channel string
	buffer  int
	log     *slog.Logger

	// ctx ends on Close and bounds the shared listener.
	ctx    context.Context
	cancel context.CancelFunc
	feed   *listener
}

// Option customizes a Store.
type Option func(*Store)

// WithChannel sets the NOTIFY channel carrying new messages.
func WithChannel(channel string) Option {
	return func(s *Store) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithStreamBuffer sets the per-subscription buffer size.
func WithStreamBuffer(size int) Option {
	return func(s *Store) {
		if size > 0 {
			s.buffer = size
		}
	}
}

// Open creates a store with a connection pool.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	s := newStore(opts...)
	if err := ValidateChannel(s.channel); err != nil {
		s.cancel()
		return nil, err
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		s.cancel()
		return nil, source.NewError(source.ErrorIO, err.Error())
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		s.cancel()
		return nil, source.NewError(source.ErrorIO, err.Error())
	}

	s.pool = pool
	return s, nil
}

func newStore(opts ...Option) *Store {
	s := &Store{
		channel: DefaultChannel,
		buffer:  defaultStreamBuffer,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "source.postgres")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.feed = newListener(s)
	return s
}

// ValidateChannel rejects channel names that cannot be used unquoted.
func ValidateChannel(channel string) error {
	if !channelPattern.MatchString(channel) {
		return source.NewError(source.ErrorInvalidConfig, fmt.Sprintf("invalid notify channel %q", channel))
	}
	return nil
}

// Close ends every message subscription and closes the connection pool.
func (s *Store) Close() error {
	s.cancel()
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables and the notify trigger when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, SchemaSQL(s.channel)); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// ListCorrespondents reads the directory in position order.
func (s *Store) ListCorrespondents(ctx context.Context, excludeID string) ([]roster.Correspondent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, kind
		FROM correspondents
		WHERE id <> $1
		ORDER BY position, id
	`, excludeID)
	if err != nil {
		return nil, source.Unavailable(err)
	}
	defer rows.Close()

	var out []roster.Correspondent
	for rows.Next() {
		var (
			c    roster.Correspondent
			kind string
		)
		if err := rows.Scan(&c.ID, &c.Name, &kind); err != nil {
			return nil, source.Unavailable(err)
		}

		parsed, ok := roster.ParseKind(kind)
		if !ok {
			s.log.Warn("skipping correspondent with unknown kind", "id", c.ID, "kind", kind)
			continue
		}
		c.Kind = parsed
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, source.Unavailable(err)
	}

	return out, nil
}

// LoadHistory returns all messages involving subscriberID, oldest first.
func (s *Store) LoadHistory(ctx context.Context, subscriberID string) ([]roster.Message, error) {
	return s.LoadHistorySince(ctx, subscriberID, time.Time{})
}

// LoadHistorySince returns messages involving subscriberID created at or
// after since, oldest first.
func (s *Store) LoadHistorySince(ctx context.Context, subscriberID string, since time.Time) ([]roster.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_id, recipient_id, body, created_at, read_at, message_type
		FROM messages
		WHERE (sender_id = $1 OR recipient_id = $1) AND created_at >= $2
		ORDER BY created_at, id
	`, subscriberID, since)
	if err != nil {
		return nil, source.NewError(source.ErrorIO, err.Error())
	}
	defer rows.Close()

	var out []roster.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return out, source.NewError(source.ErrorIO, err.Error())
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return out, source.NewError(source.ErrorIO, err.Error())
	}

	return out, nil
}

func scanMessage(row pgx.Row) (roster.Message, error) {
	var (
		msg  roster.Message
		kind string
	)
	if err := row.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Body, &msg.CreatedAt, &msg.ReadAt, &kind); err != nil {
		return roster.Message{}, err
	}
	msg.ContentKind = roster.ParseContentKind(kind)
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// Append inserts a message. The notify trigger publishes it to listeners.
func (s *Store) Append(ctx context.Context, msg roster.Message) error {
	if msg.ContentKind == "" {
		msg.ContentKind = roster.ContentText
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, sender_id, recipient_id, body, created_at, read_at, message_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.SenderID, msg.RecipientID, msg.Body, msg.CreatedAt, msg.ReadAt, string(msg.ContentKind))
	if err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

// SubscribeMessages forwards messages involving subscriberID that are
// inserted after the call. All subscriptions of a Store share one LISTEN
// connection. The channel closes when ctx ends, the subscriber falls behind
// or the connection fails.
func (s *Store) SubscribeMessages(ctx context.Context, subscriberID string) (<-chan roster.Message, error) {
	return s.feed.subscribe(ctx, subscriberID)
}

func (s *Store) loadMessage(ctx context.Context, id string) (roster.Message, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, sender_id, recipient_id, body, created_at, read_at, message_type
		FROM messages
		WHERE id = $1
	`, id)
	return scanMessage(row)
}
