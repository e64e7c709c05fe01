// Package source defines the feeds a roster session reads from.
package source

import (
	"context"
	"time"

	"chatroster/pkg/roster"
)

// Directory lists the correspondents a subscriber may talk to.
type Directory interface {
	ListCorrespondents(ctx context.Context, excludeID string) ([]roster.Correspondent, error)
}

// History loads and streams the messages a subscriber exchanged.
//
// SubscribeMessages delivers messages appended after the call. The channel
// closes when ctx is canceled or the underlying stream ends.
type History interface {
	LoadHistory(ctx context.Context, subscriberID string) ([]roster.Message, error)
	SubscribeMessages(ctx context.Context, subscriberID string) (<-chan roster.Message, error)
}

// HistorySince narrows a history reload to messages created at or after since.
type HistorySince interface {
	LoadHistorySince(ctx context.Context, subscriberID string, since time.Time) ([]roster.Message, error)
}

// Presence streams online state. Every subscription starts with a Sync event
// carrying the full online set.
type Presence interface {
	SubscribePresence(ctx context.Context) (<-chan roster.PresenceEvent, error)
	PublishSelfPresence(ctx context.Context, subscriberID string) error
}

// Pinger is implemented by sources that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by sources holding connections.
type Closer interface {
	Close() error
}

// Set groups the three feeds of one session. A single adapter may fill
// several fields.
type Set struct {
	Directory Directory
	History   History
	Presence  Presence
}

// Validate reports the first missing feed.
func (s Set) Validate() error {
	switch {
	case s.Directory == nil:
		return NewError(ErrorInvalidConfig, "directory source is required")
	case s.History == nil:
		return NewError(ErrorInvalidConfig, "history source is required")
	case s.Presence == nil:
		return NewError(ErrorInvalidConfig, "presence source is required")
	}
	return nil
}

// Members returns the distinct non-nil sources in the set.
func (s Set) Members() []any {
	out := make([]any, 0, 3)
	for _, member := range []any{s.Directory, s.History, s.Presence} {
		if member == nil {
			continue
		}
		duplicate := false
		for _, existing := range out {
			if existing == member {
				duplicate = true
				break
			}
		}
		if !duplicate {
			out = append(out, member)
		}
	}
	return out
}

// Ping pings every member that supports it.
func (s Set) Ping(ctx context.Context) error {
	for _, member := range s.Members() {
		pinger, ok := member.(Pinger)
		if !ok {
			continue
		}
		if err := pinger.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}
