package roster

import (
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"chatroster/pkg/metrics"
)

const defaultDedupWindow = 4096

// Aggregator owns the roster of one subscriber and merges directory, message
// and presence input into it.
//
// All apply operations and Snapshot are mutually exclusive. Apply operations
// never fail: events that cannot be applied are logged, counted and dropped.
type Aggregator struct {
	subscriberID string
	log          *slog.Logger

	mu      sync.RWMutex
	order   []string
	entries map[string]*Entry
	seen    *lru.Cache[string, struct{}]
	version uint64

	onDrop func(reason string)
}

// Option customizes an Aggregator.
type Option func(*aggregatorOptions)

type aggregatorOptions struct {
	log         *slog.Logger
	dedupWindow int
	onDrop      func(reason string)
}

// WithLogger sets the logger used for dropped events.
func WithLogger(log *slog.Logger) Option {
	return func(o *aggregatorOptions) {
		o.log = log
	}
}

// WithDedupWindow sets how many recently applied message ids are remembered
// for duplicate suppression.
func WithDedupWindow(size int) Option {
	return func(o *aggregatorOptions) {
		o.dedupWindow = size
	}
}

// WithDropHandler registers fn to be called with the reason of every dropped
// event. fn runs while the aggregator is locked and must not call back into it.
func WithDropHandler(fn func(reason string)) Option {
	return func(o *aggregatorOptions) {
		o.onDrop = fn
	}
}

// New creates an empty aggregator for subscriberID.
func New(subscriberID string, opts ...Option) *Aggregator {
	options := aggregatorOptions{dedupWindow: defaultDedupWindow}
	for _, opt := range opts {
		opt(&options)
	}
	if options.log == nil {
		options.log = slog.Default()
	}
	if options.dedupWindow <= 0 {
		options.dedupWindow = defaultDedupWindow
	}

	// lru.New only fails on a non-positive size.
	seen, _ := lru.New[string, struct{}](options.dedupWindow)

	return &Aggregator{
		subscriberID: strings.TrimSpace(subscriberID),
		log:          options.log.With("component", "roster.aggregator"),
		entries:      make(map[string]*Entry),
		seen:         seen,
		onDrop:       options.onDrop,
	}
}

// SubscriberID returns the id the roster is built for.
func (a *Aggregator) SubscriberID() string {
	return a.subscriberID
}

// Initialize replaces all state with one entry per directory correspondent and
// assigns each entry the newest message exchanged with it from history.
func (a *Aggregator) Initialize(directory []Correspondent, history []Message) Roster {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = make(map[string]*Entry)
	a.order = nil
	a.seen.Purge()
	a.rebuildDirectoryLocked(directory)

	for _, msg := range history {
		a.applyMessageLocked(msg)
	}

	a.version++
	return a.snapshotLocked()
}

// ReplaceDirectory swaps in a refreshed directory. Summaries and presence are
// kept for ids that remain; new ids start without a summary and offline.
func (a *Aggregator) ReplaceDirectory(directory []Correspondent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rebuildDirectoryLocked(directory)
	a.version++
	metrics.EventsApplied.WithLabelValues("directory").Inc()
	return true
}

func (a *Aggregator) rebuildDirectoryLocked(directory []Correspondent) {
	previous := a.entries
	entries := make(map[string]*Entry, len(directory))
	order := make([]string, 0, len(directory))

	for _, correspondent := range directory {
		correspondent.ID = strings.TrimSpace(correspondent.ID)
		if correspondent.ID == "" {
			a.drop(DropMalformed, "correspondent without id", "name", correspondent.Name)
			continue
		}
		if correspondent.ID == a.subscriberID {
			continue
		}
		if _, exists := entries[correspondent.ID]; exists {
			continue
		}

		entry := &Entry{Correspondent: correspondent, Online: correspondent.AlwaysOnline()}
		if prev, ok := previous[correspondent.ID]; ok {
			entry.Latest = prev.Latest
			if !correspondent.AlwaysOnline() && !prev.Correspondent.AlwaysOnline() {
				entry.Online = prev.Online
			}
		}

		entries[correspondent.ID] = entry
		order = append(order, correspondent.ID)
	}

	a.entries = entries
	a.order = order
}

// ApplyMessage folds one message into the roster and reports whether the
// roster changed.
//
// The summary is replaced when the entry has none or msg is at least as new as
// the stored one; equal timestamps let the later-applied message win. A
// message id already applied is a no-op.
func (a *Aggregator) ApplyMessage(msg Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := a.applyMessageLocked(msg)
	if changed {
		a.version++
	}
	return changed
}

func (a *Aggregator) applyMessageLocked(msg Message) bool {
	if strings.TrimSpace(msg.SenderID) == "" || strings.TrimSpace(msg.RecipientID) == "" || msg.CreatedAt.IsZero() {
		a.drop(DropMalformed, "message missing sender, recipient or timestamp", "message_id", msg.ID)
		return false
	}

	otherID, ok := msg.OtherParty(a.subscriberID)
	if !ok {
		a.drop(DropUnrelated, "message does not involve subscriber", "message_id", msg.ID)
		return false
	}

	entry, ok := a.entries[otherID]
	if !ok {
		a.drop(DropUnknownCorrespondent, ErrUnknownCorrespondent.Error(), "correspondent_id", otherID, "message_id", msg.ID)
		return false
	}

	if msg.ID != "" {
		if entry.Latest != nil && entry.Latest.MessageID == msg.ID {
			a.drop(DropDuplicate, "message already applied", "message_id", msg.ID)
			return false
		}
		if a.seen.Contains(msg.ID) {
			a.drop(DropDuplicate, "message already applied", "message_id", msg.ID)
			return false
		}
		a.seen.Add(msg.ID, struct{}{})
	}

	metrics.EventsApplied.WithLabelValues("message").Inc()

	if entry.Latest != nil && msg.CreatedAt.Before(entry.Latest.CreatedAt) {
		return false
	}

	entry.Latest = summaryOf(msg)
	return true
}

// ApplyPresence sets the online flag of one correspondent. Unknown ids and
// agents are left untouched; the subscriber's own id is ignored.
func (a *Aggregator) ApplyPresence(id string, online bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := a.applyPresenceLocked(id, online)
	if changed {
		a.version++
	}
	return changed
}

func (a *Aggregator) applyPresenceLocked(id string, online bool) bool {
	id = strings.TrimSpace(id)
	if id == a.subscriberID {
		return false
	}

	entry, ok := a.entries[id]
	if !ok {
		a.drop(DropUnknownCorrespondent, ErrUnknownCorrespondent.Error(), "correspondent_id", id)
		return false
	}

	metrics.EventsApplied.WithLabelValues("presence").Inc()

	if entry.Correspondent.AlwaysOnline() || entry.Online == online {
		return false
	}

	entry.Online = online
	return true
}

// ApplyPresenceSync marks exactly the given ids online and every other
// non-agent correspondent offline, in one pass.
func (a *Aggregator) ApplyPresenceSync(online []string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	set := make(map[string]struct{}, len(online))
	for _, id := range online {
		set[strings.TrimSpace(id)] = struct{}{}
	}

	changed := false
	for _, id := range a.order {
		entry := a.entries[id]
		want := entry.Correspondent.AlwaysOnline()
		if !want {
			_, want = set[id]
		}
		if entry.Online != want {
			entry.Online = want
			changed = true
		}
	}

	metrics.EventsApplied.WithLabelValues("presence_sync").Inc()
	if changed {
		a.version++
	}
	return changed
}

// ApplyPresenceEvent dispatches a tagged presence event.
func (a *Aggregator) ApplyPresenceEvent(event PresenceEvent) bool {
	switch event.Type {
	case PresenceSync:
		return a.ApplyPresenceSync(event.Online)
	case PresenceJoin:
		return a.ApplyPresence(event.ID, true)
	case PresenceLeave:
		return a.ApplyPresence(event.ID, false)
	default:
		a.mu.Lock()
		defer a.mu.Unlock()

		a.drop(DropMalformed, "unknown presence event type", "type", string(event.Type))
		return false
	}
}

// Snapshot returns a deep copy of the current roster.
func (a *Aggregator) Snapshot() Roster {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.snapshotLocked()
}

// Version returns a counter that increases on every roster change.
func (a *Aggregator) Version() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return a.version
}

func (a *Aggregator) snapshotLocked() Roster {
	entries := make([]Entry, 0, len(a.order))
	for _, id := range a.order {
		entries = append(entries, a.entries[id].clone())
	}

	return Roster{
		SubscriberID: a.subscriberID,
		Version:      a.version,
		Entries:      entries,
	}
}

func (a *Aggregator) drop(reason string, msg string, attrs ...any) {
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	if a.onDrop != nil {
		a.onDrop(reason)
	}

	attrs = append([]any{"reason", reason, "detail", msg}, attrs...)
	if reason == DropMalformed {
		a.log.Warn("Dropped roster event", attrs...)
		return
	}
	a.log.Debug("Dropped roster event", attrs...)
}
