package roster

import (
	"strings"
	"time"
)

// Kind classifies a correspondent.
type Kind string

const (
	KindOperator  Kind = "operator"
	KindAssistant Kind = "assistant"
	KindAgent     Kind = "agent"
)

// ParseKind normalizes a kind label. Legacy labels "doctor" and "ai" map to
// operator and agent.
func ParseKind(input string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "operator", "human", "doctor":
		return KindOperator, true
	case "assistant":
		return KindAssistant, true
	case "agent", "ai", "bot":
		return KindAgent, true
	default:
		return "", false
	}
}

// ContentKind describes the payload type of a message.
type ContentKind string

const (
	ContentText     ContentKind = "text"
	ContentVoice    ContentKind = "voice"
	ContentDocument ContentKind = "document"
	ContentImage    ContentKind = "image"
	ContentVideo    ContentKind = "video"
)

// ParseContentKind normalizes a content label. Unknown labels are treated as text.
func ParseContentKind(input string) ContentKind {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "voice", "audio":
		return ContentVoice
	case "document", "pdf":
		return ContentDocument
	case "image":
		return ContentImage
	case "video":
		return ContentVideo
	default:
		return ContentText
	}
}

// Correspondent is an addressable party the subscriber can exchange messages with.
type Correspondent struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Kind Kind   `json:"kind" yaml:"kind"`
}

// AlwaysOnline reports whether presence input is ignored for the correspondent.
func (c Correspondent) AlwaysOnline() bool {
	return c.Kind == KindAgent
}

// Message is one immutable exchanged message.
type Message struct {
	ID          string      `json:"id" yaml:"id"`
	SenderID    string      `json:"sender_id" yaml:"sender_id"`
	RecipientID string      `json:"recipient_id" yaml:"recipient_id"`
	Body        string      `json:"body" yaml:"body"`
	CreatedAt   time.Time   `json:"created_at" yaml:"created_at"`
	ReadAt      *time.Time  `json:"read_at,omitempty" yaml:"read_at,omitempty"`
	ContentKind ContentKind `json:"message_type" yaml:"message_type"`
}

// OtherParty returns the correspondent id on the far side of msg relative to
// subscriberID, and false when subscriberID is neither sender nor recipient.
func (m Message) OtherParty(subscriberID string) (string, bool) {
	switch subscriberID {
	case m.RecipientID:
		return m.SenderID, true
	case m.SenderID:
		return m.RecipientID, true
	default:
		return "", false
	}
}

// Summary is the latest-message digest stored on a roster entry.
type Summary struct {
	MessageID   string      `json:"message_id"`
	Body        string      `json:"body"`
	CreatedAt   time.Time   `json:"created_at"`
	ContentKind ContentKind `json:"message_type"`
}

func summaryOf(msg Message) *Summary {
	kind := msg.ContentKind
	if kind == "" {
		kind = ContentText
	}

	return &Summary{
		MessageID:   msg.ID,
		Body:        msg.Body,
		CreatedAt:   msg.CreatedAt,
		ContentKind: kind,
	}
}

// Entry is the derived per-correspondent roster row.
type Entry struct {
	Correspondent Correspondent `json:"correspondent"`
	Latest        *Summary      `json:"latest,omitempty"`
	Online        bool          `json:"online"`
}

// HasSummary reports whether any exchange with the correspondent is known.
func (e Entry) HasSummary() bool {
	return e.Latest != nil
}

func (e Entry) clone() Entry {
	out := e
	if e.Latest != nil {
		latest := *e.Latest
		out.Latest = &latest
	}
	return out
}

// Roster is an immutable snapshot of all entries for one subscriber, kept in
// directory order.
type Roster struct {
	SubscriberID string  `json:"subscriber_id"`
	Version      uint64  `json:"version"`
	Entries      []Entry `json:"entries"`
}

// Lookup returns the entry for a correspondent id.
func (r Roster) Lookup(id string) (Entry, bool) {
	for _, entry := range r.Entries {
		if entry.Correspondent.ID == id {
			return entry, true
		}
	}

	return Entry{}, false
}

// Len returns the number of entries.
func (r Roster) Len() int {
	return len(r.Entries)
}

// PresenceEventType tags a presence feed event.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent is one event from the presence feed. ID is set for join and
// leave; Online carries the full online set for sync.
type PresenceEvent struct {
	Type   PresenceEventType `json:"type"`
	ID     string            `json:"id,omitempty"`
	Online []string          `json:"online,omitempty"`
}

// Join builds a join event.
func Join(id string) PresenceEvent {
	return PresenceEvent{Type: PresenceJoin, ID: id}
}

// Leave builds a leave event.
func Leave(id string) PresenceEvent {
	return PresenceEvent{Type: PresenceLeave, ID: id}
}

// Sync builds a full-state resync event.
func Sync(online ...string) PresenceEvent {
	return PresenceEvent{Type: PresenceSync, Online: append([]string{}, online...)}
}
