package bus

import "chatroster/pkg/roster"

// Feed names the source an inbound event came from.
type Feed string

const (
	FeedMessages Feed = "messages"
	FeedPresence Feed = "presence"
)

// Inbound is one event handed to the roster writer. Exactly one of Message
// and Presence is set, matching Feed.
type Inbound struct {
	Feed     Feed
	Message  roster.Message
	Presence roster.PresenceEvent
}
