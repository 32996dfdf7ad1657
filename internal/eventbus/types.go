package eventbus

import "time"

// EventType identifies a relay event flowing through the bus.
type EventType string

const (
	EventOnboarded EventType = "Onboarded"
	EventConfirmed EventType = "Confirmed"
	EventDeboarded EventType = "Deboarded"
	EventRelayed   EventType = "Relayed"
	EventResponded EventType = "Responded"
	// EventRejected is a recoverable failure reported back to the sender.
	EventRejected EventType = "Rejected"
)

// AllEventTypes lists every event the bot emits.
var AllEventTypes = []EventType{
	EventOnboarded, EventConfirmed, EventDeboarded,
	EventRelayed, EventResponded, EventRejected,
}

// Event describes one handled command. Message text is never included.
type Event struct {
	Type      EventType `json:"type"`
	At        time.Time `json:"at"`
	Transport string    `json:"transport,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Target    string    `json:"target,omitempty"`
	Circles   []string  `json:"circles,omitempty"`
	Command   string    `json:"command,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Result aggregates what handlers did with an event.
type Result struct {
	Published bool     // the event reached JetStream
	Errors    []string // handler failures, by handler id
}
