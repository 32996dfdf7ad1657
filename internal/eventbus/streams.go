package eventbus

import (
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

const (
	// StreamRelayEvents is the JetStream stream for relay events.
	StreamRelayEvents = "RELAY_EVENTS"

	// DefaultSubjectPrefix is the subject prefix used when none is configured.
	DefaultSubjectPrefix = "proxybot."
)

// normalizePrefix makes sure a subject prefix ends in exactly one dot.
func normalizePrefix(prefix string) string {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return DefaultSubjectPrefix
	}
	return prefix + "."
}

// SubjectForEvent returns the NATS subject for a given event type.
// Format: <prefix><event_type> (e.g., proxybot.Confirmed).
func SubjectForEvent(prefix string, eventType EventType) string {
	return normalizePrefix(prefix) + string(eventType)
}

// EnsureStreams creates the relay event stream if it doesn't already exist.
func EnsureStreams(js nats.JetStreamContext, prefix string) error {
	_, err := js.StreamInfo(StreamRelayEvents)
	if err == nil {
		return nil // Stream already exists.
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamRelayEvents,
		Subjects: []string{normalizePrefix(prefix) + ">"},
		Storage:  nats.FileStorage,
		// Retain last 10000 messages or 100MB, whichever comes first.
		MaxMsgs:  10000,
		MaxBytes: 100 << 20,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", StreamRelayEvents, err)
	}

	return nil
}
