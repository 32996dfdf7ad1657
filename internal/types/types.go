// Package types defines the core data structures shared by the proxybot
// directories, workflow and transports.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ChatID is an opaque chat identity as handed out by the transport.
// Telegram uses integer chat ids and Slack uses channel ids, so the value
// is kept as a string and only the transport interprets it.
type ChatID string

// IsZero reports whether no chat identity is set.
func (c ChatID) IsZero() bool { return c == "" }

func (c ChatID) String() string { return string(c) }

// UnmarshalJSON accepts both JSON strings and JSON numbers, so files that
// carry Telegram's integer chat ids decode to the same ChatID.
func (c *ChatID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChatID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("chat id %s is not an integer", n)
	}
	*c = ChatID(n.String())
	return nil
}

// NormalizeUsername returns the canonical form of a username: surrounding
// whitespace and a leading "@" removed, lowercased.
func NormalizeUsername(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

// Identity describes who sent an inbound event.
type Identity struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	ChatID      ChatID `json:"chat_id"`
}

// Normalized returns a copy of the identity with a canonical username.
func (i Identity) Normalized() Identity {
	i.Username = NormalizeUsername(i.Username)
	return i
}

// Name returns the display name, falling back to the username.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Username
}

// RelayLink binds a circle to its active delegate.
// ChatID is only ever learned from the delegate's own confirmation.
type RelayLink struct {
	CircleID    string `json:"-" yaml:"-" toml:"-"`
	Username    string `json:"username" yaml:"username" toml:"username"`
	DisplayName string `json:"display_name" yaml:"display_name" toml:"display_name"`
	ChatID      ChatID `json:"chat_id" yaml:"chat_id" toml:"chat_id"`
}

// PendingConfirmation lists the circles a user was onboarded for but has
// not confirmed yet, in onboarding order. Duplicates are kept.
type PendingConfirmation struct {
	Username  string
	CircleIDs []string
}

// RequesterRecord remembers how to reach someone who wrote to a circle.
type RequesterRecord struct {
	Username    string `json:"-" yaml:"-" toml:"-"`
	DisplayName string `json:"display_name" yaml:"display_name" toml:"display_name"`
	ChatID      ChatID `json:"chat_id" yaml:"chat_id" toml:"chat_id"`
}

// Collection names one of the independently persisted directories.
type Collection string

const (
	CollectionRelays     Collection = "relays"
	CollectionPending    Collection = "pending"
	CollectionRequesters Collection = "requesters"
)

// AllCollections lists every collection in a stable order.
var AllCollections = []Collection{CollectionRelays, CollectionPending, CollectionRequesters}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	switch c {
	case CollectionRelays, CollectionPending, CollectionRequesters:
		return true
	}
	return false
}
