package directory

import (
	"slices"
	"strings"

	"github.com/circlerelay/proxybot/internal/types"
)

// State is the onboarding state of a (username, circle) pair. It is never
// stored; StateOf derives it from directory membership every time.
type State int

const (
	// Unregistered: neither delegate nor pending for the circle.
	Unregistered State = iota
	// PendingConfirmation: onboarded by an admin, not yet confirmed.
	PendingConfirmation
	// Active: the current delegate of the circle.
	Active
)

func (s State) String() string {
	switch s {
	case Unregistered:
		return "unregistered"
	case PendingConfirmation:
		return "pending"
	case Active:
		return "active"
	}
	return "unknown"
}

// StateOf derives the state of username for circle. Being the delegate
// wins over a pending entry for the same circle.
func StateOf(relays RelayDirectory, pending PendingRegistry, username, circle string) State {
	user := types.NormalizeUsername(username)
	circle = strings.TrimSpace(circle)
	if link, ok := relays.Lookup(circle); ok && link.Username == user {
		return Active
	}
	if circles, ok := pending.Lookup(user); ok && slices.Contains(circles, circle) {
		return PendingConfirmation
	}
	return Unregistered
}

// IsDelegate reports whether username is Active for at least one circle.
func IsDelegate(relays RelayDirectory, username string) bool {
	return len(relays.DelegatesOf(username)) > 0
}
