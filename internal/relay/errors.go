package relay

import (
	"errors"

	"github.com/circlerelay/proxybot/internal/directory"
)

// Recoverable errors. Each is reported back to the sender and leaves the
// directories untouched.
var (
	// ErrUnauthorized: a non-admin used an admin command, or a non-delegate
	// used /resp.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrBadSecret: the onboarding secret did not match.
	ErrBadSecret = errors.New("bad secret")
	// ErrNotPending: /onboardme from someone with nothing to confirm.
	ErrNotPending = directory.ErrNotPending
	// ErrUnknownCircle: no delegate is bound to the circle.
	ErrUnknownCircle = errors.New("unknown circle")
	// ErrUnknownRequester: the user never wrote to the relay.
	ErrUnknownRequester = errors.New("unknown requester")
	// ErrNotFound: the deboard target is neither delegate nor pending.
	ErrNotFound = errors.New("not found")
	// ErrNoUsername: the sender has no username, so nobody could address
	// them later.
	ErrNoUsername = errors.New("sender has no username")
)

// ErrPersist is the data-integrity fault; see directory.ErrPersist.
var ErrPersist = directory.ErrPersist

// IsRecoverable reports whether err is one of the user-facing errors above.
func IsRecoverable(err error) bool {
	for _, target := range []error{
		ErrUnauthorized, ErrBadSecret, ErrNotPending, ErrUnknownCircle,
		ErrUnknownRequester, ErrNotFound, ErrNoUsername,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
