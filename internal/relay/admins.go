package relay

import (
	"sort"

	"github.com/circlerelay/proxybot/internal/types"
)

// Admins maps normalized admin usernames to the chat they are notified in.
type Admins map[string]types.ChatID

// NewAdmins builds an admin set from configuration, normalizing usernames.
func NewAdmins(m map[string]string) Admins {
	a := make(Admins, len(m))
	for user, chat := range m {
		if u := types.NormalizeUsername(user); u != "" {
			a[u] = types.ChatID(chat)
		}
	}
	return a
}

// Contains reports whether username is an admin.
func (a Admins) Contains(username string) bool {
	_, ok := a[types.NormalizeUsername(username)]
	return ok
}

// Usernames returns the admin usernames, sorted.
func (a Admins) Usernames() []string {
	users := make([]string, 0, len(a))
	for u := range a {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
