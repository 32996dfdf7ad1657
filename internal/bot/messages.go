package bot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/circlerelay/proxybot/internal/command"
	"github.com/circlerelay/proxybot/internal/relay"
)

const welcomeText = "Hi! I pass messages on to the delegate of a circle.\n" +
	"Send /talkto <circle> <message> to write to a circle.\n" +
	"Send /index to see which circles you can write to."

const internalErrorText = "Something went wrong on my side and your request was not completed. Please try again later."

func indexText(circles []string) string {
	if len(circles) == 0 {
		return "There are no circles yet."
	}
	return "Circles: " + strings.Join(circles, ", ")
}

func unrecognizedText(circles []string) string {
	return "Sorry, I don't understand that.\n" + indexText(circles)
}

func pingText(st relay.Status) string {
	var b strings.Builder
	b.WriteString("pong")
	if st.IsAdmin {
		b.WriteString("\nYou are an admin.")
	}
	if len(st.Delegated) > 0 {
		fmt.Fprintf(&b, "\nYou are the delegate of: %s", strings.Join(st.Delegated, ", "))
	}
	if len(st.Pending) > 0 {
		fmt.Fprintf(&b, "\nPending confirmation for: %s\nSend /onboardme to confirm.", strings.Join(st.Pending, ", "))
	}
	return b.String()
}

func relayReceiptText(circle string) string {
	return fmt.Sprintf("Your message was sent to the delegate of %s.", circle)
}

func respondReceiptText(username string) string {
	return fmt.Sprintf("Your answer was sent to @%s.", username)
}

func onboardText(res relay.OnboardResult) string {
	return fmt.Sprintf("@%s is pending confirmation for: %s\nAsk them to send /onboardme to this bot.",
		res.Target, strings.Join(res.Pending, ", "))
}

func confirmText(circles []string) string {
	return fmt.Sprintf("Done! You are now the delegate of: %s", strings.Join(dedupe(circles), ", "))
}

func deboardText(res relay.DeboardResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "@%s was removed.", res.Target)
	if len(res.Unbound) > 0 {
		fmt.Fprintf(&b, "\nThese circles have no delegate now: %s", strings.Join(res.Unbound, ", "))
	}
	if res.WasPending {
		b.WriteString("\nTheir pending onboarding was cancelled.")
	}
	return b.String()
}

func undeliveredText(err error) string {
	return fmt.Sprintf("I could not deliver your message: %v", err)
}

// errorText words a failed command for its sender.
func errorText(err error) string {
	var se *command.SyntaxError
	switch {
	case errors.As(err, &se):
		return "Usage: " + command.Usage(se.Command)
	case errors.Is(err, relay.ErrUnauthorized):
		return "You are not allowed to do that."
	case errors.Is(err, relay.ErrBadSecret):
		return "Hmm... that is not the key."
	case errors.Is(err, relay.ErrNotPending):
		return "You have no pending onboarding to confirm."
	case errors.Is(err, relay.ErrUnknownCircle):
		return "There is no delegate for that circle."
	case errors.Is(err, relay.ErrUnknownRequester):
		return "That user has not written to any circle."
	case errors.Is(err, relay.ErrNotFound):
		return "That user is neither a delegate nor pending onboarding."
	case errors.Is(err, relay.ErrNoUsername):
		return "You need a username for this. Set one in your profile and try again."
	}
	return internalErrorText
}

// outcome classifies err for metrics and events.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errUndelivered):
		return "undelivered"
	case errors.Is(err, command.ErrNotCommand), errors.Is(err, command.ErrUnknownCommand):
		return "unrecognized"
	case errors.Is(err, command.ErrMalformed):
		return "malformed"
	case errors.Is(err, relay.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, relay.ErrBadSecret):
		return "bad_secret"
	case errors.Is(err, relay.ErrNotPending):
		return "not_pending"
	case errors.Is(err, relay.ErrUnknownCircle):
		return "unknown_circle"
	case errors.Is(err, relay.ErrUnknownRequester):
		return "unknown_requester"
	case errors.Is(err, relay.ErrNotFound):
		return "not_found"
	case errors.Is(err, relay.ErrNoUsername):
		return "no_username"
	case errors.Is(err, relay.ErrPersist):
		return "persist"
	}
	return "internal"
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
