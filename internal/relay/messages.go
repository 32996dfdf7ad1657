package relay

import "fmt"

// Texts of the notifications the workflow asks to deliver. Replies to the
// sender of a command are worded by the bot.

func delegateConfirmedText(name, username, circle string) string {
	return fmt.Sprintf("%s (@%s) just confirmed as delegate for %s", name, username, circle)
}

func relayedText(delegateName, requesterName, requesterUsername, circle, message string) string {
	return fmt.Sprintf("Hi %s,\n%s (@%s) says via %s:\n\n%s\n\nReply with /resp @%s <message>",
		delegateName, requesterName, requesterUsername, circle, message, requesterUsername)
}

func responseText(requesterName, delegateName, message string) string {
	return fmt.Sprintf("Hi %s,\nthe delegate (%s) says:\n\n%s", requesterName, delegateName, message)
}
