package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/circlerelay/proxybot/internal/storage"
)

// maxNameWidth bounds display names in the dump.
const maxNameWidth = 40

// RenderDirectory writes a human readable view of the three directories.
func RenderDirectory(w io.Writer, snap *storage.Snapshot) error {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", RenderCategory("Relays"), RenderMuted(fmt.Sprintf("(%d)", len(snap.Relays))))
	if len(snap.Relays) == 0 {
		b.WriteString(TreeIndent + RenderMuted("(none)") + "\n")
	}
	for _, circle := range sortedKeys(snap.Relays) {
		link := snap.Relays[circle]
		fmt.Fprintf(&b, "%s%s %s @%s%s\n", TreeIndent, RenderAccent(circle), RenderMuted("→"),
			link.Username, nameSuffix(link.DisplayName))
		fmt.Fprintf(&b, "%s%s%s\n", TreeIndent, TreeLast, RenderMuted("chat "+chatOrNone(link.ChatID.String())))
	}

	fmt.Fprintf(&b, "\n%s %s\n", RenderCategory("Pending"), RenderMuted(fmt.Sprintf("(%d)", len(snap.Pending))))
	if len(snap.Pending) == 0 {
		b.WriteString(TreeIndent + RenderMuted("(none)") + "\n")
	}
	for _, user := range sortedKeys(snap.Pending) {
		fmt.Fprintf(&b, "%s@%s %s %s\n", TreeIndent, user, RenderMuted("awaiting"),
			strings.Join(snap.Pending[user], ", "))
	}

	fmt.Fprintf(&b, "\n%s %s\n", RenderCategory("Requesters"), RenderMuted(fmt.Sprintf("(%d)", len(snap.Requesters))))
	if len(snap.Requesters) == 0 {
		b.WriteString(TreeIndent + RenderMuted("(none)") + "\n")
	}
	for _, user := range sortedKeys(snap.Requesters) {
		rec := snap.Requesters[user]
		fmt.Fprintf(&b, "%s@%s%s %s\n", TreeIndent, user, nameSuffix(rec.DisplayName),
			RenderMuted("chat "+chatOrNone(rec.ChatID.String())))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func nameSuffix(name string) string {
	if name == "" {
		return ""
	}
	return " (" + truncate(name, maxNameWidth) + ")"
}

func chatOrNone(chat string) string {
	if chat == "" {
		return "-"
	}
	return chat
}

// truncate shortens s to max runes with a "..." suffix.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	if max <= 3 {
		return "..."
	}
	return string([]rune(s)[:max-3]) + "..."
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
