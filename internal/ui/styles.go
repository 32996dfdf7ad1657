// Package ui provides terminal styling for proxybot CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Ayu theme color palette
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

var (
	PassStyle     = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle     = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle     = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle   = lipgloss.NewStyle().Foreground(ColorAccent)
	CategoryStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
)

const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

// Tree characters for hierarchical display
const (
	TreeLast   = "└─ "
	TreeIndent = "  "
)

const SeparatorLight = "──────────────────────────────────────────"

func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderAccent(s string) string { return AccentStyle.Render(s) }

// RenderCategory renders a section header in uppercase with accent color.
func RenderCategory(s string) string {
	return CategoryStyle.Render(strings.ToUpper(s))
}

func RenderSeparator() string {
	return MutedStyle.Render(SeparatorLight)
}

// Status is the outcome of one check line.
type Status int

const (
	StatusPass Status = iota
	StatusWarn
	StatusFail
)

// RenderStatus renders "<icon> name: detail" with the icon colored by s.
func RenderStatus(s Status, name, detail string) string {
	var icon string
	switch s {
	case StatusPass:
		icon = PassStyle.Render(IconPass)
	case StatusWarn:
		icon = WarnStyle.Render(IconWarn)
	default:
		icon = FailStyle.Render(IconFail)
	}
	if detail == "" {
		return icon + " " + name
	}
	return icon + " " + name + RenderMuted(": "+detail)
}
