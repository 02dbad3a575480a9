// Package tui provides shared theme and styles for the relay terminal client.
package tui

import "github.com/charmbracelet/lipgloss"

// Colors, brand palette.
var (
	ColorPrimary   = lipgloss.Color("#0EA5E9") // sky
	ColorSecondary = lipgloss.Color("#6366F1") // indigo
	ColorAccent    = lipgloss.Color("#F59E0B") // amber

	ColorSuccess = lipgloss.Color("#10B981") // emerald
	ColorWarning = lipgloss.Color("#F59E0B") // amber
	ColorError   = lipgloss.Color("#EF4444") // red
	ColorMuted   = lipgloss.Color("#6B7280") // gray-500
	ColorText    = lipgloss.Color("#E5E7EB") // gray-200
	ColorSubtle  = lipgloss.Color("#9CA3AF") // gray-400
)

var (
	// Title is the header style.
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	// Description for helper text.
	Description = lipgloss.NewStyle().
			Foreground(ColorSubtle)

	// Dimmed for timestamps and metadata.
	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Success for positive messages.
	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	// ErrorStyle for error messages (avoiding collision with builtin error).
	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	// WarningStyle for warning messages.
	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	// Help for keybind hints at the bottom.
	Help = lipgloss.NewStyle().
		Foreground(ColorMuted)

	// Border is a rounded border style for panels.
	Border = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorPrimary).
		Padding(0, 1)

	// Outgoing marks lines the local user sent.
	Outgoing = lipgloss.NewStyle().
			Foreground(ColorSecondary).
			Bold(true)

	// Incoming marks payloads received from the gateway.
	Incoming = lipgloss.NewStyle().
			Foreground(ColorText)

	// Directed highlights the target of a directed message.
	Directed = lipgloss.NewStyle().
			Foreground(ColorAccent)
)

// StatusDot returns a colored dot for the connection state.
func StatusDot(connected bool) string {
	if connected {
		return lipgloss.NewStyle().Foreground(ColorSuccess).Render("●")
	}
	return lipgloss.NewStyle().Foreground(ColorError).Render("●")
}

// StatusText returns a colored status label.
func StatusText(connected bool) string {
	if connected {
		return Success.Render("connected")
	}
	return ErrorStyle.Render("disconnected")
}
