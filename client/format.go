package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/chatropolis/termchat/model"
	"github.com/chatropolis/termchat/session"
)

const (
	authorColWidth = 15
	idColWidth     = 8
	timeColWidth   = 5
)

var (
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#505050"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555"))
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999")).Italic(true)
	mentionBody = lipgloss.NewStyle().Foreground(lipgloss.Color("#ffcc00")).Bold(true)
)

// themeAccents maps a room theme to its accent color. The global channel
// reads as plain terminal green.
var themeAccents = map[model.RoomTheme]string{
	model.ThemeTerminal:  "#00ff88",
	model.ThemeCyberpunk: "#ff0066",
	model.ThemeRetro:     "#ffcc00",
	model.ThemeMinimal:   "#aaaaaa",
	model.ThemeHacker:    "#33ff33",
	model.ThemePremium:   "#cc66ff",
}

func themeAccent(snap session.Snapshot) string {
	if snap.Room != nil {
		if accent, ok := themeAccents[snap.Room.Theme]; ok {
			return accent
		}
	}
	return themeAccents[model.ThemeTerminal]
}

func accentStyle(accent string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(accent))
}

func authorStyle(hex string) lipgloss.Style {
	if hex == "" {
		hex = "#ffffff"
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex))
}

// renderMessages formats the active channel for the viewport.
func renderMessages(snap session.Snapshot, width int) string {
	msgs := snap.Active()
	if len(msgs) == 0 {
		return dimStyle.Render("  nothing here yet — say something")
	}
	self := ""
	if snap.Identity != nil {
		self = snap.Identity.Name
	}
	children := session.ThreadChildren(msgs)
	var b strings.Builder
	for _, msg := range msgs {
		b.WriteString(formatMessage(msg, width, self, len(children[msg.ID])))
	}
	return strings.TrimRight(b.String(), "\n")
}

// renderThread formats one reply thread: the root message and everything
// hanging off it, recomputed from the buffer.
func renderThread(snap session.Snapshot, rootID string, width int) string {
	msgs := snap.Active()
	thread := session.Thread(msgs, session.ThreadRoot(msgs, rootID))
	if len(thread) == 0 {
		return dimStyle.Render("  that thread has scrolled away — esc to go back")
	}
	self := ""
	if snap.Identity != nil {
		self = snap.Identity.Name
	}
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("  thread · %d message(s) · esc to go back", len(thread))))
	b.WriteString("\n")
	for _, msg := range thread {
		b.WriteString(formatMessage(msg, width, self, 0))
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatMessage renders one message as columns:
//
//	│ 15:04 │ a1b2c3d4 │ author          │ body
//
// with the body word-wrapped onto continuation lines that keep the column
// layout. Replies show the parent reference above the body; reactions and
// the reply count show below it.
func formatMessage(msg model.Message, width int, self string, replies int) string {
	if width < 50 {
		width = 80
	}

	if msg.IsSystem {
		line := fmt.Sprintf(" %s  %s", msg.Timestamp.Format("15:04"), msg.Body)
		return systemStyle.Render(line) + "\n"
	}

	timeStr := msg.Timestamp.Format("15:04")

	id := msg.ID
	if len(id) > idColWidth {
		id = id[:idColWidth]
	}
	id = fmt.Sprintf("%-*s", idColWidth, id)

	author := msg.Author
	if author == "" {
		author = "anonymous"
	}
	styledAuthor := authorStyle(msg.Color).Render(author)
	if pad := authorColWidth - lipgloss.Width(styledAuthor); pad > 0 {
		styledAuthor += strings.Repeat(" ", pad)
	}

	vLine := borderStyle.Render("│")
	prefix := fmt.Sprintf("%s %s %s %s %s %s %s ", vLine, timeStr, vLine, dimStyle.Render(id), vLine, styledAuthor, vLine)
	prefixWidth := lipgloss.Width(prefix)
	if prefixWidth <= 0 || prefixWidth > width {
		prefixWidth = 50
	}

	msgWidth := width - prefixWidth
	if msgWidth < 10 {
		msgWidth = 10
	}

	var cell []string
	if msg.ReplyTo != nil {
		cell = append(cell, dimStyle.Render(fmt.Sprintf("↳ %s: %s", msg.ReplyTo.Author, excerpt(msg.ReplyTo.Excerpt, 40))))
	}
	body := msg.Body
	bodyStyle := lipgloss.NewStyle().Width(msgWidth)
	if self != "" && mentions(msg, self) {
		cell = append(cell, strings.Split(bodyStyle.Render(mentionBody.Render(body)), "\n")...)
	} else {
		cell = append(cell, strings.Split(bodyStyle.Render(body), "\n")...)
	}
	for _, line := range reactionLines(msg.Reactions) {
		cell = append(cell, dimStyle.Render(line))
	}
	if replies > 0 {
		cell = append(cell, dimStyle.Render(fmt.Sprintf("└ %d repl%s — /thread %s", replies, plural(replies, "y", "ies"), strings.TrimSpace(id))))
	}

	authorSpace := lipgloss.Width(styledAuthor)
	if authorSpace < authorColWidth {
		authorSpace = authorColWidth
	}
	contPrefix := fmt.Sprintf("%s %s %s %s %s %s %s ",
		vLine, strings.Repeat(" ", timeColWidth),
		vLine, strings.Repeat(" ", idColWidth),
		vLine, strings.Repeat(" ", authorSpace),
		vLine)

	var out strings.Builder
	out.WriteString(prefix)
	out.WriteString(cell[0])
	out.WriteString("\n")
	for _, line := range cell[1:] {
		out.WriteString(contPrefix)
		out.WriteString(line)
		out.WriteString("\n")
	}
	return out.String()
}

// mentions reports whether msg @-mentions name.
func mentions(msg model.Message, name string) bool {
	for _, m := range msg.Mentions {
		if strings.EqualFold(m, name) {
			return true
		}
	}
	return false
}

// reactionLines renders each reaction kind with its reactors, stable order.
func reactionLines(reactions map[string][]string) []string {
	if len(reactions) == 0 {
		return nil
	}
	kinds := make([]string, 0, len(reactions))
	for kind := range reactions {
		kinds = append(kinds, kind)
	}
	// map order is random; keep the render stable
	sort.Strings(kinds)
	lines := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		lines = append(lines, fmt.Sprintf("└ %s ×%d (%s)", kind, len(reactions[kind]), strings.Join(reactions[kind], ", ")))
	}
	return lines
}

// excerpt trims s to n runes for inline previews.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
