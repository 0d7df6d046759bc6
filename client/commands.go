package main

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chatropolis/termchat/model"
)

// execCommand dispatches a /command from the compose box.
func (m chatModel) execCommand(input string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(input)
	cmd := strings.TrimPrefix(parts[0], "/")
	args := parts[1:]

	switch cmd {
	case "help", "h":
		m.showHelp = !m.showHelp
		m.refreshViewport(!m.showHelp)
		return m, nil

	case "join":
		if len(args) != 1 {
			return m.withToast("usage: /join <code>")
		}
		return m, m.joinCmd(args[0])

	case "create":
		if len(args) == 0 {
			return m.withToast("usage: /create <name> [theme]")
		}
		theme := model.ThemeTerminal
		if len(args) > 1 {
			theme = model.RoomTheme(strings.ToLower(args[len(args)-1]))
			if !theme.Valid() {
				return m.withToast("themes: terminal cyberpunk retro minimal hacker premium")
			}
			args = args[:len(args)-1]
		}
		name := strings.Join(args, " ")
		ctl := m.ctl
		return m, func() tea.Msg {
			room, err := ctl.CreateRoom(context.Background(), name, theme)
			return joinDoneMsg{room: room, err: err}
		}

	case "leave":
		return m, m.action(func() error { return m.ctl.LeaveRoom() }, "back to global")

	case "reply":
		if len(args) == 0 {
			return m.withToast("usage: /reply <id> [text]")
		}
		target, err := findByPrefix(m.snap.Active(), args[0])
		if err != nil {
			return m.withToast(err.Error())
		}
		ref := &model.ReplyRef{ID: target.ID, Author: target.Author, Excerpt: excerpt(target.Body, 80)}
		if len(args) == 1 {
			m.replyTo = ref
			return m, nil
		}
		m.replyTo = ref
		return m.submitMessage(strings.Join(args[1:], " "))

	case "react":
		if len(args) != 2 {
			return m.withToast("usage: /react <id> <kind>")
		}
		target, err := findByPrefix(m.snap.Active(), args[0])
		if err != nil {
			return m.withToast(err.Error())
		}
		kind := strings.ToLower(args[1])
		return m, m.action(func() error { return m.ctl.SendReaction(target.ID, kind) }, "")

	case "thread":
		if len(args) != 1 {
			return m.withToast("usage: /thread <id>")
		}
		target, err := findByPrefix(m.snap.Active(), args[0])
		if err != nil {
			return m.withToast(err.Error())
		}
		m.threadRoot = target.ID
		m.refreshViewport(false)
		return m, nil

	case "stats":
		st := m.snap.Stats
		return m.withToast(fmt.Sprintf("server: %d online, %d messages, %d rooms", st.Online, st.TotalMessages, st.ActiveRooms))

	case "leaderboard", "top":
		return m, m.action(func() error { return m.ctl.RequestLeaderboard() }, "")

	case "hack":
		if !m.snap.HackAccess {
			return m.withToast("hack access not granted")
		}
		return m, m.action(func() error { return m.ctl.ExecuteHack() }, "")

	case "connect":
		if m.snap.State != model.StateDisconnected {
			return m.withToast("already " + m.snap.State.String())
		}
		old, fresh := m.ctl, m.newSession
		return m, func() tea.Msg {
			old.Close()
			return reloadMsg{ctl: fresh()}
		}

	case "quit", "q":
		return m, tea.Quit

	default:
		return m.withToast("unknown command, try /help")
	}
}

func (m chatModel) joinCmd(code string) tea.Cmd {
	ctl := m.ctl
	return func() tea.Msg {
		room, err := ctl.JoinRoom(context.Background(), code)
		return joinDoneMsg{room: room, err: err}
	}
}

// findByPrefix resolves a message id prefix, as shown in the id column,
// against the visible channel.
func findByPrefix(msgs []model.Message, prefix string) (model.Message, error) {
	var found model.Message
	matches := 0
	for _, msg := range msgs {
		if strings.HasPrefix(msg.ID, prefix) {
			found = msg
			matches++
		}
	}
	switch matches {
	case 0:
		return model.Message{}, fmt.Errorf("no message %q on screen", prefix)
	case 1:
		return found, nil
	default:
		return model.Message{}, fmt.Errorf("%q matches %d messages, use more characters", prefix, matches)
	}
}

func helpText() string {
	return strings.TrimSpace(`
  termchat commands

  /join <code>            enter a room by its join code
  /create <name> [theme]  create a room (terminal cyberpunk retro minimal hacker premium)
  /leave                  back to the global channel
  /reply <id> [text]      reply to a message; without text, arms the next send
  /react <id> <kind>      react to a message (thumbsup, fire, ...)
  /thread <id>            view a message's reply thread (esc to go back)
  /leaderboard            show the top users
  /stats                  server-wide counters
  /hack                   run the hack, if you have access
  /connect                start over after the connection gave up
  /help                   toggle this screen
  /quit                   leave — nothing is kept

  Message ids are the second column. A few characters are enough.
  Mention someone with @name to ring their bell.
`)
}
