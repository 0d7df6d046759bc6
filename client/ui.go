package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chatropolis/termchat/model"
	"github.com/chatropolis/termchat/session"
)

const toastFor = 4 * time.Second

// updateMsg carries one change notification from the controller; the ctl
// field keeps a pump for a replaced controller from re-arming itself.
type updateMsg struct {
	ctl *session.Controller
	u   session.Update
}

// pumpDoneMsg means a controller shut down and its pump stopped.
type pumpDoneMsg struct{ ctl *session.Controller }

// registeredMsg is the outcome of the identity announcement.
type registeredMsg struct{ err error }

// joinDoneMsg is the outcome of a room join or create.
type joinDoneMsg struct {
	room model.Room
	err  error
}

// actionMsg is the outcome of a fire-and-forget controller call.
type actionMsg struct {
	note string
	err  error
}

// reloadMsg delivers a fresh controller after /connect.
type reloadMsg struct{ ctl *session.Controller }

type clearToastMsg struct{ gen int }

type chatModel struct {
	ctl        *session.Controller
	newSession func() *session.Controller

	viewport  viewport.Model
	textInput textinput.Model
	spin      spinner.Model

	snap       session.Snapshot
	width      int
	height     int
	ready      bool
	showHelp   bool
	threadRoot string // message id whose thread fills the viewport

	registering bool
	autoJoin    string // join code from --join, consumed once registered
	replyTo     *model.ReplyRef

	toast    string
	toastGen int
}

func initialModel(ctl *session.Controller, newSession func() *session.Controller, joinCode string) chatModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message, or /help"
	ti.Focus()
	ti.CharLimit = 1000
	ti.Width = 20

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return chatModel{
		ctl:        ctl,
		newSession: newSession,
		textInput:  ti,
		spin:       sp,
		snap:       ctl.Snapshot(),
		autoJoin:   joinCode,
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spin.Tick, waitForUpdate(m.ctl))
}

// waitForUpdate blocks until the controller reports a change. One pump per
// controller is in flight at any time.
func waitForUpdate(ctl *session.Controller) tea.Cmd {
	return func() tea.Msg {
		select {
		case u := <-ctl.Updates():
			return updateMsg{ctl: ctl, u: u}
		case <-ctl.Done():
			return pumpDoneMsg{ctl: ctl}
		}
	}
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			switch {
			case m.showHelp:
				m.showHelp = false
				m.refreshViewport(true)
			case m.threadRoot != "":
				m.threadRoot = ""
				m.refreshViewport(true)
			case m.replyTo != nil:
				m.replyTo = nil
				return m.withToast("reply cancelled")
			case m.textInput.Value() != "":
				m.textInput.SetValue("")
			}
			return m, nil
		case tea.KeyEnter:
			input := m.textInput.Value()
			if strings.TrimSpace(input) == "" {
				return m, nil
			}
			if strings.HasPrefix(input, "/") {
				m.textInput.SetValue("")
				return m.execCommand(input)
			}
			return m.submitMessage(input)
		}

	case tea.WindowSizeMsg:
		headerHeight := 1
		footerHeight := 3
		verticalMarginHeight := headerHeight + footerHeight
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-verticalMarginHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - verticalMarginHeight
		}
		m.width = msg.Width
		m.height = msg.Height
		m.textInput.Width = msg.Width - 4
		m.refreshViewport(true)
		return m, nil

	case updateMsg:
		if msg.ctl != m.ctl {
			return m, nil // stale pump, let it die
		}
		m.snap = m.ctl.Snapshot()
		cmds = append(cmds, waitForUpdate(m.ctl))
		cmds = append(cmds, m.reactTo(msg.u)...)
		if cmd := m.maybeRegister(); cmd != nil {
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case pumpDoneMsg:
		if msg.ctl != m.ctl {
			return m, nil
		}
		m.snap = m.ctl.Snapshot()
		m.refreshViewport(false)
		return m, nil

	case registeredMsg:
		m.registering = false
		if msg.err != nil {
			return m.withToast("registration failed: " + msg.err.Error())
		}
		cmds = append(cmds, m.action(func() error { return m.ctl.CheckHackAccess() }, ""))
		if m.autoJoin != "" {
			code := m.autoJoin
			m.autoJoin = ""
			cmds = append(cmds, m.joinCmd(code))
		}
		return m, tea.Batch(cmds...)

	case joinDoneMsg:
		if msg.err != nil {
			return m.withToast("join failed: " + msg.err.Error())
		}
		m.snap = m.ctl.Snapshot()
		m.refreshViewport(true)
		return m.withToast(fmt.Sprintf("in %s — share code %s", msg.room.Name, msg.room.JoinCode))

	case actionMsg:
		if msg.err != nil {
			return m.withToast(msg.err.Error())
		}
		if msg.note != "" {
			return m.withToast(msg.note)
		}
		return m, nil

	case reloadMsg:
		m.ctl = msg.ctl
		m.snap = m.ctl.Snapshot()
		m.registering = false
		m.replyTo = nil
		m.refreshViewport(true)
		return m, waitForUpdate(m.ctl)

	case clearToastMsg:
		if msg.gen == m.toastGen {
			m.toast = ""
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	before := m.textInput.Value()
	var tiCmd, vpCmd tea.Cmd
	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, tiCmd, vpCmd)

	// Keystrokes while composing double as typing signals. Commands are not
	// compositions.
	if v := m.textInput.Value(); v != before && v != "" && !strings.HasPrefix(v, "/") {
		ctl := m.ctl
		cmds = append(cmds, func() tea.Msg {
			ctl.NotifyTyping()
			return nil
		})
	}
	return m, tea.Batch(cmds...)
}

// reactTo turns one controller update into UI side effects.
func (m *chatModel) reactTo(u session.Update) []tea.Cmd {
	var cmds []tea.Cmd
	switch u.Kind {
	case session.UpdateMessages:
		m.refreshViewport(true)
	case session.UpdateRoom:
		m.threadRoot = "" // channel changed, the thread went with it
		m.refreshViewport(true)
	case session.UpdateTyping, session.UpdateState:
		m.refreshViewport(false)
	case session.UpdateMention:
		fmt.Print("\a") // terminal bell
	case session.UpdateError:
		if u.Err != nil {
			cmds = append(cmds, m.toastCmd(u.Err.Error()))
		}
	}
	return cmds
}

// maybeRegister announces a fresh identity the first time the transport
// comes up. Reconnects keep the identity; the controller re-announces it on
// its own.
func (m *chatModel) maybeRegister() tea.Cmd {
	if m.registering || m.snap.State != model.StateConnected || m.snap.Identity != nil {
		return nil
	}
	m.registering = true
	ctl := m.ctl
	return func() tea.Msg {
		_, err := ctl.CreateIdentity()
		return registeredMsg{err: err}
	}
}

// submitMessage hands the compose box to the controller. The box is cleared
// only when the controller accepts; a rejection keeps the draft and says
// why.
func (m chatModel) submitMessage(body string) (tea.Model, tea.Cmd) {
	err := m.ctl.SendMessage(body, m.replyTo)
	if err != nil {
		return m.withToast(sendRejection(err, m.snap))
	}
	m.textInput.SetValue("")
	m.replyTo = nil
	return m, nil
}

// sendRejection maps a validation error to the line shown in the status
// bar.
func sendRejection(err error, snap session.Snapshot) string {
	switch {
	case err == session.ErrMuted:
		return fmt.Sprintf("muted for another %ds", int(snap.MuteRemaining/time.Second)+1)
	case err == session.ErrCooldownActive:
		return "slow down: cooldown active"
	case err == session.ErrMessageTooLong:
		return "message too long (1000 max)"
	case err == session.ErrEmptyMessage:
		return "nothing to send"
	case err == session.ErrNotConnected:
		return "not connected"
	case err == session.ErrNoIdentity:
		return "no identity yet, hang on"
	default:
		return err.Error()
	}
}

func (m chatModel) withToast(text string) (tea.Model, tea.Cmd) {
	cmd := m.toastCmd(text)
	return m, cmd
}

// toastCmd shows text in the status line and schedules its removal.
func (m *chatModel) toastCmd(text string) tea.Cmd {
	m.toast = text
	m.toastGen++
	gen := m.toastGen
	return tea.Tick(toastFor, func(time.Time) tea.Msg {
		return clearToastMsg{gen: gen}
	})
}

// action wraps a quick controller call into a tea command.
func (m chatModel) action(fn func() error, note string) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{note: note, err: fn()}
	}
}

func (m *chatModel) refreshViewport(toBottom bool) {
	if !m.ready {
		return
	}
	switch {
	case m.showHelp:
		m.viewport.SetContent(helpText())
		return
	case m.threadRoot != "":
		m.viewport.SetContent(renderThread(m.snap, m.threadRoot, m.viewport.Width))
		return
	}
	m.viewport.SetContent(renderMessages(m.snap, m.viewport.Width))
	if toBottom {
		m.viewport.GotoBottom()
	}
}

func (m chatModel) View() string {
	if !m.ready {
		return "\n  starting up..."
	}
	accent := themeAccent(m.snap)
	return fmt.Sprintf("%s\n%s\n%s\n%s\n%s",
		m.statusBar(accent),
		m.viewport.View(),
		accentStyle(accent).Render(strings.Repeat("─", max(m.width, 1))),
		m.typingLine(),
		m.textInput.View(),
	)
}

func (m chatModel) statusBar(accent string) string {
	var b strings.Builder

	switch m.snap.State {
	case model.StateConnected:
		b.WriteString(accentStyle(accent).Render("⬤ connected"))
	case model.StateReconnecting:
		fmt.Fprintf(&b, "%s reconnecting (%d)", m.spin.View(), m.snap.Attempt)
	case model.StateConnecting:
		b.WriteString(m.spin.View() + " connecting")
	default:
		b.WriteString(dimStyle.Render("⬤ offline — /connect to retry"))
	}

	channel := "global"
	if m.snap.Room != nil {
		channel = fmt.Sprintf("%s [%s]", m.snap.Room.Name, m.snap.Room.JoinCode)
	}
	fmt.Fprintf(&b, " │ %s", channel)

	if m.snap.Identity != nil {
		b.WriteString(" │ ")
		b.WriteString(authorStyle(m.snap.Identity.Color).Render(m.snap.Identity.Name))
	}
	if m.snap.Online > 0 {
		fmt.Fprintf(&b, " │ %d online", m.snap.Online)
	}
	if m.snap.Points > 0 {
		fmt.Fprintf(&b, " │ %d pts", m.snap.Points)
	}
	if m.snap.Muted {
		fmt.Fprintf(&b, " │ %s", errorStyle.Render(fmt.Sprintf("muted %ds", int(m.snap.MuteRemaining/time.Second)+1)))
	}
	if m.replyTo != nil {
		fmt.Fprintf(&b, " │ ↳ replying to %s", m.replyTo.Author)
	}
	if m.toast != "" {
		fmt.Fprintf(&b, " │ %s", errorStyle.Render(m.toast))
	}
	return b.String()
}

func (m chatModel) typingLine() string {
	if len(m.snap.Typing) == 0 {
		return ""
	}
	names := make([]string, len(m.snap.Typing))
	for i, t := range m.snap.Typing {
		names[i] = t.Name
	}
	verb := "is typing…"
	if len(names) > 1 {
		verb = "are typing…"
	}
	return dimStyle.Render(strings.Join(names, ", ") + " " + verb)
}
