package main

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chatropolis/termchat/session"
	"github.com/chatropolis/termchat/transport"
)

// defaultServerURL is the production endpoint; override at build time with
//
//	go build -ldflags "-X main.defaultServerURL=ws://localhost:8999/ws"
var defaultServerURL = "wss://chat.chatropolis.net/ws"

var rootCmd = &cobra.Command{
	Use:   "termchat",
	Short: "Anonymous ephemeral terminal chat",
	Long: `termchat connects to a Chatropolis server as a fresh anonymous user.
Nothing is stored: closing the client forgets who you were, and the next
start mints a new identity.`,
	SilenceUsage: true,
	RunE:         runClient,
}

var (
	flagServer  string
	flagJoin    string
	flagLogFile string
	flagDebug   bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagServer, "server", defaultServerURL, "websocket URL of the chat server")
	flags.StringVar(&flagJoin, "join", "", "room join code to enter after connecting")
	flags.StringVar(&flagLogFile, "log-file", "", "write logs to this file (the TUI owns the terminal)")
	flags.BoolVar(&flagDebug, "debug", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termchat:", err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	// One registry per process: rooms discovered before a /connect reload
	// stay known after it.
	registry := session.NewRoomRegistry()
	newSession := func() *session.Controller {
		link := transport.Open(transport.Options{URL: flagServer, Logger: logger})
		return session.New(link,
			session.WithLogger(logger),
			session.WithRegistry(registry),
		)
	}

	ctl := newSession()
	defer ctl.Close()

	p := tea.NewProgram(initialModel(ctl, newSession, flagJoin), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run ui: %w", err)
	}
	return nil
}

// setupLogging routes logs to --log-file, or nowhere: stdout belongs to the
// TUI.
func setupLogging() (zerolog.Logger, func(), error) {
	if flagLogFile == "" {
		return zerolog.Nop(), func() {}, nil
	}
	f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
	}
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(f).Level(level).With().Timestamp().Logger()
	return logger, func() { f.Close() }, nil
}
