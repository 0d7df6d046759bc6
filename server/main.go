// A local Chatropolis server for developing the client against. It serves
// the same protocol slice as the test suite's in-process server and adds a
// stdin console for poking at connected clients. Not the production
// service: nothing is persisted.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chatropolis/termchat/chattest"
)

var rootCmd = &cobra.Command{
	Use:          "chatserver",
	Short:        "Local Chatropolis dev server",
	SilenceUsage: true,
	RunE:         runServer,
}

var (
	flagAddr    string
	flagWelcome string
	flagHack    bool
	flagLogFile string
	flagDebug   bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAddr, "addr", "localhost:8999", "listen address")
	flags.StringVar(&flagWelcome, "welcome", "Welcome to Chatropolis. Nothing here is kept.", "system line sent after registration")
	flags.BoolVar(&flagHack, "hack-access", false, "grant every client hack access")
	flags.StringVar(&flagLogFile, "log-file", "", "also write logs to this file")
	flags.BoolVar(&flagDebug, "debug", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatserver:", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := setupLogging()
	if err != nil {
		return err
	}
	defer closeLog()

	srv, err := chattest.Listen(flagAddr, chattest.Options{
		Welcome:    flagWelcome,
		Logger:     logger,
		HackAccess: flagHack,
	})
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer srv.Close()
	logger.Info().Str("addr", flagAddr).Msg("server up")
	fmt.Printf("serving on %s — connect with: termchat --server %s\n", flagAddr, srv.URL())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		fmt.Println("\nshutting down")
		srv.Close()
		os.Exit(0)
	}()

	console(srv, os.Stdin, os.Stdout)
	return nil
}

func setupLogging() (zerolog.Logger, func(), error) {
	level := zerolog.InfoLevel
	if flagDebug {
		level = zerolog.DebugLevel
	}
	var w io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	closeLog := func() {}
	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closeLog = func() { f.Close() }
	}
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, closeLog, nil
}
