package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chatropolis/termchat/chattest"
)

func TestConsoleScript(t *testing.T) {
	srv := chattest.New(chattest.Options{})
	t.Cleanup(srv.Close)

	in := strings.NewReader(strings.Join([]string{
		"",
		"help",
		"mute",
		"mute ghost soon",
		"mute ghost 30",
		"unmute",
		"unmute ghost",
		"broadcast",
		"broadcast all quiet please",
		"drop",
		"stats",
		"wat",
		"stop",
		"broadcast never reached",
	}, "\n"))
	var out bytes.Buffer

	console(srv, in, &out)

	got := out.String()
	assert.Contains(t, got, "console ready")
	assert.Contains(t, got, "commands: mute <name> <seconds>")
	assert.Contains(t, got, "usage: mute <name> <seconds>")
	assert.Contains(t, got, "seconds must be a positive number")
	assert.Contains(t, got, "no such user connected")
	assert.Contains(t, got, "usage: unmute <name>")
	assert.Contains(t, got, "usage: broadcast <text>")
	assert.Contains(t, got, "sent")
	assert.Contains(t, got, "all connections dropped")
	assert.Contains(t, got, "online 0, messages 0, rooms 0")
	assert.Contains(t, got, "unknown command, try 'help'")
	assert.Contains(t, got, "stopping")
	assert.NotContains(t, got, "never reached")
}

func TestConsoleStopsAtEOF(t *testing.T) {
	srv := chattest.New(chattest.Options{})
	t.Cleanup(srv.Close)

	var out bytes.Buffer
	console(srv, strings.NewReader("stats\n"), &out)

	assert.Contains(t, out.String(), "online 0")
}
