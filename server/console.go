package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chatropolis/termchat/chattest"
)

// console runs the admin loop on in until "stop" or EOF. Commands operate
// on live connections only; there are no accounts to act on.
func console(srv *chattest.Server, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, "console ready, 'help' lists commands")
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			fmt.Fprintln(out, "commands: mute <name> <seconds>, unmute <name>, broadcast <text>, drop, stats, stop")
		case "mute":
			if len(args) != 2 {
				fmt.Fprintln(out, "usage: mute <name> <seconds>")
				continue
			}
			secs, err := strconv.Atoi(args[1])
			if err != nil || secs <= 0 {
				fmt.Fprintln(out, "seconds must be a positive number")
				continue
			}
			if srv.MuteUser(args[0], time.Duration(secs)*time.Second) {
				fmt.Fprintf(out, "%s muted for %ds\n", args[0], secs)
			} else {
				fmt.Fprintln(out, "no such user connected")
			}
		case "unmute":
			if len(args) != 1 {
				fmt.Fprintln(out, "usage: unmute <name>")
				continue
			}
			if srv.UnmuteUser(args[0]) {
				fmt.Fprintf(out, "%s unmuted\n", args[0])
			} else {
				fmt.Fprintln(out, "no such user connected")
			}
		case "broadcast":
			if len(args) == 0 {
				fmt.Fprintln(out, "usage: broadcast <text>")
				continue
			}
			srv.BroadcastSystem("[admin] " + strings.Join(args, " "))
			fmt.Fprintln(out, "sent")
		case "drop":
			srv.DropConnections()
			fmt.Fprintln(out, "all connections dropped, clients will reconnect")
		case "stats":
			st := srv.Stats()
			fmt.Fprintf(out, "online %d, messages %d, rooms %d\n", st.Online, st.TotalMessages, st.ActiveRooms)
		case "stop":
			fmt.Fprintln(out, "stopping")
			return
		default:
			fmt.Fprintln(out, "unknown command, try 'help'")
		}
	}
}
