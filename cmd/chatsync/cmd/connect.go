package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/chat"
	"github.com/nfrund/chatsync/internal/reconciler"
)

const connectHelp = `Commands:
  /room <name>   switch to a room and load its history
  /rooms         list the server's rooms
  /dm <userId>   switch to a private conversation and load its history
  /users         list known users
  /who           ask the server to republish the user list
  /typing        tell others you are typing
  /quit          leave
Anything else is sent to the current room or user.`

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join the chat and send messages from stdin",
	Long: `Connect with the identity saved by "chatsync login", print incoming
messages and send every line read from stdin.

` + connectHelp,
	RunE: func(cmd *cobra.Command, args []string) error {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer session.Close()

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		out := cmd.OutOrStdout()
		changes := session.State.Watch(64)
		defer changes.Cancel()
		states := session.Manager.Watch(16)
		defer states.Cancel()

		if err := session.Start(ctx); err != nil {
			printErr(cmd, "%v; run \"chatsync login\" first", err)
			return err
		}

		p := newPrinter(out)
		p.mark(session.State.Messages())

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case change, ok := <-states.C:
				if !ok {
					return nil
				}
				line := fmt.Sprintf("-- %s -> %s", change.From, change.To)
				if change.Delay > 0 {
					line += fmt.Sprintf(" (attempt %d in %s)", change.Attempt, change.Delay)
				}
				if change.Err != nil {
					line += ": " + change.Err.Error()
				}
				fmt.Fprintln(out, line)
			case change, ok := <-changes.C:
				if !ok {
					return nil
				}
				if change.Reason == reconciler.ReasonMessage {
					p.print(session.State.Messages())
				}
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleLine(ctx, out, session, line); quit {
					return nil
				}
			}
		}
	},
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

// handleLine runs a slash command or sends line. It reports whether the
// user asked to quit.
func handleLine(ctx context.Context, out io.Writer, s *app.Session, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if !s.Send(line) {
			fmt.Fprintln(out, "-- not sent: not connected")
		}
		return false
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "/quit", "/exit":
		return true
	case "/room":
		err := s.SelectRoom(ctx, arg)
		fmt.Fprintf(out, "-- now in #%s\n", s.State.Snapshot().SelectedRoom)
		if err != nil {
			fmt.Fprintf(out, "-- history unavailable: %v\n", err)
		}
	case "/rooms":
		rooms, err := s.Rooms(ctx)
		if err != nil {
			fmt.Fprintf(out, "-- rooms unavailable: %v\n", err)
			return false
		}
		for _, r := range rooms {
			fmt.Fprintf(out, "   #%-20s %s\n", r.ID, r.Name)
		}
	case "/dm":
		if arg == "" {
			fmt.Fprintln(out, "-- usage: /dm <userId>")
			return false
		}
		err := s.SelectUser(ctx, chat.ID(arg))
		fmt.Fprintf(out, "-- now talking to %s\n", arg)
		if err != nil {
			fmt.Fprintf(out, "-- history unavailable: %v\n", err)
		}
	case "/users":
		for _, u := range s.State.ActiveUsers() {
			status := "offline"
			if u.Online {
				status = "online"
			}
			fmt.Fprintf(out, "   %-4s %-20s %s\n", u.ID, u.Username, status)
		}
	case "/who":
		s.Commands.RequestActiveUsers()
	case "/typing":
		s.Commands.Typing()
	default:
		fmt.Fprintln(out, connectHelp)
	}
	return false
}

func init() {
	rootCmd.AddCommand(connectCmd)
}
