package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/nfrund/chatsync/internal/app"
	"github.com/nfrund/chatsync/internal/chat"
)

// newSession builds a session from the loaded configuration.
func newSession() (*app.Session, error) {
	return app.New(cfg, app.Dependencies{Logger: logger})
}

// formatMessage renders a message as a single terminal line.
func formatMessage(m chat.Message) string {
	ts := "--:--:--"
	if !m.Timestamp.IsZero() {
		ts = m.Timestamp.Local().Format(time.TimeOnly)
	}
	switch m.Kind {
	case chat.KindJoin, chat.KindLeave:
		return fmt.Sprintf("[%s] * %s", ts, m.Content)
	case chat.KindTyping:
		return fmt.Sprintf("[%s] ... %s", ts, m.Content)
	}
	if m.Private {
		return fmt.Sprintf("[%s] (private %s -> %s) %s: %s", ts, m.SenderID, m.ReceiverID, m.Sender, m.Content)
	}
	room := m.RoomID
	if room == "" {
		room = cfg.DefaultRoom
	}
	return fmt.Sprintf("[%s] #%s %s: %s", ts, room, m.Sender, m.Content)
}

// printer writes each message once, in arrival order.
type printer struct {
	w    io.Writer
	seen map[chat.ID]struct{}
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, seen: make(map[chat.ID]struct{})}
}

// mark records msgs as already shown.
func (p *printer) mark(msgs []chat.Message) {
	for _, m := range msgs {
		p.seen[m.ID] = struct{}{}
	}
}

// print writes the messages not printed before.
func (p *printer) print(msgs []chat.Message) {
	for _, m := range msgs {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		fmt.Fprintln(p.w, formatMessage(m))
	}
}
