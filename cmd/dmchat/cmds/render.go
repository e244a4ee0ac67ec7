package cmds

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/conversation"
	"github.com/go-go-golems/dmchat/pkg/transport"
)

var (
	timeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	selfStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	peerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")).Italic(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	idStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	noticeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
)

// formatEntry renders one transcript line.
func formatEntry(self string, e conversation.Entry) string {
	ts := e.At
	if ts.IsZero() {
		ts = e.Timestamp
	}
	name := peerStyle.Render(e.Sender)
	if e.Sender == self {
		name = selfStyle.Render(e.Sender)
	}
	line := fmt.Sprintf("%s %s: %s", timeStyle.Render(ts.Local().Format("15:04")), name, e.Content)
	switch e.Delivery {
	case conversation.DeliveryPending:
		line += " " + pendingStyle.Render("(sending)")
	case conversation.DeliveryUnconfirmed:
		line += " " + warnStyle.Render("(not delivered)")
	}
	return line
}

func formatMessage(self string, m chat.Message) string {
	return formatEntry(self, conversation.Entry{Message: m, At: m.Timestamp, Delivery: conversation.DeliveryConfirmed})
}

func formatNotice(format string, args ...any) string {
	return noticeStyle.Render("-- " + fmt.Sprintf(format, args...))
}

func formatChannelState(c transport.StateChange) string {
	switch c.Next {
	case transport.StateConnected:
		return formatNotice("connected")
	case transport.StateReconnecting:
		return warnStyle.Render("-- connection lost, reconnecting")
	case transport.StateDisconnected:
		if c.Err != nil {
			return errorStyle.Render("-- disconnected: " + c.Err.Error())
		}
		return formatNotice("disconnected")
	default:
		return formatNotice("%s", c.Next)
	}
}

// transcriptPrinter prints entries as they appear and reprints entries whose
// delivery changed.
type transcriptPrinter struct {
	self string
	out  io.Writer
	seen map[string]conversation.Delivery
}

func newTranscriptPrinter(self string, out io.Writer) *transcriptPrinter {
	return &transcriptPrinter{self: self, out: out, seen: map[string]conversation.Delivery{}}
}

func entryKey(e conversation.Entry) string {
	if e.LocalID != "" {
		return "local:" + e.LocalID
	}
	return e.Key()
}

func (p *transcriptPrinter) print(entries []conversation.Entry) {
	for _, e := range entries {
		key := entryKey(e)
		prev, ok := p.seen[key]
		p.seen[key] = e.Delivery
		switch {
		case !ok:
			_, _ = fmt.Fprintln(p.out, formatEntry(p.self, e))
		case prev != e.Delivery && e.Delivery == conversation.DeliveryUnconfirmed:
			_, _ = fmt.Fprintln(p.out, warnStyle.Render(fmt.Sprintf("-- %q was not delivered", e.Content)))
		case prev != e.Delivery && e.Delivery == conversation.DeliveryConfirmed && prev == conversation.DeliveryUnconfirmed:
			_, _ = fmt.Fprintln(p.out, formatNotice("%q delivered", e.Content))
		}
	}
}

func warnLoggedOut(w io.Writer) func(error) {
	return func(err error) {
		_, _ = fmt.Fprintln(w, errorStyle.Render("-- logged out: "+err.Error()+" (run dmchat login)"))
	}
}
