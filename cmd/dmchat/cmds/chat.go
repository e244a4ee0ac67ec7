package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/chatsession"
	"github.com/go-go-golems/dmchat/pkg/multiplexer"
	"github.com/go-go-golems/dmchat/pkg/redisstream"
	"github.com/go-go-golems/dmchat/pkg/transport"
)

var errQuit = errors.New("quit")

func NewChatCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <peer>",
		Short: "Chat with a user from the terminal",
		Long: `Opens the conversation with <peer>, prints the history and every new
message. Each input line is sent; /reload retries a failed history load and
/quit (or EOF) leaves.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), app, args[0], cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runChat(ctx context.Context, app *App, peer string, in io.Reader, out, errOut io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	archive, err := app.openArchive()
	if err != nil {
		return err
	}
	defer func() { _ = archive.Close() }()

	var tap chatsession.TapFactory
	if app.Settings.Redis.Enabled {
		ps, err := redisstream.Build(app.Settings.Redis)
		if err != nil {
			return errors.Wrap(err, "build event tap")
		}
		var taps []*redisstream.Tap
		defer func() {
			for _, t := range taps {
				t.Close()
			}
			_ = ps.Close()
		}()
		tap = func(owner string) multiplexer.Tap {
			t := redisstream.NewTap(ps.Publisher, owner)
			taps = append(taps, t)
			return t
		}
	}

	session, err := app.newSession(sessionOptions{
		archive: archive,
		tap:     tap,
		onLoggedOut: func(err error) {
			warnLoggedOut(errOut)(err)
			cancel(err)
		},
	})
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Resume(ctx); err != nil {
		return err
	}
	self := session.Username()
	if err := session.OnChannelStateChange(func(c transport.StateChange) {
		_, _ = fmt.Fprintln(errOut, formatChannelState(c))
	}); err != nil {
		return err
	}

	ctrl, err := session.OpenConversation(ctx, peer)
	if ctrl == nil {
		return err
	}
	if err != nil && !errors.Is(err, chat.ErrClosed) {
		_, _ = fmt.Fprintln(errOut, errorStyle.Render("-- history failed: "+err.Error()+" (type /reload)"))
	}
	_, _ = fmt.Fprintln(errOut, formatNotice("chatting with %s as %s", peer, self))

	lines := make(chan string)
	go readLines(ctx, in, lines)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return app.serveMetrics(egCtx)
	})
	eg.Go(func() error {
		return renderTranscript(egCtx, ctrl, newTranscriptPrinter(self, out), errOut)
	})
	eg.Go(func() error {
		return handleInput(egCtx, session, ctrl, lines, errOut)
	})

	err = eg.Wait()
	if cause := context.Cause(ctx); cause != nil && errors.Is(cause, chat.ErrAuthRejected) {
		return cause
	}
	if err == nil || errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func readLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}

func renderTranscript(ctx context.Context, ctrl *chatsession.Controller, p *transcriptPrinter, errOut io.Writer) error {
	last, _ := ctrl.State()
	p.print(ctrl.Snapshot())
	changes := ctrl.Changes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
		}
		p.print(ctrl.Snapshot())
		st, err := ctrl.State()
		if st != last {
			last = st
			switch st {
			case chatsession.StateError:
				_, _ = fmt.Fprintln(errOut, errorStyle.Render("-- history failed: "+err.Error()+" (type /reload)"))
			case chatsession.StateActive:
				_, _ = fmt.Fprintln(errOut, formatNotice("history loaded"))
			}
		}
	}
}

func handleInput(ctx context.Context, session *chatsession.Session, ctrl *chatsession.Controller, lines <-chan string, errOut io.Writer) error {
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return errQuit
			}
			line = l
		}

		switch strings.TrimSpace(line) {
		case "/quit":
			return errQuit
		case "/reload":
			if err := ctrl.Reload(ctx); err != nil {
				_, _ = fmt.Fprintln(errOut, errorStyle.Render("-- reload: "+err.Error()))
			}
			continue
		}

		_, err := session.SendMessage(ctx, line)
		switch {
		case err == nil, errors.Is(err, chat.ErrEmptyMessage):
		case errors.Is(err, chat.ErrNotConnected):
			_, _ = fmt.Fprintln(errOut, warnStyle.Render("-- not connected, message not delivered"))
		case errors.Is(err, chat.ErrNotActive):
			_, _ = fmt.Fprintln(errOut, warnStyle.Render("-- conversation not ready: "+err.Error()))
		case errors.Is(err, chat.ErrClosed):
			return nil
		default:
			_, _ = fmt.Fprintln(errOut, errorStyle.Render("-- send: "+err.Error()))
		}
	}
}
