package cmds

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/dmchat/pkg/redisstream"
)

func NewTailCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Follow the chat traffic mirrored to Redis Streams",
		Long: `Prints every message another dmchat chat process publishes on the
event tap. Needs --redis-enabled; only traffic after the consumer group was
created is shown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !app.Settings.Redis.Enabled {
				return errors.New("tail needs --redis-enabled")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			topics := []string{redisstream.TopicInbound, redisstream.TopicOutbound}
			for _, topic := range topics {
				if err := redisstream.EnsureGroupAtTail(ctx, app.Settings.Redis.Addr, topic, app.Settings.Redis.Group); err != nil {
					return errors.Wrapf(err, "create consumer group on %s", topic)
				}
			}

			ps, err := redisstream.Build(app.Settings.Redis)
			if err != nil {
				return err
			}
			defer func() { _ = ps.Close() }()

			return tailTopics(ctx, ps.Subscriber, topics, cmd.OutOrStdout())
		},
	}
}

// tailTopics prints tap events of every topic until ctx is done.
func tailTopics(ctx context.Context, sub message.Subscriber, topics []string, out io.Writer) error {
	eg, ctx := errgroup.WithContext(ctx)
	events := make(chan redisstream.Event)

	for _, topic := range topics {
		topic := topic
		msgs, err := sub.Subscribe(ctx, topic)
		if err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
		eg.Go(func() error {
			for m := range msgs {
				ev, err := redisstream.DecodeEvent(m)
				m.Ack()
				if err != nil {
					log.Warn().Err(err).Str("topic", topic).Msg("skipping tap event")
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				arrow := "<-"
				if ev.Direction == redisstream.DirectionOutbound {
					arrow = "->"
				}
				_, _ = fmt.Fprintf(out, "%s %s %s\n", idStyle.Render(ev.Owner), arrow, formatMessage(ev.Owner, ev.Message))
			}
		}
	})
	return eg.Wait()
}
