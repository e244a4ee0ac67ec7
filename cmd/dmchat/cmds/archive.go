package cmds

import (
	"fmt"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func NewArchiveCommand(app *App) *cobra.Command {
	var (
		owner string
		limit int
		since string
	)
	cmd := &cobra.Command{
		Use:   "archive [peer]",
		Short: "Show archived conversations, or the archived transcript with peer",
		Long: `Reads the local transcript archive (--archive-file). Without a peer the
archived conversations are listed, most recently active first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Settings.ArchiveFile == "" {
				return errors.New("archive needs --archive-file")
			}
			if owner == "" {
				u, ok, err := app.credentialStore().Username()
				if err != nil {
					return err
				}
				if !ok {
					return errors.New("no stored username, pass --owner")
				}
				owner = u
			}

			store, err := app.openArchive()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				msgs, err := store.List(cmd.Context(), owner, args[0], limit)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					_, _ = fmt.Fprintln(out, formatMessage(owner, m))
				}
				return nil
			}

			var sinceMs int64
			if since != "" {
				t, err := dateparse.ParseAny(since)
				if err != nil {
					return errors.Wrapf(err, "parse --since %q", since)
				}
				sinceMs = t.UnixMilli()
			}
			convs, err := store.ListConversations(cmd.Context(), owner, limit, sinceMs)
			if err != nil {
				return err
			}
			for _, c := range convs {
				last := time.UnixMilli(c.LastMessageMs).Local().Format("2006-01-02 15:04")
				_, _ = fmt.Fprintf(out, "%s %s %s\n", peerStyle.Render(c.Peer), idStyle.Render(fmt.Sprintf("%d messages", c.MessageCount)), timeStyle.Render("last "+last))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Archive owner (default: the stored username)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of rows (0 for the store default)")
	cmd.Flags().StringVar(&since, "since", "", "Only conversations active since this date")
	return cmd
}
