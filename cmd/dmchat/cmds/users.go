package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewUsersCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the users you can message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := app.newSession(sessionOptions{onLoggedOut: warnLoggedOut(cmd.ErrOrStderr())})
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Resume(cmd.Context()); err != nil {
				return err
			}
			users, err := session.Users(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, u := range users {
				_, _ = fmt.Fprintf(out, "%s %s\n", idStyle.Render(fmt.Sprintf("%6d", u.ID)), u.Username)
			}
			return nil
		},
	}
}
