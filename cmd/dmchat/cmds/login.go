package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"
	"golang.org/x/term"
)

func NewLoginCommand(app *App) *cobra.Command {
	var (
		username     string
		passwordFile string
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the token for later commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				u, err := askUsername(cmd.ErrOrStderr(), cmd.InOrStdin())
				if err != nil {
					return err
				}
				username = u
			}
			password, err := readPassword(cmd.ErrOrStderr(), passwordFile)
			if err != nil {
				return err
			}

			session, err := app.newSession(sessionOptions{})
			if err != nil {
				return err
			}
			defer session.Close()

			if err := session.Login(cmd.Context(), username, password); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", session.Username())
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Username (prompted when empty)")
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "Read the password from this file instead of prompting")
	return cmd
}

func NewLogoutCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			session, err := app.newSession(sessionOptions{})
			if err != nil {
				return err
			}
			if err := session.Logout(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func askUsername(w io.Writer, r io.Reader) (string, error) {
	ui := &input.UI{
		Writer: w,
		Reader: r,
	}
	answer, err := ui.Ask("Username", &input.Options{
		Required: true,
		Loop:     true,
		ValidateFunc: func(answer string) error {
			if strings.TrimSpace(answer) == "" {
				return errors.New("username must not be empty")
			}
			return nil
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "read username")
	}
	return strings.TrimSpace(answer), nil
}

// readPassword reads the password from path, or from the terminal with echo
// disabled when path is empty or "-".
func readPassword(w io.Writer, path string) (string, error) {
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errors.Wrapf(err, "read password file %s", path)
		}
		password := strings.TrimRight(string(data), "\r\n")
		if password == "" {
			return "", errors.Errorf("password file %s is empty", path)
		}
		return password, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal for the password prompt, use --password-file")
	}
	_, _ = fmt.Fprint(w, "Password: ")
	data, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(w)
	if err != nil {
		return "", errors.Wrap(err, "read password")
	}
	return string(data), nil
}
