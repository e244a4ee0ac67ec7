package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/dmchat/cmd/dmchat/cmds"
	"github.com/go-go-golems/dmchat/pkg/config"
)

func main() {
	v := viper.New()
	app := cmds.NewApp(v)

	rootCmd := &cobra.Command{
		Use:           config.AppName,
		Short:         "dmchat is a terminal client for direct-message chat",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// flags are parsed now, so the config file, env and --log-level apply
			return app.Init()
		},
	}

	err := config.InitViper(v, rootCmd)
	cobra.CheckErr(err)

	rootCmd.AddCommand(
		cmds.NewLoginCommand(app),
		cmds.NewLogoutCommand(app),
		cmds.NewUsersCommand(app),
		cmds.NewChatCommand(app),
		cmds.NewArchiveCommand(app),
		cmds.NewTailCommand(app),
	)

	err = rootCmd.Execute()
	cobra.CheckErr(err)
}
