package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/wordbank/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wordbank",
		Short:         "Offline-first client for the wordbank entry store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newAddCommand(),
		newRemoveCommand(),
		newListCommand(),
		newShowCommand(),
		newSimilarCommand(),
		newSyncCommand(),
		newConflictsCommand(),
		newResolveCommand(),
		newWatchCommand(),
		newTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Base URL of the wordbank API")
	cmd.PersistentFlags().String("remote-token", "", "Bearer token for the wordbank API (overrides env)")
	cmd.PersistentFlags().String("local-database-path", "", "Local store path (defaults to the XDG data directory)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Write rotated JSON logs to this file instead of stderr")

	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.token", "remote-token")
	bindFlag(cmd, "local.database_path", "local-database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("wordbank")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
