package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gomithril/embeddinglab"
	"github.com/gomithril/embeddinglab/embedding"
	"github.com/gomithril/embeddinglab/internal/config"
	applog "github.com/gomithril/embeddinglab/internal/log"
	"github.com/gomithril/embeddinglab/session"
)

// cfg is populated before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "embeddinglab",
	Short:         "Load an embedding model and turn text into vectors",
	Version:       embeddinglab.Version,
	SilenceUsage:  true,
	SilenceErrors: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		envFile, _ := flags.GetString("env-file")
		configFile, _ := flags.GetString("config-file")

		c, err := config.Load(viper.GetViper(), envFile, configFile)
		if err != nil {
			return err
		}
		applog.Init(c.LogLevel)
		cfg = c
		return nil
	},
}

func init() {
	pflags := rootCmd.PersistentFlags()

	pflags.String("config-file", "", "Path to the config file")
	pflags.String("env-file", "", "Path to the env file (defaults to ./.env when present)")
	pflags.String("log-level", "info", "Log level: debug, info, warn or error")

	viper.BindPFlag("log_level", pflags.Lookup("log-level"))

	rootCmd.AddCommand(serveCmd, embedCmd)
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

func newController(cfg *config.Config) *session.Controller {
	engineCfg := embedding.DefaultConfig()
	engineCfg.Assets.SharedLibrary = cfg.OnnxRuntime
	engineCfg.TokenizerPath = cfg.TokenizerPath
	engineCfg.CacheDir = cfg.CacheDir
	engineCfg.StallTimeout = cfg.StallTimeout
	engineCfg.EmbedDim = int64(cfg.EmbedDim)

	return session.NewController(
		embedding.NewFactory(engineCfg),
		session.WithLoadOptions(cfg.LoadOptions()),
	)
}
