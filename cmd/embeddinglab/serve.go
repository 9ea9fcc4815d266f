package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gomithril/embeddinglab/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the embedding page and its JSON API",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()

	flags.String("host", "localhost", "Host to listen on")
	flags.Int("port", 8890, "Port to listen on")

	viper.BindPFlag("host", flags.Lookup("host"))
	viper.BindPFlag("port", flags.Lookup("port"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	controller := newController(cfg)
	defer controller.Close()

	srv, err := server.NewServer(cfg, controller)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	signalc := make(chan os.Signal, 1)
	signal.Notify(signalc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalc)

	go func() {
		errc <- srv.Start()
	}()

	select {
	case err := <-errc:
		return err
	case sig := <-signalc:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
		return srv.Stop(context.Background())
	}
}
