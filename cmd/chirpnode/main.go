package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/chirp/internal/config"
	"github.com/danmuck/chirp/internal/logging"
	"github.com/danmuck/chirp/internal/transport/inproc"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "chirpnode: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("chirpnode", pflag.ContinueOnError)
	path := fs.StringP("config", "f", "", "node config file (toml)")
	address := fs.StringP("address", "a", "", "listen address, overrides the config file")
	port := fs.IntP("port", "p", 0, "listen port, overrides the config file")
	level := fs.String("log-level", "", "console log level, overrides the config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.DefaultNodeConfig()
	if *path != "" {
		var err error
		if cfg, err = config.LoadNodeConfig(*path); err != nil {
			return err
		}
	}
	if fs.Changed("address") {
		cfg.Address = *address
	}
	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *level
	}
	if err := config.ValidateNodeConfig(cfg); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig(logging.ProfileRuntime)
	lvl, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	logCfg.Level = lvl
	logging.Apply(logCfg)
	log := logging.Component("chirpnode")

	tr := inproc.New(inproc.WithLogger(logging.Component("inproc")))
	h, err := startHub(tr, cfg, log, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("shutting down")
	h.stop()
	return nil
}
