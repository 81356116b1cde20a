// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cdprelay/lib/cli"
	"github.com/bureau-foundation/cdprelay/lib/config"
	"github.com/bureau-foundation/cdprelay/lib/control"
	"github.com/bureau-foundation/cdprelay/lib/eventlog"
	"github.com/bureau-foundation/cdprelay/lib/version"
	"github.com/bureau-foundation/cdprelay/relay"
	"github.com/bureau-foundation/cdprelay/transport"
)

func main() {
	os.Exit(cli.ExitCode(run(os.Args[1:]), os.Stderr))
}

type options struct {
	configPath       string
	upstreamListen   string
	downstreamListen string
	controlSocket    string
	handshakeTimeout time.Duration
	verbose          bool
	showVersion      bool
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("cdprelay", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (YAML or JSONC); default $"+config.EnvironmentVariable)
	flagSet.StringVar(&opts.upstreamListen, "upstream-listen", "", "address for the tab adapter surface")
	flagSet.StringVar(&opts.downstreamListen, "downstream-listen", "", "address for the automation client surface")
	flagSet.StringVar(&opts.controlSocket, "control-socket", "", "operator control socket path")
	flagSet.DurationVar(&opts.handshakeTimeout, "handshake-timeout", 0, "grace period for connection_info")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.showVersion {
		fmt.Printf("cdprelay %s\n", version.Info())
		return nil
	}

	cfg, err := config.Resolve(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg, flagSet, opts)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cli.NewLogger(cfg.Logging, opts.verbose)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func applyFlags(cfg *config.Config, flagSet *pflag.FlagSet, opts options) {
	if flagSet.Changed("upstream-listen") {
		cfg.Relay.UpstreamListen = opts.upstreamListen
	}
	if flagSet.Changed("downstream-listen") {
		cfg.Relay.DownstreamListen = opts.downstreamListen
	}
	if flagSet.Changed("control-socket") {
		cfg.Relay.ControlSocket = opts.controlSocket
	}
	if flagSet.Changed("handshake-timeout") {
		cfg.Relay.HandshakeTimeout = config.Duration(opts.handshakeTimeout)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	events := eventlog.New(eventlog.Config{Logger: logger})
	defer events.Close()

	hub := relay.New(relay.Config{
		HandshakeTimeout: cfg.Relay.HandshakeTimeout.Std(),
		BrowserProduct:   cfg.Relay.BrowserProduct,
		UpstreamPath:     cfg.Relay.UpstreamPath,
		DownstreamPath:   cfg.Relay.DownstreamPath,
		Transport: transport.Options{
			SendQueueSize:   cfg.Relay.SendQueueSize,
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
			PingInterval:    cfg.Relay.KeepaliveInterval.Std(),
			Logger:          logger,
		},
		Logger: logger,
		Events: events,
	})

	upstream, err := transport.NewTCPListener(cfg.Relay.UpstreamListen)
	if err != nil {
		return fmt.Errorf("upstream surface: %w", err)
	}
	var downstream transport.Listener
	if cfg.Relay.DownstreamListen != cfg.Relay.UpstreamListen {
		listener, err := transport.NewTCPListener(cfg.Relay.DownstreamListen)
		if err != nil {
			upstream.Close()
			return fmt.Errorf("downstream surface: %w", err)
		}
		downstream = listener
	}

	controlDone := make(chan error, 1)
	if cfg.Relay.ControlSocket != "" {
		server := control.NewServer(cfg.Relay.ControlSocket, logger)
		registerActions(server, hub)
		go func() { controlDone <- server.Serve(ctx, nil) }()
	} else {
		controlDone <- nil
	}

	logger.Info("cdprelay starting",
		"version", version.Info(),
		"upstream_path", cfg.Relay.UpstreamPath,
		"downstream_path", cfg.Relay.DownstreamPath,
		"control_socket", cfg.Relay.ControlSocket,
	)
	serveErr := hub.Serve(ctx, upstream, downstream)

	if err := <-controlDone; err != nil {
		logger.Error("control socket failed", "error", err)
	}
	stats := events.Stats()
	logger.Info("cdprelay stopped", "events_emitted", stats.Emitted, "events_discarded", stats.Discarded)
	return serveErr
}
