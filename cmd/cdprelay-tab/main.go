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

	"github.com/bureau-foundation/cdprelay/cdp"
	"github.com/bureau-foundation/cdprelay/lib/cli"
	"github.com/bureau-foundation/cdprelay/lib/config"
	"github.com/bureau-foundation/cdprelay/lib/control"
	"github.com/bureau-foundation/cdprelay/lib/eventlog"
	"github.com/bureau-foundation/cdprelay/lib/version"
	"github.com/bureau-foundation/cdprelay/transport"
	"github.com/bureau-foundation/cdprelay/upstream"
)

func main() {
	os.Exit(cli.ExitCode(run(os.Args[1:]), os.Stderr))
}

type options struct {
	configPath        string
	relayURL          string
	devToolsURL       string
	target            upstream.TargetDescriptor
	reconnectAttempts int
	reconnectDelay    time.Duration
	controlSocket     string
	verbose           bool
	showVersion       bool
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("cdprelay-tab", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "configuration file (YAML or JSONC); default $"+config.EnvironmentVariable)
	flagSet.StringVar(&opts.relayURL, "relay-url", "", "relay upstream WebSocket URL")
	flagSet.StringVar(&opts.devToolsURL, "devtools-url", "", "browser DevTools endpoint (http:// or ws://)")
	flagSet.StringVar(&opts.target.TargetID, "target-id", "", "attach to this target id on start")
	flagSet.StringVar(&opts.target.URL, "url", "", "attach to the first page at this URL on start")
	flagSet.BoolVar(&opts.target.Create, "create", false, "open a new page when no target matches")
	flagSet.IntVar(&opts.reconnectAttempts, "reconnect-attempts", 0, "reconnect attempts after an abnormal relay close")
	flagSet.DurationVar(&opts.reconnectDelay, "reconnect-delay", 0, "wait before each reconnect attempt")
	flagSet.StringVar(&opts.controlSocket, "control-socket", "", "operator control socket path")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if opts.showVersion {
		fmt.Printf("cdprelay-tab %s\n", version.Info())
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

	autoAttach := opts.target != (upstream.TargetDescriptor{})
	return serve(ctx, cfg, opts.target, autoAttach, logger)
}

func applyFlags(cfg *config.Config, flagSet *pflag.FlagSet, opts options) {
	if flagSet.Changed("relay-url") {
		cfg.Upstream.RelayURL = opts.relayURL
	}
	if flagSet.Changed("devtools-url") {
		cfg.Upstream.DevToolsURL = opts.devToolsURL
	}
	if flagSet.Changed("reconnect-attempts") {
		cfg.Upstream.ReconnectAttempts = opts.reconnectAttempts
	}
	if flagSet.Changed("reconnect-delay") {
		cfg.Upstream.ReconnectDelay = config.Duration(opts.reconnectDelay)
	}
	if flagSet.Changed("control-socket") {
		cfg.Upstream.ControlSocket = opts.controlSocket
	}
}

func serve(ctx context.Context, cfg *config.Config, target upstream.TargetDescriptor, autoAttach bool, logger *slog.Logger) error {
	events := eventlog.New(eventlog.Config{Logger: logger})
	defer events.Close()

	transportOptions := transport.Options{PingInterval: cfg.Upstream.KeepaliveInterval.Std(), Logger: logger}
	debugger := cdp.New(cdp.Config{
		URL:       cfg.Upstream.DevToolsURL,
		Transport: transportOptions,
		Logger:    logger.With("component", "cdp"),
	})
	adapter := upstream.New(upstream.Config{
		RelayURL:          cfg.Upstream.RelayURL,
		Debugger:          debugger,
		ReconnectAttempts: cfg.Upstream.ReconnectAttempts,
		ReconnectDelay:    cfg.Upstream.ReconnectDelay.Std(),
		AckTimeout:        cfg.Upstream.AckTimeout.Std(),
		EventBuffer:       cfg.Upstream.EventBuffer,
		Transport:         transportOptions,
		Logger:            logger,
		Events:            events,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adapterDone := make(chan error, 1)
	go func() { adapterDone <- adapter.Run(ctx) }()

	controlDone := make(chan error, 1)
	if cfg.Upstream.ControlSocket != "" {
		server := control.NewServer(cfg.Upstream.ControlSocket, logger)
		registerActions(server, adapter)
		go func() { controlDone <- server.Serve(ctx, nil) }()
	} else {
		controlDone <- nil
	}

	logger.Info("cdprelay-tab starting",
		"version", version.Info(),
		"relay_url", cfg.Upstream.RelayURL,
		"devtools_url", cfg.Upstream.DevToolsURL,
		"control_socket", cfg.Upstream.ControlSocket,
	)

	if autoAttach {
		go func() {
			sessionID, err := adapter.RequestAttach(ctx, target)
			if err != nil {
				if ctx.Err() == nil {
					logger.Error("attach failed", "target", target.String(), "error", err)
				}
				return
			}
			logger.Info("attached", "target", target.String(), "session_id", sessionID)
		}()
	}

	var failure error
	select {
	case <-ctx.Done():
	case failure = <-adapter.Failures():
		logger.Error("upstream session failed", "error", failure)
		cancel()
	}

	if err := <-adapterDone; err != nil && failure == nil {
		failure = err
	}
	if err := <-controlDone; err != nil {
		logger.Error("control socket failed", "error", err)
	}
	return failure
}
