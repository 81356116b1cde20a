// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cdprelay/lib/cli"
	"github.com/bureau-foundation/cdprelay/lib/config"
	"github.com/bureau-foundation/cdprelay/lib/control"
	"github.com/bureau-foundation/cdprelay/lib/version"
)

func main() {
	os.Exit(cli.ExitCode(rootCommand(os.Stdout).Execute(os.Args[1:]), os.Stderr))
}

func rootCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "cdprelay-ctl",
		Summary: "Operate a CDP relay and its tab adapter",
		Description: `Inspect and steer a running cdprelay hub and cdprelay-tab adapter over
their control sockets, or send a single CDP command through the relay's
downstream surface.`,
		Subcommands: []*cli.Command{
			statusCommand(stdout),
			attachCommand(stdout),
			detachCommand(stdout),
			disconnectCommand(stdout),
			callCommand(stdout),
			versionCommand(stdout),
		},
	}
}

// socketParams locates a control socket. An explicit --socket wins;
// otherwise the path comes from the configuration.
type socketParams struct {
	configPath string
	socketPath string
}

func (p *socketParams) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.configPath, "config", "", "configuration file; default $"+config.EnvironmentVariable)
	flagSet.StringVar(&p.socketPath, "socket", "", "control socket path (overrides the configuration)")
}

func (p *socketParams) config() (*config.Config, error) {
	return config.Resolve(p.configPath)
}

func (p *socketParams) hubClient() (*control.Client, error) {
	if p.socketPath != "" {
		return control.NewClient(p.socketPath), nil
	}
	cfg, err := p.config()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Relay.ControlSocket), nil
}

func (p *socketParams) tabClient() (*control.Client, error) {
	if p.socketPath != "" {
		return control.NewClient(p.socketPath), nil
	}
	cfg, err := p.config()
	if err != nil {
		return nil, err
	}
	return control.NewClient(cfg.Upstream.ControlSocket), nil
}

func versionCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			_, err := fmt.Fprintf(stdout, "cdprelay-ctl %s\n", version.Full())
			return err
		},
	}
}
