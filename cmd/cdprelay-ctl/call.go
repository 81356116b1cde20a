// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/cdprelay/downstream"
	"github.com/bureau-foundation/cdprelay/lib/cli"
	"github.com/bureau-foundation/cdprelay/lib/config"
)

type callParams struct {
	configPath string
	url        string
	sessionID  string
	timeout    time.Duration
}

func callCommand(stdout io.Writer) *cli.Command {
	var params callParams
	return &cli.Command{
		Name:    "call",
		Summary: "Send one CDP command through the relay",
		Description: `Connect to the relay's downstream surface, send METHOD with optional
PARAMS (a JSON object; comments and trailing commas are accepted), print
the result, and disconnect. Without --session the command goes to the
root session of the attached tab.

The relay accepts one downstream client at a time: running this while an
automation client is connected displaces that client.`,
		Usage: "cdprelay-ctl call METHOD [PARAMS] [--session ID] [--url URL]",
		Examples: []cli.Example{
			{Description: "Evaluate an expression", Command: `cdprelay-ctl call Runtime.evaluate '{"expression": "document.title"}'`},
			{Description: "Ask the relay for its version", Command: "cdprelay-ctl call Browser.getVersion"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("call", pflag.ContinueOnError)
			flagSet.StringVar(&params.configPath, "config", "", "configuration file; default $"+config.EnvironmentVariable)
			flagSet.StringVar(&params.url, "url", "", "downstream WebSocket URL (overrides the configuration)")
			flagSet.StringVar(&params.sessionID, "session", "", "session id to address")
			flagSet.DurationVar(&params.timeout, "timeout", 30*time.Second, "time to wait for the result")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 1 || len(args) > 2 {
				return fmt.Errorf("expected METHOD and optional PARAMS")
			}
			var commandParams json.RawMessage
			if len(args) == 2 {
				var err error
				if commandParams, err = parseParams(args[1]); err != nil {
					return err
				}
			}
			url, err := params.downstreamURL()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), params.timeout)
			defer cancel()

			client, err := downstream.Dial(ctx, url, downstream.Options{})
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.Send(ctx, args[0], commandParams, params.sessionID)
			if err != nil {
				return err
			}
			return cli.WriteJSON(stdout, result)
		},
	}
}

func (p *callParams) downstreamURL() (string, error) {
	if p.url != "" {
		return p.url, nil
	}
	cfg, err := config.Resolve(p.configPath)
	if err != nil {
		return "", err
	}
	return "ws://" + cfg.Relay.DownstreamListen + cfg.Relay.DownstreamPath, nil
}

// parseParams accepts JSONC and requires an object.
func parseParams(text string) (json.RawMessage, error) {
	data := jsonc.ToJSON([]byte(text))
	var object map[string]json.RawMessage
	if err := json.Unmarshal(data, &object); err != nil {
		return nil, fmt.Errorf("PARAMS must be a JSON object: %w", err)
	}
	return json.RawMessage(data), nil
}
