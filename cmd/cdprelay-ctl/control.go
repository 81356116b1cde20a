// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/cdprelay/lib/cli"
)

const controlTimeout = 30 * time.Second

type statusParams struct {
	socketParams
	cli.JSONOutput
	tab bool
}

func statusCommand(stdout io.Writer) *cli.Command {
	var params statusParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show hub or adapter status",
		Description: `Show the hub's connection slots, session registry, in-flight commands
and counters. With --tab, show the adapter's state instead.`,
		Usage: "cdprelay-ctl status [--tab] [--socket PATH] [--json]",
		Examples: []cli.Example{
			{Description: "Hub status", Command: "cdprelay-ctl status"},
			{Description: "Adapter status as JSON", Command: "cdprelay-ctl status --tab --json"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.BoolVar(&params.tab, "tab", false, "query the tab adapter instead of the hub")
			flagSet.BoolVar(&params.OutputJSON, "json", false, "print JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			client, err := params.hubClient()
			if params.tab {
				client, err = params.tabClient()
			}
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()

			var status map[string]any
			if err := client.Call(ctx, "status", nil, &status); err != nil {
				return err
			}
			return printFields(stdout, &params.JSONOutput, status)
		},
	}
}

type attachParams struct {
	socketParams
	cli.JSONOutput
	targetID string
	url      string
	create   bool
}

func attachCommand(stdout io.Writer) *cli.Command {
	var params attachParams
	return &cli.Command{
		Name:    "attach",
		Summary: "Attach the tab adapter to a tab",
		Description: `Ask the adapter to attach to a page target and connect it to the relay.
Returns once the relay has acknowledged the handshake. With no target
flags the first page target is used.`,
		Usage: "cdprelay-ctl attach [--target-id ID | --url URL] [--create]",
		Examples: []cli.Example{
			{Description: "Attach to an open page", Command: "cdprelay-ctl attach --url https://example.com/"},
			{Description: "Open a new page when none matches", Command: "cdprelay-ctl attach --url https://example.com/ --create"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("attach", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.StringVar(&params.targetID, "target-id", "", "target id to attach to")
			flagSet.StringVar(&params.url, "url", "", "page URL to attach to")
			flagSet.BoolVar(&params.create, "create", false, "open a new page when no target matches")
			flagSet.BoolVar(&params.OutputJSON, "json", false, "print JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			client, err := params.tabClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()

			fields := map[string]any{}
			if params.targetID != "" {
				fields["target_id"] = params.targetID
			}
			if params.url != "" {
				fields["url"] = params.url
			}
			if params.create {
				fields["create"] = true
			}
			var result map[string]any
			if err := client.Call(ctx, "attach", fields, &result); err != nil {
				return err
			}
			return printFields(stdout, &params.JSONOutput, result)
		},
	}
}

func detachCommand(stdout io.Writer) *cli.Command {
	var params socketParams
	return &cli.Command{
		Name:    "detach",
		Summary: "Detach the tab adapter",
		Description: `Ask the adapter to detach from its tab and close the relay connection
cleanly. The hub discards the adapter's sessions and fails any in-flight
commands.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("detach", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return fmt.Errorf("unexpected argument: %s", args[0])
			}
			client, err := params.tabClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()

			if err := client.Call(ctx, "detach", nil, nil); err != nil {
				return err
			}
			_, err = fmt.Fprintln(stdout, "detached")
			return err
		},
	}
}

func disconnectCommand(stdout io.Writer) *cli.Command {
	var params socketParams
	return &cli.Command{
		Name:    "disconnect",
		Summary: "Force-close the hub's upstream or downstream connection",
		Description: `Close one of the hub's connections with code 1013 (try again later).
Closing upstream fails every in-flight command; closing downstream drops
their responses.`,
		Usage: "cdprelay-ctl disconnect upstream|downstream",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("disconnect", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one role (upstream or downstream)")
			}
			client, err := params.hubClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), controlTimeout)
			defer cancel()

			var result struct {
				Role         string `cbor:"role"`
				Disconnected bool   `cbor:"disconnected"`
			}
			if err := client.Call(ctx, "disconnect", map[string]any{"role": args[0]}, &result); err != nil {
				return err
			}
			if !result.Disconnected {
				_, err = fmt.Fprintf(stdout, "no %s connection\n", result.Role)
				return err
			}
			_, err = fmt.Fprintf(stdout, "%s disconnected\n", result.Role)
			return err
		},
	}
}

// printFields writes a decoded control response, as JSON or as a
// key/value table with nested values rendered as compact JSON.
func printFields(w io.Writer, output *cli.JSONOutput, fields map[string]any) error {
	if done, err := output.EmitJSON(w, fields); done || err != nil {
		return err
	}
	keys := lo.Keys(fields)
	slices.Sort(keys)
	table := cli.NewTable(w)
	for _, key := range keys {
		table.Row(key, formatValue(fields[key]))
	}
	return table.Flush()
}

func formatValue(value any) string {
	switch value := value.(type) {
	case nil:
		return "-"
	case string:
		if value == "" {
			return "-"
		}
		return value
	case map[string]any, []any:
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}
		return string(data)
	default:
		return fmt.Sprint(value)
	}
}
