// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/cli"
	"github.com/fleetforge-io/fleetforge/lib/reposync"
)

func statusCommand() *cli.Command {
	var params commonParams
	var asJSON bool

	return &cli.Command{
		Name:    "status",
		Summary: "compare every target's sync marker against the source",
		Usage:   "fleetforge status [flags] [node...]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			sess, err := newSession(params)
			if err != nil {
				return err
			}
			defer sess.Close()

			syncer, err := reposync.NewSyncer(reposync.Options{
				Config:    sess.config,
				Transport: sess.runner,
				Logger:    sess.logger,
			})
			if err != nil {
				return err
			}

			targets := args
			if len(targets) == 0 {
				targets = sess.config.TargetNodes()
			}

			type statusLine struct {
				NodeID string `json:"node_id"`
				Commit string `json:"commit"`
				Synced bool   `json:"synced"`
				Error  string `json:"error,omitempty"`
			}

			ctx := context.Background()
			drifted := false
			var lines []statusLine
			for _, nodeID := range targets {
				status, err := syncer.CheckStatus(ctx, nodeID, sess.operator)
				if err != nil {
					return err
				}
				line := statusLine{NodeID: status.NodeID, Commit: status.Commit, Synced: status.Synced}
				if status.Err != nil {
					line.Error = status.Err.Error()
				}
				if !status.Synced {
					drifted = true
				}
				lines = append(lines, line)
			}

			if asJSON {
				if err := cli.WriteJSON(lines); err != nil {
					return err
				}
			} else {
				for _, line := range lines {
					state := "synced"
					if !line.Synced {
						state = "out-of-sync"
					}
					fmt.Printf("%s\t%s\t%s\t%s\n", line.NodeID, state, line.Commit, line.Error)
				}
			}

			if drifted {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
