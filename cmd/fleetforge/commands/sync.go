// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/cli"
	"github.com/fleetforge-io/fleetforge/lib/reposync"
)

func syncCommand() *cli.Command {
	var params commonParams
	var force bool
	var noGate bool
	var timeout time.Duration

	return &cli.Command{
		Name:    "sync",
		Summary: "push the source repository to target nodes",
		Usage:   "fleetforge sync [flags] [node...]",
		Description: "Pushes the configured git tree to the named nodes, or to every\n" +
			"target when none are named. The tree is secret-scanned first;\n" +
			"findings block the push for all targets.",
		Examples: []cli.Example{
			{Description: "sync every target", Command: "fleetforge sync"},
			{Description: "force-sync one node, discarding local source edits", Command: "fleetforge sync --force vm02"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sync", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.BoolVar(&force, "force", false, "fetch and hard-reset the source instead of pulling")
			flagSet.BoolVar(&noGate, "no-gate", false, "push even when the secret scan reports findings")
			flagSet.DurationVar(&timeout, "timeout", 0, "push timeout per node (default from config)")
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

			opts := reposync.SyncOptions{Force: force, DisableGate: noGate, Timeout: timeout}
			ctx := context.Background()

			var statuses []reposync.RepoStatus
			if len(args) == 0 {
				statuses = syncer.SyncAll(ctx, sess.operator, opts)
			} else {
				for _, nodeID := range args {
					statuses = append(statuses, syncer.SyncNode(ctx, nodeID, sess.operator, opts))
				}
			}

			failed := false
			for _, status := range statuses {
				if status.Err != nil {
					failed = true
					fmt.Printf("%s\t%s\t%v\n", status.NodeID, status.State, status.Err)
					continue
				}
				fmt.Printf("%s\t%s\t%s\n", status.NodeID, status.State, status.Commit)
			}
			// Findings come from the single shared scan; print once.
			if len(statuses) > 0 {
				for _, finding := range statuses[0].Findings {
					fmt.Printf("finding: %s:%d %s %s\n", finding.Path, finding.Line, finding.Rule, finding.Excerpt)
				}
			}

			if failed {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}
