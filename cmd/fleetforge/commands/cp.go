// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/cli"
	"github.com/fleetforge-io/fleetforge/lib/remote"
)

func copyCommand() *cli.Command {
	var params commonParams
	var timeout time.Duration
	var retries int

	return &cli.Command{
		Name:    "cp",
		Summary: "copy a file to or from a node, verified end to end",
		Usage:   "fleetforge cp [flags] <source> <destination>",
		Description: "Copies one file between the local host and a node. Exactly one\n" +
			"side is remote, written as <node>:<path>. Content is verified\n" +
			"with a SHA-256 digest on both ends; a mismatch is retried and\n" +
			"never silently accepted.",
		Examples: []cli.Example{
			{Description: "upload", Command: "fleetforge cp ./app.conf vm01:/etc/app/app.conf"},
			{Description: "download", Command: "fleetforge cp vm01:/var/log/app.log ./app.log"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("cp", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.DurationVar(&timeout, "timeout", 0, "per-call timeout (default from config)")
			flagSet.IntVar(&retries, "retries", 0, "connection attempts (default from config)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: fleetforge cp <source> <destination>")
			}
			sourceNode, sourcePath := splitRemote(args[0])
			destinationNode, destinationPath := splitRemote(args[1])

			if (sourceNode == "") == (destinationNode == "") {
				return fmt.Errorf("exactly one of source and destination must be <node>:<path>")
			}

			sess, err := newSession(params)
			if err != nil {
				return err
			}
			defer sess.Close()

			opts := remote.CallOptions{Timeout: timeout, Retries: retries}
			ctx := context.Background()
			if sourceNode != "" {
				return sess.runner.DownloadFile(ctx, sourceNode, sourcePath, destinationPath, sess.operator, opts)
			}
			return sess.runner.UploadFile(ctx, destinationNode, sourcePath, destinationPath, sess.operator, opts)
		},
	}
}

// splitRemote parses "<node>:<path>" into its parts. Returns an empty
// node for plain local paths; a Windows-style drive letter is not a
// concern on fleet hosts.
func splitRemote(argument string) (nodeID, path string) {
	index := strings.Index(argument, ":")
	if index <= 0 {
		return "", argument
	}
	candidate := argument[:index]
	if strings.ContainsAny(candidate, "/.") {
		return "", argument
	}
	return candidate, argument[index+1:]
}
