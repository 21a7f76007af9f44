// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/cli"
	"github.com/fleetforge-io/fleetforge/lib/remote"
)

func scriptCommand() *cli.Command {
	var params commonParams
	var timeout time.Duration
	var retries int
	var interpreter string
	var workdir string

	return &cli.Command{
		Name:    "script",
		Summary: "run a script on a node",
		Usage:   "fleetforge script [flags] <node> <script> [args...]",
		Description: "Runs a script on the node. A path that exists locally is\n" +
			"uploaded, executed, and removed; any other path is taken as a\n" +
			"script already present on the node.",
		Examples: []cli.Example{
			{Description: "upload and run a local script", Command: "fleetforge script vm01 ./deploy.sh --staging"},
			{Description: "run a script already on the node", Command: "fleetforge script --interpreter python3 vm01 /opt/scripts/health.py"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("script", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.DurationVar(&timeout, "timeout", 0, "script timeout (default from config)")
			flagSet.IntVar(&retries, "retries", 0, "connection attempts (default from config)")
			flagSet.StringVar(&interpreter, "interpreter", "", "interpreter to invoke the script with")
			flagSet.StringVar(&workdir, "workdir", "", "remote working directory")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: fleetforge script <node> <script> [args...]")
			}

			sess, err := newSession(params)
			if err != nil {
				return err
			}
			defer sess.Close()

			result, err := sess.runner.ExecuteScript(context.Background(), args[0], args[1], sess.operator,
				remote.ScriptOptions{
					CallOptions: remote.CallOptions{Timeout: timeout, Retries: retries, Workdir: workdir},
					Interpreter: interpreter,
					Args:        args[2:],
				})
			if err != nil {
				return err
			}

			os.Stdout.WriteString(result.Stdout)
			os.Stderr.WriteString(result.Stderr)
			if result.ExitCode != 0 {
				return &cli.ExitError{Code: result.ExitCode}
			}
			return nil
		},
	}
}
