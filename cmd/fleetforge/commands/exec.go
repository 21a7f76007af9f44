// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/cli"
	"github.com/fleetforge-io/fleetforge/lib/remote"
)

func execCommand() *cli.Command {
	var params commonParams
	var timeout time.Duration
	var retries int
	var workdir string
	var env []string

	return &cli.Command{
		Name:    "exec",
		Summary: "run a command on a node",
		Usage:   "fleetforge exec [flags] <node> <command...>",
		Examples: []cli.Example{
			{Description: "check disk usage on vm01", Command: "fleetforge exec vm01 df -h /srv"},
			{Description: "run with a custom timeout", Command: "fleetforge exec --timeout 5m vm02 apt-get update"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("exec", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.DurationVar(&timeout, "timeout", 0, "command timeout (default from config)")
			flagSet.IntVar(&retries, "retries", 0, "connection attempts (default from config)")
			flagSet.StringVar(&workdir, "workdir", "", "remote working directory")
			flagSet.StringArrayVar(&env, "env", nil, "environment variable KEY=VALUE (repeatable)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("usage: fleetforge exec <node> <command...>")
			}
			nodeID := args[0]
			command := strings.Join(args[1:], " ")

			environment, err := parseEnvironment(env)
			if err != nil {
				return err
			}

			sess, err := newSession(params)
			if err != nil {
				return err
			}
			defer sess.Close()

			result, err := sess.runner.ExecuteCommand(context.Background(), nodeID, command, sess.operator,
				remote.CallOptions{Timeout: timeout, Retries: retries, Workdir: workdir, Env: environment})
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

func parseEnvironment(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	environment := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
		}
		environment[name] = value
	}
	return environment, nil
}
