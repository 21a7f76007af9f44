// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the fleetforge command tree.
package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"

	"github.com/spf13/pflag"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/cli"
	"github.com/fleetforge-io/fleetforge/lib/audit"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/remote"
	"github.com/fleetforge-io/fleetforge/lib/version"
)

// Root builds the fleetforge command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:        "fleetforge",
		Summary:     "secure remote execution and fleet synchronization",
		Description: "fleetforge runs commands, moves files, and synchronizes\nrepositories and config files across a fleet of nodes over SSH.",
		Subcommands: []*cli.Command{
			execCommand(),
			scriptCommand(),
			copyCommand(),
			syncCommand(),
			statusCommand(),
			configCommand(),
			nodesCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print the fleetforge version",
		Run: func(args []string) error {
			version.Print("fleetforge")
			return nil
		},
	}
}

// commonParams are the flags every engine-backed command shares.
type commonParams struct {
	configPath string
	operator   string
}

func (p *commonParams) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.configPath, "config", "", "fleet config file (default $FLEETFORGE_CONFIG)")
	flagSet.StringVar(&p.operator, "operator", "", "operator identity recorded in the audit log (default current user)")
}

// session bundles the loaded configuration with the engines and the
// audit destination for one command invocation.
type session struct {
	config    *fleet.Config
	runner    *remote.Runner
	audit     *audit.Log
	auditFile *os.File
	logger    *slog.Logger
	operator  string
}

func newSession(params commonParams) (*session, error) {
	var cfg *fleet.Config
	var err error
	if params.configPath != "" {
		cfg, err = fleet.LoadFile(params.configPath)
	} else {
		cfg, err = fleet.Load()
	}
	if err != nil {
		return nil, err
	}

	operator := params.operator
	if operator == "" {
		if current, err := user.Current(); err == nil {
			operator = current.Username
		} else {
			operator = os.Getenv("USER")
		}
	}
	if operator == "" {
		return nil, fmt.Errorf("operator identity unknown; pass --operator")
	}

	logger := cli.NewCommandLogger().With("fleet", cfg.Fleet)

	var auditFile *os.File
	auditOut := os.Stderr
	if cfg.AuditLog != "" {
		auditFile, err = os.OpenFile(cfg.AuditLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		auditOut = auditFile
	}

	auditLog := audit.NewLog(auditOut)
	runner, err := remote.NewRunner(remote.RunnerOptions{
		Config: cfg,
		Audit:  auditLog,
		Logger: logger,
	})
	if err != nil {
		if auditFile != nil {
			auditFile.Close()
		}
		return nil, err
	}

	return &session{
		config:    cfg,
		runner:    runner,
		audit:     auditLog,
		auditFile: auditFile,
		logger:    logger,
		operator:  operator,
	}, nil
}

func (s *session) Close() error {
	if s.auditFile != nil {
		return s.auditFile.Close()
	}
	return nil
}

func nodesCommand() *cli.Command {
	var params commonParams
	var asJSON bool

	return &cli.Command{
		Name:    "nodes",
		Summary: "list the nodes operations may target",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("nodes", pflag.ContinueOnError)
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

			type nodeLine struct {
				ID      string `json:"id"`
				Address string `json:"address"`
				Port    int    `json:"port"`
				User    string `json:"user"`
			}
			var lines []nodeLine
			for _, nodeID := range sess.config.AllowedNodes() {
				node, _ := sess.config.Node(nodeID)
				lines = append(lines, nodeLine{ID: nodeID, Address: node.Address, Port: node.Port, User: node.User})
			}

			if asJSON {
				return cli.WriteJSON(lines)
			}
			for _, line := range lines {
				fmt.Printf("%s\t%s@%s:%d\n", line.ID, line.User, line.Address, line.Port)
			}
			return nil
		},
	}
}
