// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/cli"
	"github.com/fleetforge-io/fleetforge/lib/configsync"
	"github.com/fleetforge-io/fleetforge/lib/secret"
)

func configCommand() *cli.Command {
	return &cli.Command{
		Name:    "config",
		Summary: "inspect and update structured node configuration",
		Subcommands: []*cli.Command{
			configGetCommand(),
			configSetCommand(),
			configBackupCommand(),
			configRestoreCommand(),
			configBackupsCommand(),
		},
	}
}

func configGetCommand() *cli.Command {
	var params commonParams

	return &cli.Command{
		Name:    "get",
		Summary: "download and print a node's config document",
		Usage:   "fleetforge config get [flags] <node> <type>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("get", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <node> <type>, got %d arguments", len(args))
			}
			sess, engine, err := newConfigSession(params, false)
			if err != nil {
				return err
			}
			defer sess.Close()

			document, err := engine.Get(context.Background(), args[0], args[1], sess.operator)
			if err != nil {
				return err
			}
			return cli.WriteJSON(document)
		},
	}
}

func configSetCommand() *cli.Command {
	var params commonParams
	var fromFile string
	var noValidate bool
	var noBackup bool
	var timeout time.Duration

	return &cli.Command{
		Name:    "set",
		Summary: "update fields of a node's config document atomically",
		Usage:   "fleetforge config set [flags] <node> <type> <key=value>...",
		Description: "Fetches the current document, applies the given key=value\n" +
			"assignments (values are parsed as JSON when possible, kept as\n" +
			"strings otherwise), validates the result against the type's\n" +
			"schema, snapshots the old document, and writes the new one\n" +
			"atomically. With --file the document is replaced wholesale.",
		Examples: []cli.Example{
			{
				Description: "Change one field, keeping the rest of the document",
				Command:     "fleetforge config set vm01 app port=9090",
			},
			{
				Description: "Replace the whole document from a local file",
				Command:     "fleetforge config set vm01 app --file config.json",
			},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.StringVar(&fromFile, "file", "", "replace the document with this local JSON file")
			flagSet.BoolVar(&noValidate, "no-validate", false, "skip schema validation")
			flagSet.BoolVar(&noBackup, "no-backup", false, "skip the pre-update backup snapshot")
			flagSet.DurationVar(&timeout, "timeout", 0, "per-operation timeout")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("expected <node> <type>, got %d arguments", len(args))
			}
			if fromFile == "" && len(args) == 2 {
				return fmt.Errorf("no assignments given; pass key=value pairs or --file")
			}
			nodeID, configType := args[0], args[1]

			sess, engine, err := newConfigSession(params, !noBackup)
			if err != nil {
				return err
			}
			defer sess.Close()

			ctx := context.Background()
			var document map[string]any
			if fromFile != "" {
				contents, err := os.ReadFile(fromFile)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(contents, &document); err != nil {
					return fmt.Errorf("parsing %s: %w", fromFile, err)
				}
			} else {
				document, err = engine.Get(ctx, nodeID, configType, sess.operator)
				if err != nil {
					return err
				}
				for _, assignment := range args[2:] {
					key, raw, found := strings.Cut(assignment, "=")
					if !found || key == "" {
						return fmt.Errorf("malformed assignment %q, want key=value", assignment)
					}
					document[key] = parseValue(raw)
				}
			}

			err = engine.Update(ctx, nodeID, configType, document, sess.operator, configsync.UpdateOptions{
				Validate: !noValidate,
				Backup:   !noBackup,
				Timeout:  timeout,
			})
			if err != nil {
				var updateErr *configsync.UpdateError
				if errors.As(err, &updateErr) && updateErr.BackupID != "" {
					fmt.Fprintf(os.Stderr, "update failed; node rolled back from backup %s\n", updateErr.BackupID)
				}
				return err
			}
			fmt.Printf("%s %s updated\n", nodeID, configType)
			return nil
		},
	}
}

func configBackupCommand() *cli.Command {
	var params commonParams

	return &cli.Command{
		Name:    "backup",
		Summary: "snapshot a node's current config into the encrypted store",
		Usage:   "fleetforge config backup [flags] <node> <type>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("backup", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("expected <node> <type>, got %d arguments", len(args))
			}
			sess, engine, err := newConfigSession(params, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			id, err := engine.Backup(context.Background(), args[0], args[1], sess.operator)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func configRestoreCommand() *cli.Command {
	var params commonParams

	return &cli.Command{
		Name:    "restore",
		Summary: "write a stored snapshot back to a node atomically",
		Usage:   "fleetforge config restore [flags] <node> <type> <backup-id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("restore", pflag.ContinueOnError)
			params.register(flagSet)
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("expected <node> <type> <backup-id>, got %d arguments", len(args))
			}
			sess, engine, err := newConfigSession(params, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := engine.Restore(context.Background(), args[0], args[1], args[2], sess.operator); err != nil {
				return err
			}
			fmt.Printf("%s %s restored from %s\n", args[0], args[1], args[2])
			return nil
		},
	}
}

func configBackupsCommand() *cli.Command {
	var params commonParams
	var asJSON bool

	return &cli.Command{
		Name:    "backups",
		Summary: "list stored snapshots, newest first",
		Usage:   "fleetforge config backups [flags] [node [type]]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("backups", pflag.ContinueOnError)
			params.register(flagSet)
			flagSet.BoolVar(&asJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 2 {
				return fmt.Errorf("expected at most <node> <type>, got %d arguments", len(args))
			}
			var nodeID, configType string
			if len(args) > 0 {
				nodeID = args[0]
			}
			if len(args) > 1 {
				configType = args[1]
			}

			sess, engine, err := newConfigSession(params, true)
			if err != nil {
				return err
			}
			defer sess.Close()

			backups, err := engine.ListBackups(nodeID, configType)
			if err != nil {
				return err
			}
			if asJSON {
				return cli.WriteJSON(backups)
			}
			for _, meta := range backups {
				fmt.Printf("%s\t%s\t%s\t%s\t%d\n",
					meta.ID, meta.NodeID, meta.ConfigType,
					meta.CreatedAt.Format(time.RFC3339), meta.Size)
			}
			return nil
		},
	}
}

// newConfigSession opens a session plus a configsync engine. The
// encrypted backup store is only opened when the invoked subcommand
// can touch snapshots, so read-only paths never prompt for a
// passphrase.
func newConfigSession(params commonParams, withStore bool) (*session, *configsync.Engine, error) {
	sess, err := newSession(params)
	if err != nil {
		return nil, nil, err
	}

	var store *configsync.Store
	if withStore {
		store, err = openBackupStore(sess)
		if err != nil {
			sess.Close()
			return nil, nil, err
		}
	}

	engine, err := configsync.NewEngine(configsync.EngineOptions{
		Config: sess.config,
		Runner: sess.runner,
		Store:  store,
		Logger: sess.logger,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		sess.Close()
		return nil, nil, err
	}
	return sess, engine, nil
}

// openBackupStore unlocks the snapshot store with the configured key
// file, falling back to an interactive passphrase prompt.
func openBackupStore(sess *session) (*configsync.Store, error) {
	backups := sess.config.Backups
	opts := configsync.StoreOptions{
		Dir:       backups.Dir,
		Retention: backups.Retention.Std(),
		Logger:    sess.logger,
	}
	if backups.KeyFile != "" {
		raw, err := os.ReadFile(backups.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading backup key file: %w", err)
		}
		key, err := secret.NewFromBytes(raw)
		if err != nil {
			return nil, err
		}
		opts.Key = key
	} else {
		raw, err := cli.ReadPassphrase("backup passphrase: ")
		if err != nil {
			return nil, fmt.Errorf("reading backup passphrase: %w", err)
		}
		passphrase, err := secret.NewFromBytes(raw)
		if err != nil {
			return nil, err
		}
		opts.Passphrase = passphrase
	}
	return configsync.NewStore(opts)
}

// parseValue interprets an assignment's right-hand side: booleans,
// numbers, null, and JSON arrays or objects keep their JSON types,
// everything else stays a string.
func parseValue(raw string) any {
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if integer, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return integer
	}
	if number, err := strconv.ParseFloat(raw, 64); err == nil {
		return number
	}
	if strings.HasPrefix(raw, "[") || strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "\"") {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err == nil {
			return value
		}
	}
	return raw
}
