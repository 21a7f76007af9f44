// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package configsync manages configuration files on fleet nodes:
// schema-validated updates through an atomic remote replace, encrypted
// local backups, and automatic rollback when a write goes wrong after
// the point of no return.
package configsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/jsonc"

	"github.com/fleetforge-io/fleetforge/lib/clock"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/remote"
)

// Update failure reasons, surfaced on UpdateError.Reason.
const (
	ReasonValidationFailed = "validation_failed"
	ReasonBackupFailed     = "backup_failed"
	ReasonWriteFailed      = "write_failed"
	// ReasonRollbackFailed means the write failed and the automatic
	// rollback also failed; the backup id on the error still
	// restores the pre-update document manually.
	ReasonRollbackFailed = "write_failed_rollback_failed"
)

// UpdateError reports why an update did not complete. BackupID is set
// whenever a backup was taken before the failure, so the pre-update
// document remains reachable no matter what went wrong afterwards.
type UpdateError struct {
	Reason   string
	BackupID string
	Err      error
}

func (e *UpdateError) Error() string {
	if e.BackupID != "" {
		return fmt.Sprintf("%s (backup %s): %v", e.Reason, e.BackupID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// Runner is the slice of the remote execution surface the engine
// uses. Satisfied by remote.Runner.
type Runner interface {
	ExecuteCommand(ctx context.Context, nodeID, command, operator string, opts remote.CallOptions) (*remote.ExecutionResult, error)
	UploadFile(ctx context.Context, nodeID, localPath, remotePath, operator string, opts remote.CallOptions) error
	DownloadFile(ctx context.Context, nodeID, remotePath, localPath, operator string, opts remote.CallOptions) error
}

// EngineOptions configures NewEngine. Config and Runner are required.
// Store may be nil when backups are never requested. WorkDir holds
// transient download/upload files and defaults to the system
// temporary directory.
type EngineOptions struct {
	Config  *fleet.Config
	Runner  Runner
	Schemas *SchemaRegistry
	Store   *Store
	WorkDir string
	Logger  *slog.Logger
	Clock   clock.Clock
}

// Engine implements the config sync operations. Safe for concurrent
// use across different nodes; concurrent updates to the same node are
// not serialized and can race on the final rename.
type Engine struct {
	config  *fleet.Config
	runner  Runner
	schemas *SchemaRegistry
	store   *Store
	workDir string
	logger  *slog.Logger
	clock   clock.Clock
}

// NewEngine builds an Engine from fleet configuration.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("configsync: fleet config is required")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("configsync: remote runner is required")
	}
	schemas := opts.Schemas
	if schemas == nil {
		schemas = NewSchemaRegistry()
		if err := schemas.LoadFromConfig(opts.Config); err != nil {
			return nil, err
		}
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{
		config:  opts.Config,
		runner:  opts.Runner,
		schemas: schemas,
		store:   opts.Store,
		workDir: workDir,
		logger:  logger,
		clock:   clk,
	}, nil
}

// Get downloads and parses a node's config file. JSON with comments
// and trailing commas is tolerated. The transient local copy is
// removed whether or not parsing succeeds.
func (e *Engine) Get(ctx context.Context, nodeID, configType, operator string) (map[string]any, error) {
	raw, err := e.fetchRaw(ctx, nodeID, configType, operator)
	if err != nil {
		return nil, err
	}

	var document map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(raw), &document); err != nil {
		return nil, fmt.Errorf("parsing %s config from %s: %w", configType, nodeID, err)
	}
	return document, nil
}

// UpdateOptions tunes one update call.
type UpdateOptions struct {
	// Validate checks the document against the registered schema
	// before any network activity.
	Validate bool

	// Backup snapshots the node's current document before writing;
	// a backup failure aborts the update.
	Backup bool

	// Timeout bounds each remote call. Zero uses the configured
	// default.
	Timeout time.Duration
}

// Update replaces a node's config file with the document. The write
// is atomic on the remote side: upload to a sibling ".new" path, one
// rename over the real path. A rename failure leaves the node's
// config exactly as it was; when a backup was taken first, the
// pre-update document is automatically written back through the same
// atomic path.
func (e *Engine) Update(ctx context.Context, nodeID, configType string, document map[string]any, operator string, opts UpdateOptions) error {
	remotePath, err := e.config.ConfigPath(configType, nodeID)
	if err != nil {
		return err
	}

	encoded, err := json.MarshalIndent(document, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s document: %w", configType, err)
	}
	encoded = append(encoded, '\n')

	if opts.Validate {
		// Re-decode through the validator's JSON reader so numeric
		// types match what the schema library expects.
		instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
		if err != nil {
			return &UpdateError{Reason: ReasonValidationFailed, Err: err}
		}
		if err := e.schemas.Validate(configType, instance); err != nil {
			return &UpdateError{Reason: ReasonValidationFailed, Err: err}
		}
	}

	backupID := ""
	if opts.Backup {
		backupID, err = e.Backup(ctx, nodeID, configType, operator)
		if err != nil {
			return &UpdateError{Reason: ReasonBackupFailed, Err: err}
		}
	}

	callOpts := remote.CallOptions{Timeout: opts.Timeout}
	if writeErr := e.atomicWrite(ctx, nodeID, remotePath, encoded, operator, callOpts); writeErr != nil {
		if backupID == "" {
			return &UpdateError{Reason: ReasonWriteFailed, Err: writeErr}
		}
		if rollbackErr := e.rollback(ctx, nodeID, remotePath, backupID, operator, callOpts); rollbackErr != nil {
			e.logger.Error("config rollback failed",
				"node", nodeID, "config_type", configType, "backup", backupID, "error", rollbackErr)
			return &UpdateError{
				Reason:   ReasonRollbackFailed,
				BackupID: backupID,
				Err:      errors.Join(writeErr, rollbackErr),
			}
		}
		e.logger.Warn("config write failed, previous document restored",
			"node", nodeID, "config_type", configType, "backup", backupID)
		return &UpdateError{Reason: ReasonWriteFailed, BackupID: backupID, Err: writeErr}
	}

	e.logger.Info("config updated",
		"node", nodeID, "config_type", configType, "path", remotePath, "backup", backupID)
	return nil
}

// Backup snapshots the node's current document into the encrypted
// store and returns the backup id.
func (e *Engine) Backup(ctx context.Context, nodeID, configType, operator string) (string, error) {
	if e.store == nil {
		return "", fmt.Errorf("no backup store configured")
	}
	remotePath, err := e.config.ConfigPath(configType, nodeID)
	if err != nil {
		return "", err
	}
	current, err := e.fetchRaw(ctx, nodeID, configType, operator)
	if err != nil {
		return "", fmt.Errorf("fetching current document: %w", err)
	}
	return e.store.Create(nodeID, configType, remotePath, current)
}

// Restore writes a backed-up document back to the node through the
// atomic-write path.
func (e *Engine) Restore(ctx context.Context, nodeID, configType, backupID, operator string) error {
	if e.store == nil {
		return fmt.Errorf("no backup store configured")
	}
	remotePath, err := e.config.ConfigPath(configType, nodeID)
	if err != nil {
		return err
	}
	contents, meta, err := e.store.Open(backupID)
	if err != nil {
		return err
	}
	if meta.ConfigType != configType {
		return fmt.Errorf("backup %s holds a %s document, not %s", backupID, meta.ConfigType, configType)
	}
	return e.atomicWrite(ctx, nodeID, remotePath, contents, operator, remote.CallOptions{})
}

// ListBackups returns the stored snapshots for a node and config
// type, newest first.
func (e *Engine) ListBackups(nodeID, configType string) ([]BackupMeta, error) {
	if e.store == nil {
		return nil, fmt.Errorf("no backup store configured")
	}
	return e.store.List(nodeID, configType)
}

// fetchRaw downloads the node's config file and returns its exact
// bytes. The local copy is always removed.
func (e *Engine) fetchRaw(ctx context.Context, nodeID, configType, operator string) ([]byte, error) {
	remotePath, err := e.config.ConfigPath(configType, nodeID)
	if err != nil {
		return nil, err
	}

	temporary, err := os.CreateTemp(e.workDir, "ff-config-*")
	if err != nil {
		return nil, fmt.Errorf("creating transient config file: %w", err)
	}
	temporaryPath := temporary.Name()
	temporary.Close()
	os.Remove(temporaryPath)
	defer os.Remove(temporaryPath)

	if err := e.runner.DownloadFile(ctx, nodeID, remotePath, temporaryPath, operator, remote.CallOptions{}); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(temporaryPath)
	if err != nil {
		return nil, fmt.Errorf("reading transient config file: %w", err)
	}
	return raw, nil
}

// atomicWrite uploads contents next to the target path and renames it
// into place with a single remote command. On rename failure the
// stage file is removed (best effort) and the target is untouched.
func (e *Engine) atomicWrite(ctx context.Context, nodeID, remotePath string, contents []byte, operator string, opts remote.CallOptions) error {
	stagePath := remotePath + ".new"

	local, err := os.CreateTemp(e.workDir, "ff-stage-*")
	if err != nil {
		return fmt.Errorf("creating stage file: %w", err)
	}
	localPath := local.Name()
	defer os.Remove(localPath)
	if _, err := local.Write(contents); err != nil {
		local.Close()
		return fmt.Errorf("writing stage file: %w", err)
	}
	if err := local.Close(); err != nil {
		return fmt.Errorf("closing stage file: %w", err)
	}

	if err := e.runner.UploadFile(ctx, nodeID, localPath, stagePath, operator, opts); err != nil {
		return fmt.Errorf("uploading staged config: %w", err)
	}

	rename := "mv -f " + shellQuote(stagePath) + " " + shellQuote(remotePath)
	result, err := e.runner.ExecuteCommand(ctx, nodeID, rename, operator, opts)
	if err != nil || result.ExitCode != 0 {
		if err == nil {
			err = fmt.Errorf("rename exited %d: %s", result.ExitCode, result.Stderr)
		}
		e.removeStage(ctx, nodeID, stagePath, operator, opts)
		return fmt.Errorf("replacing %s: %w", remotePath, err)
	}
	return nil
}

// rollback pushes the backed-up document back through the atomic
// write path.
func (e *Engine) rollback(ctx context.Context, nodeID, remotePath, backupID, operator string, opts remote.CallOptions) error {
	previous, _, err := e.store.Open(backupID)
	if err != nil {
		return fmt.Errorf("opening backup %s: %w", backupID, err)
	}
	return e.atomicWrite(ctx, nodeID, remotePath, previous, operator, opts)
}

// removeStage deletes a leftover ".new" file. Best effort: its own
// failure is logged and never masks the write error.
func (e *Engine) removeStage(ctx context.Context, nodeID, stagePath, operator string, opts remote.CallOptions) {
	result, err := e.runner.ExecuteCommand(ctx, nodeID, "rm -f "+shellQuote(stagePath), operator, opts)
	if err != nil || result.ExitCode != 0 {
		e.logger.Warn("removing staged config failed", "node", nodeID, "path", stagePath, "error", err)
	}
}

// shellQuote wraps a value in single quotes for POSIX shells.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
