// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package reposync pushes the source-of-truth git tree to the fleet's
// target nodes. Each sync invocation is a small state machine: scan
// the tree for credential-like content, update the source branch,
// stamp the revision marker, stream the tree to the target. A scan
// finding blocks the push outright unless the caller explicitly
// disables the gate.
package reposync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fleetforge-io/fleetforge/lib/clock"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/gitrepo"
	"github.com/fleetforge-io/fleetforge/lib/remote"
	"github.com/fleetforge-io/fleetforge/lib/secretscan"
)

// State is the terminal state of one sync invocation for one target.
type State string

const (
	// StateSynced means the tree reached the target and the marker
	// records the pushed commit.
	StateSynced State = "synced"

	// StateBlocked means the secret-scan gate stopped the sync
	// before any push. Nothing reached any target.
	StateBlocked State = "blocked"

	// StateFailed means the push was attempted and failed; the
	// error is captured on the status.
	StateFailed State = "failed"
)

// RepoStatus is the per-target outcome of a sync or status check.
type RepoStatus struct {
	NodeID   string
	Branch   string
	Commit   string
	State    State
	Synced   bool
	LastSync time.Time
	Findings []secretscan.Finding
	Err      error
}

// Source is the local git tree being pushed. Satisfied by
// gitrepo.Repository.
type Source interface {
	Dir() string
	Head(ctx context.Context) (string, error)
	Pull(ctx context.Context, branch string) error
	FetchReset(ctx context.Context, branch string) error
}

// Transport is the slice of the remote execution surface the syncer
// uses: marker reads and the bulk stream push.
type Transport interface {
	ExecuteCommand(ctx context.Context, nodeID, command, operator string, opts remote.CallOptions) (*remote.ExecutionResult, error)
	StreamCommand(ctx context.Context, nodeID, command string, payload func() (io.ReadCloser, error), operator string, opts remote.CallOptions) error
}

// Options configures NewSyncer. Config and Transport are required;
// Source defaults to the configured repository path, Scanner to the
// built-in pattern scanner.
type Options struct {
	Config    *fleet.Config
	Transport Transport
	Source    Source
	Scanner   secretscan.Scanner
	Logger    *slog.Logger
	Clock     clock.Clock
}

// Syncer implements the repository sync engine. Safe for concurrent
// use across different target nodes.
type Syncer struct {
	config    *fleet.Config
	transport Transport
	source    Source
	scanner   secretscan.Scanner
	codec     Codec
	logger    *slog.Logger
	clock     clock.Clock
}

// NewSyncer builds a Syncer from fleet configuration.
func NewSyncer(opts Options) (*Syncer, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("reposync: fleet config is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("reposync: transport is required")
	}
	if opts.Config.Repo.Path == "" && opts.Source == nil {
		return nil, fmt.Errorf("reposync: no repository path configured")
	}

	codec, err := ParseCodec(opts.Config.Repo.Codec)
	if err != nil {
		return nil, err
	}

	source := opts.Source
	if source == nil {
		source = gitrepo.New(opts.Config.Repo.Path)
	}
	scanner := opts.Scanner
	if scanner == nil {
		scanner = secretscan.NewRegexScanner()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Syncer{
		config:    opts.Config,
		transport: opts.Transport,
		source:    source,
		scanner:   scanner,
		codec:     codec,
		logger:    logger,
		clock:     clk,
	}, nil
}

// SyncOptions tunes one sync invocation.
type SyncOptions struct {
	// Force replaces pull with fetch + hard reset, discarding local
	// changes to the source tree.
	Force bool

	// DisableGate pushes even when the secret scan reports
	// findings. The findings are still logged and returned.
	DisableGate bool

	// Timeout bounds the push stream. Zero uses the configured
	// command timeout default.
	Timeout time.Duration
}

// preparation is the shared outcome of the scan/update/stamp steps,
// computed once per invocation even when fanning out to many targets.
type preparation struct {
	commit   string
	branch   string
	findings []secretscan.Finding
	blocked  bool
	err      error
}

// SyncNode runs the full sync state machine against one target.
func (s *Syncer) SyncNode(ctx context.Context, nodeID, operator string, opts SyncOptions) RepoStatus {
	prep := s.prepare(ctx, opts)
	return s.syncPrepared(ctx, nodeID, operator, prep, opts)
}

// SyncAll pushes to every target node in deterministic order. The
// scan and source update run once; a scan block stops everything
// before any push, and every target reports blocked.
func (s *Syncer) SyncAll(ctx context.Context, operator string, opts SyncOptions) []RepoStatus {
	prep := s.prepare(ctx, opts)

	var statuses []RepoStatus
	for _, nodeID := range s.config.TargetNodes() {
		statuses = append(statuses, s.syncPrepared(ctx, nodeID, operator, prep, opts))
	}
	return statuses
}

// prepare runs the target-independent steps: scan, source update,
// head resolution, marker stamp.
func (s *Syncer) prepare(ctx context.Context, opts SyncOptions) preparation {
	prep := preparation{branch: s.config.Repo.Branch}

	findings, err := s.scanner.Scan(s.source.Dir())
	if err != nil {
		prep.err = fmt.Errorf("secret scan: %w", err)
		return prep
	}
	prep.findings = findings
	if len(findings) > 0 {
		if !opts.DisableGate {
			prep.blocked = true
			return prep
		}
		s.logger.Warn("secret scan gate disabled, pushing despite findings",
			"findings", len(findings))
	}

	// An unreachable remote is not fatal: the tree syncs as-is. A
	// stale push beats no push when the upstream is offline, at the
	// cost of sync success not guaranteeing freshness.
	updateErr := s.updateSource(ctx, opts)
	if updateErr != nil {
		s.logger.Warn("source update failed, syncing tree as-is", "error", updateErr)
	}

	commit, err := s.source.Head(ctx)
	if err != nil {
		prep.err = fmt.Errorf("resolving source commit: %w", err)
		return prep
	}
	prep.commit = commit

	markerPath := filepath.Join(s.source.Dir(), s.config.Repo.Marker)
	if err := os.WriteFile(markerPath, []byte(commit+"\n"), 0o644); err != nil {
		prep.err = fmt.Errorf("stamping revision marker: %w", err)
		return prep
	}
	return prep
}

func (s *Syncer) updateSource(ctx context.Context, opts SyncOptions) error {
	if opts.Force {
		return s.source.FetchReset(ctx, s.config.Repo.Branch)
	}
	return s.source.Pull(ctx, s.config.Repo.Branch)
}

// syncPrepared turns the shared preparation into a per-target push
// and status.
func (s *Syncer) syncPrepared(ctx context.Context, nodeID, operator string, prep preparation, opts SyncOptions) RepoStatus {
	status := RepoStatus{
		NodeID:   nodeID,
		Branch:   prep.branch,
		Commit:   prep.commit,
		Findings: prep.findings,
	}
	if prep.err != nil {
		status.State = StateFailed
		status.Err = prep.err
		return status
	}
	if prep.blocked {
		status.State = StateBlocked
		status.Err = fmt.Errorf("secret scan reported %d findings, push blocked", len(prep.findings))
		return status
	}

	if err := s.push(ctx, nodeID, operator, opts); err != nil {
		status.State = StateFailed
		status.Err = err
		return status
	}
	status.State = StateSynced
	status.Synced = true
	status.LastSync = s.clock.Now()

	s.logger.Info("repository synced",
		"node", nodeID, "branch", prep.branch, "commit", prep.commit)
	return status
}

// push streams the tree to the target: tar, compress, pipe into the
// remote decompress+unpack command. The payload is rebuilt from the
// tree on every retry attempt.
func (s *Syncer) push(ctx context.Context, nodeID, operator string, opts SyncOptions) error {
	target := s.config.Repo.TargetPath
	if target == "" {
		return fmt.Errorf("no target path configured")
	}

	command := "mkdir -p " + quote(target) + " && "
	if filter := s.codec.RemoteFilter(); filter != "" {
		command += filter + " | "
	}
	command += "tar -xf - -C " + quote(target)

	payload := func() (io.ReadCloser, error) {
		reader, writer := io.Pipe()
		go func() {
			compressor, err := s.codec.NewWriter(writer)
			if err != nil {
				writer.CloseWithError(err)
				return
			}
			if err := writeTar(compressor, s.source.Dir(), s.config.Repo.Exclude); err != nil {
				compressor.Close()
				writer.CloseWithError(err)
				return
			}
			if err := compressor.Close(); err != nil {
				writer.CloseWithError(err)
				return
			}
			writer.Close()
		}()
		return reader, nil
	}

	return s.transport.StreamCommand(ctx, nodeID, command, payload, operator,
		remote.CallOptions{Timeout: opts.Timeout})
}

// CheckStatus asks one target to read back its revision marker and
// compares it to the source head. Nothing is pushed. An unreachable
// target reports not-synced with the error captured.
func (s *Syncer) CheckStatus(ctx context.Context, nodeID, operator string) (RepoStatus, error) {
	head, err := s.source.Head(ctx)
	if err != nil {
		return RepoStatus{}, fmt.Errorf("resolving source commit: %w", err)
	}
	return s.checkAgainst(ctx, nodeID, operator, head), nil
}

func (s *Syncer) checkAgainst(ctx context.Context, nodeID, operator, head string) RepoStatus {
	status := RepoStatus{
		NodeID: nodeID,
		Branch: s.config.Repo.Branch,
		Commit: head,
	}

	markerPath := path.Join(s.config.Repo.TargetPath, s.config.Repo.Marker)
	result, err := s.transport.ExecuteCommand(ctx, nodeID, "cat "+quote(markerPath), operator,
		remote.CallOptions{Retries: 1})
	if err != nil {
		status.Err = err
		return status
	}
	if result.ExitCode != 0 {
		status.Err = fmt.Errorf("reading marker %s: exit %d", markerPath, result.ExitCode)
		return status
	}

	status.Synced = strings.TrimSpace(result.Stdout) == head
	if !status.Synced {
		status.Err = fmt.Errorf("marker %s does not match source %s",
			strings.TrimSpace(result.Stdout), head)
	}
	return status
}

// VerifySync fans the marker check out to every target. True only
// when every target's marker matches the source head; out-of-sync or
// unreachable targets are named.
func (s *Syncer) VerifySync(ctx context.Context, operator string) (bool, []string, error) {
	head, err := s.source.Head(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("resolving source commit: %w", err)
	}

	var outOfSync []string
	for _, nodeID := range s.config.TargetNodes() {
		if status := s.checkAgainst(ctx, nodeID, operator, head); !status.Synced {
			outOfSync = append(outOfSync, nodeID)
		}
	}
	return len(outOfSync) == 0, outOfSync, nil
}

// quote wraps a value in single quotes for POSIX shells.
func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
