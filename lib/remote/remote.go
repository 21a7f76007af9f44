// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package remote is the public surface of the remote execution engine:
// execute a command or script on a named fleet node, or transfer a
// single file, with allow-list enforcement, retry with exponential
// backoff, end-to-end integrity verification, and one audit entry per
// attempt.
//
// Every call is synchronous and owns exactly one connection; the
// engine spawns no background workers. Calls for different nodes are
// safe to run concurrently — the only shared mutable state is the
// append-only audit log.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fleetforge-io/fleetforge/lib/audit"
	"github.com/fleetforge-io/fleetforge/lib/clock"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/keyring"
	"github.com/fleetforge-io/fleetforge/lib/sshconn"
)

// Configuration-class errors. Never retried, matched with errors.Is.
var (
	// ErrNodeNotAllowed reports that the target node is unknown,
	// disabled, or excluded by the allow list.
	ErrNodeNotAllowed = errors.New("remote: node not allowed")

	// ErrIntegrity reports a content hash mismatch after a file
	// transfer. Treated as a failed attempt and retried.
	ErrIntegrity = errors.New("remote: transfer integrity check failed")
)

// backoffBase is the delay before the second attempt; it doubles for
// each further attempt (1s, 2s, 4s, ...).
const backoffBase = time.Second

// ExecutionResult is the value object produced by one command
// invocation. Never mutated after creation.
type ExecutionResult struct {
	NodeID    string
	Command   string
	Stdout    string
	Stderr    string
	ExitCode  int
	Success   bool
	Elapsed   time.Duration
	Timestamp time.Time
}

// CallOptions carries per-call overrides of the configured defaults.
// The zero value means "use fleet defaults".
type CallOptions struct {
	// Timeout bounds the remote operation. Zero uses the configured
	// command timeout.
	Timeout time.Duration

	// Retries overrides the configured attempt count. Zero uses the
	// configured default.
	Retries int

	// Workdir is the remote working directory for command execution.
	Workdir string

	// Env supplies extra environment variables for command execution.
	Env map[string]string

	// Extra is attached to audit entries after sanitization.
	Extra map[string]any
}

// ScriptOptions configures ExecuteScript.
type ScriptOptions struct {
	CallOptions

	// Interpreter, when set, runs the script through the named
	// interpreter ("bash", "python3") instead of executing it
	// directly.
	Interpreter string

	// Args are appended to the script invocation.
	Args []string
}

// Session is the per-call connection the runner operates on. The
// production implementation wraps sshconn.Connection; tests substitute
// fakes.
type Session interface {
	Execute(ctx context.Context, command string, opts sshconn.ExecOptions) (sshconn.ExecResult, error)
	Upload(localPath, remotePath string) error
	Download(remotePath, localPath string) error
	Stream(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) error
	Close() error
}

// Dialer opens one session to a node. Each engine call dials exactly
// once per attempt; sessions are never reused across calls.
type Dialer interface {
	Dial(ctx context.Context, nodeID string, node fleet.Node) (Session, error)
}

// sshDialer is the production Dialer: resolve the node's key through
// the keyring, open a hardened SSH connection.
type sshDialer struct {
	keyDir         string
	knownHosts     string
	connectTimeout time.Duration
	logger         *slog.Logger
}

func (d *sshDialer) Dial(ctx context.Context, nodeID string, node fleet.Node) (Session, error) {
	signer, err := keyring.KeyFor(nodeID, d.keyDir)
	if err != nil {
		return nil, err
	}
	return sshconn.Connect(sshconn.Options{
		Host:           node.Address,
		Port:           node.Port,
		User:           node.User,
		Signer:         signer,
		ConnectTimeout: d.connectTimeout,
		KnownHostsFile: d.knownHosts,
		Logger:         d.logger,
	})
}

// RunnerOptions configures NewRunner. Config and Audit are required;
// Dialer and Clock default to production implementations.
type RunnerOptions struct {
	Config *fleet.Config
	Audit  *audit.Log
	Logger *slog.Logger
	Dialer Dialer
	Clock  clock.Clock
}

// Runner implements the four engine operations. Constructed once per
// process; safe for concurrent use.
type Runner struct {
	config *fleet.Config
	dialer Dialer
	audit  *audit.Log
	clock  clock.Clock
	logger *slog.Logger
}

// NewRunner builds a Runner from fleet configuration.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("remote: fleet config is required")
	}
	if opts.Audit == nil {
		return nil, fmt.Errorf("remote: audit log is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &sshDialer{
			keyDir:         opts.Config.KeyDir,
			knownHosts:     opts.Config.KnownHosts,
			connectTimeout: opts.Config.Defaults.ConnectTimeout.Std(),
			logger:         logger,
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Runner{
		config: opts.Config,
		dialer: dialer,
		audit:  opts.Audit,
		clock:  clk,
		logger: logger,
	}, nil
}

// Config returns the fleet configuration the runner operates on.
func (r *Runner) Config() *fleet.Config { return r.config }

// checkAllowed validates the target against the allow list. A
// rejection writes an audit entry before the error is returned.
func (r *Runner) checkAllowed(nodeID, operator, operation string) (fleet.Node, error) {
	node, known := r.config.Node(nodeID)
	if r.config.Allowed(nodeID) {
		return node, nil
	}

	reason := "not on allow list"
	if !known {
		reason = "unknown node"
	} else if !node.Enabled {
		reason = "node disabled"
	}

	now := r.clock.Now()
	r.appendAudit(audit.Entry{
		Operator:  operator,
		NodeID:    nodeID,
		Operation: operation,
		StartedAt: now,
		EndedAt:   now,
		Status:    "rejected",
		ExitCode:  -1,
		Extra:     map[string]any{"reason": reason},
	})
	return fleet.Node{}, fmt.Errorf("%w: %s (%s)", ErrNodeNotAllowed, nodeID, reason)
}

// timeoutFor resolves the effective command timeout.
func (r *Runner) timeoutFor(opts CallOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return r.config.Defaults.CommandTimeout.Std()
}

// retriesFor resolves the effective attempt count.
func (r *Runner) retriesFor(opts CallOptions) int {
	if opts.Retries > 0 {
		return opts.Retries
	}
	return r.config.Defaults.Retries
}

// withRetries runs the full dial+operate sequence up to the configured
// attempt count, sleeping with doubling delay between attempts. Every
// attempt produces exactly one audit entry via the attempt callback's
// bookkeeping in the caller. The final attempt's error propagates.
func (r *Runner) withRetries(ctx context.Context, retries int, nodeID string, attempt func(int) error) error {
	var lastErr error
	delay := backoffBase
	for currentAttempt := 1; currentAttempt <= retries; currentAttempt++ {
		if currentAttempt > 1 {
			r.clock.Sleep(delay)
			delay *= 2
		}

		lastErr = attempt(currentAttempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		r.logger.Warn("attempt failed",
			"node", nodeID, "attempt", currentAttempt, "of", retries, "error", lastErr)
	}
	return lastErr
}

// retryable classifies an error: connectivity and integrity failures
// are transient, configuration failures are final.
func retryable(err error) bool {
	if errors.Is(err, ErrNodeNotAllowed) || errors.Is(err, keyring.ErrKeyNotFound) {
		return false
	}
	return true
}

// appendAudit writes an entry, logging (but not propagating) append
// failures: a broken audit destination must not mask the operation's
// own outcome, and the failure is still visible in the process log.
func (r *Runner) appendAudit(entry audit.Entry) {
	if err := r.audit.Append(entry); err != nil {
		r.logger.Error("audit append failed", "node", entry.NodeID, "error", err)
	}
}
