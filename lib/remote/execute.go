// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fleetforge-io/fleetforge/lib/audit"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/sshconn"
)

// ExecuteCommand runs one command on the named node. The full
// connect+execute sequence is retried on transient failure; a non-zero
// exit status is a completed execution (Success=false), not a retryable
// error.
func (r *Runner) ExecuteCommand(ctx context.Context, nodeID, command, operator string, opts CallOptions) (*ExecutionResult, error) {
	node, err := r.checkAllowed(nodeID, operator, command)
	if err != nil {
		return nil, err
	}

	timeout := r.timeoutFor(opts)
	var result *ExecutionResult

	err = r.withRetries(ctx, r.retriesFor(opts), nodeID, func(attempt int) error {
		started := r.clock.Now()

		execResult, attemptErr := r.runOnce(ctx, nodeID, node, command, sshconn.ExecOptions{
			Timeout: timeout,
			Workdir: opts.Workdir,
			Env:     opts.Env,
		})

		entry := audit.Entry{
			Operator:  operator,
			NodeID:    nodeID,
			Operation: command,
			StartedAt: started,
			EndedAt:   r.clock.Now(),
			Extra:     attemptExtra(opts.Extra, attempt),
		}
		if attemptErr != nil {
			entry.Status = "failure"
			entry.ExitCode = -1
			r.appendAudit(entry)
			return attemptErr
		}

		result = &ExecutionResult{
			NodeID:    nodeID,
			Command:   command,
			Stdout:    execResult.Stdout,
			Stderr:    execResult.Stderr,
			ExitCode:  execResult.ExitCode,
			Success:   execResult.ExitCode == 0,
			Elapsed:   execResult.Duration,
			Timestamp: started,
		}

		entry.ExitCode = execResult.ExitCode
		if result.Success {
			entry.Status = "success"
		} else {
			entry.Status = "failure"
		}
		r.appendAudit(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ExecuteScript runs a script on the named node. When scriptPath names
// an existing local file, it is uploaded to a remote temporary path,
// marked executable, executed, and removed; otherwise scriptPath is
// taken as a path already present on the node.
func (r *Runner) ExecuteScript(ctx context.Context, nodeID, scriptPath, operator string, opts ScriptOptions) (*ExecutionResult, error) {
	node, err := r.checkAllowed(nodeID, operator, "script: "+scriptPath)
	if err != nil {
		return nil, err
	}

	localScript := ""
	if _, statErr := os.Stat(scriptPath); statErr == nil {
		localScript = scriptPath
	}

	timeout := r.timeoutFor(opts.CallOptions)
	var result *ExecutionResult

	err = r.withRetries(ctx, r.retriesFor(opts.CallOptions), nodeID, func(attempt int) error {
		started := r.clock.Now()

		execResult, attemptErr := r.runScriptOnce(ctx, nodeID, node, localScript, scriptPath, opts, timeout)

		entry := audit.Entry{
			Operator:  operator,
			NodeID:    nodeID,
			Operation: "script: " + scriptPath,
			StartedAt: started,
			EndedAt:   r.clock.Now(),
			Extra:     attemptExtra(opts.Extra, attempt),
		}
		if attemptErr != nil {
			entry.Status = "failure"
			entry.ExitCode = -1
			r.appendAudit(entry)
			return attemptErr
		}

		result = &ExecutionResult{
			NodeID:    nodeID,
			Command:   "script: " + scriptPath,
			Stdout:    execResult.Stdout,
			Stderr:    execResult.Stderr,
			ExitCode:  execResult.ExitCode,
			Success:   execResult.ExitCode == 0,
			Elapsed:   execResult.Duration,
			Timestamp: started,
		}

		entry.ExitCode = execResult.ExitCode
		if result.Success {
			entry.Status = "success"
		} else {
			entry.Status = "failure"
		}
		r.appendAudit(entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runOnce performs one dial+execute attempt, closing the session
// before returning.
func (r *Runner) runOnce(ctx context.Context, nodeID string, node fleet.Node, command string, opts sshconn.ExecOptions) (sshconn.ExecResult, error) {
	session, err := r.dialer.Dial(ctx, nodeID, node)
	if err != nil {
		return sshconn.ExecResult{}, err
	}
	defer session.Close()
	return session.Execute(ctx, command, opts)
}

// runScriptOnce performs one dial+script attempt: optional upload,
// chmod, invoke, best-effort cleanup.
func (r *Runner) runScriptOnce(ctx context.Context, nodeID string, node fleet.Node, localScript, scriptPath string, opts ScriptOptions, timeout time.Duration) (sshconn.ExecResult, error) {
	session, err := r.dialer.Dial(ctx, nodeID, node)
	if err != nil {
		return sshconn.ExecResult{}, err
	}
	defer session.Close()

	remoteScript := scriptPath
	if localScript != "" {
		remoteScript = path.Join("/tmp",
			fmt.Sprintf("ff-script-%d%s", r.clock.Now().UnixNano(), filepath.Ext(localScript)))
		if err := session.Upload(localScript, remoteScript); err != nil {
			return sshconn.ExecResult{}, fmt.Errorf("uploading script: %w", err)
		}
		// Remove the uploaded script whatever happens; a cleanup
		// failure is logged but never masks the script's outcome.
		defer func() {
			cleanup, cleanupErr := session.Execute(ctx, "rm -f "+shellQuote(remoteScript),
				sshconn.ExecOptions{Timeout: timeout})
			if cleanupErr != nil || cleanup.ExitCode != 0 {
				r.logger.Warn("script cleanup failed",
					"node", nodeID, "path", remoteScript, "error", cleanupErr)
			}
		}()

		chmod, err := session.Execute(ctx, "chmod +x "+shellQuote(remoteScript),
			sshconn.ExecOptions{Timeout: timeout})
		if err != nil {
			return sshconn.ExecResult{}, fmt.Errorf("marking script executable: %w", err)
		}
		if chmod.ExitCode != 0 {
			return sshconn.ExecResult{}, fmt.Errorf("marking script executable: chmod exited %d: %s",
				chmod.ExitCode, strings.TrimSpace(chmod.Stderr))
		}
	}

	invocation := shellQuote(remoteScript)
	if opts.Interpreter != "" {
		invocation = opts.Interpreter + " " + invocation
	}
	for _, argument := range opts.Args {
		invocation += " " + shellQuote(argument)
	}

	return session.Execute(ctx, invocation, sshconn.ExecOptions{
		Timeout: timeout,
		Workdir: opts.Workdir,
		Env:     opts.Env,
	})
}

// attemptExtra merges the caller's audit metadata with the attempt
// number. The caller's map is never modified.
func attemptExtra(extra map[string]any, attempt int) map[string]any {
	merged := make(map[string]any, len(extra)+1)
	for name, value := range extra {
		merged[name] = value
	}
	merged["attempt"] = attempt
	return merged
}

// shellQuote wraps a value in single quotes for POSIX shells.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
