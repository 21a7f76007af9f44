// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fleetforge-io/fleetforge/lib/audit"
	"github.com/fleetforge-io/fleetforge/lib/digest"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/sshconn"
)

// UploadFile copies a local file to the node and verifies it end to
// end: the local SHA-256 digest must match what sha256sum reports on
// the remote side after the write. A mismatch is a failed attempt and
// is retried like a connectivity failure.
func (r *Runner) UploadFile(ctx context.Context, nodeID, localPath, remotePath, operator string, opts CallOptions) error {
	operation := fmt.Sprintf("upload %s -> %s", localPath, remotePath)
	node, err := r.checkAllowed(nodeID, operator, operation)
	if err != nil {
		return err
	}

	localDigest, err := digest.HashFile(localPath)
	if err != nil {
		return err
	}

	timeout := r.timeoutFor(opts)
	return r.withRetries(ctx, r.retriesFor(opts), nodeID, func(attempt int) error {
		started := r.clock.Now()
		attemptErr := r.uploadOnce(ctx, nodeID, node, localPath, remotePath, localDigest, timeout)
		r.appendTransferAudit(operator, nodeID, operation, started, attemptErr, opts, attempt, localDigest)
		return attemptErr
	})
}

// DownloadFile copies a remote file to the local path with the same
// end-to-end verification, hashing remotely before the transfer and
// locally after it. The file lands at localPath only when verified; a
// temporary sibling holds the partial content until then.
func (r *Runner) DownloadFile(ctx context.Context, nodeID, remotePath, localPath, operator string, opts CallOptions) error {
	operation := fmt.Sprintf("download %s -> %s", remotePath, localPath)
	node, err := r.checkAllowed(nodeID, operator, operation)
	if err != nil {
		return err
	}

	timeout := r.timeoutFor(opts)
	return r.withRetries(ctx, r.retriesFor(opts), nodeID, func(attempt int) error {
		started := r.clock.Now()
		remoteDigest, attemptErr := r.downloadOnce(ctx, nodeID, node, remotePath, localPath, timeout)
		r.appendTransferAudit(operator, nodeID, operation, started, attemptErr, opts, attempt, remoteDigest)
		return attemptErr
	})
}

func (r *Runner) uploadOnce(ctx context.Context, nodeID string, node fleet.Node, localPath, remotePath, localDigest string, timeout time.Duration) error {
	session, err := r.dialer.Dial(ctx, nodeID, node)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Upload(localPath, remotePath); err != nil {
		return err
	}

	remoteDigest, err := remoteHash(ctx, session, remotePath, timeout)
	if err != nil {
		return err
	}
	if remoteDigest != localDigest {
		// The corrupt remote copy must not survive: a later retry
		// overwrites it, but a final failure should not leave a
		// half-trusted file behind. Cleanup failure is logged only.
		if result, cleanupErr := session.Execute(ctx, "rm -f "+shellQuote(remotePath),
			sshconn.ExecOptions{Timeout: timeout}); cleanupErr != nil || result.ExitCode != 0 {
			r.logger.Warn("removing corrupt upload failed", "node", nodeID, "path", remotePath)
		}
		return fmt.Errorf("%w: local %s != remote %s for %s", ErrIntegrity, localDigest, remoteDigest, remotePath)
	}
	return nil
}

// downloadOnce returns the verified remote digest on success so the
// audit entry can record it.
func (r *Runner) downloadOnce(ctx context.Context, nodeID string, node fleet.Node, remotePath, localPath string, timeout time.Duration) (string, error) {
	session, err := r.dialer.Dial(ctx, nodeID, node)
	if err != nil {
		return "", err
	}
	defer session.Close()

	remoteDigest, err := remoteHash(ctx, session, remotePath, timeout)
	if err != nil {
		return "", err
	}

	temporary, err := os.CreateTemp(filepath.Dir(localPath), ".ff-download-*")
	if err != nil {
		return remoteDigest, fmt.Errorf("creating temporary download file: %w", err)
	}
	temporaryPath := temporary.Name()
	temporary.Close()
	defer os.Remove(temporaryPath)

	if err := session.Download(remotePath, temporaryPath); err != nil {
		return remoteDigest, err
	}

	localDigest, err := digest.HashFile(temporaryPath)
	if err != nil {
		return remoteDigest, err
	}
	if localDigest != remoteDigest {
		return remoteDigest, fmt.Errorf("%w: remote %s != local %s for %s",
			ErrIntegrity, remoteDigest, localDigest, remotePath)
	}

	if err := os.Rename(temporaryPath, localPath); err != nil {
		return remoteDigest, fmt.Errorf("moving verified download into place: %w", err)
	}
	return remoteDigest, nil
}

// remoteHash runs sha256sum on the node and parses the digest.
func remoteHash(ctx context.Context, session Session, remotePath string, timeout time.Duration) (string, error) {
	result, err := session.Execute(ctx, "sha256sum "+shellQuote(remotePath),
		sshconn.ExecOptions{Timeout: timeout})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		return "", fmt.Errorf("hashing %s remotely: sha256sum exited %d: %s",
			remotePath, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return digest.ParseSumOutput(result.Stdout)
}

// appendTransferAudit writes the per-attempt audit entry for a file
// transfer.
func (r *Runner) appendTransferAudit(operator, nodeID, operation string, started time.Time, attemptErr error, opts CallOptions, attempt int, contentDigest string) {
	entry := audit.Entry{
		Operator:  operator,
		NodeID:    nodeID,
		Operation: operation,
		StartedAt: started,
		EndedAt:   r.clock.Now(),
		Extra:     attemptExtra(opts.Extra, attempt),
	}
	if contentDigest != "" {
		entry.Extra["sha256"] = contentDigest
	}
	if attemptErr != nil {
		entry.Status = "failure"
		entry.ExitCode = -1
	} else {
		entry.Status = "success"
		entry.Extra["verified"] = true
	}
	r.appendAudit(entry)
}
