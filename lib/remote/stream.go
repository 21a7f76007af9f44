// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fleetforge-io/fleetforge/lib/audit"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
)

// StreamCommand runs a command on the node with its standard input fed
// from a caller-produced stream. This is the bulk-content path: whole
// directory trees move as a single compressed stream into a remote
// unpack command, far cheaper than per-file transfers.
//
// payload is invoked once per attempt, because a retry must re-send
// the stream from the beginning. The reader it returns is closed when
// the attempt finishes.
func (r *Runner) StreamCommand(ctx context.Context, nodeID, command string, payload func() (io.ReadCloser, error), operator string, opts CallOptions) error {
	node, err := r.checkAllowed(nodeID, operator, "stream: "+command)
	if err != nil {
		return err
	}

	timeout := r.timeoutFor(opts)
	return r.withRetries(ctx, r.retriesFor(opts), nodeID, func(attempt int) error {
		started := r.clock.Now()
		attemptErr := r.streamOnce(ctx, nodeID, node, command, payload, timeout)

		entry := audit.Entry{
			Operator:  operator,
			NodeID:    nodeID,
			Operation: "stream: " + command,
			StartedAt: started,
			EndedAt:   r.clock.Now(),
			Extra:     attemptExtra(opts.Extra, attempt),
		}
		if attemptErr != nil {
			entry.Status = "failure"
			entry.ExitCode = -1
		} else {
			entry.Status = "success"
		}
		r.appendAudit(entry)
		return attemptErr
	})
}

func (r *Runner) streamOnce(ctx context.Context, nodeID string, node fleet.Node, command string, payload func() (io.ReadCloser, error), timeout time.Duration) error {
	stdin, err := payload()
	if err != nil {
		return fmt.Errorf("preparing stream payload: %w", err)
	}
	defer stdin.Close()

	session, err := r.dialer.Dial(ctx, nodeID, node)
	if err != nil {
		return err
	}
	defer session.Close()

	return session.Stream(ctx, command, stdin, timeout)
}
