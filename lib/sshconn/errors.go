// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package sshconn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh/knownhosts"
)

// The four domain error classes every transport failure is translated
// into. Callers match these with errors.Is and never observe
// x/crypto/ssh or sftp error types directly.
var (
	// ErrConnect reports that the TCP or SSH session could not be
	// established (refused, unreachable, reset).
	ErrConnect = errors.New("connection failed")

	// ErrHostIdentity reports that the remote host's key did not
	// match the expected identity. Never retry past this without
	// operator intervention.
	ErrHostIdentity = errors.New("host identity mismatch")

	// ErrAuth reports that the credential was rejected.
	ErrAuth = errors.New("authentication failed")

	// ErrTimeout reports that an operation exceeded its deadline.
	// Distinct from ErrConnect: the session may have been healthy
	// while the remote command simply ran too long.
	ErrTimeout = errors.New("operation timed out")
)

// classifyDialError translates a session-establishment failure into
// one of the domain error classes.
func classifyDialError(err error) error {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return fmt.Errorf("%w: %v", ErrHostIdentity, err)
	}
	// x/crypto/ssh reports host key callback rejections and
	// authentication failures as handshake errors with fixed
	// message prefixes; there are no typed errors to match.
	message := err.Error()
	if strings.Contains(message, "unable to authenticate") {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if strings.Contains(message, "host key") {
		return fmt.Errorf("%w: %v", ErrHostIdentity, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrConnect, err)
}

// timeoutError wraps err (which may be nil) into the timeout class,
// recording how the deadline was hit.
func timeoutError(cause error, what string) error {
	if cause == nil || errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w: %s", ErrTimeout, what)
	}
	return fmt.Errorf("%w: %s: %v", ErrTimeout, what, cause)
}
