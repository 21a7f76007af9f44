// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package sshconn is the connection layer of the remote execution
// engine: one authenticated, hardened SSH session per node, used for a
// single command execution, file transfer, or bulk stream, then closed
// deterministically.
//
// Authentication is credential-only (an ssh.Signer from the keyring);
// no interactive password path exists at this layer. The negotiated
// algorithm set is an explicit allow-list of modern algorithms —
// legacy ciphers and key exchanges (CBC modes, SHA-1 groups, RC4,
// 3DES) are excluded by never being offered.
//
// All transport-library failures are translated into four domain
// conditions (ErrConnect, ErrHostIdentity, ErrAuth, ErrTimeout) so
// callers never depend on x/crypto/ssh error types.
package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Hardened algorithm allow-lists. Excluding an algorithm here is a
// correctness requirement, not an optimization: a downgraded session
// would silently weaken every credential and file that crosses it.
var (
	allowedKeyExchanges = []string{
		"curve25519-sha256",
		"curve25519-sha256@libssh.org",
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"diffie-hellman-group14-sha256",
	}
	allowedCiphers = []string{
		"chacha20-poly1305@openssh.com",
		"aes256-gcm@openssh.com",
		"aes128-gcm@openssh.com",
		"aes256-ctr",
		"aes192-ctr",
		"aes128-ctr",
	}
	allowedMACs = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-512-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha2-512",
	}
)

// Options configures a single connection attempt.
type Options struct {
	// Host is the node's network address.
	Host string

	// Port is the SSH port.
	Port int

	// User is the login user.
	User string

	// Signer is the node's private key credential.
	Signer ssh.Signer

	// ConnectTimeout bounds TCP dial plus SSH handshake. Required.
	ConnectTimeout time.Duration

	// KnownHostsFile optionally enables strict host identity
	// verification against an OpenSSH known_hosts file. When empty,
	// any host key is accepted and a warning is logged — suitable
	// only for closed lab fleets.
	KnownHostsFile string

	// Logger receives connection lifecycle events. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// ExecOptions configures a single remote command.
type ExecOptions struct {
	// Timeout bounds the command. Required; there is no unbounded
	// execution path.
	Timeout time.Duration

	// Workdir, when set, is the remote working directory.
	Workdir string

	// Env, when set, provides additional environment variables.
	Env map[string]string
}

// ExecResult holds the raw outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Connection is one live SSH session to a node. Connections are never
// pooled or reused across engine calls — each call owns and closes
// exactly one.
type Connection struct {
	client *ssh.Client
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// Connect opens an authenticated hardened session. The returned
// connection must be closed by the caller.
func Connect(opts Options) (*Connection, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("sshconn: a credential signer is required")
	}
	if opts.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("sshconn: a connect timeout is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hostKeyCallback, err := hostKeyPolicy(opts, logger)
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		Config: ssh.Config{
			KeyExchanges: allowedKeyExchanges,
			Ciphers:      allowedCiphers,
			MACs:         allowedMACs,
		},
		User:            opts.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(opts.Signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         opts.ConnectTimeout,
	}

	address := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))
	client, err := ssh.Dial("tcp", address, clientConfig)
	if err != nil {
		return nil, classifyDialError(err)
	}

	logger.Debug("session established", "address", address, "user", opts.User)
	return &Connection{client: client, logger: logger}, nil
}

// hostKeyPolicy builds the host identity check: strict known_hosts
// verification when a file is configured, accept-any with a warning
// otherwise.
func hostKeyPolicy(opts Options, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if opts.KnownHostsFile == "" {
		logger.Warn("host identity verification disabled; configure known_hosts for this fleet",
			"host", opts.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	callback, err := knownhosts.New(opts.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("sshconn: loading known_hosts %s: %w", opts.KnownHostsFile, err)
	}
	return callback, nil
}

// Execute runs one remote command with no stdin, streaming stdout and
// stderr until completion or timeout. A non-zero exit status is
// reported in the result, not as an error; errors are reserved for
// transport and timeout conditions.
func (c *Connection) Execute(ctx context.Context, command string, opts ExecOptions) (ExecResult, error) {
	if opts.Timeout <= 0 {
		return ExecResult{}, fmt.Errorf("sshconn: a command timeout is required")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("%w: opening session: %v", ErrConnect, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(composeCommand(command, opts))
	}()

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		// Closing the session tears down the remote process; the
		// command never continues unobserved after a timeout.
		session.Close()
		<-done
		return ExecResult{}, timeoutError(nil, fmt.Sprintf("command exceeded %s", opts.Timeout))
	case <-ctx.Done():
		session.Close()
		<-done
		return ExecResult{}, timeoutError(ctx.Err(), "command canceled")
	}

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		var missingErr *ssh.ExitMissingError
		if errors.As(err, &missingErr) {
			return result, fmt.Errorf("%w: remote exited without status", ErrConnect)
		}
		return result, fmt.Errorf("%w: running command: %v", ErrConnect, err)
	}
	return result, nil
}

// Stream runs a remote command feeding stdin from the given reader.
// This is the bulk-content path used by the repository push: the tree
// is tarred and compressed locally and decompressed remotely, so the
// whole transfer moves through one pipe without intermediate files.
func (c *Connection) Stream(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("sshconn: a stream timeout is required")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("%w: opening session: %v", ErrConnect, err)
	}
	defer session.Close()

	pipe, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: opening stdin pipe: %v", ErrConnect, err)
	}

	var stderr bytes.Buffer
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return fmt.Errorf("%w: starting %q: %v", ErrConnect, command, err)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(pipe, stdin)
		closeErr := pipe.Close()
		if copyErr != nil {
			copyDone <- copyErr
			return
		}
		copyDone <- closeErr
	}()

	waitDone := make(chan error, 1)
	go func() { waitDone <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var copyErr error
	for waitDone != nil || copyDone != nil {
		select {
		case err := <-copyDone:
			copyDone = nil
			copyErr = err
		case err := <-waitDone:
			waitDone = nil
			if err != nil {
				var exitErr *ssh.ExitError
				if errors.As(err, &exitErr) {
					return fmt.Errorf("%w: remote command exited %d: %s",
						ErrConnect, exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
				}
				return fmt.Errorf("%w: stream command failed: %v", ErrConnect, err)
			}
		case <-timer.C:
			session.Close()
			return timeoutError(nil, fmt.Sprintf("stream exceeded %s", timeout))
		case <-ctx.Done():
			session.Close()
			return timeoutError(ctx.Err(), "stream canceled")
		}
	}
	if copyErr != nil {
		return fmt.Errorf("%w: writing stream: %v", ErrConnect, copyErr)
	}
	return nil
}

// Close tears down the session. Idempotent and deterministic: after
// Close returns no goroutine holds the transport.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// composeCommand renders workdir and environment settings into a
// shell command line. Environment variables are passed as quoted
// prefix assignments rather than session Setenv requests, which most
// sshd configurations refuse (AcceptEnv defaults to none).
func composeCommand(command string, opts ExecOptions) string {
	var builder strings.Builder
	if opts.Workdir != "" {
		builder.WriteString("cd ")
		builder.WriteString(shellQuote(opts.Workdir))
		builder.WriteString(" && ")
	}
	if len(opts.Env) > 0 {
		names := make([]string, 0, len(opts.Env))
		for name := range opts.Env {
			names = append(names, name)
		}
		sort.Strings(names)
		builder.WriteString("env ")
		for _, name := range names {
			builder.WriteString(name)
			builder.WriteString("=")
			builder.WriteString(shellQuote(opts.Env[name]))
			builder.WriteString(" ")
		}
		builder.WriteString("sh -c ")
		builder.WriteString(shellQuote(command))
		return builder.String()
	}
	builder.WriteString(command)
	return builder.String()
}

// shellQuote wraps a value in single quotes, escaping embedded single
// quotes for POSIX shells.
func shellQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
