// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/fleetforge-io/fleetforge/lib/audit"
	"github.com/fleetforge-io/fleetforge/lib/clock"
	"github.com/fleetforge-io/fleetforge/lib/fleet"
	"github.com/fleetforge-io/fleetforge/lib/sshconn"
)

// fakeSession scripts the behavior of one dialed session.
type fakeSession struct {
	exec     func(command string, opts sshconn.ExecOptions) (sshconn.ExecResult, error)
	upload   func(localPath, remotePath string) error
	download func(remotePath, localPath string) error
	commands []string
	uploads  []string
	closed   bool
}

func (s *fakeSession) Execute(ctx context.Context, command string, opts sshconn.ExecOptions) (sshconn.ExecResult, error) {
	s.commands = append(s.commands, command)
	if s.exec == nil {
		return sshconn.ExecResult{}, nil
	}
	return s.exec(command, opts)
}

func (s *fakeSession) Upload(localPath, remotePath string) error {
	s.uploads = append(s.uploads, remotePath)
	if s.upload == nil {
		return nil
	}
	return s.upload(localPath, remotePath)
}

func (s *fakeSession) Download(remotePath, localPath string) error {
	if s.download == nil {
		return nil
	}
	return s.download(remotePath, localPath)
}

func (s *fakeSession) Stream(ctx context.Context, command string, stdin io.Reader, timeout time.Duration) error {
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// fakeDialer returns scripted sessions (or errors) in sequence and
// counts dial attempts.
type fakeDialer struct {
	sessions []*fakeSession
	errs     []error
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, nodeID string, node fleet.Node) (Session, error) {
	index := d.dials
	d.dials++
	if index < len(d.errs) && d.errs[index] != nil {
		return nil, d.errs[index]
	}
	if index < len(d.sessions) {
		return d.sessions[index], nil
	}
	if len(d.sessions) > 0 {
		return d.sessions[len(d.sessions)-1], nil
	}
	return &fakeSession{}, nil
}

func testConfig() *fleet.Config {
	cfg := fleet.Default()
	cfg.Nodes = map[string]fleet.Node{
		"vm01": {Address: "10.0.0.11", Port: 22, User: "pipeline", Enabled: true},
		"vm02": {Address: "10.0.0.12", Port: 22, User: "pipeline", Enabled: false},
	}
	return cfg
}

// testRunner builds a Runner over the fake dialer with a fake clock
// and an in-memory audit log.
func testRunner(t *testing.T, dialer Dialer) (*Runner, *bytes.Buffer, *clock.Fake) {
	t.Helper()
	auditBuffer := &bytes.Buffer{}
	fakeClock := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	runner, err := NewRunner(RunnerOptions{
		Config: testConfig(),
		Audit:  audit.NewLog(auditBuffer),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Dialer: dialer,
		Clock:  fakeClock,
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner, auditBuffer, fakeClock
}

func auditEntries(t *testing.T, buffer *bytes.Buffer) []audit.Entry {
	t.Helper()
	var entries []audit.Entry
	for _, line := range strings.Split(strings.TrimRight(buffer.String(), "\n"), "\n") {
		if line == "" {
			continue
		}
		var entry audit.Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decoding audit line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestExecuteCommandSuccess(t *testing.T) {
	session := &fakeSession{
		exec: func(command string, opts sshconn.ExecOptions) (sshconn.ExecResult, error) {
			if command != "echo ok" {
				t.Errorf("command = %q, want %q", command, "echo ok")
			}
			if opts.Timeout != 10*time.Second {
				t.Errorf("timeout = %v, want 10s", opts.Timeout)
			}
			return sshconn.ExecResult{Stdout: "ok\n", ExitCode: 0, Duration: 5 * time.Millisecond}, nil
		},
	}
	dialer := &fakeDialer{sessions: []*fakeSession{session}}
	runner, auditBuffer, _ := testRunner(t, dialer)

	result, err := runner.ExecuteCommand(context.Background(), "vm01", "echo ok", "alice",
		CallOptions{Timeout: 10 * time.Second, Retries: 3})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}

	if result.Stdout != "ok\n" || result.ExitCode != 0 || !result.Success {
		t.Errorf("result = %+v", result)
	}
	if dialer.dials != 1 {
		t.Errorf("dials = %d, want 1", dialer.dials)
	}
	if !session.closed {
		t.Error("session not closed")
	}

	entries := auditEntries(t, auditBuffer)
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want 1", len(entries))
	}
	if entries[0].Status != "success" || entries[0].NodeID != "vm01" || entries[0].Operator != "alice" {
		t.Errorf("audit entry = %+v", entries[0])
	}
}

func TestDisabledNodeRejectedImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	runner, auditBuffer, _ := testRunner(t, dialer)

	_, err := runner.ExecuteCommand(context.Background(), "vm02", "echo ok", "alice", CallOptions{})
	if !errors.Is(err, ErrNodeNotAllowed) {
		t.Fatalf("ExecuteCommand on disabled node = %v, want ErrNodeNotAllowed", err)
	}
	if dialer.dials != 0 {
		t.Errorf("dials = %d, want 0 (rejection must precede any connection)", dialer.dials)
	}

	entries := auditEntries(t, auditBuffer)
	if len(entries) != 1 {
		t.Fatalf("got %d audit entries, want exactly the rejection record", len(entries))
	}
	if entries[0].Status != "rejected" {
		t.Errorf("audit status = %q, want rejected", entries[0].Status)
	}
}

func TestUnknownNodeRejected(t *testing.T) {
	runner, _, _ := testRunner(t, &fakeDialer{})
	_, err := runner.ExecuteCommand(context.Background(), "vm99", "echo ok", "alice", CallOptions{})
	if !errors.Is(err, ErrNodeNotAllowed) {
		t.Errorf("unknown node error = %v, want ErrNodeNotAllowed", err)
	}
}

func TestRetryBoundExhausted(t *testing.T) {
	dialErr := fmt.Errorf("%w: connection refused", sshconn.ErrConnect)
	dialer := &fakeDialer{errs: []error{dialErr, dialErr, dialErr}}
	runner, auditBuffer, fakeClock := testRunner(t, dialer)

	_, err := runner.ExecuteCommand(context.Background(), "vm01", "echo ok", "alice",
		CallOptions{Retries: 3})
	if !errors.Is(err, sshconn.ErrConnect) {
		t.Fatalf("error = %v, want the final connect failure", err)
	}

	if dialer.dials != 3 {
		t.Errorf("dials = %d, want exactly 3", dialer.dials)
	}

	// Exponential backoff between attempts: 1s then 2s.
	sleeps := fakeClock.Sleeps()
	if len(sleeps) != 2 || sleeps[0] != time.Second || sleeps[1] != 2*time.Second {
		t.Errorf("backoff sleeps = %v, want [1s 2s]", sleeps)
	}

	entries := auditEntries(t, auditBuffer)
	if len(entries) != 3 {
		t.Fatalf("got %d audit entries, want one per attempt", len(entries))
	}
	for _, entry := range entries {
		if entry.Status != "failure" {
			t.Errorf("attempt audit status = %q, want failure", entry.Status)
		}
	}
}

func TestRetryRecoversBeforeBound(t *testing.T) {
	dialErr := fmt.Errorf("%w: connection refused", sshconn.ErrConnect)
	session := &fakeSession{
		exec: func(string, sshconn.ExecOptions) (sshconn.ExecResult, error) {
			return sshconn.ExecResult{Stdout: "ok\n"}, nil
		},
	}
	dialer := &fakeDialer{errs: []error{dialErr, nil}, sessions: []*fakeSession{nil, session}}
	runner, auditBuffer, _ := testRunner(t, dialer)

	result, err := runner.ExecuteCommand(context.Background(), "vm01", "echo ok", "alice",
		CallOptions{Retries: 3})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if !result.Success {
		t.Error("result not successful after recovery")
	}
	if dialer.dials != 2 {
		t.Errorf("dials = %d, want 2 (no attempts after success)", dialer.dials)
	}

	entries := auditEntries(t, auditBuffer)
	if len(entries) != 2 {
		t.Fatalf("got %d audit entries, want 2", len(entries))
	}
	if entries[0].Status != "failure" || entries[1].Status != "success" {
		t.Errorf("audit statuses = %s, %s", entries[0].Status, entries[1].Status)
	}
}

func TestNonZeroExitIsNotRetried(t *testing.T) {
	session := &fakeSession{
		exec: func(string, sshconn.ExecOptions) (sshconn.ExecResult, error) {
			return sshconn.ExecResult{Stderr: "boom\n", ExitCode: 2}, nil
		},
	}
	dialer := &fakeDialer{sessions: []*fakeSession{session}}
	runner, auditBuffer, _ := testRunner(t, dialer)

	result, err := runner.ExecuteCommand(context.Background(), "vm01", "false", "alice",
		CallOptions{Retries: 3})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	if result.Success || result.ExitCode != 2 {
		t.Errorf("result = %+v, want completed execution with exit 2", result)
	}
	if dialer.dials != 1 {
		t.Errorf("dials = %d; a completed command must not be retried", dialer.dials)
	}

	entries := auditEntries(t, auditBuffer)
	if len(entries) != 1 || entries[0].Status != "failure" || entries[0].ExitCode != 2 {
		t.Errorf("audit entries = %+v", entries)
	}
}

func TestAuditStripsSecretExtras(t *testing.T) {
	session := &fakeSession{}
	runner, auditBuffer, _ := testRunner(t, &fakeDialer{sessions: []*fakeSession{session}})

	_, err := runner.ExecuteCommand(context.Background(), "vm01", "true", "alice", CallOptions{
		Extra: map[string]any{"ticket": "OPS-7", "api_token": "sekrit"},
	})
	if err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}
	logged := auditBuffer.String()
	if strings.Contains(logged, "sekrit") || strings.Contains(logged, "api_token") {
		t.Errorf("audit log leaked secret extra: %s", logged)
	}
	if !strings.Contains(logged, "OPS-7") {
		t.Errorf("audit log lost benign extra: %s", logged)
	}
}
