// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package gitrepo provides typed access to the git CLI for the source
// repository tree. All commands target a specific working tree via the
// -C flag, which every Repository method injects — there is no default
// directory, callers always say which tree they mean.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Repository represents a git working tree at a specific directory.
type Repository struct {
	dir string
}

// New returns a Repository targeting the given working tree directory.
func New(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the working tree directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command targeting this repository and returns
// stdout. Stderr is captured separately and included in error messages
// on failure.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Head returns the current commit hash of the working tree.
func (r *Repository) Head(ctx context.Context) (string, error) {
	output, err := r.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Branch returns the current branch name, or "HEAD" when detached.
func (r *Repository) Branch(ctx context.Context) (string, error) {
	output, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// Pull updates the named branch from its remote. The caller decides
// what a failure means — the sync engine treats an unreachable remote
// as "sync the tree as-is" rather than a fatal condition.
func (r *Repository) Pull(ctx context.Context, branch string) error {
	_, err := r.Run(ctx, "pull", "origin", branch)
	return err
}

// FetchReset force-updates the working tree to the remote tracking
// ref: fetch followed by a hard reset to origin/<branch>. Local
// modifications are discarded.
func (r *Repository) FetchReset(ctx context.Context, branch string) error {
	if _, err := r.Run(ctx, "fetch", "origin", branch); err != nil {
		return err
	}
	_, err := r.Run(ctx, "reset", "--hard", "origin/"+branch)
	return err
}

// IsRepo reports whether the directory is inside a git working tree.
func (r *Repository) IsRepo(ctx context.Context) bool {
	_, err := r.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil
}
