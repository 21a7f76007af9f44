// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for FleetForge
// packages. All helpers call t.Fatalf on failure rather than returning
// errors, since test setup failures are not recoverable.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

var uniqueCounter atomic.Uint64

// UniqueID returns a string of the form "prefix-N" where N is a
// monotonically increasing integer. Use this instead of time.Now()
// when tests need distinguishable identifiers for backup ids, node
// names, or file contents.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}

// WriteFile creates a file (and any parent directories) under root
// with the given relative path and contents, failing the test on error.
// Returns the absolute path.
func WriteFile(t *testing.T, root, relative string, contents []byte) string {
	t.Helper()
	path := filepath.Join(root, relative)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("creating parent directory for %s: %v", relative, err)
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatalf("writing %s: %v", relative, err)
	}
	return path
}

// ReadFile reads a file, failing the test on error.
func ReadFile(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return data
}
