// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit provides the append-only structured record of every
// remote operation: who ran what, on which node, when, and with what
// result. Entries are written as JSON lines to a caller-supplied
// destination. Secret-bearing fields are removed before encoding,
// never masked — a masked value still proves the secret existed and
// reveals its length.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// summaryLimit bounds the operation text recorded per entry. Commands
// can embed large scripts or here-documents; the audit log keeps only
// enough to identify the operation.
const summaryLimit = 200

// secretFieldMarkers identifies extra-metadata keys that must never
// reach the log. Matching is case-insensitive on substrings, so
// "apiKey", "DB_PASSWORD", and "client_secret" are all caught.
var secretFieldMarkers = []string{
	"password", "passphrase", "secret", "token", "credential", "private", "key",
}

// Entry is one audit record. Fields mirror what an operator needs to
// reconstruct an operation after the fact; nothing here may contain
// credential material.
type Entry struct {
	Operator  string         `json:"operator"`
	NodeID    string         `json:"node_id"`
	Operation string         `json:"operation"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
	Status    string         `json:"status"`
	ExitCode  int            `json:"exit_code"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Log appends entries to a writer as JSON lines. Safe for concurrent
// writers: a single mutex serializes appends, and the engine never
// rewrites or deletes past entries.
type Log struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLog returns a Log appending to out. The caller owns the lifetime
// of out (typically an append-mode file or process stderr).
func NewLog(out io.Writer) *Log {
	return &Log{out: out}
}

// Append sanitizes and writes one entry. The operation summary is
// truncated to a fixed bound and secret-named extra fields are removed
// entirely before encoding.
func (l *Log) Append(entry Entry) error {
	entry.Operation = Truncate(entry.Operation)
	entry.Extra = Sanitize(entry.Extra)

	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// Truncate bounds an operation summary to the audit limit, marking
// truncation so readers know text is missing.
func Truncate(operation string) string {
	if len(operation) <= summaryLimit {
		return operation
	}
	return operation[:summaryLimit] + "...[truncated]"
}

// Sanitize returns a copy of extra with every secret-named field
// removed. The original map is never modified. Returns nil for empty
// input so sanitized entries omit the field entirely.
func Sanitize(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return nil
	}
	sanitized := make(map[string]any, len(extra))
	for name, value := range extra {
		if isSecretField(name) {
			continue
		}
		sanitized[name] = value
	}
	if len(sanitized) == 0 {
		return nil
	}
	return sanitized
}

func isSecretField(name string) bool {
	lowered := strings.ToLower(name)
	for _, marker := range secretFieldMarkers {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
