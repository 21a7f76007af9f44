// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger creates the structured logger for CLI commands.
// When stderr is a terminal it uses slog.TextHandler for readability;
// when piped or redirected (CI, cron, scripts) it switches to
// slog.JSONHandler so log lines stay machine-parseable.
//
// Callers scope the logger with command context via With():
//
//	logger := cli.NewCommandLogger().With("command", "sync", "fleet", cfg.Fleet)
func NewCommandLogger() *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

// ReadPassphrase prompts on stderr and reads a passphrase from the
// terminal without echo. Falls back to a plain line read when stdin
// is not a terminal (tests, pipelines).
func ReadPassphrase(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		var passphrase string
		if _, err := fmt.Fscanln(os.Stdin, &passphrase); err != nil {
			return nil, err
		}
		return []byte(passphrase), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(fd)
}
