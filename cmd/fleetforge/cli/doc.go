// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command tree framework for the fleetforge
// binary: hierarchical command dispatch over pflag flag sets, help
// output, typo suggestions, and shared helpers for logging and JSON
// output.
//
// Commands are plain structs wired into a tree; the root's Execute
// parses arguments, descends into subcommands, and runs the handler.
// Handlers return errors rather than exiting, so the entire tree is
// testable without a process boundary; only main translates the final
// error into an exit code.
package cli
