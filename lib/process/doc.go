// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides process-level helpers shared by FleetForge
// binaries: the standard fatal-error exit path used by every main().
package process
