// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// Package version records the build version of FleetForge binaries.
// The version string is injected at link time via
// -ldflags "-X github.com/fleetforge-io/fleetforge/lib/version.Version=...";
// development builds report "devel".
package version

import (
	"fmt"
	"runtime"
)

// Version is the release version, set at link time. "devel" when built
// without ldflags (go build from a working tree).
var Version = "devel"

// String returns the version with the Go runtime version appended.
func String() string {
	return fmt.Sprintf("%s (%s)", Version, runtime.Version())
}

// Print writes the standard version line for the named binary to stdout.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, String())
}
