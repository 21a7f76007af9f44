// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

// fleetforge is the operator CLI for the fleet: remote command
// execution, file transfer, repository sync, and config management.
package main

import (
	"os"

	"github.com/fleetforge-io/fleetforge/cmd/fleetforge/commands"
	"github.com/fleetforge-io/fleetforge/lib/process"
)

func main() {
	if err := commands.Root().Execute(os.Args[1:]); err != nil {
		// Commands with a meaningful non-zero exit (exec propagating
		// the remote status, status reporting drift) return an
		// ExitError after printing their own output.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}
