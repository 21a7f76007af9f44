// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError signals a non-zero exit code without an extra error
// message. Commands whose non-zero exit is a valid outcome — "exec"
// propagating the remote command's exit status, "status" reporting
// drift — return an ExitError after writing their own output, and
// main exits with the code silently.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code. main checks for this interface on
// returned errors to distinguish a handled non-zero exit from an
// unexpected error to display.
func (e *ExitError) ExitCode() int {
	return e.Code
}
