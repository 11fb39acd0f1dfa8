//go:build !windows

package worker

import "os/exec"

// shellCommand builds a command that runs cmdline through the platform shell,
// leaving quoting to the sender.
func shellCommand(cmdline string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", cmdline)
}

// fallbackCandidates lists extra build-tool locations to try after PATH.
// Nothing beyond PATH on unix-like systems.
func fallbackCandidates() []string {
	return nil
}
