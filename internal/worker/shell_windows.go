//go:build windows

package worker

import (
	"os"
	"os/exec"
	"path/filepath"
)

// shellCommand builds a command that runs cmdline through the platform shell,
// leaving quoting to the sender.
func shellCommand(cmdline string) *exec.Cmd {
	return exec.Command("cmd.exe", "/c", cmdline)
}

// fallbackCandidates lists the default CMake install locations tried when the
// tool is not on PATH.
func fallbackCandidates() []string {
	var candidates []string
	for _, env := range []string{"PROGRAMFILES", "PROGRAMFILES(X86)", "APPDATA", "LOCALAPPDATA"} {
		if dir := os.Getenv(env); dir != "" {
			candidates = append(candidates, filepath.Join(dir, "CMake", "bin", "cmake.exe"))
		}
	}
	return candidates
}
