// Package protocol frames the line protocol spoken between the runner and its
// worker process. Commands travel one per line on the worker's stdin; each
// command is answered by exactly one reply line on the worker's stdout holding
// a decimal exit code. Correlation is positional, so both sides depend on
// strict FIFO ordering.
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// QuitSentinel is the command line that requests a graceful worker shutdown.
const QuitSentinel = "--quit"

// StatusFatal is the reply code for a job the worker could not start at all,
// including a failed argument-parse or initialization stage.
const StatusFatal = -1

// WriteCommand frames one command line and writes it to w. The argument
// string is sent as-is; the caller owns any quoting the build tool needs.
func WriteCommand(w io.Writer, args string) error {
	if strings.ContainsAny(args, "\r\n") {
		return fmt.Errorf("command contains a line break: %q", args)
	}
	if _, err := io.WriteString(w, args+"\n"); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// WriteStatus writes one reply line carrying an exit code.
func WriteStatus(w io.Writer, code int) error {
	if _, err := fmt.Fprintf(w, "%d\n", code); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return nil
}

// ReadCommand reads one command line from r. It returns io.EOF when the input
// stream is closed, which callers treat the same as the quit sentinel.
func ReadCommand(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		if err != io.EOF {
			return "", fmt.Errorf("read command: %w", err)
		}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadStatus reads one reply line from r and parses its exit code. io.EOF is
// returned untouched so callers can tell "worker exited" from a malformed
// reply.
func ReadStatus(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && strings.TrimSpace(line) == "" {
			return 0, io.EOF
		}
		if err != io.EOF {
			return 0, fmt.Errorf("read status: %w", err)
		}
	}
	code, perr := strconv.Atoi(strings.TrimSpace(line))
	if perr != nil {
		return 0, fmt.Errorf("malformed status line %q: %w", line, perr)
	}
	return code, nil
}
