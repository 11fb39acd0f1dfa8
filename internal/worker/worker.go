// Package worker implements the long-lived build-tool worker loop. The
// controller spawns it as a child process, feeds it one command line per job
// on stdin and reads one exit-code line per job from stdout. Diagnostics from
// the worker and from the build tool itself go to the diagnostic stream
// (stderr in production), never to the status pipe.
package worker

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/mattjoyce/cmakerun/internal/log"
	"github.com/mattjoyce/cmakerun/internal/protocol"
)

// Target platforms accepted by the --platform hint. Platform-specific
// meaning; only consulted by MSVC-style generators.
var validPlatforms = []string{"Win32", "x64", "ARM", "ARM64"}

var validLogLevels = []string{"DEBUG", "INFO", "WARN", "ERROR"}

// DefaultTool is the build-tool command resolved when no override is given.
const DefaultTool = "cmake"

// Options carries the worker's startup arguments.
type Options struct {
	ToolPath          string
	Platform          string
	SubmoduleExcludes []string
	LogLevel          string
	Quiet             bool
	KillOnError       bool
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// ParseArgs parses the worker's startup arguments. It never calls os.Exit;
// usage and errors go to diag so the status pipe stays clean.
func ParseArgs(args []string, diag io.Writer) (*Options, error) {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(diag)

	opts := &Options{}
	var excludes stringList
	fs.StringVar(&opts.ToolPath, "cmake-path", "", "path to the build-tool executable (auto-detected when empty)")
	fs.StringVar(&opts.Platform, "platform", "", "target platform hint: Win32, x64, ARM or ARM64")
	fs.Var(&excludes, "submodule-exclude", "submodule to skip when syncing cloned dependencies (repeatable)")
	fs.StringVar(&opts.LogLevel, "log-level", "INFO", "log level: DEBUG, INFO, WARN or ERROR")
	fs.BoolVar(&opts.Quiet, "quiet", false, "suppress all diagnostic output")
	fs.BoolVar(&opts.Quiet, "q", false, "shorthand for --quiet")
	fs.BoolVar(&opts.KillOnError, "kill-on-error", false, "stop processing further jobs after the first failure")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected positional arguments: %v", fs.Args())
	}
	opts.SubmoduleExcludes = excludes

	if opts.Platform != "" && !contains(validPlatforms, opts.Platform) {
		return nil, fmt.Errorf("invalid platform %q (choose from %s)", opts.Platform, strings.Join(validPlatforms, ", "))
	}
	if !contains(validLogLevels, strings.ToUpper(opts.LogLevel)) {
		return nil, fmt.Errorf("invalid log level %q (choose from %s)", opts.LogLevel, strings.Join(validLogLevels, ", "))
	}
	return opts, nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Run drives the worker loop: Initializing (parse arguments, resolve the
// build tool, prepare the environment) then Ready (one job per input line)
// until the quit sentinel, end-of-input or a kill-on-error failure. The first
// two status lines report the parse and init stages; every later line answers
// exactly one job. Returns the worker's process exit code.
func Run(args []string, stdin io.Reader, stdout, diag io.Writer) int {
	out := bufio.NewWriter(stdout)
	status := func(code int) {
		_ = protocol.WriteStatus(out, code)
		_ = out.Flush()
	}

	opts, err := ParseArgs(args, diag)
	if err != nil {
		fmt.Fprintf(diag, "argument parsing failed: %v\n", err)
		status(protocol.StatusFatal)
		return 1
	}
	status(0)

	logDst := diag
	if opts.Quiet {
		logDst = io.Discard
	}
	logger := log.New(logDst, opts.LogLevel, "text").With(slog.String("component", "worker"))

	tool, err := ResolveTool(opts.ToolPath)
	if err != nil {
		logger.Error("initialization failed", "error", err)
		status(protocol.StatusFatal)
		return 1
	}
	logger.Info("build tool resolved", "path", tool)

	if err := setupPlatform(opts.Platform, logger); err != nil {
		logger.Error("platform preparation failed", "platform", opts.Platform, "error", err)
		status(protocol.StatusFatal)
		return 1
	}
	if len(opts.SubmoduleExcludes) > 0 {
		logger.Info("submodule sync exclusions recorded", "excludes", opts.SubmoduleExcludes)
	}

	logger.Info("ready to process jobs", "kill_on_error", opts.KillOnError)
	status(0)

	in := bufio.NewReader(stdin)
	for {
		line, err := protocol.ReadCommand(in)
		if err == io.EOF {
			logger.Info("input stream closed, terminating")
			return 0
		}
		if err != nil {
			logger.Error("reading command failed", "error", err)
			status(protocol.StatusFatal)
			return 1
		}
		if line == protocol.QuitSentinel {
			logger.Info("quit requested, terminating")
			return 0
		}

		logger.Info("running job", "args", line)
		rc, err := runTool(tool, line, diag)
		if err != nil {
			logger.Error("starting build tool failed", "error", err)
			status(protocol.StatusFatal)
			return 1
		}
		logger.Debug("job finished", "exit_code", rc)
		status(rc)

		if opts.KillOnError && rc != 0 {
			logger.Info("job failed with kill-on-error set, terminating", "exit_code", rc)
			return 0
		}
	}
}

// runTool executes one build-tool invocation with the raw argument string.
// The command runs through the platform shell so the sender's quoting is
// honored; its output goes to diag, never to the status pipe.
func runTool(tool, args string, diag io.Writer) (int, error) {
	// The resolved tool path may contain spaces (the default Windows
	// install locations all do); quote it so the shell sees one word.
	if strings.Contains(tool, " ") {
		tool = `"` + tool + `"`
	}
	cmd := shellCommand(tool + " " + args)
	cmd.Stdout = diag
	cmd.Stderr = diag
	cmd.Env = os.Environ()

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// ResolveTool finds the build-tool executable: an explicit override, PATH
// lookup, then platform-specific install locations.
func ResolveTool(override string) (string, error) {
	candidate := override
	if candidate == "" {
		candidate = DefaultTool
	}
	if path, err := exec.LookPath(candidate); err == nil {
		return path, nil
	}
	for _, fallback := range fallbackCandidates() {
		if path, err := exec.LookPath(fallback); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("build tool %q not found", candidate)
}
