// Package runner implements the controller side of the job runner: it owns
// the single worker subprocess and the job ledger, feeds the worker one
// command line per job and reads back one exit-code line per job in strict
// submission order.
//
// A Runner is not safe for concurrent use by multiple goroutines. It is the
// sole writer of the worker's input stream and the sole reader of its output
// stream; callers that share one Runner must serialize access themselves (the
// API server wraps it in a mutex).
package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/cmakerun/internal/history"
	"github.com/mattjoyce/cmakerun/internal/ledger"
	"github.com/mattjoyce/cmakerun/internal/log"
	"github.com/mattjoyce/cmakerun/internal/protocol"
)

const (
	// DefaultStopTimeout bounds how long Stop waits for a graceful exit
	// before escalating.
	DefaultStopTimeout = 5 * time.Second

	// termGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	termGracePeriod = 2 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Start when a worker is live and no
	// restart was requested.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrNotRunning is returned by operations that need a live worker.
	ErrNotRunning = errors.New("worker is not running")
)

// StageError reports a failed worker startup stage (argument parsing or
// environment initialization).
type StageError struct {
	Stage string
	Code  int
}

func (e *StageError) Error() string {
	return fmt.Sprintf("worker %s stage failed with status %d", e.Stage, e.Code)
}

// Options configures one worker lifetime.
type Options struct {
	// ToolPath overrides the build-tool executable; auto-detected when empty.
	ToolPath string
	// Platform is the target-platform hint forwarded to the worker.
	Platform string
	// SubmoduleExcludes lists cloned dependencies the worker should skip.
	SubmoduleExcludes []string
	LogLevel          string
	Quiet             bool
	// KillOnError makes the worker stop processing further jobs after the
	// first failing one.
	KillOnError bool
	// Restart stops a live worker before starting the new one instead of
	// failing with ErrAlreadyRunning.
	Restart bool

	// WorkerCommand overrides the command used to spawn the worker
	// process. Defaults to re-executing the current binary with the
	// "worker" subcommand. Worker flags are appended.
	WorkerCommand []string

	// ConfigDigest is recorded with the session history for provenance.
	ConfigDigest string
}

// workerArgs renders the options as worker startup flags.
func (o *Options) workerArgs() []string {
	var args []string
	if o.ToolPath != "" {
		args = append(args, "--cmake-path", o.ToolPath)
	}
	if o.Platform != "" {
		args = append(args, "--platform", o.Platform)
	}
	for _, ex := range o.SubmoduleExcludes {
		args = append(args, "--submodule-exclude", ex)
	}
	if o.LogLevel != "" {
		args = append(args, "--log-level", o.LogLevel)
	}
	if o.Quiet {
		args = append(args, "--quiet")
	}
	if o.KillOnError {
		args = append(args, "--kill-on-error")
	}
	return args
}

// Runner owns one worker handle and its job ledger.
type Runner struct {
	ledger *ledger.Ledger
	hist   *history.Store
	logger *slog.Logger

	opts      Options
	sessionID string
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	out       *bufio.Reader
	exited    bool
}

// New creates a Runner. hist may be nil to disable history recording.
func New(hist *history.Store) *Runner {
	return &Runner{
		ledger: ledger.New(),
		hist:   hist,
		logger: log.WithComponent("runner"),
	}
}

func (r *Runner) live() bool {
	return r.cmd != nil && !r.exited
}

// IsRunning reports whether a worker is live.
func (r *Runner) IsRunning() bool {
	return r.live()
}

// SessionID returns the id of the current worker session, or "" if none.
func (r *Runner) SessionID() string {
	return r.sessionID
}

// Start spawns the worker subprocess and reserves the two system ledger
// slots for its argument-parse and initialization stages. Those slots resolve
// asynchronously as the worker emits its first two status lines. Fails with
// ErrAlreadyRunning when a worker is live, unless opts.Restart is set, in
// which case the old worker is stopped synchronously first.
func (r *Runner) Start(opts Options) error {
	if r.live() {
		if !opts.Restart {
			return ErrAlreadyRunning
		}
		r.logger.Info("restarting worker")
		r.Stop(DefaultStopTimeout)
	}

	workerCmd := opts.WorkerCommand
	if len(workerCmd) == 0 {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable: %w", err)
		}
		workerCmd = []string{self, "worker"}
	}
	argv := append(append([]string{}, workerCmd[1:]...), opts.workerArgs()...)

	cmd := exec.Command(workerCmd[0], argv...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	// The worker's diagnostics (and the build tool's output) share our
	// stderr; only the status protocol travels on the stdout pipe.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.out = bufio.NewReader(stdout)
	r.exited = false
	r.opts = opts
	r.sessionID = uuid.NewString()
	r.logger = log.WithComponent("runner").With(slog.String("session", r.sessionID))

	r.ledger.Reset()
	r.ledger.ReserveSystem() // argument parsing
	r.ledger.ReserveSystem() // environment initialization

	r.logger.Info("worker started", "pid", cmd.Process.Pid, "args", strings.Join(opts.workerArgs(), " "))

	if r.hist != nil {
		sess := history.Session{
			ID:           r.sessionID,
			StartedAt:    time.Now(),
			WorkerArgs:   strings.Join(opts.workerArgs(), " "),
			ConfigDigest: opts.ConfigDigest,
		}
		if err := r.hist.BeginSession(context.Background(), sess); err != nil {
			r.logger.Error("failed to record session start", "error", err)
		}
	}
	return nil
}

// Enqueue appends a pending ledger slot, writes the argument string to the
// worker's input stream and returns the new job's id (0 for the first user
// job). It never blocks on the worker's progress, only on the pipe write.
func (r *Runner) Enqueue(args string) (int, error) {
	if !r.live() {
		return 0, ErrNotRunning
	}
	if err := protocol.WriteCommand(r.stdin, args); err != nil {
		return 0, fmt.Errorf("enqueue job: %w", err)
	}
	id := r.ledger.AppendUser(args)
	r.logger.Debug("job enqueued", "id", id, "args", args)
	return id, nil
}

// Wait blocks until the job with the given id resolves and returns its exit
// code. Jobs resolve strictly in submission order, so waiting on job N
// resolves all earlier slots (the system slots included) as a side effect.
// Returns nil when the worker exited before the slot could resolve; a status
// returned once is returned unchanged on every later call.
func (r *Runner) Wait(id int) (*int, error) {
	job, err := r.ledger.User(id)
	if err != nil {
		return nil, err
	}
	for !job.Resolved() {
		if !r.live() {
			return nil, nil
		}
		if err := r.readNext(); err != nil {
			if err == io.EOF {
				return nil, nil
			}
			return nil, err
		}
		job, _ = r.ledger.User(id)
	}
	return job.Code, nil
}

// WaitLast waits for the most recently submitted job.
func (r *Runner) WaitLast() (*int, error) {
	if r.ledger.Users() == 0 {
		return nil, ledger.ErrUnknownJob
	}
	return r.Wait(r.ledger.Users() - 1)
}

// RunSync enqueues one job and waits for its completion.
func (r *Runner) RunSync(args string) (*int, error) {
	id, err := r.Enqueue(args)
	if err != nil {
		return nil, err
	}
	return r.Wait(id)
}

// WaitReady blocks until the worker's two startup stages have resolved.
// Returns a *StageError naming the failed stage when the worker could not
// come up, and ErrNotRunning when no worker was ever started.
func (r *Runner) WaitReady() error {
	stages := [...]string{ledger.SystemParse: "parse", ledger.SystemInit: "init"}
	for seq := range stages {
		job, err := r.ledger.System(seq)
		if err != nil {
			return ErrNotRunning
		}
		for !job.Resolved() {
			if !r.live() {
				return &StageError{Stage: stages[seq], Code: protocol.StatusFatal}
			}
			if err := r.readNext(); err != nil {
				return &StageError{Stage: stages[seq], Code: protocol.StatusFatal}
			}
			job, _ = r.ledger.System(seq)
		}
		if job.Failed() {
			return &StageError{Stage: stages[seq], Code: *job.Code}
		}
	}
	return nil
}

// readNext consumes one status line and resolves the oldest pending slot.
// On end-of-stream the worker is reaped and io.EOF returned.
func (r *Runner) readNext() error {
	code, err := protocol.ReadStatus(r.out)
	if err == io.EOF {
		r.reap()
		return io.EOF
	}
	if err != nil {
		r.logger.Error("status stream corrupted", "error", err)
		r.reap()
		return err
	}
	job, ok := r.ledger.ResolveNext(code)
	if !ok {
		return fmt.Errorf("status line %d with no pending job", code)
	}
	r.record(job)
	return nil
}

// record logs a resolution and stores it in the history, if configured.
func (r *Runner) record(job ledger.Job) {
	r.logger.Debug("job resolved", "kind", string(job.Kind), "seq", job.Seq, "code", *job.Code)
	if r.hist == nil {
		return
	}
	if err := r.hist.RecordJob(context.Background(), r.sessionID, job, time.Now()); err != nil {
		r.logger.Error("failed to record job history", "error", err)
	}
}

// reap waits for the worker process after its output stream has ended.
func (r *Runner) reap() {
	if r.cmd == nil || r.exited {
		return
	}
	err := r.cmd.Wait()
	r.exited = true
	if err != nil {
		r.logger.Warn("worker exited abnormally", "error", err)
	} else {
		r.logger.Info("worker exited")
	}
}

// Stop terminates the worker. If the startup stages have not completed it
// kills the process immediately; otherwise it closes the input stream to
// request a graceful exit and escalates to SIGTERM and then SIGKILL when the
// worker outlives timeout. Remaining buffered status lines are drained into
// the ledger before it is cleared, so the next Start restarts ids at zero.
// Stop never fails; calling it with no live worker is a no-op.
func (r *Runner) Stop(timeout time.Duration) {
	if r.cmd == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	if !r.exited {
		if r.ledger.SystemPending() {
			// Still in a startup stage: nothing graceful to wait for.
			r.logger.Info("stopping worker during startup")
			_ = r.cmd.Process.Kill()
		} else {
			r.logger.Info("stopping worker", "timeout", timeout)
			_ = r.stdin.Close()
		}
		r.drain(timeout)
		r.reap()
	}

	if r.hist != nil && r.sessionID != "" {
		if err := r.hist.EndSession(context.Background(), r.sessionID, time.Now()); err != nil {
			r.logger.Error("failed to record session stop", "error", err)
		}
	}

	r.ledger.Reset()
	r.cmd = nil
	r.stdin = nil
	r.out = nil
	r.exited = false
	r.sessionID = ""
	r.logger = log.WithComponent("runner")
}

// drain consumes status lines until the output stream ends, resolving ledger
// slots along the way. The escalation timer sends SIGTERM when the worker
// outlives timeout and SIGKILL when it also outlives the grace period.
func (r *Runner) drain(timeout time.Duration) {
	lines := make(chan int)
	go func() {
		defer close(lines)
		for {
			code, err := protocol.ReadStatus(r.out)
			if err != nil {
				return
			}
			lines <- code
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	termSent := false
	for {
		select {
		case code, ok := <-lines:
			if !ok {
				return
			}
			if job, resolved := r.ledger.ResolveNext(code); resolved {
				r.record(job)
			}
		case <-timer.C:
			if !termSent {
				r.logger.Warn("worker did not exit in time, sending SIGTERM")
				_ = r.cmd.Process.Signal(syscall.SIGTERM)
				termSent = true
				timer.Reset(termGracePeriod)
			} else {
				r.logger.Warn("worker ignored SIGTERM, sending SIGKILL")
				_ = r.cmd.Process.Kill()
			}
		}
	}
}

// LastJob returns the id of the most recently resolved user job.
func (r *Runner) LastJob() (int, bool) {
	n := r.ledger.ResolvedUsers()
	if n == 0 {
		return 0, false
	}
	return n - 1, true
}

// CurrentJob returns the id of the oldest still-pending user job.
func (r *Runner) CurrentJob() (int, bool) {
	n := r.ledger.ResolvedUsers()
	if n >= r.ledger.Users() {
		return 0, false
	}
	return n, true
}

// FailedJob returns the first resolved ledger entry with a nonzero status,
// system slots included.
func (r *Runner) FailedJob() (ledger.Job, bool) {
	return r.ledger.FirstFailed()
}

// JobStatus returns the stored status of a user job without touching the
// worker. nil means still pending (or never resolving, if the worker exited).
func (r *Runner) JobStatus(id int) (*int, error) {
	job, err := r.ledger.User(id)
	if err != nil {
		return nil, err
	}
	return job.Code, nil
}

// NumJobs returns user-job counts for kind "all", "completed" or "remaining".
func (r *Runner) NumJobs(kind string) (int, error) {
	return r.ledger.Count(kind)
}

// Jobs returns a snapshot of the user ledger entries in submission order.
func (r *Runner) Jobs() []ledger.Job {
	return r.ledger.UserJobs()
}
