package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mattjoyce/cmakerun/internal/history"
	"github.com/mattjoyce/cmakerun/internal/ledger"
)

// fakeWorker speaks the worker's side of the line protocol: two startup
// status lines, then one reply per command, job output diverted to stderr so
// the status pipe stays clean.
const fakeWorker = `#!/bin/sh
printf '0\n'
printf '0\n'
while IFS= read -r line; do
  if [ "$line" = "--quit" ]; then exit 0; fi
  sh -c "$line" 1>&2
  printf '%s\n' $?
done
exit 0
`

// fakeWorkerKillOnError terminates after reporting the first failure,
// leaving later commands unread.
const fakeWorkerKillOnError = `#!/bin/sh
printf '0\n'
printf '0\n'
while IFS= read -r line; do
  if [ "$line" = "--quit" ]; then exit 0; fi
  sh -c "$line" 1>&2
  rc=$?
  printf '%s\n' $rc
  if [ $rc -ne 0 ]; then exit 0; fi
done
exit 0
`

// fakeWorkerInitFailure fails its second startup stage.
const fakeWorkerInitFailure = `#!/bin/sh
printf '0\n'
printf '%s\n' -1
exit 1
`

// fakeWorkerHung never completes its startup stages. exec keeps the pipe
// in a single process so the kill closes it promptly.
const fakeWorkerHung = `#!/bin/sh
exec sleep 60
`

func workerScript(t *testing.T, body string) []string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake worker scripts need a unix shell")
	}
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("write fake worker: %v", err)
	}
	return []string{path}
}

func startRunner(t *testing.T, body string) *Runner {
	t.Helper()
	r := New(nil)
	if err := r.Start(Options{WorkerCommand: workerScript(t, body)}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Stop(time.Second) })
	return r
}

func TestStartConflictAndRestart(t *testing.T) {
	r := startRunner(t, fakeWorker)

	err := r.Start(Options{WorkerCommand: workerScript(t, fakeWorker)})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start error = %v, want ErrAlreadyRunning", err)
	}

	if err := r.Start(Options{WorkerCommand: workerScript(t, fakeWorker), Restart: true}); err != nil {
		t.Fatalf("Start with Restart: %v", err)
	}
	if !r.IsRunning() {
		t.Fatalf("worker not running after restart")
	}

	// Restart begins a fresh id sequence.
	id, err := r.Enqueue("exit 0")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != 0 {
		t.Fatalf("first id after restart = %d, want 0", id)
	}
}

func TestEnqueueRequiresLiveWorker(t *testing.T) {
	r := New(nil)
	if _, err := r.Enqueue("exit 0"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Enqueue error = %v, want ErrNotRunning", err)
	}
}

func TestEnqueueAssignsSequentialIDs(t *testing.T) {
	r := startRunner(t, fakeWorker)

	for want := 0; want < 5; want++ {
		id, err := r.Enqueue("exit 0")
		if err != nil {
			t.Fatalf("Enqueue %d: %v", want, err)
		}
		if id != want {
			t.Fatalf("id = %d, want %d", id, want)
		}
	}
}

func TestEnqueueRejectsEmbeddedNewline(t *testing.T) {
	r := startRunner(t, fakeWorker)
	if _, err := r.Enqueue("exit 0\nexit 1"); err == nil {
		t.Fatalf("expected error for embedded newline")
	}
}

// Scenario A: a successful job waits to status 0.
func TestWaitSuccess(t *testing.T) {
	r := startRunner(t, fakeWorker)

	if _, err := r.Enqueue("exit 0"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	code, err := r.WaitLast()
	if err != nil {
		t.Fatalf("WaitLast: %v", err)
	}
	if code == nil || *code != 0 {
		t.Fatalf("status = %v, want 0", code)
	}
}

// Scenario B: a failing job surfaces its exit code and FailedJob finds it.
func TestWaitFailure(t *testing.T) {
	r := startRunner(t, fakeWorker)

	id, err := r.Enqueue("exit 7")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	code, err := r.Wait(id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code == nil || *code != 7 {
		t.Fatalf("status = %v, want 7", code)
	}

	failed, ok := r.FailedJob()
	if !ok {
		t.Fatalf("FailedJob found nothing")
	}
	if failed.Kind != ledger.KindUser || failed.Seq != id {
		t.Fatalf("FailedJob = %v/%d, want user/%d", failed.Kind, failed.Seq, id)
	}
}

// Scenario C: with kill-on-error the jobs after the failure never resolve.
func TestKillOnErrorLeavesLaterJobsPending(t *testing.T) {
	r := startRunner(t, fakeWorkerKillOnError)

	bad, err := r.Enqueue("exit 5")
	if err != nil {
		t.Fatalf("Enqueue failing job: %v", err)
	}
	good, err := r.Enqueue("exit 0")
	if err != nil {
		t.Fatalf("Enqueue second job: %v", err)
	}

	code, err := r.Wait(good)
	if err != nil {
		t.Fatalf("Wait on second job: %v", err)
	}
	if code != nil {
		t.Fatalf("second job status = %d, want permanently pending", *code)
	}

	code, err = r.JobStatus(bad)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if code == nil || *code != 5 {
		t.Fatalf("failing job status = %v, want 5", code)
	}
	if r.IsRunning() {
		t.Fatalf("worker should have exited after kill-on-error failure")
	}
}

// Scenario D: one wait on the last id transparently resolves all earlier jobs.
func TestSingleWaitResolvesAllInOrder(t *testing.T) {
	r := startRunner(t, fakeWorker)

	for i := 0; i < 3; i++ {
		if _, err := r.Enqueue("exit 0"); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	code, err := r.Wait(2)
	if err != nil {
		t.Fatalf("Wait(2): %v", err)
	}
	if code == nil || *code != 0 {
		t.Fatalf("status = %v, want 0", code)
	}

	n, err := r.NumJobs("completed")
	if err != nil {
		t.Fatalf("NumJobs: %v", err)
	}
	if n != 3 {
		t.Fatalf("completed = %d, want 3", n)
	}
	n, _ = r.NumJobs("remaining")
	if n != 0 {
		t.Fatalf("remaining = %d, want 0", n)
	}

	// Earlier ids return their stored status without touching the worker,
	// and repeated waits are stable.
	for id := 0; id < 3; id++ {
		first, err := r.Wait(id)
		if err != nil || first == nil {
			t.Fatalf("Wait(%d): %v %v", id, first, err)
		}
		second, err := r.Wait(id)
		if err != nil || second == nil || *second != *first {
			t.Fatalf("repeated Wait(%d) = %v %v, want %d", id, second, err, *first)
		}
	}
}

// Scenario E: stop mid-job forcibly terminates; a new start resets ids.
func TestStopMidJobForcesTermination(t *testing.T) {
	r := startRunner(t, fakeWorker)

	if err := r.WaitReady(); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if _, err := r.Enqueue("sleep 30"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	begin := time.Now()
	r.Stop(200 * time.Millisecond)
	if elapsed := time.Since(begin); elapsed > 10*time.Second {
		t.Fatalf("Stop took %v, escalation did not fire", elapsed)
	}
	if r.IsRunning() {
		t.Fatalf("worker still running after Stop")
	}

	if err := r.Start(Options{WorkerCommand: workerScript(t, fakeWorker)}); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	id, err := r.Enqueue("exit 0")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id != 0 {
		t.Fatalf("id after fresh start = %d, want 0", id)
	}
}

func TestStopDuringStartupKillsImmediately(t *testing.T) {
	r := startRunner(t, fakeWorkerHung)

	begin := time.Now()
	r.Stop(5 * time.Second)
	if elapsed := time.Since(begin); elapsed > 3*time.Second {
		t.Fatalf("startup-stage Stop took %v, expected immediate kill", elapsed)
	}
	if r.IsRunning() {
		t.Fatalf("worker still running")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r := New(nil)
	r.Stop(time.Second) // no worker: no-op

	r = startRunner(t, fakeWorker)
	r.Stop(time.Second)
	r.Stop(time.Second)
	if r.IsRunning() {
		t.Fatalf("worker still running")
	}
}

func TestWaitReadyReportsInitStage(t *testing.T) {
	r := startRunner(t, fakeWorkerInitFailure)

	err := r.WaitReady()
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("WaitReady error = %v, want *StageError", err)
	}
	if stageErr.Stage != "init" || stageErr.Code != -1 {
		t.Fatalf("StageError = %+v, want init/-1", stageErr)
	}

	failed, ok := r.FailedJob()
	if !ok || failed.Kind != ledger.KindSystem || failed.Seq != ledger.SystemInit {
		t.Fatalf("FailedJob = %+v %v, want system init slot", failed, ok)
	}
}

func TestWaitUnknownID(t *testing.T) {
	r := startRunner(t, fakeWorker)
	if _, err := r.Wait(3); !errors.Is(err, ledger.ErrUnknownJob) {
		t.Fatalf("Wait(3) error = %v, want ErrUnknownJob", err)
	}
}

func TestJobAccessors(t *testing.T) {
	r := startRunner(t, fakeWorker)

	if _, ok := r.LastJob(); ok {
		t.Fatalf("LastJob before any resolution should report none")
	}
	if _, err := r.Enqueue("exit 0"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if id, ok := r.CurrentJob(); !ok || id != 0 {
		t.Fatalf("CurrentJob = %d %v, want 0 true", id, ok)
	}

	if _, err := r.WaitLast(); err != nil {
		t.Fatalf("WaitLast: %v", err)
	}
	if id, ok := r.LastJob(); !ok || id != 0 {
		t.Fatalf("LastJob = %d %v, want 0 true", id, ok)
	}
	if _, ok := r.CurrentJob(); ok {
		t.Fatalf("CurrentJob should report none when all resolved")
	}

	jobs := r.Jobs()
	if len(jobs) != 1 || jobs[0].Args != "exit 0" || !jobs[0].Resolved() {
		t.Fatalf("Jobs() = %+v", jobs)
	}
}

func TestHistoryRecordsSessionAndJobs(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	store, err := history.Open(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	r := New(store)
	if err := r.Start(Options{WorkerCommand: workerScript(t, fakeWorker)}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	session := r.SessionID()
	if session == "" {
		t.Fatalf("empty session id")
	}

	if _, err := r.Enqueue("exit 0"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := r.WaitLast(); err != nil {
		t.Fatalf("WaitLast: %v", err)
	}
	r.Stop(time.Second)

	records, err := store.SessionJobs(context.Background(), session)
	if err != nil {
		t.Fatalf("SessionJobs: %v", err)
	}
	// Two system slots plus the user job.
	if len(records) != 3 {
		t.Fatalf("got %d history records, want 3", len(records))
	}
	last := records[2]
	if last.Kind != string(ledger.KindUser) || last.Seq != 0 || last.Code != 0 || last.Args != "exit 0" {
		t.Fatalf("unexpected user record: %+v", last)
	}
}
