// Package ledger keeps the ordered, append-only record of jobs submitted to
// one worker lifetime. Entries resolve strictly in submission order, one per
// status line read back from the worker, so the ledger is also the positional
// correlation table for the wire protocol.
package ledger

import "errors"

type Kind string

const (
	// KindSystem marks the two reserved startup-stage slots (argument
	// parsing, environment initialization) that precede every user job.
	KindSystem Kind = "system"
	// KindUser marks jobs submitted by callers. Their Seq is the id
	// callers see: dense, starting at 0.
	KindUser Kind = "user"
)

// System slot sequence numbers.
const (
	SystemParse = 0
	SystemInit  = 1
)

var ErrUnknownJob = errors.New("unknown job id")

// Job is one ledger entry. Code is nil while the job is pending and is set
// exactly once; it never reverts.
type Job struct {
	Kind Kind
	Seq  int
	Args string
	Code *int
}

// Resolved reports whether the job's status has been read back.
func (j *Job) Resolved() bool {
	return j.Code != nil
}

// Failed reports whether the job resolved with a nonzero exit code.
func (j *Job) Failed() bool {
	return j.Code != nil && *j.Code != 0
}

// Ledger is owned by a single controller and is not safe for concurrent use.
type Ledger struct {
	jobs      []Job
	completed int
	systems   int
	users     int
}

func New() *Ledger {
	return &Ledger{}
}

// ReserveSystem appends a pending system slot. The controller reserves two at
// start, before any user job, so system slots always occupy the head of the
// ledger.
func (l *Ledger) ReserveSystem() int {
	seq := l.systems
	l.jobs = append(l.jobs, Job{Kind: KindSystem, Seq: seq})
	l.systems++
	return seq
}

// AppendUser appends a pending user job and returns its id.
func (l *Ledger) AppendUser(args string) int {
	seq := l.users
	l.jobs = append(l.jobs, Job{Kind: KindUser, Seq: seq, Args: args})
	l.users++
	return seq
}

// ResolveNext resolves the oldest pending entry with code and returns it.
// ok is false when every entry is already resolved.
func (l *Ledger) ResolveNext(code int) (Job, bool) {
	if l.completed >= len(l.jobs) {
		return Job{}, false
	}
	c := code
	l.jobs[l.completed].Code = &c
	l.completed++
	return l.jobs[l.completed-1], true
}

// Len returns the total number of entries, system slots included.
func (l *Ledger) Len() int {
	return len(l.jobs)
}

// Completed returns how many entries have resolved, system slots included.
func (l *Ledger) Completed() int {
	return l.completed
}

// SystemPending reports whether any reserved system slot is still unresolved,
// i.e. the worker has not finished its startup stages.
func (l *Ledger) SystemPending() bool {
	return l.completed < l.systems
}

// User returns the ledger entry for a user job id.
func (l *Ledger) User(id int) (Job, error) {
	if id < 0 || id >= l.users {
		return Job{}, ErrUnknownJob
	}
	return l.jobs[l.systems+id], nil
}

// System returns the ledger entry for a system slot sequence number.
func (l *Ledger) System(seq int) (Job, error) {
	if seq < 0 || seq >= l.systems {
		return Job{}, ErrUnknownJob
	}
	return l.jobs[seq], nil
}

// Users returns the number of user jobs submitted.
func (l *Ledger) Users() int {
	return l.users
}

// ResolvedUsers returns the number of user jobs that have resolved.
func (l *Ledger) ResolvedUsers() int {
	n := l.completed - l.systems
	if n < 0 {
		return 0
	}
	return n
}

// FirstFailed scans resolved entries in order and returns the first with a
// nonzero code. ok is false when all resolved entries succeeded.
func (l *Ledger) FirstFailed() (Job, bool) {
	for i := 0; i < l.completed; i++ {
		if l.jobs[i].Failed() {
			return l.jobs[i], true
		}
	}
	return Job{}, false
}

// Count returns user-job counts. kind is one of "all", "completed" or
// "remaining"; remaining is floored at zero.
func (l *Ledger) Count(kind string) (int, error) {
	switch kind {
	case "all":
		return l.users, nil
	case "completed":
		return l.ResolvedUsers(), nil
	case "remaining":
		return l.users - l.ResolvedUsers(), nil
	default:
		return 0, errors.New("unknown count kind: " + kind)
	}
}

// UserJobs returns a snapshot of the user entries in submission order.
func (l *Ledger) UserJobs() []Job {
	out := make([]Job, 0, l.users)
	for _, j := range l.jobs {
		if j.Kind == KindUser {
			out = append(out, j)
		}
	}
	return out
}

// Reset clears the ledger so the next worker lifetime starts a fresh id
// sequence at zero.
func (l *Ledger) Reset() {
	l.jobs = nil
	l.completed = 0
	l.systems = 0
	l.users = 0
}
