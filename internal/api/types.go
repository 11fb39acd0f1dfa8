package api

// HealthzResponse is returned by GET /healthz. Busy means a request holding
// the runner was in flight, so the worker fields could not be sampled.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	WorkerRunning bool   `json:"worker_running"`
	Session       string `json:"session,omitempty"`
	Busy          bool   `json:"busy,omitempty"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	WorkerRunning bool   `json:"worker_running"`
	Session       string `json:"session,omitempty"`
	JobsAll       int    `json:"jobs_all"`
	JobsCompleted int    `json:"jobs_completed"`
	JobsRemaining int    `json:"jobs_remaining"`
	FailedJob     *JobID `json:"failed_job,omitempty"`
}

// JobID names one ledger entry; system slots carry kind "system".
type JobID struct {
	Kind string `json:"kind"`
	ID   int    `json:"id"`
}

// JobView is one user job as listed by GET /v1/jobs.
type JobView struct {
	ID     int    `json:"id"`
	Args   string `json:"args"`
	Status *int   `json:"status"` // null while pending
}

// EnqueueRequest is the body of POST /v1/jobs.
type EnqueueRequest struct {
	Args string `json:"args"`
	// Wait makes the request block until the job resolves.
	Wait bool `json:"wait,omitempty"`
}

// EnqueueResponse is returned by POST /v1/jobs.
type EnqueueResponse struct {
	ID     int  `json:"id"`
	Status *int `json:"status,omitempty"`
}

// WaitResponse is returned by POST /v1/jobs/{id}/wait. Status is null when
// the worker exited before the slot could resolve.
type WaitResponse struct {
	ID     int  `json:"id"`
	Status *int `json:"status"`
}

// StopRequest is the body of POST /v1/stop.
type StopRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ErrorResponse is the error envelope for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
