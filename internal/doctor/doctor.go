// Package doctor validates cmakerun configuration and the build-tool
// environment before a controller starts.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/cmakerun/internal/config"
	"github.com/mattjoyce/cmakerun/internal/worker"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Tool     string  `json:"tool,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration against the host environment.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkBuildTool(r)
	d.checkRunner(r)
	d.checkHistory(r)
	d.checkAPI(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// checkBuildTool verifies that the configured build tool resolves to an
// executable on this host.
func (d *Doctor) checkBuildTool(r *Result) {
	tool, err := worker.ResolveTool(d.cfg.Runner.CMakePath)
	if err != nil {
		d.addError(r, "tool", "runner.cmake_path", err.Error())
		return
	}
	r.Tool = tool
}

// checkRunner flags runner settings that are legal but probably mistakes.
func (d *Doctor) checkRunner(r *Result) {
	if d.cfg.Runner.Platform != "" && runtime.GOOS != "windows" {
		d.addWarning(r, "runner", "runner.platform",
			fmt.Sprintf("platform hint %q only affects MSVC-style generators; it is ignored on %s",
				d.cfg.Runner.Platform, runtime.GOOS))
	}
	if d.cfg.Runner.StopTimeout > 0 && d.cfg.Runner.StopTimeout < time.Second {
		d.addWarning(r, "runner", "runner.stop_timeout",
			fmt.Sprintf("stop_timeout %s leaves little room for a job to finish before escalation",
				d.cfg.Runner.StopTimeout))
	}
	if !d.cfg.Runner.KillOnError {
		d.addWarning(r, "runner", "runner.kill_on_error",
			"kill_on_error disabled: a failed job will not stop the batch")
	}
}

// checkHistory verifies the history database location is usable.
func (d *Doctor) checkHistory(r *Result) {
	path := d.cfg.History.Path
	if path == "" {
		d.addWarning(r, "history", "history.path", "history recording disabled (no path configured)")
		return
	}
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		d.addWarning(r, "history", "history.path",
			fmt.Sprintf("history directory %s does not exist yet (created at startup)", dir))
		return
	}
	if !info.IsDir() {
		d.addError(r, "history", "history.path",
			fmt.Sprintf("%s is not a directory", dir))
	}
}

// checkAPI validates HTTP API settings.
func (d *Doctor) checkAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when the API is enabled")
	}
	switch {
	case d.cfg.API.APIKey == "":
		d.addWarning(r, "api", "api.api_key", "API enabled but no api_key configured; all requests will be rejected")
	case len(d.cfg.API.APIKey) < 16:
		d.addWarning(r, "api", "api.api_key", "api_key is shorter than 16 characters")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}
	if r.Tool != "" {
		fmt.Fprintf(&b, "  build tool: %s\n", r.Tool)
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
