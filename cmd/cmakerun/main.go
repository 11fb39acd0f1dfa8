// Command cmakerun keeps a single CMake worker process alive and feeds it
// build jobs one command line at a time. The same binary doubles as the
// worker: the controller re-executes itself with the "worker" subcommand.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattjoyce/cmakerun/internal/api"
	"github.com/mattjoyce/cmakerun/internal/config"
	"github.com/mattjoyce/cmakerun/internal/doctor"
	"github.com/mattjoyce/cmakerun/internal/history"
	"github.com/mattjoyce/cmakerun/internal/ledger"
	"github.com/mattjoyce/cmakerun/internal/lock"
	"github.com/mattjoyce/cmakerun/internal/log"
	"github.com/mattjoyce/cmakerun/internal/runner"
	"github.com/mattjoyce/cmakerun/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "worker":
		// The controller side never sees this branch; it spawns it.
		os.Exit(worker.Run(args, os.Stdin, os.Stdout, os.Stderr))
	case "run":
		os.Exit(runRun(args))
	case "serve":
		os.Exit(runServe(args))
	case "jobs":
		os.Exit(runJobs(args))
	case "doctor":
		os.Exit(runDoctor(args))
	case "version":
		fmt.Printf("cmakerun version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`cmakerun - Long-lived CMake job runner

Usage:
  cmakerun <command> [flags] [arguments]

Commands:
  run [flags] [job...]   Start a worker and run each argument string as one
                         CMake invocation, in order. With no arguments, job
                         lines are read from stdin.
  serve [flags]          Start a worker and expose it over the HTTP API.
  jobs [flags]           Show recently resolved jobs from the history store.
  doctor [flags]         Validate configuration and the build-tool environment.
  worker [flags]         Worker-loop entry point (spawned by the controller).
  version                Show version information.
  help                   Show this help message.

Flags common to run/serve/jobs/doctor:
  --config <path>        Config file (default: cmakerun.yaml if present)

Use 'cmakerun <command> -h' for command-specific flags.
`)
}

// loadConfig loads the given config file, a cmakerun.yaml from the current
// directory, or the built-in defaults, in that order.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	if _, err := os.Stat("cmakerun.yaml"); err == nil {
		return config.Load("cmakerun.yaml")
	}
	return config.Default(), nil
}

// openHistory opens the configured history store, or returns nil when
// history is disabled.
func openHistory(cfg *config.Config) *history.Store {
	if cfg.History.Path == "" {
		return nil
	}
	store, err := history.Open(context.Background(), cfg.History.Path)
	if err != nil {
		log.Warn("history disabled", "error", err)
		return nil
	}
	return store
}

func runnerOptions(cfg *config.Config) runner.Options {
	return runner.Options{
		ToolPath:          cfg.Runner.CMakePath,
		Platform:          cfg.Runner.Platform,
		SubmoduleExcludes: cfg.Runner.SubmoduleExcludes,
		LogLevel:          cfg.Runner.LogLevel,
		Quiet:             cfg.Runner.Quiet,
		KillOnError:       cfg.Runner.KillOnError,
		ConfigDigest:      cfg.Digest,
	}
}

func runRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file to load")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log.Setup(cfg.Runner.LogLevel, cfg.Runner.LogFormat)

	hist := openHistory(cfg)
	if hist != nil {
		defer hist.Close()
	}

	r := runner.New(hist)
	if err := r.Start(runnerOptions(cfg)); err != nil {
		log.Error("failed to start worker", "error", err)
		return 1
	}
	defer r.Stop(cfg.Runner.StopTimeout)

	if err := r.WaitReady(); err != nil {
		log.Error("worker failed to come up", "error", err)
		return 1
	}

	jobs := fs.Args()
	if len(jobs) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			jobs = append(jobs, line)
		}
		if err := scanner.Err(); err != nil {
			log.Error("reading jobs from stdin", "error", err)
			return 1
		}
	}
	if len(jobs) == 0 {
		log.Warn("no jobs given")
		return 0
	}

	for _, jobArgs := range jobs {
		if _, err := r.Enqueue(jobArgs); err != nil {
			log.Error("failed to enqueue job", "args", jobArgs, "error", err)
			return 1
		}
	}
	if _, err := r.WaitLast(); err != nil {
		log.Error("waiting for jobs", "error", err)
		return 1
	}

	if failed, ok := r.FailedJob(); ok {
		log.Error("build failed", "stage", stageName(failed), "exit_code", *failed.Code, "args", failed.Args)
		return exitCode(*failed.Code)
	}
	if n, _ := r.NumJobs("remaining"); n > 0 {
		log.Error("worker exited before finishing all jobs", "remaining", n)
		return 1
	}
	log.Info("all jobs succeeded", "jobs", len(jobs))
	return 0
}

// stageName renders a ledger entry for error reporting: the two startup
// stages by name, user jobs by id.
func stageName(j ledger.Job) string {
	if j.Kind == ledger.KindSystem {
		if j.Seq == ledger.SystemParse {
			return "parse"
		}
		return "init"
	}
	return fmt.Sprintf("job %d", j.Seq)
}

// exitCode clamps a job status into a usable process exit code.
func exitCode(status int) int {
	if status <= 0 || status > 125 {
		return 1
	}
	return status
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "config file to load")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	log.Setup(cfg.Runner.LogLevel, cfg.Runner.LogFormat)

	if !cfg.API.Enabled {
		log.Error("api.enabled must be true for serve")
		return 1
	}

	pidPath := pidLockPath(cfg)
	pidLock, err := lock.Acquire(pidPath)
	if err != nil {
		log.Error("failed to acquire pid lock (another instance may be running)", "path", pidPath, "error", err)
		return 1
	}
	defer pidLock.Release()

	hist := openHistory(cfg)
	if hist != nil {
		defer hist.Close()
	}

	r := runner.New(hist)
	if err := r.Start(runnerOptions(cfg)); err != nil {
		log.Error("failed to start worker", "error", err)
		return 1
	}
	defer r.Stop(cfg.Runner.StopTimeout)

	if err := r.WaitReady(); err != nil {
		log.Error("worker failed to come up", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, r)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("api server failed", "error", err)
		return 1
	}
	return 0
}

// pidLockPath places the pid file next to the history database, or in the
// system temp directory when history is disabled.
func pidLockPath(cfg *config.Config) string {
	if cfg.History.Path == "" {
		return filepath.Join(os.TempDir(), "cmakerun.pid")
	}
	base := filepath.Base(cfg.History.Path)
	name := base[:len(base)-len(filepath.Ext(base))]
	return filepath.Join(filepath.Dir(cfg.History.Path), name+".pid")
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "config file to load")
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	result := doctor.New(cfg).Validate()
	if *jsonOut {
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(doctor.FormatHuman(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	configPath := fs.String("config", "", "config file to load")
	limit := fs.Int("limit", 20, "maximum number of jobs to show")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.History.Path == "" {
		fmt.Fprintln(os.Stderr, "history is not configured (set history.path)")
		return 1
	}

	store, err := history.Open(context.Background(), cfg.History.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	records, err := store.RecentJobs(context.Background(), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(records) == 0 {
		fmt.Println("no jobs recorded")
		return 0
	}

	fmt.Printf("%-36s  %-6s  %4s  %5s  %-20s  %s\n", "SESSION", "KIND", "SEQ", "CODE", "RESOLVED", "ARGS")
	for _, rec := range records {
		fmt.Printf("%-36s  %-6s  %4d  %5d  %-20s  %s\n",
			rec.SessionID, rec.Kind, rec.Seq, rec.Code,
			rec.ResolvedAt.Local().Format(time.DateTime), rec.Args)
	}
	return 0
}
