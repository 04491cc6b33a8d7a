// Package orchestrator runs inside an execution unit. It reads the init files
// written by the launcher, runs the application and reports its progress and
// output to the status store.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"podlauncher/internal/launcher"
)

// Environment variables passed to the application.
const (
	EnvApplication = "LAUNCHER_APPLICATION"
	EnvInputPath   = "LAUNCHER_INPUT_PATH"
	EnvOutputPath  = "LAUNCHER_OUTPUT_PATH"
)

// Exit codes reported when the application never produced one.
const (
	exitInitFailure  = 1
	exitStartFailure = 127
)

const defaultStopGracePeriod = 10 * time.Second

// InitFiles is the launcher's view of what to run, read from the config directory.
type InitFiles struct {
	Application  string
	JobRunConfig launcher.JobRunConfig
	Env          map[string]string
	// InputPath is empty when no input.json was written.
	InputPath string
}

// ReadInitFiles loads the init files from dir.
func ReadInitFiles(dir string) (*InitFiles, error) {
	app, err := os.ReadFile(filepath.Join(dir, launcher.InitFileApplication))
	if err != nil {
		return nil, fmt.Errorf("failed to read application: %w", err)
	}

	files := &InitFiles{Application: string(app)}

	raw, err := os.ReadFile(filepath.Join(dir, launcher.InitFileJobRunConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to read job run config: %w", err)
	}
	if err := json.Unmarshal(raw, &files.JobRunConfig); err != nil {
		return nil, fmt.Errorf("failed to decode job run config: %w", err)
	}

	raw, err = os.ReadFile(filepath.Join(dir, launcher.InitFileEnvMap))
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read env map: %w", err)
	default:
		if err := json.Unmarshal(raw, &files.Env); err != nil {
			return nil, fmt.Errorf("failed to decode env map: %w", err)
		}
	}

	input := filepath.Join(dir, launcher.InitFileInput)
	if _, err := os.Stat(input); err == nil {
		files.InputPath = input
	}
	return files, nil
}

// IdentityFromEnv returns the identity the launcher assigned to this unit.
func IdentityFromEnv() (launcher.ExecutionIdentity, error) {
	id := launcher.ExecutionIdentity{
		Namespace: os.Getenv(launcher.EnvNamespace),
		Name:      os.Getenv(launcher.EnvExecutionName),
	}
	if id.Namespace == "" || id.Name == "" {
		return id, fmt.Errorf("%s and %s must be set", launcher.EnvNamespace, launcher.EnvExecutionName)
	}
	return id, nil
}

// Config configures a Runner.
type Config struct {
	ConfigDir string
	// OutputPath is where the application writes its output.
	OutputPath string
	Command    []string
	// StopGracePeriod is how long the application gets after SIGTERM.
	StopGracePeriod time.Duration
	Stdout          io.Writer
	Stderr          io.Writer
	Logger          *slog.Logger
}

// Runner runs one application and reports it through a Reporter.
type Runner struct {
	reporter *launcher.Reporter
	cfg      Config
	logger   *slog.Logger
}

// New creates a Runner.
func New(reporter *launcher.Reporter, cfg Config) *Runner {
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = launcher.DefaultConfigDir
	}
	if cfg.OutputPath == "" {
		cfg.OutputPath = filepath.Join(os.TempDir(), "podlauncher", "output.json")
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = defaultStopGracePeriod
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{reporter: reporter, cfg: cfg, logger: cfg.Logger}
}

// Run executes the application and returns its exit code. The returned error
// is set when the run could not be reported or did not start.
func (r *Runner) Run(ctx context.Context) (int, error) {
	files, err := ReadInitFiles(r.cfg.ConfigDir)
	if err != nil {
		return exitInitFailure, r.fail(ctx, exitInitFailure, err)
	}
	log := r.logger.With(
		"application", files.Application,
		"job_id", files.JobRunConfig.JobID,
		"attempt_id", files.JobRunConfig.AttemptID,
	)

	if err := r.reporter.Initializing(ctx); err != nil {
		log.Warn("failed to report initializing", "error", err)
	}

	if len(r.cfg.Command) == 0 {
		return exitInitFailure, r.fail(ctx, exitInitFailure, errors.New("no command to run"))
	}
	if err := os.MkdirAll(filepath.Dir(r.cfg.OutputPath), 0o755); err != nil {
		return exitInitFailure, r.fail(ctx, exitInitFailure, fmt.Errorf("failed to create output directory: %w", err))
	}

	cmd := exec.CommandContext(ctx, r.cfg.Command[0], r.cfg.Command[1:]...)
	cmd.Env = r.commandEnv(files)
	cmd.Stdout = r.cfg.Stdout
	cmd.Stderr = r.cfg.Stderr
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = r.cfg.StopGracePeriod

	if err := cmd.Start(); err != nil {
		return exitStartFailure, r.fail(ctx, exitStartFailure, fmt.Errorf("failed to start %s: %w", r.cfg.Command[0], err))
	}
	log.Info("application started", "pid", cmd.Process.Pid)

	if err := r.reporter.Running(ctx); err != nil {
		log.Warn("failed to report running", "error", err)
	}

	if code := exitCode(cmd.Wait()); code != 0 {
		log.Warn("application failed", "exit_code", code)
		cause := fmt.Errorf("%s exited with code %d", files.Application, code)
		if ctx.Err() != nil {
			cause = fmt.Errorf("%s was interrupted", files.Application)
		}
		return code, r.fail(ctx, code, cause)
	}

	output, err := os.ReadFile(r.cfg.OutputPath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return exitInitFailure, r.fail(ctx, exitInitFailure, fmt.Errorf("failed to read output: %w", err))
	}
	// A missing output file is reported as an empty payload; the launcher
	// turns that into a failed outcome.
	if err := r.reporter.Succeeded(context.WithoutCancel(ctx), output); err != nil {
		return 0, fmt.Errorf("failed to report success: %w", err)
	}
	log.Info("application succeeded", "output_bytes", len(output))
	return 0, nil
}

func (r *Runner) fail(ctx context.Context, code int, cause error) error {
	// The final report must go out even when ctx was cancelled by SIGTERM.
	if err := r.reporter.Failed(context.WithoutCancel(ctx), code, cause.Error()); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to report failure: %w", err))
	}
	return cause
}

func (r *Runner) commandEnv(files *InitFiles) []string {
	env := os.Environ()

	keys := make([]string, 0, len(files.Env))
	for k := range files.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+files.Env[k])
	}

	env = append(env,
		EnvApplication+"="+files.Application,
		EnvOutputPath+"="+r.cfg.OutputPath,
	)
	if files.InputPath != "" {
		env = append(env, EnvInputPath+"="+files.InputPath)
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
	}
	return exitInitFailure
}
