package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultNamespace is used when no namespace is configured.
	DefaultNamespace = "default"
	// DefaultPodNamePrefix prefixes every execution name.
	DefaultPodNamePrefix = "orchestrator"

	tracerName = "podlauncher/launcher"
)

// Decoder turns an output payload into the caller's result type.
type Decoder[O any] func(payload []byte) (O, error)

// JSONDecoder decodes the payload as JSON.
func JSONDecoder[O any]() Decoder[O] {
	return func(payload []byte) (O, error) {
		var out O
		err := json.Unmarshal(payload, &out)
		return out, err
	}
}

// Options configures a JobLauncher.
type Options struct {
	Namespace         string
	PodNamePrefix     string
	ConfigDir         string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Heartbeat         HeartbeatFunc
	Logger            *slog.Logger
}

// activeLaunch is published once per launcher, after reaping, so Cancel knows
// what to tear down.
type activeLaunch struct {
	logicalKey string
	process    *RemoteProcess
}

// JobLauncher launches one remote execution and supervises it until it ends.
// A JobLauncher serves a single Launch call; Cancel may be called concurrently.
type JobLauncher[O any] struct {
	backend ClusterBackend
	store   StatusStore
	reaper  *Reaper
	decode  Decoder[O]
	opts    Options
	logger  *slog.Logger
	metrics *instruments

	cancelled  atomic.Bool
	interrupt  chan struct{}
	cancelOnce sync.Once
	active     atomic.Pointer[activeLaunch]
}

// New creates a launcher. A nil decoder decodes the output as JSON.
func New[O any](backend ClusterBackend, store StatusStore, reaper *Reaper, decode Decoder[O], opts Options) *JobLauncher[O] {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}
	if opts.PodNamePrefix == "" {
		opts.PodNamePrefix = DefaultPodNamePrefix
	}
	if opts.ConfigDir == "" {
		opts.ConfigDir = DefaultConfigDir
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if reaper == nil {
		reaper = NewReaper(backend, WithReaperLogger(opts.Logger))
	}
	if decode == nil {
		decode = JSONDecoder[O]()
	}

	return &JobLauncher[O]{
		backend:   backend,
		store:     store,
		reaper:    reaper,
		decode:    decode,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   newInstruments(otel.GetMeterProvider()),
		interrupt: make(chan struct{}),
	}
}

// Identity returns the identity a launch with cfg would use.
func (l *JobLauncher[O]) Identity(cfg JobRunConfig) ExecutionIdentity {
	return NewExecutionIdentity(l.opts.Namespace, l.opts.PodNamePrefix, cfg)
}

// Launch reaps stale executions for logicalKey, creates or attaches to the
// execution for cfg, waits for it and interprets its result.
func (l *JobLauncher[O]) Launch(ctx context.Context, logicalKey string, spec LaunchSpec, cfg JobRunConfig) (*Outcome[O], error) {
	id := l.Identity(cfg)
	app := spec.ApplicationName
	log := l.logger.With("application", app, "connection_id", logicalKey, "execution", id.String())

	ctx, span := otel.Tracer(tracerName).Start(ctx, "launch",
		trace.WithAttributes(
			attribute.String("application", app),
			attribute.String("connection.id", logicalKey),
			attribute.String("job.id", cfg.JobID),
			attribute.Int64("attempt.id", cfg.AttemptID),
			attribute.String("execution", id.String()),
		),
	)
	defer span.End()

	outcome, err := l.launch(ctx, log, logicalKey, spec, cfg, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.metrics.recordLaunch(ctx, app, "error")
		return nil, err
	}

	span.SetAttributes(attribute.String("outcome", outcome.Kind.String()), attribute.Int("exit_code", outcome.ExitCode))
	l.metrics.recordLaunch(ctx, app, outcome.Kind.String())
	return outcome, nil
}

func (l *JobLauncher[O]) launch(ctx context.Context, log *slog.Logger, logicalKey string, spec LaunchSpec, cfg JobRunConfig, id ExecutionIdentity) (*Outcome[O], error) {
	app := spec.ApplicationName

	// Our own attempt's unit is kept so a retried launch can attach to it.
	if err := l.reaper.ReapAll(ctx, logicalKey, id); err != nil {
		kind := KindUnexpected
		if errors.Is(err, ErrMutualExclusionTimeout) {
			kind = KindMutualExclusionTimeout
		}
		return nil, &LaunchError{Application: app, Kind: kind, Err: err}
	}

	process := NewRemoteProcess(id, l.store, l.backend,
		WithPollInterval(l.opts.PollInterval),
		WithProcessLogger(l.logger),
	)
	l.active.Store(&activeLaunch{logicalKey: logicalKey, process: process})

	if l.cancelled.Load() {
		log.Info("cancellation requested before the execution was created")
		return l.cancelledOutcome(nil), nil
	}

	status, err := process.Status(ctx)
	if err != nil {
		return nil, &LaunchError{Application: app, Kind: KindUnexpected, Err: err}
	}

	if status == StatusNotStarted {
		unit, err := l.unitSpec(id, logicalKey, spec, cfg)
		if err != nil {
			return nil, &LaunchError{Application: app, Kind: KindCreation, Err: err}
		}
		if err := process.Create(ctx, unit); err != nil {
			return nil, &LaunchError{Application: app, Kind: KindCreation, Err: err}
		}
	} else {
		log.Info("attaching to existing execution", "status", string(status))
	}

	waitErr := l.wait(ctx, process)

	if l.cancelled.Load() {
		log.Info("destroying process due to cancellation")
		process.Destroy(context.WithoutCancel(ctx))
		return l.cancelledOutcome(waitErr), nil
	}
	if waitErr != nil {
		return nil, &LaunchError{Application: app, Kind: KindUnexpected, Err: waitErr}
	}

	exitCode, err := process.ExitCode(ctx)
	if err != nil {
		return nil, &LaunchError{Application: app, Kind: KindUnexpected, Err: err}
	}
	if exitCode != 0 {
		log.Warn("execution failed", "exit_code", exitCode)
		return &Outcome[O]{
			Kind:     OutcomeFailed,
			ExitCode: exitCode,
			Err:      fmt.Errorf("launcher %s: %w: %d", app, ErrNonZeroExit, exitCode),
		}, nil
	}

	payload, ok, err := process.Output(ctx)
	if err != nil {
		return nil, &LaunchError{Application: app, Kind: KindUnexpected, Err: err}
	}
	if !ok {
		log.Warn("execution succeeded without output")
		return &Outcome[O]{
			Kind: OutcomeFailed,
			Err:  fmt.Errorf("running the %s launcher resulted in %w", app, ErrNoOutput),
		}, nil
	}

	out, err := l.decode(payload)
	if err != nil {
		return nil, &LaunchError{Application: app, Kind: KindUnexpected, Err: fmt.Errorf("failed to decode output: %w", err)}
	}

	log.Info("execution succeeded")
	return &Outcome[O]{Kind: OutcomeSucceeded, Output: out}, nil
}

// wait blocks until process is terminal while heartbeating. The heartbeat
// stops on every exit path, panics included.
func (l *JobLauncher[O]) wait(ctx context.Context, process *RemoteProcess) error {
	stopHeartbeat := startHeartbeat(ctx, l.opts.HeartbeatInterval, l.opts.Heartbeat)
	defer stopHeartbeat()
	return process.WaitUntilTerminal(ctx, l.interrupt)
}

func (l *JobLauncher[O]) cancelledOutcome(cause error) *Outcome[O] {
	err := ErrCancelled
	if cause != nil && !errors.Is(cause, ErrWaitInterrupted) {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return &Outcome[O]{Kind: OutcomeCancelled, ExitCode: -1, Err: err}
}

// Cancel requests cancellation. Before Launch has published its execution
// there is nothing to tear down and Cancel only sets the flag, which Launch
// checks before creating anything. Otherwise every unit for the logical key
// is reaped, and reaped once more if the execution is still running.
// Failing to stop it after that is logged, not returned.
func (l *JobLauncher[O]) Cancel(ctx context.Context) error {
	l.cancelled.Store(true)
	l.cancelOnce.Do(func() { close(l.interrupt) })

	active := l.active.Load()
	if active == nil {
		return nil
	}

	log := l.logger.With("connection_id", active.logicalKey, "execution", active.process.Identity().String())
	log.Debug("closing launcher process")

	for attempt := 0; attempt < 2; attempt++ {
		if err := l.reaper.ReapAll(ctx, active.logicalKey); err != nil {
			return err
		}
		if active.process.HasExited(ctx) {
			log.Info("successfully cancelled process")
			return nil
		}
	}

	log.Error("unable to cancel process")
	return nil
}

// Cancelled reports whether Cancel has been called.
func (l *JobLauncher[O]) Cancelled() bool {
	return l.cancelled.Load()
}

func (l *JobLauncher[O]) unitSpec(id ExecutionIdentity, logicalKey string, spec LaunchSpec, cfg JobRunConfig) (UnitSpec, error) {
	runConfig, err := json.Marshal(cfg)
	if err != nil {
		return UnitSpec{}, fmt.Errorf("failed to encode job run config: %w", err)
	}
	envMap, err := json.Marshal(spec.EnvironmentVariables)
	if err != nil {
		return UnitSpec{}, fmt.Errorf("failed to encode env map: %w", err)
	}

	files := maps.Clone(spec.InputFiles)
	if files == nil {
		files = make(map[string][]byte)
	}
	files[InitFileApplication] = []byte(spec.ApplicationName)
	files[InitFileJobRunConfig] = runConfig
	files[InitFileEnvMap] = envMap

	labels := maps.Clone(spec.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[ConnectionIDLabelKey] = logicalKey
	labels[JobIDLabelKey] = cfg.JobID
	labels[AttemptIDLabelKey] = strconv.FormatInt(cfg.AttemptID, 10)
	labels[ManagedByLabelKey] = ManagedByLabelValue

	env := maps.Clone(spec.EnvironmentVariables)
	if env == nil {
		env = make(map[string]string)
	}
	env[EnvNamespace] = id.Namespace
	env[EnvExecutionName] = id.Name
	env[EnvConfigDir] = l.opts.ConfigDir

	return UnitSpec{
		Image:     spec.Image,
		Command:   spec.Command,
		Env:       env,
		Labels:    labels,
		Resources: spec.Resources,
		Files:     files,
		Ports:     maps.Clone(spec.PortMappings),
		ConfigDir: l.opts.ConfigDir,
	}, nil
}
