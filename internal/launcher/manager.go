package launcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
)

// ErrShuttingDown is returned by Manager.Start after Shutdown has begun.
var ErrShuttingDown = errors.New("manager is shutting down")

// RawDecoder returns the output payload unchanged.
func RawDecoder(payload []byte) (json.RawMessage, error) {
	return json.RawMessage(payload), nil
}

type managedLaunch struct {
	launcher *JobLauncher[json.RawMessage]
	identity ExecutionIdentity
}

// Manager runs launches in the background and keeps the active launcher of
// every logical key so it can be cancelled later.
type Manager struct {
	backend ClusterBackend
	store   StatusStore
	reaper  *Reaper
	opts    Options
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	active   map[string]*managedLaunch
	shutdown bool
}

// NewManager creates a manager whose launchers share backend, store and reaper.
func NewManager(backend ClusterBackend, store StatusStore, reaper *Reaper, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if reaper == nil {
		reaper = NewReaper(backend, WithReaperLogger(opts.Logger))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		backend: backend,
		store:   store,
		reaper:  reaper,
		opts:    opts,
		logger:  opts.Logger,
		baseCtx: ctx,
		stop:    cancel,
		active:  make(map[string]*managedLaunch),
	}
}

// Start launches spec in the background and returns the identity of the
// execution. A newer launch for the same key replaces the registered one;
// its reap step removes the older unit.
func (m *Manager) Start(logicalKey string, spec LaunchSpec, cfg JobRunConfig) (ExecutionIdentity, error) {
	l := New[json.RawMessage](m.backend, m.store, m.reaper, RawDecoder, m.opts)
	id := l.Identity(cfg)
	entry := &managedLaunch{launcher: l, identity: id}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ExecutionIdentity{}, ErrShuttingDown
	}
	m.active[logicalKey] = entry
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer m.release(logicalKey, entry)

		log := m.logger.With("connection_id", logicalKey, "execution", id.String())
		outcome, err := l.Launch(m.baseCtx, logicalKey, spec, cfg)
		if err != nil {
			log.Error("launch failed", "error", err)
			return
		}
		if err := outcome.AsError(); err != nil {
			log.Warn("launch finished", "outcome", outcome.Kind.String(), "exit_code", outcome.ExitCode, "error", err)
			return
		}
		log.Info("launch finished", "outcome", outcome.Kind.String())
	}()

	return id, nil
}

func (m *Manager) release(logicalKey string, entry *managedLaunch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[logicalKey] == entry {
		delete(m.active, logicalKey)
	}
}

// Cancel cancels the active launch for logicalKey. It reports false when no
// launch is registered for the key.
func (m *Manager) Cancel(ctx context.Context, logicalKey string) (bool, error) {
	m.mu.Lock()
	entry, ok := m.active[logicalKey]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, entry.launcher.Cancel(ctx)
}

// ExecutionDescription is a point-in-time view of one execution.
type ExecutionDescription struct {
	Identity ExecutionIdentity
	Status   ExecutionStatus
	Record   *StatusRecord
	Exited   bool
}

// Describe reports the state of the execution for cfg.
func (m *Manager) Describe(ctx context.Context, cfg JobRunConfig) (*ExecutionDescription, error) {
	id := NewExecutionIdentity(m.namespace(), m.podNamePrefix(), cfg)
	p := NewRemoteProcess(id, m.store, m.backend, WithProcessLogger(m.logger))

	status, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := p.Record(ctx)
	if err != nil {
		return nil, err
	}
	desc := &ExecutionDescription{Identity: id, Status: status, Record: rec}
	if status != StatusNotStarted {
		desc.Exited = p.HasExited(ctx)
	}
	return desc, nil
}

// Reap clears every non-terminal unit for logicalKey.
func (m *Manager) Reap(ctx context.Context, logicalKey string) error {
	return m.reaper.ReapAll(ctx, logicalKey)
}

// Shutdown stops accepting launches, cancels the context of the running ones
// and waits for them to return. Their units keep running; a later launch of
// the same attempt attaches to them.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) namespace() string {
	if m.opts.Namespace == "" {
		return DefaultNamespace
	}
	return m.opts.Namespace
}

func (m *Manager) podNamePrefix() string {
	if m.opts.PodNamePrefix == "" {
		return DefaultPodNamePrefix
	}
	return m.opts.PodNamePrefix
}
