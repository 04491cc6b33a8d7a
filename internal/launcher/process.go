package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultPollInterval      = time.Second
	maxConsecutivePollErrors = 3
	causeExitedWithoutReport = "execution unit exited without reporting a terminal status"
	defaultFailureExitCode   = 1
)

// RemoteProcess binds an execution identity to the status store and the
// cluster backend. It holds no state beyond that binding, so a fresh
// RemoteProcess built after a restart behaves exactly like the one that
// created the unit.
type RemoteProcess struct {
	id           ExecutionIdentity
	store        StatusStore
	backend      ClusterBackend
	pollInterval time.Duration
	logger       *slog.Logger
}

// ProcessOption configures a RemoteProcess.
type ProcessOption func(*RemoteProcess)

// WithPollInterval sets how often WaitUntilTerminal polls.
func WithPollInterval(d time.Duration) ProcessOption {
	return func(p *RemoteProcess) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithProcessLogger sets the logger.
func WithProcessLogger(l *slog.Logger) ProcessOption {
	return func(p *RemoteProcess) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewRemoteProcess creates a handle for the execution addressed by id.
func NewRemoteProcess(id ExecutionIdentity, store StatusStore, backend ClusterBackend, opts ...ProcessOption) *RemoteProcess {
	p := &RemoteProcess{
		id:           id,
		store:        store,
		backend:      backend,
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("execution", id.String())
	return p
}

// Identity returns the identity this handle is bound to.
func (p *RemoteProcess) Identity() ExecutionIdentity {
	return p.id
}

// Record returns the stored status record, or nil when none exists.
func (p *RemoteProcess) Record(ctx context.Context) (*StatusRecord, error) {
	return readStatusRecord(ctx, p.store, p.id)
}

// Status returns the current status. Without a stored record the cluster is
// consulted: an existing unit means the execution is initializing.
func (p *RemoteProcess) Status(ctx context.Context) (ExecutionStatus, error) {
	rec, err := p.Record(ctx)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.Status != StatusNotStarted {
		return rec.Status, nil
	}

	state, err := p.backend.UnitState(ctx, p.id)
	if err != nil {
		return "", fmt.Errorf("failed to query unit %s: %w", p.id, err)
	}
	if state != UnitMissing {
		return StatusInitializing, nil
	}
	return StatusNotStarted, nil
}

// Create starts the unit. It is only permitted while the status is NOT_STARTED.
func (p *RemoteProcess) Create(ctx context.Context, spec UnitSpec) error {
	status, err := p.Status(ctx)
	if err != nil {
		return err
	}
	if status != StatusNotStarted {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, p.id, status)
	}

	if err := p.backend.Create(ctx, p.id, spec); err != nil {
		return err
	}
	p.logger.Info("created execution unit", "image", spec.Image)
	return nil
}

// WaitUntilTerminal blocks until the execution is SUCCEEDED or FAILED.
// A unit that disappears, or exits without reporting, is marked FAILED.
// ctx and interrupt are only observed between polls; a nil interrupt never fires.
func (p *RemoteProcess) WaitUntilTerminal(ctx context.Context, interrupt <-chan struct{}) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		done, err := p.poll(ctx)
		switch {
		case err != nil:
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutivePollErrors {
				return fmt.Errorf("failed to poll %s: %w", p.id, err)
			}
			p.logger.Warn("poll failed", "error", err, "attempt", consecutiveErrors)
		case done:
			return nil
		default:
			consecutiveErrors = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupt:
			return ErrWaitInterrupted
		case <-ticker.C:
		}
	}
}

func (p *RemoteProcess) poll(ctx context.Context) (bool, error) {
	rec, err := p.Record(ctx)
	if err != nil {
		return false, err
	}
	if rec != nil && rec.Status.IsTerminal() {
		return true, nil
	}

	state, err := p.backend.UnitState(ctx, p.id)
	if err != nil {
		return false, err
	}
	if state == UnitActive {
		return false, nil
	}

	// The unit may have written its final status right before exiting.
	rec, err = p.Record(ctx)
	if err != nil {
		return false, err
	}
	if rec != nil && rec.Status.IsTerminal() {
		return true, nil
	}

	cause := causeExitedWithoutReport
	if state == UnitMissing {
		cause = ErrUnitDisappeared.Error()
	}
	p.logger.Warn("marking execution failed", "unit_state", state.String(), "cause", cause)
	if err := p.markFailed(ctx, cause); err != nil {
		return false, err
	}
	return true, nil
}

func (p *RemoteProcess) markFailed(ctx context.Context, cause string) error {
	_, err := advanceStatus(ctx, p.store, p.id, StatusRecord{Status: StatusFailed, Cause: cause})
	return err
}

// ExitCode returns the exit code of a terminal execution.
func (p *RemoteProcess) ExitCode(ctx context.Context) (int, error) {
	rec, err := p.Record(ctx)
	if err != nil {
		return 0, err
	}
	if rec == nil || !rec.Status.IsTerminal() {
		return 0, fmt.Errorf("%w: %s", ErrNotTerminal, p.id)
	}
	if rec.ExitCode != nil {
		return *rec.ExitCode, nil
	}
	if rec.Status == StatusSucceeded {
		return 0, nil
	}
	return defaultFailureExitCode, nil
}

// Output returns the output payload of a successful execution.
func (p *RemoteProcess) Output(ctx context.Context) ([]byte, bool, error) {
	rec, err := p.Record(ctx)
	if err != nil {
		return nil, false, err
	}
	if rec == nil || rec.Status != StatusSucceeded || len(rec.Output) == 0 {
		return nil, false, nil
	}
	return rec.Output, true, nil
}

// HasExited reports whether the execution is terminal or its unit is gone.
func (p *RemoteProcess) HasExited(ctx context.Context) bool {
	rec, err := p.Record(ctx)
	if err == nil && rec != nil && rec.Status.IsTerminal() {
		return true
	}

	state, err := p.backend.UnitState(ctx, p.id)
	if err != nil {
		p.logger.Warn("failed to query unit state", "error", err)
		return false
	}
	return state != UnitActive
}

// Destroy removes the unit. Failures are logged, not returned.
func (p *RemoteProcess) Destroy(ctx context.Context) {
	if err := p.backend.Delete(ctx, p.id.Ref()); err != nil {
		p.logger.Error("failed to destroy execution unit", "error", err)
		return
	}
	p.logger.Info("destroyed execution unit")
}
