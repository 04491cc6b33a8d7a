package launcher

import "context"

// ClusterBackend creates, lists and deletes execution units.
type ClusterBackend interface {
	// ListNonTerminalUnits returns the units labelled labelKey=labelValue that
	// have not reached a terminal state.
	ListNonTerminalUnits(ctx context.Context, labelKey, labelValue string) ([]UnitRef, error)

	// Delete removes a unit with foreground propagation: dependents are gone
	// before the unit is. Deleting a unit that does not exist is not an error.
	Delete(ctx context.Context, ref UnitRef) error

	// Create starts a new unit for the identity.
	Create(ctx context.Context, id ExecutionIdentity, spec UnitSpec) error

	// UnitState reports whether the unit is missing, active or terminal.
	UnitState(ctx context.Context, id ExecutionIdentity) (UnitState, error)
}

// StatusStore persists small opaque records keyed by execution identity.
// Records survive restarts of the launcher.
type StatusStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// HeartbeatFunc signals liveness to an enclosing supervision layer.
type HeartbeatFunc func(ctx context.Context)
