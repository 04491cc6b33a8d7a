// Package launcher runs exactly one remote execution per logical key on a cluster
// and returns its output to a caller that may be retried or restarted at any point.
package launcher

import (
	"fmt"
	"maps"
)

// Label keys attached to every execution unit.
const (
	ConnectionIDLabelKey = "connection_id"
	JobIDLabelKey        = "job_id"
	AttemptIDLabelKey    = "attempt_id"
	ManagedByLabelKey    = "app.kubernetes.io/managed-by"
	ManagedByLabelValue  = "podlauncher"
)

// Init files written into every unit's config directory.
const (
	InitFileApplication  = "application"
	InitFileJobRunConfig = "jobRunConfig.json"
	InitFileEnvMap       = "envMap.json"
	InitFileInput        = "input.json"
)

// Environment variables the unit receives so it can report its own status.
const (
	EnvNamespace     = "LAUNCHER_NAMESPACE"
	EnvExecutionName = "LAUNCHER_EXECUTION_NAME"
	EnvConfigDir     = "LAUNCHER_CONFIG_DIR"
)

// DefaultConfigDir is where init files are mounted inside a unit.
const DefaultConfigDir = "/config"

// JobRunConfig identifies a specific attempt of a job.
type JobRunConfig struct {
	JobID     string `json:"jobId"`
	AttemptID int64  `json:"attemptId"`
}

// ExecutionIdentity addresses one execution unit and its status record.
type ExecutionIdentity struct {
	Namespace string
	Name      string
}

// NewExecutionIdentity derives the identity of a job attempt.
// The same inputs always produce the same identity, which is what makes
// a retried launch attach to the unit created by an earlier invocation.
func NewExecutionIdentity(namespace, podNamePrefix string, cfg JobRunConfig) ExecutionIdentity {
	return ExecutionIdentity{
		Namespace: namespace,
		Name:      fmt.Sprintf("%s-job-%s-attempt-%d", podNamePrefix, cfg.JobID, cfg.AttemptID),
	}
}

// Key returns the status store key for this identity.
func (id ExecutionIdentity) Key() string {
	return id.Namespace + "/" + id.Name
}

func (id ExecutionIdentity) String() string {
	return id.Key()
}

// Ref returns the cluster reference of the unit addressed by this identity.
func (id ExecutionIdentity) Ref() UnitRef {
	return UnitRef{Namespace: id.Namespace, Name: id.Name}
}

// ResourceRequirements holds Kubernetes quantity strings. Empty values fall
// back to the backend defaults.
type ResourceRequirements struct {
	CPURequest    string `json:"cpu_request,omitempty"`
	CPULimit      string `json:"cpu_limit,omitempty"`
	MemoryRequest string `json:"memory_request,omitempty"`
	MemoryLimit   string `json:"memory_limit,omitempty"`
}

// LaunchSpec describes what to create when no unit exists for an attempt yet.
type LaunchSpec struct {
	ApplicationName      string
	Image                string
	Command              []string
	EnvironmentVariables map[string]string
	InputFiles           map[string][]byte
	// PortMappings maps container ports to exposed ports.
	PortMappings map[int]int
	Resources    ResourceRequirements
	Labels       map[string]string
}

// Clone returns a copy whose maps can be modified without touching the original.
func (s LaunchSpec) Clone() LaunchSpec {
	out := s
	out.Command = append([]string(nil), s.Command...)
	out.EnvironmentVariables = maps.Clone(s.EnvironmentVariables)
	out.InputFiles = maps.Clone(s.InputFiles)
	out.PortMappings = maps.Clone(s.PortMappings)
	out.Labels = maps.Clone(s.Labels)
	return out
}

// UnitRef references an execution unit in the cluster.
type UnitRef struct {
	Namespace string
	Name      string
}

func (r UnitRef) String() string {
	return r.Namespace + "/" + r.Name
}

// UnitSpec is everything a ClusterBackend needs to create a unit.
type UnitSpec struct {
	Image     string
	Command   []string
	Env       map[string]string
	Labels    map[string]string
	Resources ResourceRequirements
	Files     map[string][]byte
	Ports     map[int]int
	ConfigDir string
}

// UnitState is the cluster-level view of a unit.
type UnitState int

const (
	UnitMissing UnitState = iota
	UnitActive
	UnitTerminal
)

func (s UnitState) String() string {
	switch s {
	case UnitMissing:
		return "missing"
	case UnitActive:
		return "active"
	case UnitTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// OutcomeKind classifies how a launch ended.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeFailed
	OutcomeCancelled
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is the result of a launch that reached a decision.
// Remote failures and cancellations are returned as data, not as errors.
type Outcome[O any] struct {
	Kind     OutcomeKind
	ExitCode int
	Output   O
	// Err explains a failed or cancelled outcome. Nil on success.
	Err error
}

// AsError returns nil for a successful outcome and the failure reason otherwise.
func (o *Outcome[O]) AsError() error {
	if o == nil || o.Kind == OutcomeSucceeded {
		return nil
	}
	if o.Err != nil {
		return o.Err
	}
	if o.Kind == OutcomeCancelled {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %d", ErrNonZeroExit, o.ExitCode)
}
