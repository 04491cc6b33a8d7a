package launcher

import (
	"context"
	"encoding/json"
	"fmt"
)

// Worker is a unit of work that can be run once and cancelled concurrently.
type Worker[I, O any] interface {
	Run(ctx context.Context, input I) (O, error)
	Cancel(ctx context.Context) error
}

// LaunchWorker runs its input as a remote execution through a JobLauncher.
// Variants differ only in the LaunchSpec and the output decoder they use.
type LaunchWorker[I, O any] struct {
	launcher   *JobLauncher[O]
	logicalKey string
	spec       LaunchSpec
	runConfig  JobRunConfig
}

var _ Worker[struct{}, struct{}] = (*LaunchWorker[struct{}, struct{}])(nil)

// NewLaunchWorker creates a worker that launches spec under logicalKey for the attempt cfg.
func NewLaunchWorker[I, O any](l *JobLauncher[O], logicalKey string, spec LaunchSpec, cfg JobRunConfig) *LaunchWorker[I, O] {
	return &LaunchWorker[I, O]{
		launcher:   l,
		logicalKey: logicalKey,
		spec:       spec,
		runConfig:  cfg,
	}
}

// Run serializes input into the input init file, launches, and converts
// failed or cancelled outcomes into errors.
func (w *LaunchWorker[I, O]) Run(ctx context.Context, input I) (O, error) {
	var zero O

	payload, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("failed to encode input: %w", err)
	}

	spec := w.spec.Clone()
	if spec.InputFiles == nil {
		spec.InputFiles = make(map[string][]byte)
	}
	spec.InputFiles[InitFileInput] = payload

	outcome, err := w.launcher.Launch(ctx, w.logicalKey, spec, w.runConfig)
	if err != nil {
		return zero, err
	}
	if err := outcome.AsError(); err != nil {
		return zero, err
	}
	return outcome.Output, nil
}

func (w *LaunchWorker[I, O]) Cancel(ctx context.Context) error {
	return w.launcher.Cancel(ctx)
}
