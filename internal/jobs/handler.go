package jobs

import "context"

// Runner is the per-iteration hook for interval-driven jobs. OnRun is
// re-invoked on the class's cadence until the job stops.
type Runner interface {
	OnRun(ctx context.Context, j *Job) error
}

// StimulusHandler is the per-stimulus hook for stimulus-driven jobs. It is
// invoked once per validated stimulus popped from the job's queue.
type StimulusHandler interface {
	OnStimulus(ctx context.Context, j *Job, s Stimulus) error
}

// StimulusChecker is an optional acceptance predicate for stimulus-driven
// jobs. When absent, every dispatched stimulus of a subscribed type is
// accepted. It must be side-effect free; it may run more than once per
// stimulus (at dispatch and while draining the pre-queue).
type StimulusChecker interface {
	CheckStimulus(j *Job, s Stimulus) bool
}

// Initializer is the optional setup hook, run exactly once before a job may
// be registered.
type Initializer interface {
	OnInit(ctx context.Context, j *Job) error
}

// Starter is the optional per-cycle startup hook.
type Starter interface {
	OnStart(ctx context.Context, j *Job) error
}

// Stopper is the optional stop hook, bounded by the stop timeout.
type Stopper interface {
	OnStop(ctx context.Context, j *Job) error
}

// Error hooks. When absent, the lifecycle core logs and continues toward
// normal stop-cleanup.
type (
	StartErrorHandler interface {
		OnStartError(ctx context.Context, j *Job, err error)
	}
	RunErrorHandler interface {
		OnRunError(ctx context.Context, j *Job, err error)
	}
	StopErrorHandler interface {
		OnStopError(ctx context.Context, j *Job, err error)
	}
)
