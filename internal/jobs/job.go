package jobs

import (
	"context"
	"sync"
	"time"

	logx "jobmill/pkg/logx"
)

// Job is a live instance of a registered job class.
//
// Lifecycle flags are independent booleans rather than a single enum;
// several can be true at once (e.g. stopping while being killed). The
// mutually-exclusive macro-state is derived: see State().
//
// A job's own handler code receives the *Job and may use the self-operations
// (Stop, Kill, Complete, Restart, output writes) freely; other jobs interact
// through the proxy layer, which routes every mutation through the manager's
// permission checks.
type Job struct {
	id        string
	desc      *Descriptor
	handler   any
	mgr       *Manager
	mp        *ManagerProxy
	log       logx.Logger
	createdAt time.Time
	creatorID string

	// scheduleID is the schedule entry that created this job, if any.
	scheduleID string

	data *Namespace

	mu           sync.Mutex
	registeredAt time.Time
	killedAt     time.Time
	completedAt  time.Time
	guardianID   string

	initializing bool
	initialized  bool
	starting     bool
	running      bool
	idling       bool
	idlingSince  time.Time
	awaiting     bool
	toldToStop   bool
	stopBySelf   bool
	stopByForce  bool
	skipRun      bool
	stopping     bool
	stopped      bool
	toldToKill   bool
	toldToFinish bool // completion requested
	toldToReRun  bool // restart requested
	startupKill  bool
	killed       bool
	completed    bool

	stopReason  StopReason
	stopTimeout time.Duration

	runs     int
	startErr error
	runErr   error
	stopErr  error

	runCancel context.CancelFunc

	startCh chan struct{}
	wakeCh  chan struct{}

	outFields map[string]*outputField
	outQueues map[string]*outputQueue

	doneWaiters    []*future
	unguardWaiters []*future

	preQ        []Stimulus
	validQ      []Stimulus
	stimWake    *future
	queueBlocks int
}

// ---- Identity and static accessors ----

func (j *Job) ID() string              { return j.id }
func (j *Job) ClassName() string       { return j.desc.Name }
func (j *Job) ClassRuntimeID() string  { return j.desc.runtimeID }
func (j *Job) SchedulingID() string    { return j.desc.SchedulingID }
func (j *Job) Permission() PermissionLevel {
	if j == nil {
		return 0
	}
	return j.desc.Permission
}
func (j *Job) CreatedAt() time.Time { return j.createdAt }
func (j *Job) CreatorID() string    { return j.creatorID }
func (j *Job) ScheduleID() string   { return j.scheduleID }
func (j *Job) Data() *Namespace     { return j.data }

// Mgr returns the job's ambient handle to the manager; every call through it
// supplies this job as invoker.
func (j *Job) Mgr() *ManagerProxy { return j.mp }

// ---- Timestamps and status ----

func (j *Job) RegisteredAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.registeredAt
}

func (j *Job) KilledAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.killedAt
}

func (j *Job) CompletedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completedAt
}

func (j *Job) Initialized() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.initialized
}

// Alive reports whether the job is registered and has not reached a terminal
// state. Alive is exactly the registry-membership invariant.
func (j *Job) Alive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.aliveLocked()
}

func (j *Job) aliveLocked() bool {
	return !j.registeredAt.IsZero() && !j.killed && !j.completed
}

func (j *Job) IsStarting() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.starting
}

func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) IsIdling() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.idling
}

func (j *Job) IsAwaiting() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.awaiting
}

func (j *Job) IsBeingStopped() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.toldToStop || j.stopping
}

func (j *Job) IsStopped() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopped
}

func (j *Job) IsBeingKilled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.toldToKill && !j.killed
}

func (j *Job) IsKilled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.killed
}

func (j *Job) IsBeingCompleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.toldToFinish && !j.completed
}

func (j *Job) IsCompleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.completed
}

func (j *Job) IsBeingRestarted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.toldToReRun
}

func (j *Job) IsGuarded() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.guardianID != ""
}

func (j *Job) GuardianID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.guardianID
}

func (j *Job) Runs() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs
}

func (j *Job) StopReasonNow() StopReason {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopReason
}

func (j *Job) StartError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startErr
}

func (j *Job) RunError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runErr
}

func (j *Job) StopError() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stopErr
}

// State returns the current mutually-exclusive macro-state.
// At most one of running/stopped/completed/killed holds at any time.
func (j *Job) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.killed:
		return "killed"
	case j.completed:
		return "completed"
	case j.running || j.starting || j.stopping:
		return "running"
	case j.stopped:
		return "stopped"
	case j.initialized:
		return "initialized"
	default:
		return "created"
	}
}

// ---- Self operations ----
//
// These act on the job itself, bypassing manager permission checks: a job
// always has full authority over its own lifecycle.

// Stop requests a self stop. Graceful stops let the current iteration
// finish; forced stops cancel the iteration context.
func (j *Job) Stop(force bool) error {
	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		return stateErrorf("STOP", j.id, "job is terminal")
	}
	if !j.running && !j.starting {
		j.mu.Unlock()
		return stateErrorf("STOP", j.id, "job is not running")
	}
	j.requestStopLocked(force, true, StopInternal)
	cancel := j.cancelIfForcedLocked()
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.wake()
	return nil
}

// Kill force-stops the job and marks it for the killed terminal state.
func (j *Job) Kill() error {
	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		return stateErrorf("KILL", j.id, "job is terminal")
	}
	j.toldToKill = true
	if j.running || j.starting || j.stopping {
		j.requestStopLocked(true, true, StopInternalKilling)
		cancel := j.cancelIfForcedLocked()
		j.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		j.wake()
		return nil
	}
	// Not running: synthetic start-then-terminate so cleanup runs exactly once.
	j.startupKill = true
	j.stopReason = StopInternalKilling
	j.mu.Unlock()
	j.signalStart()
	return nil
}

// Complete gracefully stops the job and marks it for the completed terminal
// state. Completion is self-initiated only; there is no manager verb for it.
func (j *Job) Complete() error {
	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		return stateErrorf("COMPLETE", j.id, "job is terminal")
	}
	if !j.running && !j.starting {
		j.mu.Unlock()
		return stateErrorf("COMPLETE", j.id, "job is not running")
	}
	j.toldToFinish = true
	j.requestStopLocked(false, true, StopInternalCompletion)
	j.mu.Unlock()
	j.wake()
	return nil
}

// Restart registers a one-shot continuation that re-starts the job once its
// current stop sequence finishes.
func (j *Job) Restart() error {
	j.mu.Lock()
	if j.killed || j.completed || j.toldToKill || j.toldToFinish || j.stopByForce {
		j.mu.Unlock()
		return stateErrorf("RESTART", j.id, "job is being killed, completed, or force-stopped")
	}
	if !j.running && !j.starting {
		j.mu.Unlock()
		return stateErrorf("RESTART", j.id, "job is not running")
	}
	j.toldToReRun = true
	j.requestStopLocked(false, true, StopInternalRestart)
	j.mu.Unlock()
	j.wake()
	return nil
}

// BlockQueue blocks stimulus ingestion until the returned release function
// is called. Blockers nest.
func (j *Job) BlockQueue() (func(), error) {
	if !j.desc.stimulusDriven() {
		return nil, stateErrorf("BLOCK_QUEUE", j.id, "job is not stimulus-driven")
	}
	j.mu.Lock()
	j.queueBlocks++
	j.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			j.mu.Lock()
			if j.queueBlocks > 0 {
				j.queueBlocks--
			}
			j.mu.Unlock()
		})
	}, nil
}

// ---- Internal stop plumbing ----

// requestStopLocked records a stop request. First request wins the reason.
func (j *Job) requestStopLocked(force, bySelf bool, reason StopReason) {
	if !j.toldToStop {
		j.toldToStop = true
		j.stopBySelf = bySelf
		j.stopReason = reason
	}
	// Idling always stops forcefully: there is no current iteration to protect.
	if force || j.idling {
		j.stopByForce = true
	}
}

func (j *Job) cancelIfForcedLocked() context.CancelFunc {
	if j.stopByForce {
		return j.runCancel
	}
	return nil
}

func (j *Job) signalStart() {
	select {
	case j.startCh <- struct{}{}:
	default:
	}
}

// wake nudges the loop out of idling or an empty-queue wait.
func (j *Job) wake() {
	select {
	case j.wakeCh <- struct{}{}:
	default:
	}
	j.mu.Lock()
	f := j.stimWake
	j.mu.Unlock()
	if f != nil {
		f.resolve(nil)
	}
}
