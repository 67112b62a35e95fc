package jobs

import (
	"context"
	"errors"
	"time"

	logx "jobmill/pkg/logx"
)

// loop hosts one full lifecycle of start/run/stop cycles. It runs as a
// single supervised goroutine per registered job and exits only when the job
// reaches a terminal state or the manager shuts down.
func (j *Job) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-j.startCh:
		}
		j.cycle(ctx)

		j.mu.Lock()
		terminal := j.killed || j.completed
		j.mu.Unlock()
		if terminal {
			return nil
		}
	}
}

// cycle executes one start → run → stop sequence.
func (j *Job) cycle(parent context.Context) {
	runCtx, cancel := context.WithCancel(parent)
	defer cancel()

	j.mu.Lock()
	j.starting = true
	j.stopped = false
	j.startErr, j.runErr, j.stopErr = nil, nil, nil
	j.runCancel = cancel
	startupKill := j.startupKill
	if !startupKill {
		j.stopReason = StopUnknown
	}
	if startupKill {
		j.toldToKill = true
		j.toldToStop = true
		j.stopByForce = true
		j.skipRun = true
		if j.stopReason == StopUnknown {
			j.stopReason = StopExternalKilling
		}
	}
	if j.desc.ClearStimuliAtStartup {
		j.preQ = nil
		j.validQ = nil
	}
	j.mu.Unlock()

	// Drain a stale wake token from a previous cycle.
	select {
	case <-j.wakeCh:
	default:
	}

	if !startupKill {
		if st, ok := j.handler.(Starter); ok {
			if err := st.OnStart(runCtx, j); err != nil {
				j.mu.Lock()
				j.startErr = err
				j.requestStopLocked(true, true, StopInternalError)
				j.skipRun = true
				j.mu.Unlock()
				if h, ok := j.handler.(StartErrorHandler); ok {
					h.OnStartError(runCtx, j, err)
				} else if !j.log.IsZero() {
					j.log.Error("job start failed", logx.String("job", j.id), logx.Err(err))
				}
			}
		}
	}

	j.mu.Lock()
	j.starting = false
	j.running = true
	skip := j.skipRun || j.toldToStop
	j.mu.Unlock()

	if !skip {
		if j.desc.stimulusDriven() {
			j.stimulusLoop(runCtx)
		} else {
			j.intervalLoop(runCtx)
		}
	}

	j.finishStop()
}

// intervalLoop re-invokes the run handler on the class cadence until a stop
// is requested.
func (j *Job) intervalLoop(ctx context.Context) {
	runner, ok := j.handler.(Runner)
	if !ok {
		j.failRun(ctx, stateErrorf("RUN", j.id, "handler does not implement Runner"))
		return
	}
	for {
		j.mu.Lock()
		if j.toldToStop || ctx.Err() != nil {
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()

		err := runner.OnRun(ctx, j)

		j.mu.Lock()
		j.runs++
		runs := j.runs
		j.mu.Unlock()

		if err != nil {
			j.failRun(ctx, err)
			return
		}
		if j.desc.RunCount > 0 && runs >= j.desc.RunCount {
			j.selfStop(false, StopInternalCountLimit)
			return
		}
		if j.desc.Interval > 0 {
			if !j.idle(ctx, j.desc.Interval) {
				return
			}
		}
	}
}

// stimulusLoop pops validated stimuli and hands them to the handler.
func (j *Job) stimulusLoop(ctx context.Context) {
	sh, ok := j.handler.(StimulusHandler)
	if !ok {
		j.failRun(ctx, stateErrorf("RUN", j.id, "handler does not implement StimulusHandler"))
		return
	}
	for {
		j.mu.Lock()
		if j.toldToStop || ctx.Err() != nil {
			j.mu.Unlock()
			return
		}
		j.mu.Unlock()

		s, ok := j.nextStimulus(ctx)
		if !ok {
			return
		}

		err := sh.OnStimulus(ctx, j, s)

		j.mu.Lock()
		j.runs++
		runs := j.runs
		j.mu.Unlock()

		if err != nil {
			j.failRun(ctx, err)
			return
		}
		if j.desc.RunCount > 0 && runs >= j.desc.RunCount {
			j.selfStop(false, StopInternalCountLimit)
			return
		}
		if j.desc.Interval > 0 {
			if !j.idle(ctx, j.desc.Interval) {
				return
			}
		}
	}
}

// nextStimulus drains the pre-queue through the acceptance check (bounded by
// the per-iteration check limit), pops one validated stimulus, or applies
// the class's empty-queue policy.
func (j *Job) nextStimulus(ctx context.Context) (Stimulus, bool) {
	for {
		j.mu.Lock()
		if j.toldToStop || ctx.Err() != nil {
			j.mu.Unlock()
			return nil, false
		}

		checks := 0
		limit := j.desc.MaxStimulusChecks
		for len(j.preQ) > 0 && (limit <= 0 || checks < limit) {
			s := j.preQ[0]
			j.preQ = j.preQ[1:]
			checks++
			if j.acceptsLocked(s) {
				j.validQ = append(j.validQ, s)
			}
		}
		if len(j.validQ) > 0 {
			s := j.validQ[0]
			j.validQ = j.validQ[1:]
			j.mu.Unlock()
			return s, true
		}

		if j.desc.EmptyQueuePolicy == EmptyStop {
			j.requestStopLocked(false, true, StopInternalEmptyQueue)
			j.mu.Unlock()
			return nil, false
		}

		f := newFuture()
		j.stimWake = f
		j.awaiting = true
		j.mu.Unlock()

		var timeout time.Duration
		if j.desc.EmptyQueuePolicy == EmptyWaitTimeout {
			timeout = j.desc.EmptyQueueTimeout
		}
		_, err := f.waitTimeout(ctx, timeout)

		j.mu.Lock()
		j.stimWake = nil
		j.awaiting = false
		j.mu.Unlock()

		if err != nil {
			if errors.Is(err, errWaitTimeout) {
				j.selfStop(false, StopInternalIdleTimeout)
			}
			return nil, false
		}
		// Woken: loop back and drain.
	}
}

func (j *Job) acceptsLocked(s Stimulus) bool {
	checker, ok := j.handler.(StimulusChecker)
	if !ok {
		return true
	}
	return checker.CheckStimulus(j, s)
}

// offerStimulus is the dispatch-side ingestion point. Returns false when the
// stimulus was rejected (blocked queue, stop policy, or acceptance check).
func (j *Job) offerStimulus(s Stimulus) bool {
	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		return false
	}
	if j.queueBlocks > 0 {
		j.mu.Unlock()
		return false
	}
	if (j.toldToStop || j.stopping) && j.desc.BlockStimuliOnStop {
		j.mu.Unlock()
		return false
	}
	if j.stopped && j.desc.BlockStimuliWhileStopped {
		j.mu.Unlock()
		return false
	}
	if !j.acceptsLocked(s) {
		j.mu.Unlock()
		return false
	}
	j.preQ = append(j.preQ, s)
	f := j.stimWake
	j.mu.Unlock()

	if f != nil {
		f.resolve(nil)
	}
	return true
}

// idle suspends between iterations. Returns false when the loop should stop.
func (j *Job) idle(ctx context.Context, d time.Duration) bool {
	// Drain a stale wake token so an old nudge doesn't cut the idle short.
	select {
	case <-j.wakeCh:
	default:
	}

	j.mu.Lock()
	if j.toldToStop {
		j.mu.Unlock()
		return false
	}
	j.idling = true
	j.idlingSince = time.Now()
	j.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	elapsed := false
	select {
	case <-ctx.Done():
	case <-j.wakeCh:
	case <-t.C:
		elapsed = true
	}

	j.mu.Lock()
	j.idling = false
	told := j.toldToStop
	j.mu.Unlock()
	return elapsed && !told && ctx.Err() == nil
}

func (j *Job) selfStop(force bool, reason StopReason) {
	j.mu.Lock()
	j.requestStopLocked(force, true, reason)
	cancel := j.cancelIfForcedLocked()
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// failRun records a run-handler failure, routes it to the error hook, and
// escalates into a self-initiated forced stop.
func (j *Job) failRun(ctx context.Context, err error) {
	j.mu.Lock()
	j.runErr = err
	j.mu.Unlock()
	if h, ok := j.handler.(RunErrorHandler); ok {
		h.OnRunError(ctx, j, err)
	} else if !j.log.IsZero() {
		j.log.Error("job run failed", logx.String("job", j.id), logx.Err(err))
	}
	j.selfStop(true, StopInternalError)
}

// finishStop runs the stop handler (bounded by the stop timeout), the
// unconditional stop-cleanup, and the restart continuation.
func (j *Job) finishStop() {
	j.mu.Lock()
	j.stopping = true
	j.running = false
	j.idling = false
	wasStartupKill := j.startupKill
	bySelf := j.stopBySelf
	timeout := j.stopTimeout
	j.mu.Unlock()
	if timeout <= 0 {
		timeout = j.mgr.defaultStopTimeout
	}

	if st, ok := j.handler.(Stopper); ok && !wasStartupKill {
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		done := make(chan error, 1)
		go func() { done <- st.OnStop(sctx, j) }()
		var err error
		select {
		case err = <-done:
		case <-sctx.Done():
			err = context.DeadlineExceeded
		}
		cancel()
		if err != nil {
			j.mu.Lock()
			j.stopErr = err
			j.mu.Unlock()
			timedOut := errors.Is(err, context.DeadlineExceeded)
			// A self-stopping job's handler timeout is not escalated.
			if !(bySelf && timedOut) {
				if h, ok := j.handler.(StopErrorHandler); ok {
					h.OnStopError(context.Background(), j, err)
				} else if !j.log.IsZero() {
					j.log.Error("job stop handler failed", logx.String("job", j.id), logx.Err(err))
				}
			}
		}
	}

	j.stopCleanup()

	j.mu.Lock()
	terminal := j.killed || j.completed
	restart := false
	if !terminal {
		if j.toldToKill {
			// A kill arrived after cleanup read the flags; re-run the cycle as
			// a synthetic startup-kill so it is not lost.
			j.startupKill = true
			restart = true
		} else if j.toldToReRun {
			restart = true
			j.startupKill = false
		} else {
			j.startupKill = false
		}
		j.stopped = true
	}
	j.toldToStop = false
	j.stopBySelf = false
	j.stopByForce = false
	j.skipRun = false
	j.stopping = false
	j.toldToReRun = false
	j.stopTimeout = 0
	j.runCancel = nil
	if !terminal && !j.startupKill {
		j.toldToKill = false
		j.toldToFinish = false
	}
	j.mu.Unlock()

	if restart {
		j.signalStart()
	}
}

// stopCleanup runs unconditionally after the stop handler. It consumes the
// kill/complete marks, settles pending futures, releases guards, and ejects
// the job from the manager on terminal outcomes.
func (j *Job) stopCleanup() {
	now := time.Now()
	j.mu.Lock()
	killed := j.toldToKill
	completed := j.toldToFinish && !killed
	if killed {
		j.killed = true
		j.killedAt = now
	}
	if completed {
		j.completed = true
		j.completedAt = now
	}
	terminal := killed || completed

	var (
		doneWaiters  []*future
		fieldWaiters []struct {
			f   *future
			set bool
			val any
		}
		queueWaiters []*future
		stimWake     *future
		output       map[string]any
	)
	if terminal {
		output = j.outputSnapshotLocked()
		doneWaiters = j.doneWaiters
		j.doneWaiters = nil
		for _, fld := range j.outFields {
			for _, f := range fld.waiters {
				fieldWaiters = append(fieldWaiters, struct {
					f   *future
					set bool
					val any
				}{f, fld.set, fld.val})
			}
			fld.waiters = nil
		}
		for _, q := range j.outQueues {
			queueWaiters = append(queueWaiters, q.waiters...)
			q.waiters = nil
		}
		stimWake = j.stimWake
		j.stimWake = nil
	}
	j.mu.Unlock()

	// Settle futures outside the job lock.
	for _, f := range doneWaiters {
		if completed {
			f.resolve(output)
		} else {
			f.cancel(ErrCancelled)
		}
	}
	for _, w := range fieldWaiters {
		if completed && w.set {
			w.f.resolve(w.val)
		} else {
			w.f.cancel(ErrCancelled)
		}
	}
	for _, f := range queueWaiters {
		f.cancel(ErrCancelled)
	}
	if stimWake != nil {
		stimWake.cancel(ErrCancelled)
	}

	// Manager-side cleanup: guard release, counters, registry eject.
	j.mgr.jobStopped(j, terminal)
}
