package jobs

import (
	"context"
	"time"
)

// Proxy is another job's handle to a target job. Status reads go straight to
// the target; every mutation is routed through the manager so the invoker's
// permission is enforced on each call.
type Proxy struct {
	j       *Job
	invoker *Job
	m       *Manager
}

// ---- Status reads ----

func (p *Proxy) ID() string                { return p.j.ID() }
func (p *Proxy) ClassName() string         { return p.j.ClassName() }
func (p *Proxy) SchedulingID() string      { return p.j.SchedulingID() }
func (p *Proxy) Permission() PermissionLevel { return p.j.Permission() }
func (p *Proxy) State() string             { return p.j.State() }
func (p *Proxy) CreatorID() string         { return p.j.CreatorID() }
func (p *Proxy) ScheduleID() string        { return p.j.ScheduleID() }
func (p *Proxy) CreatedAt() time.Time      { return p.j.CreatedAt() }
func (p *Proxy) RegisteredAt() time.Time   { return p.j.RegisteredAt() }
func (p *Proxy) Alive() bool               { return p.j.Alive() }
func (p *Proxy) IsRunning() bool           { return p.j.IsRunning() }
func (p *Proxy) IsIdling() bool            { return p.j.IsIdling() }
func (p *Proxy) IsAwaiting() bool          { return p.j.IsAwaiting() }
func (p *Proxy) IsStopped() bool           { return p.j.IsStopped() }
func (p *Proxy) IsBeingStopped() bool      { return p.j.IsBeingStopped() }
func (p *Proxy) IsKilled() bool            { return p.j.IsKilled() }
func (p *Proxy) IsCompleted() bool         { return p.j.IsCompleted() }
func (p *Proxy) IsGuarded() bool           { return p.j.IsGuarded() }
func (p *Proxy) GuardianID() string        { return p.j.GuardianID() }
func (p *Proxy) Runs() int                 { return p.j.Runs() }
func (p *Proxy) StopReason() StopReason    { return p.j.StopReasonNow() }

// ---- Mutations (permission-checked per call) ----

func (p *Proxy) Start() error { return p.m.Start(p.invoker, p.j.id) }

func (p *Proxy) Stop(force bool, timeout time.Duration) error {
	return p.m.Stop(p.invoker, p.j.id, force, timeout)
}

func (p *Proxy) Restart(timeout time.Duration) error { return p.m.Restart(p.invoker, p.j.id, timeout) }
func (p *Proxy) Kill(timeout time.Duration) error    { return p.m.Kill(p.invoker, p.j.id, timeout) }
func (p *Proxy) Guard() error                        { return p.m.Guard(p.invoker, p.j.id) }
func (p *Proxy) Unguard() error                      { return p.m.Unguard(p.invoker, p.j.id) }

func (p *Proxy) Dispatch(s Stimulus) error {
	return p.m.DispatchTo(p.invoker, p.j.id, s)
}

// ---- Waits ----

// AwaitDone blocks until the target reaches a terminal state. Completion
// resolves with the target's set output fields; killing yields ErrCancelled.
func (p *Proxy) AwaitDone(ctx context.Context) (map[string]any, error) {
	f := p.j.doneFuture()
	v, err := f.wait(ctx)
	if err != nil {
		return nil, err
	}
	out, _ := v.(map[string]any)
	return out, nil
}

// AwaitUnguard blocks until the target is not guarded.
func (p *Proxy) AwaitUnguard(ctx context.Context) error {
	f := p.j.unguardFuture()
	_, err := f.wait(ctx)
	return err
}

// OutputField reads a declared output field without waiting.
func (p *Proxy) OutputField(name string) (any, bool, error) {
	return p.j.OutputField(name)
}

// AwaitOutputField blocks until the field is set. If the target terminates
// without setting it, the wait fails with ErrCancelled.
func (p *Proxy) AwaitOutputField(ctx context.Context, name string) (any, error) {
	f, err := p.j.fieldFuture(name)
	if err != nil {
		return nil, err
	}
	return f.wait(ctx)
}

// OutputQueue opens an independent consumer over a declared output queue.
func (p *Proxy) OutputQueue(name string) (*OutputQueueProxy, error) {
	p.j.mu.Lock()
	q, ok := p.j.outQueues[name]
	gen := uint64(0)
	if ok {
		gen = q.gen
	}
	p.j.mu.Unlock()
	if !ok {
		return nil, stateErrorf("OUTPUT_QUEUE", p.j.id, "undeclared output queue %q", name)
	}
	return &OutputQueueProxy{j: p.j, name: name, gen: gen}, nil
}

// ---- Job-side future constructors ----

func (j *Job) doneFuture() *future {
	j.mu.Lock()
	defer j.mu.Unlock()
	f := newFuture()
	switch {
	case j.completed:
		f.resolve(j.outputSnapshotLocked())
	case j.killed:
		f.cancel(ErrCancelled)
	default:
		j.doneWaiters = append(j.doneWaiters, f)
	}
	return f
}

func (j *Job) unguardFuture() *future {
	j.mu.Lock()
	defer j.mu.Unlock()
	f := newFuture()
	if j.guardianID == "" {
		f.resolve(nil)
	} else {
		j.unguardWaiters = append(j.unguardWaiters, f)
	}
	return f
}

func (j *Job) fieldFuture(name string) (*future, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fld, ok := j.outFields[name]
	if !ok {
		return nil, stateErrorf("AWAIT_OUTPUT_FIELD", j.id, "undeclared output field %q", name)
	}
	f := newFuture()
	switch {
	case fld.set:
		f.resolve(fld.val)
	case j.killed || j.completed:
		f.cancel(ErrCancelled)
	default:
		fld.waiters = append(fld.waiters, f)
	}
	return f, nil
}

// OutputQueueProxy is a cursor over a job's output queue. Each proxy reads
// the full stream independently. A queue clear bumps the queue generation;
// the proxy detects the mismatch and resets its cursor to the new stream.
type OutputQueueProxy struct {
	j      *Job
	name   string
	cursor int
	gen    uint64
}

func (qp *OutputQueueProxy) Generation() uint64 {
	qp.j.mu.Lock()
	defer qp.j.mu.Unlock()
	q := qp.j.outQueues[qp.name]
	return q.gen
}

// Len reports the items the proxy has not consumed yet.
func (qp *OutputQueueProxy) Len() int {
	qp.j.mu.Lock()
	defer qp.j.mu.Unlock()
	q := qp.j.outQueues[qp.name]
	if qp.gen != q.gen {
		return len(q.items)
	}
	return len(q.items) - qp.cursor
}

// Rescued returns a copy of the items drained into the rescue buffer by
// clears issued with rescue set.
func (qp *OutputQueueProxy) Rescued() []any {
	qp.j.mu.Lock()
	defer qp.j.mu.Unlock()
	q := qp.j.outQueues[qp.name]
	return append([]any(nil), q.rescue...)
}

// TryPop returns the next unconsumed item without blocking.
func (qp *OutputQueueProxy) TryPop() (any, bool) {
	qp.j.mu.Lock()
	defer qp.j.mu.Unlock()
	return qp.popLocked()
}

func (qp *OutputQueueProxy) popLocked() (any, bool) {
	q := qp.j.outQueues[qp.name]
	if qp.gen != q.gen {
		qp.gen = q.gen
		qp.cursor = 0
	}
	if qp.cursor < len(q.items) {
		v := q.items[qp.cursor]
		qp.cursor++
		return v, true
	}
	return nil, false
}

// Pop blocks until an item is available. The wait fails with ErrCancelled
// when the producing job terminates with nothing left to consume.
func (qp *OutputQueueProxy) Pop(ctx context.Context) (any, error) {
	for {
		qp.j.mu.Lock()
		if v, ok := qp.popLocked(); ok {
			qp.j.mu.Unlock()
			return v, nil
		}
		if qp.j.killed || qp.j.completed {
			qp.j.mu.Unlock()
			return nil, ErrCancelled
		}
		q := qp.j.outQueues[qp.name]
		f := newFuture()
		q.waiters = append(q.waiters, f)
		qp.j.mu.Unlock()

		if _, err := f.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// ManagerProxy is a job's ambient handle to its manager. Every call supplies
// the owning job as invoker, so handler code cannot escalate beyond its own
// class's level.
type ManagerProxy struct {
	m     *Manager
	owner *Job
}

func (mp *ManagerProxy) ManagerID() string { return mp.m.ID() }

func (mp *ManagerProxy) DefaultStopTimeout() time.Duration { return mp.m.DefaultStopTimeout() }

func (mp *ManagerProxy) Create(runtimeID string, args []any, kwargs map[string]any) (*Job, error) {
	return mp.m.Create(mp.owner, runtimeID, args, kwargs)
}

func (mp *ManagerProxy) InitJob(ctx context.Context, j *Job) error {
	return mp.m.InitJob(ctx, mp.owner, j)
}

func (mp *ManagerProxy) RegisterJob(j *Job, start bool) error {
	return mp.m.RegisterJob(mp.owner, j, start)
}

func (mp *ManagerProxy) CreateAndRegister(ctx context.Context, runtimeID string, args []any, kwargs map[string]any, start bool) (*Job, error) {
	return mp.m.CreateAndRegister(ctx, mp.owner, runtimeID, args, kwargs, start)
}

func (mp *ManagerProxy) Find(id string) (*Proxy, error) {
	return mp.m.Find(mp.owner, id)
}

func (mp *ManagerProxy) FindAll(f Filter) ([]*Proxy, error) {
	return mp.m.FindAll(mp.owner, f)
}

func (mp *ManagerProxy) Start(id string) error { return mp.m.Start(mp.owner, id) }

func (mp *ManagerProxy) Stop(id string, force bool, timeout time.Duration) error {
	return mp.m.Stop(mp.owner, id, force, timeout)
}

func (mp *ManagerProxy) Restart(id string, timeout time.Duration) error {
	return mp.m.Restart(mp.owner, id, timeout)
}

func (mp *ManagerProxy) Kill(id string, timeout time.Duration) error {
	return mp.m.Kill(mp.owner, id, timeout)
}
func (mp *ManagerProxy) Guard(id string) error   { return mp.m.Guard(mp.owner, id) }
func (mp *ManagerProxy) Unguard(id string) error { return mp.m.Unguard(mp.owner, id) }

func (mp *ManagerProxy) Dispatch(s Stimulus) (int, error) {
	return mp.m.Dispatch(mp.owner, s)
}

func (mp *ManagerProxy) DispatchTo(id string, s Stimulus) error {
	return mp.m.DispatchTo(mp.owner, id, s)
}

func (mp *ManagerProxy) WaitForStimulus(ctx context.Context, stimulusType string) (Stimulus, error) {
	return mp.m.WaitForStimulus(ctx, mp.owner, stimulusType)
}

func (mp *ManagerProxy) Schedule(schedulingID string, target time.Time, interval time.Duration, maxRecurrences int, args []any, kwargs map[string]any) (string, error) {
	return mp.m.Schedule(mp.owner, schedulingID, target, interval, maxRecurrences, args, kwargs)
}

func (mp *ManagerProxy) Unschedule(entryID string) error {
	return mp.m.Unschedule(mp.owner, entryID)
}

func (mp *ManagerProxy) HasSchedule(entryID string) bool    { return mp.m.HasSchedule(entryID) }
func (mp *ManagerProxy) ScheduleFailed(entryID string) bool { return mp.m.ScheduleFailed(entryID) }
func (mp *ManagerProxy) ScheduleIDs() []string              { return mp.m.ScheduleIDs() }
