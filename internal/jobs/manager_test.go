package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"jobmill/internal/config"
	logx "jobmill/pkg/logx"
)

// ---- Test helpers ----

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.ManagerConfig{SchedulePoll: "1h"}, logx.Nop(), nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = m.Shutdown(sctx)
		scancel()
		cancel()
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testRunner struct {
	onRun func(context.Context, *Job) error
}

func (h *testRunner) OnRun(ctx context.Context, j *Job) error { return h.onRun(ctx, j) }

type testStimHandler struct {
	onStim func(context.Context, *Job, Stimulus) error
	check  func(*Job, Stimulus) bool
}

func (h *testStimHandler) OnStimulus(ctx context.Context, j *Job, s Stimulus) error {
	return h.onStim(ctx, j, s)
}

func (h *testStimHandler) CheckStimulus(j *Job, s Stimulus) bool {
	if h.check == nil {
		return true
	}
	return h.check(j, s)
}

func mustRegister(t *testing.T, m *Manager, d Descriptor) string {
	t.Helper()
	id, err := m.RegisterClass(d)
	if err != nil {
		t.Fatalf("RegisterClass(%s): %v", d.Name, err)
	}
	return id
}

func mustSpawn(t *testing.T, m *Manager, invoker *Job, runtimeID string) *Job {
	t.Helper()
	j, err := m.CreateAndRegister(context.Background(), invoker, runtimeID, nil, nil, false)
	if err != nil {
		t.Fatalf("CreateAndRegister(%s): %v", runtimeID, err)
	}
	return j
}

// staticHandler builds a constructor returning the given handler instance.
func staticHandler(h any) func([]any, map[string]any) (any, error) {
	return func([]any, map[string]any) (any, error) { return h, nil }
}

// ---- Lifecycle ----

func TestLifecycleRunAndStop(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var runs atomic.Int64
	id := mustRegister(t, m, Descriptor{
		Name:     "ticker",
		Interval: time.Millisecond,
		New: staticHandler(&testRunner{onRun: func(context.Context, *Job) error {
			runs.Add(1)
			return nil
		}}),
	})

	j := mustSpawn(t, m, nil, id)
	if got := j.State(); got != "initialized" {
		t.Fatalf("state after register = %q, want initialized", got)
	}

	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "job running", func() bool { return j.State() == "running" })
	waitFor(t, "iterations", func() bool { return runs.Load() >= 3 })

	if err := m.Stop(nil, j.ID(), false, 0); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "job stopped", func() bool { return j.State() == "stopped" })

	if j.StopReasonNow() != StopExternal {
		t.Fatalf("stop reason = %s, want external", j.StopReasonNow())
	}
	if !j.Alive() {
		t.Fatal("stopped job must remain registered")
	}

	// A stopped job can be started again.
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("restart from stopped: %v", err)
	}
	waitFor(t, "job running again", func() bool { return j.State() == "running" })
}

func TestMacroStateExclusive(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := mustRegister(t, m, Descriptor{
		Name:     "block",
		Interval: time.Millisecond,
		New: staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error {
			<-ctx.Done()
			return nil
		}}),
	})
	j := mustSpawn(t, m, nil, id)
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "running", func() bool { return j.State() == "running" })

	if err := m.Kill(nil, j.ID(), 0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitFor(t, "killed", func() bool { return j.IsKilled() })

	if j.State() != "killed" {
		t.Fatalf("state = %q, want killed", j.State())
	}
	if j.IsRunning() || j.IsStopped() || j.IsCompleted() {
		t.Fatal("terminal macro-state must be exclusive")
	}
	// Terminal states are irreversible.
	if err := m.Start(nil, j.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Start on killed job = %v, want ErrNotFound after ejection", err)
	}
}

func TestCompleteResolvesDoneWithOutputs(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := mustRegister(t, m, Descriptor{
		Name:         "oneshot",
		OutputFields: []string{"result"},
		New: staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error {
			if err := j.SetOutputField("result", 42); err != nil {
				return err
			}
			return j.Complete()
		}}),
	})
	j := mustSpawn(t, m, nil, id)
	p, err := m.Find(nil, j.ID())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := p.AwaitDone(ctx)
	if err != nil {
		t.Fatalf("AwaitDone: %v", err)
	}
	if out["result"] != 42 {
		t.Fatalf("output result = %v, want 42", out["result"])
	}
	if !p.IsCompleted() {
		t.Fatal("job must be completed")
	}
	waitFor(t, "ejection", func() bool { return m.JobCount() == 0 })
}

func TestKillCancelsDoneWaiters(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := mustRegister(t, m, Descriptor{
		Name: "forever",
		New: staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error {
			<-ctx.Done()
			return nil
		}}),
	})
	j := mustSpawn(t, m, nil, id)
	p, _ := m.Find(nil, j.ID())
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "running", func() bool { return p.IsRunning() })

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := p.AwaitDone(ctx)
		errCh <- err
	}()

	if err := m.Kill(nil, j.ID(), 0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrCancelled) {
		t.Fatalf("AwaitDone after kill = %v, want ErrCancelled", err)
	}
}

func TestKillStoppedJobViaSyntheticStart(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	started := make(chan struct{}, 8)
	id := mustRegister(t, m, Descriptor{
		Name: "idleclass",
		New: staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error {
			started <- struct{}{}
			return nil
		}}),
	})
	j := mustSpawn(t, m, nil, id)

	// Never started; killing must still reach the killed terminal state.
	if err := m.Kill(nil, j.ID(), 0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitFor(t, "killed", func() bool { return j.IsKilled() })

	select {
	case <-started:
		t.Fatal("run handler must not execute during a synthetic start")
	default:
	}
	waitFor(t, "ejection", func() bool { return m.JobCount() == 0 })
}

func TestSingletonReRegisterAfterKill(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	id := mustRegister(t, m, Descriptor{
		Name:      "single",
		Singleton: true,
		New:       staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})

	first := mustSpawn(t, m, nil, id)

	_, err := m.CreateAndRegister(context.Background(), nil, id, nil, nil, false)
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("second instance err = %v, want StateError", err)
	}

	if err := m.Kill(nil, first.ID(), 0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitFor(t, "first ejected", func() bool { return m.JobCount() == 0 })

	if _, err := m.CreateAndRegister(context.Background(), nil, id, nil, nil, false); err != nil {
		t.Fatalf("re-register after kill: %v", err)
	}
}

func TestRestartRunsNewCycle(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var runs atomic.Int64
	id := mustRegister(t, m, Descriptor{
		Name: "restarter",
		New: staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error {
			if runs.Add(1) == 1 {
				return j.Restart()
			}
			return j.Complete()
		}}),
	})
	j := mustSpawn(t, m, nil, id)
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "completion after restart", func() bool { return j.IsCompleted() })
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2 (one per cycle)", got)
	}
}

// ---- Permission boundary ----

func TestPermissionBoundary(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	medID := mustRegister(t, m, Descriptor{
		Name:       "med",
		Permission: PermMedium,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})
	highID := mustRegister(t, m, Descriptor{
		Name:       "high",
		Permission: PermHigh,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})
	lowestID := mustRegister(t, m, Descriptor{
		Name:       "tiny",
		Permission: PermLowest,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})

	med := mustSpawn(t, m, nil, medID)
	high := mustSpawn(t, m, nil, highID)

	// A MEDIUM job cannot kill a HIGH job.
	err := m.Kill(med, high.ID(), 0)
	var pe *PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("medium killing high = %v, want PermissionError", err)
	}

	// A MEDIUM job cannot create a MEDIUM-level job.
	if _, err := m.CreateAndRegister(context.Background(), med, medID, nil, nil, false); !errors.As(err, &pe) {
		t.Fatalf("medium creating medium = %v, want PermissionError", err)
	}

	// A MEDIUM job can create and kill its own LOWEST job.
	tiny, err := m.CreateAndRegister(context.Background(), med, lowestID, nil, nil, false)
	if err != nil {
		t.Fatalf("medium creating lowest: %v", err)
	}
	if err := m.Kill(med, tiny.ID(), 0); err != nil {
		t.Fatalf("medium killing own lowest: %v", err)
	}
	waitFor(t, "tiny killed", func() bool { return tiny.IsKilled() })

	// But not a foreign LOWEST job.
	foreign := mustSpawn(t, m, nil, lowestID)
	if err := m.Kill(med, foreign.ID(), 0); !errors.As(err, &pe) {
		t.Fatalf("medium killing foreign lowest = %v, want PermissionError", err)
	}
}

func TestGuardBlocksControl(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	highID := mustRegister(t, m, Descriptor{
		Name:       "guardian",
		Permission: PermHigh,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})
	lowID := mustRegister(t, m, Descriptor{
		Name:       "ward",
		Permission: PermLow,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})

	guardian := mustSpawn(t, m, nil, highID)
	attacker := mustSpawn(t, m, nil, highID)
	ward, err := m.CreateAndRegister(context.Background(), guardian, lowID, nil, nil, false)
	if err != nil {
		t.Fatalf("guardian creating ward: %v", err)
	}

	// Only the creator may guard.
	var pe *PermissionError
	if err := m.Guard(attacker, ward.ID()); !errors.As(err, &pe) {
		t.Fatalf("non-creator guard = %v, want PermissionError", err)
	}
	if err := m.Guard(guardian, ward.ID()); err != nil {
		t.Fatalf("Guard: %v", err)
	}
	if !ward.IsGuarded() || ward.GuardianID() != guardian.ID() {
		t.Fatal("ward must be guarded by guardian")
	}

	// Guarded: lifecycle verbs from anyone but the guardian are denied.
	if err := m.Kill(attacker, ward.ID(), 0); !errors.As(err, &pe) {
		t.Fatalf("kill of guarded job = %v, want PermissionError", err)
	}
	// Peers cannot unguard either: the level suffices, the guard state denies.
	var se *StateError
	if err := m.Unguard(attacker, ward.ID()); !errors.As(err, &se) {
		t.Fatalf("peer unguard = %v, want StateError", err)
	}

	// AwaitUnguard resolves once released.
	p, _ := m.Find(nil, ward.ID())
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- p.AwaitUnguard(ctx)
	}()

	if err := m.Unguard(guardian, ward.ID()); err != nil {
		t.Fatalf("Unguard: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("AwaitUnguard: %v", err)
	}

	// Unguarded: the attacker may now kill the low-level ward.
	if err := m.Kill(attacker, ward.ID(), 0); err != nil {
		t.Fatalf("kill after unguard: %v", err)
	}
}

func TestGuardDissolvesWithGuardian(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	highID := mustRegister(t, m, Descriptor{
		Name:       "keeper",
		Permission: PermHigh,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})
	lowID := mustRegister(t, m, Descriptor{
		Name:       "kept",
		Permission: PermLow,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})

	keeper := mustSpawn(t, m, nil, highID)
	kept, err := m.CreateAndRegister(context.Background(), keeper, lowID, nil, nil, false)
	if err != nil {
		t.Fatalf("create kept: %v", err)
	}
	if err := m.Guard(keeper, kept.ID()); err != nil {
		t.Fatalf("Guard: %v", err)
	}

	if err := m.Kill(nil, keeper.ID(), 0); err != nil {
		t.Fatalf("Kill keeper: %v", err)
	}
	waitFor(t, "guard released", func() bool { return !kept.IsGuarded() })
}

// ---- Stimulus dispatch ----

func TestEmptyQueueStopImmediately(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var invoked atomic.Bool
	id := mustRegister(t, m, Descriptor{
		Name:             "drainer",
		Stimuli:          []string{"work"},
		EmptyQueuePolicy: EmptyStop,
		New: staticHandler(&testStimHandler{onStim: func(ctx context.Context, j *Job, s Stimulus) error {
			invoked.Store(true)
			return nil
		}}),
	})
	j := mustSpawn(t, m, nil, id)
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "stopped on empty queue", func() bool { return j.IsStopped() })

	if invoked.Load() {
		t.Fatal("handler must not run when the queue is empty")
	}
	if j.StopReasonNow() != StopInternalEmptyQueue {
		t.Fatalf("stop reason = %s, want internal_empty_queue", j.StopReasonNow())
	}
}

func TestDispatchFanoutWithClones(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	type seen struct {
		mu   sync.Mutex
		vals []string
	}
	makeClass := func(name string, s *seen, mutate bool) string {
		return mustRegister(t, m, Descriptor{
			Name:    name,
			Stimuli: []string{"evt"},
			New: staticHandler(&testStimHandler{onStim: func(ctx context.Context, j *Job, st Stimulus) error {
				sig := st.(Signal)
				if mutate {
					sig.Payload["v"] = "mutated"
				}
				v, _ := sig.Payload["v"].(string)
				s.mu.Lock()
				s.vals = append(s.vals, v)
				s.mu.Unlock()
				return nil
			}}),
		})
	}

	var a, b seen
	ja := mustSpawn(t, m, nil, makeClass("suba", &a, true))
	jb := mustSpawn(t, m, nil, makeClass("subb", &b, false))
	for _, j := range []*Job{ja, jb} {
		if err := m.Start(nil, j.ID()); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	waitFor(t, "both awaiting", func() bool { return ja.IsAwaiting() && jb.IsAwaiting() })

	n, err := m.Dispatch(nil, Signal{Kind: "evt", Payload: map[string]any{"v": "orig"}})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 2 {
		t.Fatalf("accepted = %d, want 2", n)
	}

	waitFor(t, "both handled", func() bool {
		a.mu.Lock()
		na := len(a.vals)
		a.mu.Unlock()
		b.mu.Lock()
		nb := len(b.vals)
		b.mu.Unlock()
		return na == 1 && nb == 1
	})
	// Mutation by one consumer must not leak into the other's copy.
	b.mu.Lock()
	got := b.vals[0]
	b.mu.Unlock()
	if got != "orig" {
		t.Fatalf("second consumer saw %q, want orig", got)
	}
}

func TestStartOnDispatchWakesStoppedJob(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var handled atomic.Int64
	id := mustRegister(t, m, Descriptor{
		Name:             "ondemand",
		Stimuli:          []string{"task"},
		EmptyQueuePolicy: EmptyStop,
		StartOnDispatch:  true,
		New: staticHandler(&testStimHandler{onStim: func(ctx context.Context, j *Job, s Stimulus) error {
			handled.Add(1)
			return nil
		}}),
	})
	j := mustSpawn(t, m, nil, id)
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "initial stop", func() bool { return j.IsStopped() })

	if _, err := m.Dispatch(nil, Signal{Kind: "task"}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "handled after wake", func() bool { return handled.Load() == 1 })
	waitFor(t, "stopped again", func() bool { return j.IsStopped() })
}

func TestDispatchRequiresHighLevel(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	medID := mustRegister(t, m, Descriptor{
		Name:       "sender",
		Permission: PermMedium,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})
	med := mustSpawn(t, m, nil, medID)

	var pe *PermissionError
	if _, err := m.Dispatch(med, Signal{Kind: "evt"}); !errors.As(err, &pe) {
		t.Fatalf("medium dispatch = %v, want PermissionError", err)
	}
}

func TestWaitForStimulus(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	got := make(chan Stimulus, 1)
	ready := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		close(ready)
		s, err := m.WaitForStimulus(ctx, nil, "ping")
		if err != nil {
			t.Errorf("WaitForStimulus: %v", err)
			close(got)
			return
		}
		got <- s
	}()
	<-ready
	time.Sleep(20 * time.Millisecond)

	if _, err := m.Dispatch(nil, Signal{Kind: "ping", Payload: map[string]any{"n": 1}}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	s := <-got
	if s == nil || s.StimulusType() != "ping" {
		t.Fatalf("waited stimulus = %v, want ping", s)
	}
}

// ---- Scheduling ----

func TestSchedulingOneShot(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var fired atomic.Int64
	mustRegister(t, m, Descriptor{
		Name:         "ping",
		SchedulingID: "sched.ping",
		Permission:   PermLow,
		New: staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error {
			fired.Add(1)
			return j.Complete()
		}}),
	})

	now := time.Now()
	id, err := m.Schedule(nil, "sched.ping", now, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !m.HasSchedule(id) {
		t.Fatal("entry must exist before firing")
	}

	if n := m.RunSchedulingPass(now.Add(time.Millisecond)); n != 1 {
		t.Fatalf("pass registered %d jobs, want 1", n)
	}
	if m.HasSchedule(id) {
		t.Fatal("one-shot entry must be removed after firing")
	}
	waitFor(t, "scheduled job ran", func() bool { return fired.Load() == 1 })

	// A later pass must not fire it again.
	if n := m.RunSchedulingPass(now.Add(time.Hour)); n != 0 {
		t.Fatalf("second pass registered %d jobs, want 0", n)
	}
}

func TestSchedulingRecurringMaxTwo(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	mustRegister(t, m, Descriptor{
		Name:         "pulse",
		SchedulingID: "sched.pulse",
		Permission:   PermLow,
		New: staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error {
			return j.Complete()
		}}),
	})

	t0 := time.Now()
	interval := time.Hour
	id, err := m.Schedule(nil, "sched.pulse", t0, interval, 2, nil, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	total := 0
	total += m.RunSchedulingPass(t0)                        // first firing
	total += m.RunSchedulingPass(t0.Add(30 * time.Minute))  // not due
	total += m.RunSchedulingPass(t0.Add(interval))          // second firing
	total += m.RunSchedulingPass(t0.Add(2 * interval))      // exhausted
	total += m.RunSchedulingPass(t0.Add(10 * interval))     // still exhausted

	if total != 2 {
		t.Fatalf("recurring entry fired %d times, want exactly 2", total)
	}
	if m.HasSchedule(id) {
		t.Fatal("exhausted entry must be removed")
	}
}

func TestSchedulingUnknownClassFails(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	now := time.Now()
	id, err := m.Schedule(nil, "sched.ghost", now, 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("Schedule of unknown class must be accepted, got %v", err)
	}

	if n := m.RunSchedulingPass(now.Add(time.Millisecond)); n != 0 {
		t.Fatalf("pass registered %d jobs, want 0", n)
	}
	if !m.ScheduleFailed(id) {
		t.Fatal("entry must land in the failure bucket")
	}
	if !m.HasSchedule(id) {
		t.Fatal("failed entry must remain inspectable")
	}
}

func TestUnschedulePermissions(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	mustRegister(t, m, Descriptor{
		Name:         "chore",
		SchedulingID: "sched.chore",
		Permission:   PermLow,
		New:          staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})
	medID := mustRegister(t, m, Descriptor{
		Name:       "owner",
		Permission: PermMedium,
		New:        staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }}),
	})

	owner := mustSpawn(t, m, nil, medID)
	peer := mustSpawn(t, m, nil, medID)

	id, err := m.Schedule(owner, "sched.chore", time.Now().Add(time.Hour), 0, 0, nil, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	// A peer at the same level as the living owner is denied.
	var pe *PermissionError
	if err := m.Unschedule(peer, id); !errors.As(err, &pe) {
		t.Fatalf("peer unschedule = %v, want PermissionError", err)
	}
	// The owner removes its own entry.
	if err := m.Unschedule(owner, id); err != nil {
		t.Fatalf("owner unschedule: %v", err)
	}
	if m.HasSchedule(id) {
		t.Fatal("entry must be gone")
	}
}

func TestPauseSuspendsScheduling(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	mustRegister(t, m, Descriptor{
		Name:         "paused",
		SchedulingID: "sched.paused",
		Permission:   PermLow,
		New:          staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return j.Complete() }}),
	})
	now := time.Now()
	if _, err := m.Schedule(nil, "sched.paused", now, 0, 0, nil, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	m.Pause()
	if n := m.RunSchedulingPass(now.Add(time.Millisecond)); n != 0 {
		t.Fatalf("paused pass registered %d, want 0", n)
	}
	m.Resume()
	if n := m.RunSchedulingPass(now.Add(time.Millisecond)); n != 1 {
		t.Fatalf("resumed pass registered %d, want 1", n)
	}
}

func TestFindAllFilters(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	noop := staticHandler(&testRunner{onRun: func(ctx context.Context, j *Job) error { return nil }})
	lowID := mustRegister(t, m, Descriptor{Name: "sensor", Permission: PermLow, New: noop})
	highID := mustRegister(t, m, Descriptor{Name: "admin", Permission: PermHigh, New: noop})

	low := mustSpawn(t, m, nil, lowID)
	mustSpawn(t, m, nil, lowID)
	high := mustSpawn(t, m, nil, highID)

	got, err := m.FindAll(nil, Filter{Class: "sensor"})
	if err != nil || len(got) != 2 {
		t.Fatalf("FindAll by class = (%d, %v), want 2", len(got), err)
	}

	got, err = m.FindAll(nil, Filter{MaxLevel: PermMedium})
	if err != nil || len(got) != 2 {
		t.Fatalf("FindAll MaxLevel = (%d, %v), want the two low jobs", len(got), err)
	}
	for _, p := range got {
		if p.ID() == high.ID() {
			t.Fatal("high job must be excluded by MaxLevel")
		}
	}

	got, err = m.FindAll(nil, Filter{MinLevel: PermHigh})
	if err != nil || len(got) != 1 || got[0].ID() != high.ID() {
		t.Fatalf("FindAll MinLevel = (%d, %v), want only the high job", len(got), err)
	}

	got, err = m.FindAll(nil, Filter{CreatedBefore: low.CreatedAt()})
	if err != nil || len(got) != 0 {
		t.Fatalf("FindAll CreatedBefore first job = (%d, %v), want 0", len(got), err)
	}
	got, err = m.FindAll(nil, Filter{CreatedAfter: low.CreatedAt()})
	if err != nil || len(got) != 3 {
		t.Fatalf("FindAll CreatedAfter = (%d, %v), want all 3", len(got), err)
	}

	got, err = m.FindAll(nil, Filter{State: "initialized"})
	if err != nil || len(got) != 3 {
		t.Fatalf("FindAll by state = (%d, %v), want 3", len(got), err)
	}
}

func TestEmptyQueueBoundedWaitTimesOut(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var handled atomic.Int64
	id := mustRegister(t, m, Descriptor{
		Name:    "patience",
		Stimuli: []string{"ping"},
		New: staticHandler(&testStimHandler{onStim: func(ctx context.Context, j *Job, s Stimulus) error {
			handled.Add(1)
			return nil
		}}),
		EmptyQueuePolicy:  EmptyWaitTimeout,
		EmptyQueueTimeout: 50 * time.Millisecond,
	})
	j := mustSpawn(t, m, nil, id)
	if err := m.Start(nil, j.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// A stimulus inside the window is handled and re-arms the wait.
	waitFor(t, "job awaiting", func() bool { return j.IsAwaiting() })
	if n, err := m.Dispatch(nil, Signal{Kind: "ping"}); err != nil || n != 1 {
		t.Fatalf("Dispatch = (%d, %v), want 1 accepted", n, err)
	}
	waitFor(t, "stimulus handled", func() bool { return handled.Load() == 1 })

	// Silence past the timeout stops the job with the idle-timeout reason.
	waitFor(t, "idle timeout stop", func() bool { return j.IsStopped() })
	if got := j.StopReasonNow(); got != StopInternalIdleTimeout {
		t.Fatalf("stop reason = %v, want idle timeout", got)
	}
	if handled.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", handled.Load())
	}
}

func TestDispatchRegistrationOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var (
		mu          sync.Mutex
		order       []int
		waiterFirst []bool
		waiter      *future
	)
	newH := func(args []any, kwargs map[string]any) (any, error) {
		idx := kwargs["idx"].(int)
		return &testStimHandler{
			onStim: func(context.Context, *Job, Stimulus) error { return nil },
			check: func(*Job, Stimulus) bool {
				mu.Lock()
				order = append(order, idx)
				waiterFirst = append(waiterFirst, waiter != nil && waiter.isSettled())
				mu.Unlock()
				return true
			},
		}, nil
	}
	alphaID := mustRegister(t, m, Descriptor{Name: "alpha", Stimuli: []string{"tick"}, New: newH})
	betaID := mustRegister(t, m, Descriptor{Name: "beta", Stimuli: []string{"tick"}, New: newH})

	// Interleave the classes so delivery order cannot come from grouping.
	for i := 0; i < 8; i++ {
		class := alphaID
		if i%2 == 1 {
			class = betaID
		}
		if _, err := m.CreateAndRegister(context.Background(), nil, class, nil, map[string]any{"idx": i}, false); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
	}

	recv := make(chan Stimulus, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := m.WaitForStimulus(ctx, nil, "tick")
		if err == nil {
			recv <- s
		}
	}()
	waitFor(t, "stimulus waiter registered", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.stimWaiters["tick"]) == 1
	})
	m.mu.Lock()
	w := m.stimWaiters["tick"][0]
	m.mu.Unlock()
	mu.Lock()
	waiter = w
	mu.Unlock()

	n, err := m.Dispatch(nil, Signal{Kind: "tick"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n != 8 {
		t.Fatalf("accepted = %d, want 8", n)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 8 {
		t.Fatalf("delivered to %d jobs, want 8", len(order))
	}
	for i, idx := range order {
		if idx != i {
			t.Fatalf("delivery order = %v, want registration order", order)
		}
	}
	// Next-occurrence futures resolve before any per-job delivery.
	for i, ok := range waiterFirst {
		if !ok {
			t.Fatalf("delivery %d ran before the waiter was resolved", i)
		}
	}
	select {
	case s := <-recv:
		if s.StimulusType() != "tick" {
			t.Fatalf("waiter received %q, want tick", s.StimulusType())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never received the stimulus")
	}
}

func TestUnguardGuardianOrSystemOnly(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	run := func(ctx context.Context, j *Job) error { return nil }
	highID := mustRegister(t, m, Descriptor{Name: "holder", Permission: PermHigh,
		New: staticHandler(&testRunner{onRun: run})})
	topID := mustRegister(t, m, Descriptor{Name: "overseer", Permission: PermHighest,
		New: staticHandler(&testRunner{onRun: run})})
	medID := mustRegister(t, m, Descriptor{Name: "clerk", Permission: PermMedium,
		New: staticHandler(&testRunner{onRun: run})})
	lowID := mustRegister(t, m, Descriptor{Name: "charge", Permission: PermLow,
		New: staticHandler(&testRunner{onRun: run})})

	holder := mustSpawn(t, m, nil, highID)
	overseer := mustSpawn(t, m, nil, topID)
	clerk := mustSpawn(t, m, nil, medID)
	ward, err := m.CreateAndRegister(context.Background(), holder, lowID, nil, nil, false)
	if err != nil {
		t.Fatalf("holder creating ward: %v", err)
	}
	if err := m.Guard(holder, ward.ID()); err != nil {
		t.Fatalf("Guard: %v", err)
	}

	// Below HIGH the verb itself is denied.
	var pe *PermissionError
	if err := m.Unguard(clerk, ward.ID()); !errors.As(err, &pe) {
		t.Fatalf("medium unguard = %v, want PermissionError", err)
	}

	// Outranking the guardian does not help: the invoker is not the
	// guardian, so the guard's state denies.
	var se *StateError
	if err := m.Unguard(overseer, ward.ID()); !errors.As(err, &se) {
		t.Fatalf("highest non-guardian unguard = %v, want StateError", err)
	}
	if !ward.IsGuarded() {
		t.Fatal("failed unguard must leave the guard in place")
	}

	// The guardian releases, resolving pending waiters.
	p, err := m.Find(nil, ward.ID())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- p.AwaitUnguard(ctx)
	}()
	if err := m.Unguard(holder, ward.ID()); err != nil {
		t.Fatalf("guardian unguard: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("AwaitUnguard: %v", err)
	}

	// The system job may always release.
	if err := m.Guard(holder, ward.ID()); err != nil {
		t.Fatalf("re-guard: %v", err)
	}
	if err := m.Unguard(nil, ward.ID()); err != nil {
		t.Fatalf("system unguard: %v", err)
	}
	if ward.IsGuarded() {
		t.Fatal("system release must clear the guard")
	}
}

func TestRegisterStartFlag(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	var runs atomic.Int64
	id := mustRegister(t, m, Descriptor{
		Name:     "eager",
		Interval: time.Millisecond,
		New: staticHandler(&testRunner{onRun: func(context.Context, *Job) error {
			runs.Add(1)
			return nil
		}}),
	})

	// Registration starts the job unless asked not to.
	j, err := m.CreateAndRegister(context.Background(), nil, id, nil, nil, true)
	if err != nil {
		t.Fatalf("CreateAndRegister: %v", err)
	}
	waitFor(t, "auto-started job running", func() bool { return j.IsRunning() })
	waitFor(t, "iterations", func() bool { return runs.Load() >= 1 })

	// A deferred registration stays put until an explicit Start.
	d, err := m.CreateAndRegister(context.Background(), nil, id, nil, nil, false)
	if err != nil {
		t.Fatalf("CreateAndRegister deferred: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := d.State(); got != "initialized" {
		t.Fatalf("deferred job state = %q, want initialized", got)
	}
	if err := m.Start(nil, d.ID()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "deferred job running", func() bool { return d.IsRunning() })
}

// hangingStopHandler never finishes its stop hook on its own; stops complete
// only through the stop-handler timeout.
type hangingStopHandler struct {
	starts atomic.Int64
}

func (h *hangingStopHandler) OnStart(ctx context.Context, j *Job) error {
	h.starts.Add(1)
	return nil
}

func (h *hangingStopHandler) OnRun(ctx context.Context, j *Job) error { return nil }

func (h *hangingStopHandler) OnStop(ctx context.Context, j *Job) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRestartAndKillHonorStopTimeout(t *testing.T) {
	t.Parallel()
	m := newTestManager(t)

	h := &hangingStopHandler{}
	id := mustRegister(t, m, Descriptor{
		Name:     "stubborn",
		Interval: time.Millisecond,
		New:      staticHandler(h),
	})
	j, err := m.CreateAndRegister(context.Background(), nil, id, nil, nil, true)
	if err != nil {
		t.Fatalf("CreateAndRegister: %v", err)
	}
	waitFor(t, "running", func() bool { return j.IsRunning() })

	// The manager default stop timeout is far longer than the waits below;
	// the cycle can only complete if the per-call bound is honored.
	if err := m.Restart(nil, j.ID(), 25*time.Millisecond); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	waitFor(t, "restarted", func() bool { return h.starts.Load() >= 2 && j.IsRunning() })

	if err := m.Kill(nil, j.ID(), 25*time.Millisecond); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitFor(t, "killed", func() bool { return j.IsKilled() })
}
