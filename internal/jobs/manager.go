package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"jobmill/internal/config"
	"jobmill/internal/eventbus"
	"jobmill/internal/jobs/schedule"
	"jobmill/internal/runtime/supervisor"
	"jobmill/internal/storage"
	logx "jobmill/pkg/logx"
)

// Bus event types published on job lifecycle transitions.
const (
	EventJobRegistered = "job.registered"
	EventJobStopped    = "job.stopped"
	EventJobKilled     = "job.killed"
	EventJobCompleted  = "job.completed"
)

// Manager owns the job registry, the live job table, the schedule store, and
// the permission boundary. Every externally-invoked mutation flows through a
// manager verb with an invoker job; nil invoker means the manager's own
// system job.
type Manager struct {
	id    string
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	registry *Registry
	sched    *schedule.Store

	defaultStopTimeout time.Duration
	schedulePoll       time.Duration
	exportWorkers      int

	auditLimit *rate.Limiter

	sup *supervisor.Supervisor
	sys *Job

	mu          sync.Mutex
	jobs        map[string]*Job
	singletons  map[string]string // class runtime id -> live job id
	subscribers map[string][]*Job // stimulus type -> jobs in registration order
	guardsHeld  map[string]map[string]struct{}
	stimWaiters map[string][]*future
	paused      bool
	closed      bool
	started     bool
}

// NewManager builds a manager from configuration. The store may be nil
// (auditing and snapshots disabled).
func NewManager(cfg config.ManagerConfig, log logx.Logger, bus eventbus.Bus, store storage.Store) (*Manager, error) {
	stopTimeout, err := config.ParseDurationOrDefault("manager.default_stop_timeout", cfg.DefaultStopTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	poll, err := config.ParseDurationOrDefault("manager.schedule_poll", cfg.SchedulePoll, time.Second)
	if err != nil {
		return nil, err
	}
	workers := cfg.ExportWorkers
	if workers <= 0 {
		workers = 4
	}
	auditRate := cfg.AuditRatePerSec
	if auditRate <= 0 {
		auditRate = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	m := &Manager{
		id:                 uuid.NewString(),
		log:                log.With(logx.String("component", "manager")),
		bus:                bus,
		store:              store,
		registry:           NewRegistry(),
		defaultStopTimeout: stopTimeout,
		schedulePoll:       poll,
		exportWorkers:      workers,
		auditLimit:         rate.NewLimiter(rate.Limit(auditRate), auditRate),
		jobs:               map[string]*Job{},
		singletons:         map[string]string{},
		subscribers:        map[string][]*Job{},
		guardsHeld:         map[string]map[string]struct{}{},
		stimWaiters:        map[string][]*future{},
	}
	m.sched = schedule.New(m.id)
	m.sys = m.newSystemJob()
	return m, nil
}

// newSystemJob builds the manager's representative. It is not in the job
// table, has no goroutine, and holds the reserved SYSTEM level.
func (m *Manager) newSystemJob() *Job {
	desc := &Descriptor{
		Name:       "system",
		Permission: PermSystem,
		runtimeID:  "system@0",
	}
	j := &Job{
		id:          "system-" + m.id,
		desc:        desc,
		mgr:         m,
		log:         m.log,
		createdAt:   time.Now(),
		data:        newNamespace(),
		startCh:     make(chan struct{}, 1),
		wakeCh:      make(chan struct{}, 1),
		initialized: true,
	}
	j.mp = &ManagerProxy{m: m, owner: j}
	return j
}

func (m *Manager) ID() string { return m.id }

// System returns the manager's system-level representative job.
func (m *Manager) System() *Job { return m.sys }

// DefaultStopTimeout is the stop-handler bound applied when a stop request
// carries none.
func (m *Manager) DefaultStopTimeout() time.Duration { return m.defaultStopTimeout }

// Initialize starts the manager's background machinery: the supervisor and
// the recurring scheduling pass. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return stateErrorf("INITIALIZE", "", "manager is shut down")
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log))
	m.mu.Unlock()

	m.sup.GoRestart("manager.schedule", func(ctx context.Context) error {
		t := time.NewTicker(m.schedulePoll)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-t.C:
				m.RunSchedulingPass(now)
			}
		}
	})

	m.log.Info("manager initialized",
		logx.String("manager_id", m.id),
		logx.Duration("schedule_poll", m.schedulePoll))
	return nil
}

// ---- Class registry ----

// RegisterClass binds a job class. This is a process-level operation with no
// invoker; classes are wired at startup, not by jobs.
func (m *Manager) RegisterClass(d Descriptor) (string, error) {
	id, err := m.registry.Register(d)
	if err != nil {
		return "", err
	}
	m.log.Debug("job class registered",
		logx.String("class", d.Name),
		logx.String("runtime_id", id))
	return id, nil
}

// ResolveClass looks up a class descriptor by runtime identifier.
func (m *Manager) ResolveClass(runtimeID string) (*Descriptor, bool) {
	return m.registry.Resolve(runtimeID)
}

// ClassRuntimeIDs lists the registered runtime identifiers.
func (m *Manager) ClassRuntimeIDs() []string { return m.registry.RuntimeIDs() }

// ---- Permission boundary ----

func (m *Manager) invokerOrSystem(invoker *Job) *Job {
	if invoker == nil {
		return m.sys
	}
	return invoker
}

// Verify checks a verb against the permission rules and returns a
// PermissionError on denial. target may be nil for verbs without one.
func (m *Manager) Verify(invoker *Job, verb Verb, target *Job, targetLevel PermissionLevel) error {
	invoker = m.invokerOrSystem(invoker)
	inv := invoker.Permission()
	if inv >= PermSystem {
		return nil
	}

	deny := func(reason string) error {
		e := &PermissionError{Verb: verb, Invoker: invoker.ID(), Reason: reason}
		if target != nil {
			e.Target = target.ID()
		}
		return e
	}

	var ok bool
	switch verb {
	case VerbFind:
		ok = allowFind(inv)
	case VerbDispatch, VerbCustomDispatch:
		ok = allowDispatch(inv)
	case VerbCreate, VerbInitialize, VerbRegister, VerbSchedule:
		ok = allowCreate(inv, targetLevel)
	case VerbGuard:
		ok = allowGuard(inv, target != nil && target.CreatorID() == invoker.ID())
	case VerbStart, VerbStop, VerbRestart, VerbKill:
		isCreator := target != nil && target.CreatorID() == invoker.ID()
		ok = allowControl(inv, targetLevel, isCreator)
		if ok && target != nil {
			if g := target.GuardianID(); g != "" && g != invoker.ID() {
				return deny(fmt.Sprintf("job is guarded by %q", g))
			}
		}
	case VerbUnguard:
		// Level floor only; Unguard itself enforces that the invoker is the
		// current guardian.
		ok = inv >= PermHigh
	case VerbUnschedule:
		ok = inv >= PermMedium
	default:
		return deny("unknown verb")
	}
	if !ok {
		return deny(fmt.Sprintf("level %s is insufficient", inv))
	}
	return nil
}

// Permitted is the boolean probe form of Verify.
func (m *Manager) Permitted(invoker *Job, verb Verb, target *Job, targetLevel PermissionLevel) bool {
	return m.Verify(invoker, verb, target, targetLevel) == nil
}

// ---- Creation family ----

// Create instantiates a job from a registered class without initializing or
// registering it.
func (m *Manager) Create(invoker *Job, runtimeID string, args []any, kwargs map[string]any) (*Job, error) {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()

	desc, ok := m.registry.Resolve(runtimeID)
	if !ok {
		err := fmt.Errorf("%w: job class %q", ErrNotFound, runtimeID)
		m.audit(VerbCreate, invoker, "", runtimeID, start, err)
		return nil, err
	}
	if err := m.Verify(invoker, VerbCreate, nil, desc.Permission); err != nil {
		m.audit(VerbCreate, invoker, "", desc.Name, start, err)
		return nil, err
	}

	handler, err := desc.New(args, kwargs)
	if err != nil {
		err = fmt.Errorf("construct job class %q: %w", desc.Name, err)
		m.audit(VerbCreate, invoker, "", desc.Name, start, err)
		return nil, err
	}

	j := &Job{
		id:        uuid.NewString(),
		desc:      desc,
		handler:   handler,
		mgr:       m,
		log:       m.log.With(logx.String("class", desc.Name)),
		createdAt: time.Now(),
		creatorID: invoker.ID(),
		data:      newNamespace(),
		startCh:   make(chan struct{}, 1),
		wakeCh:    make(chan struct{}, 1),
		outFields: map[string]*outputField{},
		outQueues: map[string]*outputQueue{},
	}
	for _, name := range desc.OutputFields {
		j.outFields[name] = &outputField{}
	}
	for _, name := range desc.OutputQueues {
		j.outQueues[name] = &outputQueue{}
	}
	j.mp = &ManagerProxy{m: m, owner: j}

	m.audit(VerbCreate, invoker, j.id, desc.Name, start, nil)
	return j, nil
}

// InitJob runs the job's setup hook exactly once. Required before
// registration.
func (m *Manager) InitJob(ctx context.Context, invoker *Job, j *Job) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	if j == nil {
		return stateErrorf("INITIALIZE", "", "nil job")
	}
	if err := m.Verify(invoker, VerbInitialize, j, j.Permission()); err != nil {
		m.audit(VerbInitialize, invoker, j.id, j.desc.Name, start, err)
		return err
	}

	j.mu.Lock()
	if j.initialized || j.initializing {
		j.mu.Unlock()
		err := stateErrorf("INITIALIZE", j.id, "already initialized")
		m.audit(VerbInitialize, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	j.initializing = true
	j.mu.Unlock()

	var initErr error
	if init, ok := j.handler.(Initializer); ok {
		initErr = init.OnInit(ctx, j)
	}

	j.mu.Lock()
	j.initializing = false
	if initErr == nil {
		j.initialized = true
	}
	j.mu.Unlock()

	if initErr != nil {
		err := &InitError{JobID: j.id, Reason: "setup hook failed", Cause: initErr}
		m.audit(VerbInitialize, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	m.audit(VerbInitialize, invoker, j.id, j.desc.Name, start, nil)
	return nil
}

// RegisterJob adds an initialized job to the live table and the stimulus
// subscription index, then launches its lifecycle goroutine. Registration is
// what makes a job reachable by Find and dispatch. With start set the job is
// started right away; pass false to leave it in the initialized state until
// an explicit Start.
func (m *Manager) RegisterJob(invoker *Job, j *Job, start bool) error {
	invoker = m.invokerOrSystem(invoker)
	began := time.Now()
	if j == nil {
		return stateErrorf("REGISTER", "", "nil job")
	}
	if err := m.Verify(invoker, VerbRegister, j, j.Permission()); err != nil {
		m.audit(VerbRegister, invoker, j.id, j.desc.Name, began, err)
		return err
	}
	if !j.Initialized() {
		err := &InitError{JobID: j.id, Reason: "job is not initialized"}
		m.audit(VerbRegister, invoker, j.id, j.desc.Name, began, err)
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		err := stateErrorf("REGISTER", j.id, "manager is shut down")
		m.audit(VerbRegister, invoker, j.id, j.desc.Name, began, err)
		return err
	}
	if _, dup := m.jobs[j.id]; dup {
		m.mu.Unlock()
		err := stateErrorf("REGISTER", j.id, "already registered")
		m.audit(VerbRegister, invoker, j.id, j.desc.Name, began, err)
		return err
	}
	if j.desc.Singleton {
		if liveID, taken := m.singletons[j.desc.runtimeID]; taken {
			m.mu.Unlock()
			err := stateErrorf("REGISTER", j.id, "singleton class %q already has live instance %q", j.desc.Name, liveID)
			m.audit(VerbRegister, invoker, j.id, j.desc.Name, began, err)
			return err
		}
		m.singletons[j.desc.runtimeID] = j.id
	}
	m.jobs[j.id] = j
	for _, typ := range j.desc.Stimuli {
		m.subscribers[typ] = append(m.subscribers[typ], j)
	}
	sup := m.sup
	m.mu.Unlock()

	j.mu.Lock()
	j.registeredAt = time.Now()
	j.mu.Unlock()

	if sup != nil {
		sup.Go("job."+j.desc.Name+"."+j.id, j.loop)
	}
	if start {
		j.signalStart()
	}

	m.publish(EventJobRegistered, j)
	m.audit(VerbRegister, invoker, j.id, j.desc.Name, began, nil)
	return nil
}

// CreateAndRegister is the common create, initialize, register sequence. The
// start flag is passed through to RegisterJob.
func (m *Manager) CreateAndRegister(ctx context.Context, invoker *Job, runtimeID string, args []any, kwargs map[string]any, start bool) (*Job, error) {
	j, err := m.Create(invoker, runtimeID, args, kwargs)
	if err != nil {
		return nil, err
	}
	if err := m.InitJob(ctx, invoker, j); err != nil {
		return nil, err
	}
	if err := m.RegisterJob(invoker, j, start); err != nil {
		return nil, err
	}
	return j, nil
}

// ---- Lookup ----

// Filter selects jobs in FindAll. Zero fields match everything.
type Filter struct {
	Class      string
	State      string
	CreatorID  string
	ScheduleID string

	// MinLevel/MaxLevel bound the job's permission level; zero means unbounded.
	MinLevel PermissionLevel
	MaxLevel PermissionLevel

	// CreatedAfter/CreatedBefore bound the creation timestamp; zero means unbounded.
	CreatedAfter  time.Time
	CreatedBefore time.Time
}

func (f Filter) match(j *Job) bool {
	if f.Class != "" && j.ClassName() != f.Class {
		return false
	}
	if f.State != "" && j.State() != f.State {
		return false
	}
	if f.CreatorID != "" && j.CreatorID() != f.CreatorID {
		return false
	}
	if f.ScheduleID != "" && j.ScheduleID() != f.ScheduleID {
		return false
	}
	if f.MinLevel != 0 && j.Permission() < f.MinLevel {
		return false
	}
	if f.MaxLevel != 0 && j.Permission() > f.MaxLevel {
		return false
	}
	if !f.CreatedAfter.IsZero() && j.CreatedAt().Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !j.CreatedAt().Before(f.CreatedBefore) {
		return false
	}
	return true
}

// Find returns a proxy to a registered job.
func (m *Manager) Find(invoker *Job, id string) (*Proxy, error) {
	invoker = m.invokerOrSystem(invoker)
	if err := m.Verify(invoker, VerbFind, nil, 0); err != nil {
		return nil, err
	}
	j := m.lookup(id)
	if j == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return &Proxy{j: j, invoker: invoker, m: m}, nil
}

// FindAll returns proxies to the registered jobs matching the filter.
func (m *Manager) FindAll(invoker *Job, f Filter) ([]*Proxy, error) {
	invoker = m.invokerOrSystem(invoker)
	if err := m.Verify(invoker, VerbFind, nil, 0); err != nil {
		return nil, err
	}
	m.mu.Lock()
	all := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, j)
	}
	m.mu.Unlock()

	var out []*Proxy
	for _, j := range all {
		if f.match(j) {
			out = append(out, &Proxy{j: j, invoker: invoker, m: m})
		}
	}
	return out, nil
}

func (m *Manager) lookup(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

// JobCount returns the number of registered (non-terminal) jobs.
func (m *Manager) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// ---- Lifecycle family ----

// Start signals a registered, stopped job to begin a cycle.
func (m *Manager) Start(invoker *Job, id string) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	j := m.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := m.Verify(invoker, VerbStart, j, j.Permission()); err != nil {
		m.audit(VerbStart, invoker, j.id, j.desc.Name, start, err)
		return err
	}

	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		err := stateErrorf("START", j.id, "job is terminal")
		m.audit(VerbStart, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	if j.running || j.starting || j.stopping {
		j.mu.Unlock()
		err := stateErrorf("START", j.id, "job is already running")
		m.audit(VerbStart, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	j.mu.Unlock()

	j.signalStart()
	m.audit(VerbStart, invoker, j.id, j.desc.Name, start, nil)
	return nil
}

// Stop requests an externally-initiated stop. timeout bounds the stop
// handler; zero applies the manager default.
func (m *Manager) Stop(invoker *Job, id string, force bool, timeout time.Duration) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	j := m.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := m.Verify(invoker, VerbStop, j, j.Permission()); err != nil {
		m.audit(VerbStop, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	err := j.externalStop(force, timeout, StopExternal)
	m.audit(VerbStop, invoker, j.id, j.desc.Name, start, err)
	return err
}

// Restart requests a stop-then-start continuation. timeout bounds the stop
// handler of the intermediate stop; zero falls back to the manager default.
func (m *Manager) Restart(invoker *Job, id string, timeout time.Duration) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	j := m.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := m.Verify(invoker, VerbRestart, j, j.Permission()); err != nil {
		m.audit(VerbRestart, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	err := j.externalRestart(timeout)
	m.audit(VerbRestart, invoker, j.id, j.desc.Name, start, err)
	return err
}

// Kill force-stops a job into the killed terminal state. Stopped jobs are
// run through a synthetic start so cleanup executes exactly once. timeout
// bounds the stop handler; zero falls back to the manager default.
func (m *Manager) Kill(invoker *Job, id string, timeout time.Duration) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	j := m.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := m.Verify(invoker, VerbKill, j, j.Permission()); err != nil {
		m.audit(VerbKill, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	err := j.externalKill(timeout)
	m.audit(VerbKill, invoker, j.id, j.desc.Name, start, err)
	return err
}

// ---- Guarding ----

// Guard makes the invoker the target's guardian: lifecycle verbs from other
// non-system jobs are denied until unguarded.
func (m *Manager) Guard(invoker *Job, id string) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	j := m.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := m.Verify(invoker, VerbGuard, j, j.Permission()); err != nil {
		m.audit(VerbGuard, invoker, j.id, j.desc.Name, start, err)
		return err
	}

	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		err := stateErrorf("GUARD", j.id, "job is terminal")
		m.audit(VerbGuard, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	if j.guardianID != "" {
		g := j.guardianID
		j.mu.Unlock()
		err := stateErrorf("GUARD", j.id, "already guarded by %q", g)
		m.audit(VerbGuard, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	j.guardianID = invoker.ID()
	j.mu.Unlock()

	m.mu.Lock()
	held := m.guardsHeld[invoker.ID()]
	if held == nil {
		held = map[string]struct{}{}
		m.guardsHeld[invoker.ID()] = held
	}
	held[j.id] = struct{}{}
	m.mu.Unlock()

	m.audit(VerbGuard, invoker, j.id, j.desc.Name, start, nil)
	return nil
}

// Unguard releases a guard. Only the current guardian and the system job may
// release; anyone else fails on the guard's state, not on level.
func (m *Manager) Unguard(invoker *Job, id string) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	j := m.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := m.Verify(invoker, VerbUnguard, j, j.Permission()); err != nil {
		m.audit(VerbUnguard, invoker, j.id, j.desc.Name, start, err)
		return err
	}

	j.mu.Lock()
	g := j.guardianID
	j.mu.Unlock()
	if g == "" {
		err := stateErrorf("UNGUARD", j.id, "job is not guarded")
		m.audit(VerbUnguard, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	if invoker.Permission() < PermSystem && g != invoker.ID() {
		err := stateErrorf("UNGUARD", j.id, "held by guardian %q, not by invoker %q", g, invoker.ID())
		m.audit(VerbUnguard, invoker, j.id, j.desc.Name, start, err)
		return err
	}

	m.releaseGuard(j, g)
	m.audit(VerbUnguard, invoker, j.id, j.desc.Name, start, nil)
	return nil
}

// releaseGuard clears the guardian link and settles unguard waiters.
func (m *Manager) releaseGuard(j *Job, guardianID string) {
	j.mu.Lock()
	if j.guardianID != guardianID {
		j.mu.Unlock()
		return
	}
	j.guardianID = ""
	waiters := j.unguardWaiters
	j.unguardWaiters = nil
	j.mu.Unlock()

	m.mu.Lock()
	if held := m.guardsHeld[guardianID]; held != nil {
		delete(held, j.id)
		if len(held) == 0 {
			delete(m.guardsHeld, guardianID)
		}
	}
	m.mu.Unlock()

	for _, f := range waiters {
		f.resolve(nil)
	}
}

// ---- Dispatch ----

// Dispatch fans a stimulus out to every live job subscribed to its type, in
// registration order. Pending next-stimulus waiters are resolved before any
// per-job delivery. Each recipient gets its own clone. Returns the number of
// accepting jobs.
func (m *Manager) Dispatch(invoker *Job, s Stimulus) (int, error) {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	if s == nil {
		return 0, stateErrorf("DISPATCH", "", "nil stimulus")
	}
	if err := m.Verify(invoker, VerbDispatch, nil, 0); err != nil {
		m.audit(VerbDispatch, invoker, "", s.StimulusType(), start, err)
		return 0, err
	}

	m.mu.Lock()
	targets := append([]*Job(nil), m.subscribers[s.StimulusType()]...)
	waiters := m.takeStimWaitersLocked(s.StimulusType())
	m.mu.Unlock()

	for _, f := range waiters {
		f.resolve(s.Clone())
	}

	accepted := 0
	for _, j := range targets {
		if j.offerStimulus(s.Clone()) {
			accepted++
			if j.desc.StartOnDispatch && j.IsStopped() {
				j.signalStart()
			}
		}
	}

	m.audit(VerbDispatch, invoker, "", s.StimulusType(), start, nil)
	return accepted, nil
}

// DispatchTo delivers a stimulus to one specific job, bypassing type
// subscription but not the job's acceptance check.
func (m *Manager) DispatchTo(invoker *Job, id string, s Stimulus) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()
	if s == nil {
		return stateErrorf("CUSTOM_DISPATCH", "", "nil stimulus")
	}
	j := m.lookup(id)
	if j == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if err := m.Verify(invoker, VerbCustomDispatch, j, j.Permission()); err != nil {
		m.audit(VerbCustomDispatch, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	if !j.desc.stimulusDriven() {
		err := stateErrorf("CUSTOM_DISPATCH", j.id, "job is not stimulus-driven")
		m.audit(VerbCustomDispatch, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	if !j.offerStimulus(s.Clone()) {
		err := stateErrorf("CUSTOM_DISPATCH", j.id, "stimulus rejected")
		m.audit(VerbCustomDispatch, invoker, j.id, j.desc.Name, start, err)
		return err
	}
	if j.desc.StartOnDispatch && j.IsStopped() {
		j.signalStart()
	}
	m.audit(VerbCustomDispatch, invoker, j.id, j.desc.Name, start, nil)
	return nil
}

// WaitForStimulus blocks until a stimulus of the given type is dispatched
// (empty type matches any) and returns its clone.
func (m *Manager) WaitForStimulus(ctx context.Context, invoker *Job, stimulusType string) (Stimulus, error) {
	invoker = m.invokerOrSystem(invoker)
	if err := m.Verify(invoker, VerbFind, nil, 0); err != nil {
		return nil, err
	}

	f := newFuture()
	m.mu.Lock()
	m.stimWaiters[stimulusType] = append(m.stimWaiters[stimulusType], f)
	m.mu.Unlock()

	v, err := f.wait(ctx)
	if err != nil {
		m.mu.Lock()
		ws := m.stimWaiters[stimulusType]
		for i, w := range ws {
			if w == f {
				m.stimWaiters[stimulusType] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		m.mu.Unlock()
		return nil, err
	}
	s, _ := v.(Stimulus)
	return s, nil
}

func (m *Manager) takeStimWaitersLocked(stimulusType string) []*future {
	var out []*future
	out = append(out, m.stimWaiters[stimulusType]...)
	delete(m.stimWaiters, stimulusType)
	if stimulusType != "" {
		out = append(out, m.stimWaiters[""]...)
		delete(m.stimWaiters, "")
	}
	return out
}

// ---- Scheduling ----

// Schedule records a pending registration of a class (by stable scheduling
// identifier) at target. interval < 0 fires every pass, 0 is one-shot, > 0
// recurs on that cadence; maxRecurrences < 0 means unlimited.
func (m *Manager) Schedule(invoker *Job, schedulingID string, target time.Time, interval time.Duration, maxRecurrences int, args []any, kwargs map[string]any) (string, error) {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()

	schedulingID = strings.TrimSpace(schedulingID)
	if schedulingID == "" {
		return "", stateErrorf("SCHEDULE", "", "scheduling identifier is required")
	}

	// Unknown classes may be scheduled; the entry fails at firing time if the
	// class is still absent. Permission is checked against the class when it
	// is known, else against the lowest level.
	level := PermLowest
	if desc, ok := m.registry.ResolveScheduling(schedulingID); ok {
		level = desc.Permission
	}
	if err := m.Verify(invoker, VerbSchedule, nil, level); err != nil {
		m.audit(VerbSchedule, invoker, "", schedulingID, start, err)
		return "", err
	}

	e := &schedule.Entry{
		SchedulingID:   schedulingID,
		Target:         target.UnixNano(),
		Created:        time.Now().UnixNano(),
		Interval:       int64(interval),
		MaxRecurrences: maxRecurrences,
		OwnerID:        invoker.ID(),
		OwnerLevel:     invoker.Permission().String(),
		Args:           args,
		Kwargs:         kwargs,
	}
	id, err := m.sched.Add(e)
	m.audit(VerbSchedule, invoker, id, schedulingID, start, err)
	if err != nil {
		return "", err
	}
	m.log.Debug("schedule entry added",
		logx.String("entry", id),
		logx.String("scheduling_id", schedulingID),
		logx.Time("target", target))
	return id, nil
}

// Unschedule removes a pending entry. Owners may always remove their own
// entries; others must outrank the owner while it is alive.
func (m *Manager) Unschedule(invoker *Job, entryID string) error {
	invoker = m.invokerOrSystem(invoker)
	start := time.Now()

	e, ok := m.sched.Lookup(entryID)
	if !ok {
		return fmt.Errorf("%w: schedule entry %q", ErrNotFound, entryID)
	}
	if err := m.Verify(invoker, VerbUnschedule, nil, 0); err != nil {
		m.audit(VerbUnschedule, invoker, entryID, e.SchedulingID, start, err)
		return err
	}

	if invoker.Permission() < PermSystem {
		isOwner := e.OwnerID == invoker.ID()
		owner := m.lookup(e.OwnerID)
		ownerAlive := owner != nil && owner.Alive()
		ownerLevel := PermissionLevel(0)
		if ownerAlive {
			ownerLevel = owner.Permission()
		}
		if !allowUnschedule(invoker.Permission(), isOwner, ownerAlive, ownerLevel) {
			err := &PermissionError{Verb: VerbUnschedule, Invoker: invoker.ID(), Target: entryID,
				Reason: "entry owner outranks invoker"}
			m.audit(VerbUnschedule, invoker, entryID, e.SchedulingID, start, err)
			return err
		}
	}

	if _, removed := m.sched.Remove(entryID); !removed {
		return fmt.Errorf("%w: schedule entry %q", ErrNotFound, entryID)
	}
	m.audit(VerbUnschedule, invoker, entryID, e.SchedulingID, start, nil)
	return nil
}

// ClearSchedules drops every pending entry. Restricted to the top levels.
func (m *Manager) ClearSchedules(invoker *Job) error {
	invoker = m.invokerOrSystem(invoker)
	if invoker.Permission() < PermHighest {
		return &PermissionError{Verb: VerbUnschedule, Invoker: invoker.ID(), Reason: "clearing all entries requires HIGHEST"}
	}
	m.sched.Clear()
	return nil
}

func (m *Manager) HasSchedule(entryID string) bool    { return m.sched.Has(entryID) }
func (m *Manager) ScheduleFailed(entryID string) bool { return m.sched.Failed(entryID) }
func (m *Manager) ScheduleIDs() []string              { return m.sched.IDs() }
func (m *Manager) ScheduleCount() int                 { return m.sched.Len() }

// ExportScheduleState serializes the schedule store for persistence.
func (m *Manager) ExportScheduleState() ([]byte, error) {
	return m.sched.Export(m.exportWorkers)
}

// ImportScheduleState merges (or replaces, with schedule.ImportFull) a
// previously exported blob.
func (m *Manager) ImportScheduleState(blob []byte, mode schedule.ImportMode) error {
	return m.sched.Import(blob, mode)
}

// RunSchedulingPass fires all entries due at now and returns how many jobs
// were registered. The recurring pass calls this on the poll cadence; tests
// call it directly with a chosen clock.
func (m *Manager) RunSchedulingPass(now time.Time) int {
	m.mu.Lock()
	if m.paused || m.closed {
		m.mu.Unlock()
		return 0
	}
	m.mu.Unlock()

	fired := m.sched.Due(now)
	registered := 0
	for _, e := range fired {
		if err := m.fireEntry(e); err != nil {
			m.sched.FailEntry(e)
			m.log.Warn("schedule entry failed",
				logx.String("entry", e.ID),
				logx.String("scheduling_id", e.SchedulingID),
				logx.Err(err))
			continue
		}
		registered++
	}
	return registered
}

func (m *Manager) fireEntry(e schedule.Entry) error {
	desc, ok := m.registry.ResolveScheduling(e.SchedulingID)
	if !ok {
		return fmt.Errorf("%w: job class for scheduling id %q", ErrNotFound, e.SchedulingID)
	}
	ctx := context.Background()
	if m.sup != nil {
		ctx = m.sup.Context()
	}

	j, err := m.Create(nil, desc.runtimeID, e.Args, e.Kwargs)
	if err != nil {
		return err
	}
	j.scheduleID = e.ID
	if err := m.InitJob(ctx, nil, j); err != nil {
		return err
	}
	return m.RegisterJob(nil, j, true)
}

// Pause suspends the scheduling pass; pending entries accumulate.
func (m *Manager) Pause() {
	m.mu.Lock()
	m.paused = true
	m.mu.Unlock()
	m.log.Info("scheduling paused")
}

// Resume re-enables the scheduling pass.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.log.Info("scheduling resumed")
}

// ---- Shutdown and cleanup ----

// Shutdown force-stops every job, waits for their loops to drain, and stops
// the supervisor. The manager accepts no registrations afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	sup := m.sup
	m.mu.Unlock()

	m.log.Info("manager shutting down", logx.Int("jobs", len(jobs)))
	for _, j := range jobs {
		// Best effort; already-stopped jobs are left alone.
		_ = j.externalStop(true, 0, StopExternal)
	}

	// Wait for running loops to finish their stop sequences.
	deadline := time.NewTicker(25 * time.Millisecond)
	defer deadline.Stop()
drain:
	for {
		busy := false
		for _, j := range jobs {
			if j.IsRunning() || j.IsBeingStopped() || j.IsStarting() {
				busy = true
				break
			}
		}
		if !busy {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-deadline.C:
		}
	}

	if sup != nil {
		return sup.Stop(ctx)
	}
	return nil
}

// jobStopped is the loop's callback after stop-cleanup. It releases guards
// in both directions and, on terminal outcomes, ejects the job.
func (m *Manager) jobStopped(j *Job, terminal bool) {
	// Guards held by this job are released when it terminates.
	if terminal {
		m.mu.Lock()
		held := m.guardsHeld[j.id]
		delete(m.guardsHeld, j.id)
		m.mu.Unlock()
		for targetID := range held {
			if t := m.lookup(targetID); t != nil {
				m.releaseGuard(t, j.id)
			}
		}

		// A guard on this job dissolves with it.
		j.mu.Lock()
		g := j.guardianID
		j.mu.Unlock()
		if g != "" {
			m.releaseGuard(j, g)
		}

		m.mu.Lock()
		delete(m.jobs, j.id)
		if j.desc.Singleton && m.singletons[j.desc.runtimeID] == j.id {
			delete(m.singletons, j.desc.runtimeID)
		}
		for _, typ := range j.desc.Stimuli {
			subs := m.subscribers[typ]
			for i, sj := range subs {
				if sj == j {
					m.subscribers[typ] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(m.subscribers[typ]) == 0 {
				delete(m.subscribers, typ)
			}
		}
		m.mu.Unlock()
	}

	switch {
	case j.IsKilled():
		m.publish(EventJobKilled, j)
	case j.IsCompleted():
		m.publish(EventJobCompleted, j)
	default:
		m.publish(EventJobStopped, j)
	}
}

// ---- Audit and events ----

func (m *Manager) publish(typ string, j *Job) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{
		Type: typ,
		Data: map[string]any{
			"job_id": j.ID(),
			"class":  j.ClassName(),
			"state":  j.State(),
			"reason": j.StopReasonNow().String(),
		},
	})
}

// audit appends a rate-limited audit record. Denials and errors are recorded
// with the error text; drops under rate pressure are silent.
func (m *Manager) audit(verb Verb, invoker *Job, targetID, targetClass string, start time.Time, opErr error) {
	if m.store == nil || !m.auditLimit.Allow() {
		return
	}
	e := storage.AuditEntry{
		At:           start,
		ManagerID:    m.id,
		Verb:         verb.String(),
		InvokerID:    invoker.ID(),
		InvokerLevel: invoker.Permission().String(),
		TargetID:     targetID,
		TargetClass:  targetClass,
		TookMS:       time.Since(start).Milliseconds(),
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	ctx := context.Background()
	if m.sup != nil {
		ctx = m.sup.Context()
	}
	if err := m.store.AppendAudit(ctx, e); err != nil && !m.log.IsZero() {
		m.log.Warn("audit append failed", logx.Err(err))
	}
}

// ---- External lifecycle helpers ----
//
// The externally-initiated variants mirror the job's self operations but
// carry external stop reasons and never mark stopBySelf.

func (j *Job) externalStop(force bool, timeout time.Duration, reason StopReason) error {
	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		return stateErrorf("STOP", j.id, "job is terminal")
	}
	if !j.running && !j.starting {
		j.mu.Unlock()
		return stateErrorf("STOP", j.id, "job is not running")
	}
	j.requestStopLocked(force, false, reason)
	if timeout > 0 {
		j.stopTimeout = timeout
	}
	cancel := j.cancelIfForcedLocked()
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	j.wake()
	return nil
}

func (j *Job) externalRestart(timeout time.Duration) error {
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
	j.requestStopLocked(false, false, StopExternalRestart)
	if timeout > 0 {
		j.stopTimeout = timeout
	}
	j.mu.Unlock()
	j.wake()
	return nil
}

func (j *Job) externalKill(timeout time.Duration) error {
	j.mu.Lock()
	if j.killed || j.completed {
		j.mu.Unlock()
		return stateErrorf("KILL", j.id, "job is terminal")
	}
	j.toldToKill = true
	if timeout > 0 {
		j.stopTimeout = timeout
	}
	if j.running || j.starting || j.stopping {
		j.requestStopLocked(true, false, StopExternalKilling)
		cancel := j.cancelIfForcedLocked()
		j.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		j.wake()
		return nil
	}
	j.startupKill = true
	j.stopReason = StopExternalKilling
	j.mu.Unlock()
	j.signalStart()
	return nil
}
