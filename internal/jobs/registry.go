package jobs

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// EmptyQueuePolicy governs a stimulus-driven job's behavior when its
// validated queue is empty at the top of an iteration.
type EmptyQueuePolicy int

const (
	// EmptyWait suspends indefinitely until any stimulus arrives.
	EmptyWait EmptyQueuePolicy = iota
	// EmptyStop stops the job immediately without invoking its handler.
	EmptyStop
	// EmptyWaitTimeout suspends up to EmptyQueueTimeout, then stops.
	EmptyWaitTimeout
)

// Descriptor is the static metadata of a job class. Registered once per
// class; instances inherit Permission and never change it.
type Descriptor struct {
	// Name is the class name. Two differently-versioned classes of the same
	// name may coexist; the registry disambiguates via the runtime identifier.
	Name string

	// SchedulingID is an optional stable identifier used to reference the
	// class across process restarts. Duplicate scheduling identifiers are a
	// hard registration error.
	SchedulingID string

	Permission PermissionLevel

	// Singleton allows at most one live instance at a time.
	Singleton bool

	// Stimuli is the set of stimulus types this class subscribes to.
	// Non-empty marks the class as stimulus-driven; its handler must
	// implement StimulusHandler. Empty marks it interval-driven; its handler
	// must implement Runner.
	Stimuli []string

	// Declared output surface. Writes to undeclared names are state errors.
	OutputFields []string
	OutputQueues []string

	// Interval is the cadence between iterations; 0 means run back-to-back.
	Interval time.Duration

	// RunCount limits total iterations; 0 means unlimited.
	RunCount int

	// Stimulus-driven knobs.
	MaxStimulusChecks        int // pre-queue drains per iteration; 0 = unbounded
	EmptyQueuePolicy         EmptyQueuePolicy
	EmptyQueueTimeout        time.Duration
	BlockStimuliOnStop       bool
	BlockStimuliWhileStopped bool
	ClearStimuliAtStartup    bool
	StartOnDispatch          bool

	// New constructs the handler instance. Arguments come from direct
	// creation calls or from fired schedule entries (JSON-representable).
	New func(args []any, kwargs map[string]any) (any, error)

	// RuntimeID is assigned by the registry.
	runtimeID string
}

// RuntimeID returns the registry-assigned runtime identifier
// (name + registration timestamp), empty before registration.
func (d *Descriptor) RuntimeID() string { return d.runtimeID }

func (d *Descriptor) stimulusDriven() bool { return len(d.Stimuli) > 0 }

// Registry is the explicit job class registry. Runtime identifiers embed the
// registration timestamp so two versions of a same-named class can coexist.
type Registry struct {
	mu        sync.RWMutex
	byRuntime map[string]*Descriptor
	bySched   map[string]*Descriptor
}

func NewRegistry() *Registry {
	return &Registry{
		byRuntime: map[string]*Descriptor{},
		bySched:   map[string]*Descriptor{},
	}
}

// Register validates the descriptor, assigns a runtime identifier, and binds
// the class. The descriptor is copied; later mutation of the argument has no
// effect.
func (r *Registry) Register(d Descriptor) (string, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return "", fmt.Errorf("job class name is required")
	}
	if d.New == nil {
		return "", fmt.Errorf("job class %q: constructor is required", d.Name)
	}
	if d.Permission == 0 {
		d.Permission = PermMedium
	}
	if d.Permission >= PermSystem {
		return "", fmt.Errorf("job class %q: SYSTEM level is reserved", d.Name)
	}
	if d.EmptyQueuePolicy == EmptyWaitTimeout && d.EmptyQueueTimeout <= 0 {
		return "", fmt.Errorf("job class %q: empty-queue timeout policy requires a positive timeout", d.Name)
	}

	cp := d
	cp.Stimuli = append([]string(nil), d.Stimuli...)
	cp.OutputFields = append([]string(nil), d.OutputFields...)
	cp.OutputQueues = append([]string(nil), d.OutputQueues...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if sid := strings.TrimSpace(cp.SchedulingID); sid != "" {
		if _, dup := r.bySched[sid]; dup {
			return "", fmt.Errorf("job class %q: duplicate scheduling identifier %q", cp.Name, sid)
		}
		cp.SchedulingID = sid
	}

	id := fmt.Sprintf("%s@%d", cp.Name, time.Now().UnixNano())
	for {
		if _, taken := r.byRuntime[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s@%d", cp.Name, time.Now().UnixNano())
	}
	cp.runtimeID = id

	r.byRuntime[id] = &cp
	if cp.SchedulingID != "" {
		r.bySched[cp.SchedulingID] = &cp
	}
	return id, nil
}

func (r *Registry) Resolve(runtimeID string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byRuntime[runtimeID]
	return d, ok
}

func (r *Registry) ResolveScheduling(schedulingID string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.bySched[schedulingID]
	return d, ok
}

func (r *Registry) RuntimeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byRuntime))
	for id := range r.byRuntime {
		out = append(out, id)
	}
	return out
}
