package jobs

import (
	"sort"
	"time"

	"jobmill/internal/runtime/supervisor"
)

// JobSnapshot is a point-in-time diagnostic view of one job.
type JobSnapshot struct {
	ID           string    `json:"id"`
	Class        string    `json:"class"`
	RuntimeID    string    `json:"runtime_id"`
	State        string    `json:"state"`
	StopReason   string    `json:"stop_reason,omitempty"`
	CreatorID    string    `json:"creator_id,omitempty"`
	GuardianID   string    `json:"guardian_id,omitempty"`
	ScheduleID   string    `json:"schedule_id,omitempty"`
	Runs         int       `json:"runs"`
	Idling       bool      `json:"idling,omitempty"`
	Awaiting     bool      `json:"awaiting,omitempty"`
	PendingStim  int       `json:"pending_stimuli,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
}

// ManagerSnapshot is a point-in-time diagnostic view of the manager.
type ManagerSnapshot struct {
	ManagerID     string              `json:"manager_id"`
	Jobs          []JobSnapshot       `json:"jobs"`
	JobCount      int                 `json:"job_count"`
	ScheduleCount int                 `json:"schedule_count"`
	Paused        bool                `json:"paused"`
	Supervisor    supervisor.Snapshot `json:"supervisor"`
}

func (j *Job) snapshot() JobSnapshot {
	state := j.State()
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobSnapshot{
		ID:           j.id,
		Class:        j.desc.Name,
		RuntimeID:    j.desc.runtimeID,
		State:        state,
		CreatorID:    j.creatorID,
		GuardianID:   j.guardianID,
		ScheduleID:   j.scheduleID,
		Runs:         j.runs,
		Idling:       j.idling,
		Awaiting:     j.awaiting,
		PendingStim:  len(j.preQ) + len(j.validQ),
		CreatedAt:    j.createdAt,
		RegisteredAt: j.registeredAt,
	}
	if j.stopReason != StopUnknown {
		s.StopReason = j.stopReason.String()
	}
	return s
}

// Snapshot returns a point-in-time view of the manager for diagnostics.
func (m *Manager) Snapshot() ManagerSnapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	paused := m.paused
	sup := m.sup
	m.mu.Unlock()

	snap := ManagerSnapshot{
		ManagerID:     m.id,
		JobCount:      len(jobs),
		ScheduleCount: m.sched.Len(),
		Paused:        paused,
	}
	for _, j := range jobs {
		snap.Jobs = append(snap.Jobs, j.snapshot())
	}
	sort.Slice(snap.Jobs, func(i, k int) bool { return snap.Jobs[i].ID < snap.Jobs[k].ID })
	if sup != nil {
		snap.Supervisor = sup.SnapshotNow()
	}
	return snap
}
