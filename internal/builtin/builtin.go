// Package builtin ships the job classes the daemon registers out of the box:
// a heartbeat ticker and a log-record watcher. They double as working
// examples of the two handler shapes (interval-driven and stimulus-driven).
package builtin

import (
	"context"
	"fmt"
	"time"

	"jobmill/internal/jobs"
	logx "jobmill/pkg/logx"
)

const (
	HeartbeatClass = "heartbeat"
	LogWatchClass  = "logwatch"

	HeartbeatSchedulingID = "builtin.heartbeat"
	LogWatchSchedulingID  = "builtin.logwatch"
)

// Register binds the builtin classes and returns their runtime identifiers
// keyed by class name.
func Register(m *jobs.Manager, log logx.Logger) (map[string]string, error) {
	ids := map[string]string{}

	hbID, err := m.RegisterClass(jobs.Descriptor{
		Name:         HeartbeatClass,
		SchedulingID: HeartbeatSchedulingID,
		Permission:   jobs.PermLow,
		Singleton:    true,
		Interval:     30 * time.Second,
		OutputQueues: []string{"beats"},
		New: func(args []any, kwargs map[string]any) (any, error) {
			h := &heartbeat{log: log}
			if raw, ok := kwargs["note"]; ok {
				note, ok := raw.(string)
				if !ok {
					return nil, fmt.Errorf("heartbeat: note must be a string")
				}
				h.note = note
			}
			return h, nil
		},
	})
	if err != nil {
		return nil, err
	}
	ids[HeartbeatClass] = hbID

	lwID, err := m.RegisterClass(jobs.Descriptor{
		Name:         LogWatchClass,
		SchedulingID: LogWatchSchedulingID,
		Permission:   jobs.PermMedium,
		Singleton:    true,
		Stimuli:      []string{logx.EventLogRecord},
		OutputFields: []string{"first_error"},
		New: func(args []any, kwargs map[string]any) (any, error) {
			return &logWatch{log: log}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	ids[LogWatchClass] = lwID

	return ids, nil
}

// heartbeat emits one beat per iteration onto its output queue.
type heartbeat struct {
	log     logx.Logger
	note    string
	started time.Time
	beats   int
}

func (h *heartbeat) OnStart(ctx context.Context, j *jobs.Job) error {
	h.started = time.Now()
	return nil
}

func (h *heartbeat) OnRun(ctx context.Context, j *jobs.Job) error {
	h.beats++
	beat := map[string]any{
		"n":      h.beats,
		"uptime": time.Since(h.started).String(),
	}
	if h.note != "" {
		beat["note"] = h.note
	}
	if err := j.PushOutput("beats", beat); err != nil {
		return err
	}
	h.log.Debug("heartbeat", logx.Int("n", h.beats))
	return nil
}

// logWatch consumes mirrored log records from the bus gateway and tracks
// per-level counts in the job's data namespace. The first error record seen
// is exposed as an output field.
type logWatch struct {
	log       logx.Logger
	sawError  bool
	perLevel  map[string]int
}

func (w *logWatch) OnStart(ctx context.Context, j *jobs.Job) error {
	w.perLevel = map[string]int{}
	return nil
}

func (w *logWatch) CheckStimulus(j *jobs.Job, s jobs.Stimulus) bool {
	return s.StimulusType() == logx.EventLogRecord
}

func (w *logWatch) OnStimulus(ctx context.Context, j *jobs.Job, s jobs.Stimulus) error {
	sig, ok := s.(jobs.Signal)
	if !ok {
		return nil
	}
	level, _ := sig.Payload["level"].(string)
	if level == "" {
		level = "unknown"
	}
	w.perLevel[level]++
	j.Data().Set("level."+level, w.perLevel[level])

	if !w.sawError && level == "error" {
		w.sawError = true
		msg, _ := sig.Payload["message"].(string)
		if err := j.SetOutputField("first_error", msg); err != nil {
			return err
		}
	}
	return nil
}
