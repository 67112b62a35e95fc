package jobs

// Output fields are write-once named values with waiter futures resolved
// FIFO on write. Output queues are append-only streams; consumers read
// through per-proxy cursors, and Clear bumps a generation counter instead of
// cancelling waiters.

type outputField struct {
	set     bool
	val     any
	waiters []*future
}

type outputQueue struct {
	items   []any
	gen     uint64
	rescue  []any
	waiters []*future
}

// SetOutputField writes a declared output field. Fields are write-once;
// a second write is a state error.
func (j *Job) SetOutputField(name string, v any) error {
	j.mu.Lock()
	fld, ok := j.outFields[name]
	if !ok {
		j.mu.Unlock()
		return stateErrorf("SET_OUTPUT_FIELD", j.id, "undeclared output field %q", name)
	}
	if fld.set {
		j.mu.Unlock()
		return stateErrorf("SET_OUTPUT_FIELD", j.id, "output field %q already set", name)
	}
	fld.set = true
	fld.val = v
	waiters := fld.waiters
	fld.waiters = nil
	j.mu.Unlock()

	for _, f := range waiters {
		f.resolve(v)
	}
	return nil
}

// OutputField reads a declared output field without waiting.
func (j *Job) OutputField(name string) (any, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fld, ok := j.outFields[name]
	if !ok {
		return nil, false, stateErrorf("OUTPUT_FIELD", j.id, "undeclared output field %q", name)
	}
	return fld.val, fld.set, nil
}

// PushOutput appends a value to a declared output queue and wakes waiting
// consumers in FIFO order.
func (j *Job) PushOutput(name string, v any) error {
	j.mu.Lock()
	q, ok := j.outQueues[name]
	if !ok {
		j.mu.Unlock()
		return stateErrorf("PUSH_OUTPUT", j.id, "undeclared output queue %q", name)
	}
	q.items = append(q.items, v)
	waiters := q.waiters
	q.waiters = nil
	j.mu.Unlock()

	for _, f := range waiters {
		f.resolve(nil)
	}
	return nil
}

// ClearOutputQueue discards a queue's buffered items and resets consumer
// cursors by bumping the queue generation. With rescue set, discarded items
// are drained into the queue's side buffer first.
func (j *Job) ClearOutputQueue(name string, rescue bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	q, ok := j.outQueues[name]
	if !ok {
		return stateErrorf("CLEAR_OUTPUT", j.id, "undeclared output queue %q", name)
	}
	if rescue && len(q.items) > 0 {
		q.rescue = append(q.rescue, q.items...)
	}
	q.items = nil
	q.gen++
	return nil
}

// outputSnapshotLocked collects the set output fields. Resolved into
// completion futures when the job completes.
func (j *Job) outputSnapshotLocked() map[string]any {
	out := map[string]any{}
	for name, fld := range j.outFields {
		if fld.set {
			out[name] = fld.val
		}
	}
	return out
}
