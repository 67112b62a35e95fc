package jobs

import "time"

// Stimulus is an external occurrence delivered to subscribed jobs.
//
// Contract with stimulus sources:
//   - StimulusType identifies the subscription index key.
//   - Clone must be cheap; dispatch hands each consumer its own copy so that
//     mutations by one consumer never affect another.
type Stimulus interface {
	StimulusType() string
	Clone() Stimulus
}

// Signal is a basic map-payload stimulus, suitable for internal signaling
// and for tests.
type Signal struct {
	Kind    string
	At      time.Time
	Payload map[string]any
}

func (s Signal) StimulusType() string { return s.Kind }

func (s Signal) Clone() Stimulus {
	cp := Signal{Kind: s.Kind, At: s.At}
	if s.Payload != nil {
		cp.Payload = make(map[string]any, len(s.Payload))
		for k, v := range s.Payload {
			cp.Payload[k] = v
		}
	}
	return cp
}
