// Package gateway forwards event-bus traffic into the job manager as
// stimuli, so stimulus-driven jobs can react to events published anywhere in
// the process.
package gateway

import (
	"context"
	"sync"

	"jobmill/internal/config"
	"jobmill/internal/eventbus"
	"jobmill/internal/jobs"
	logx "jobmill/pkg/logx"
)

// Bridge subscribes to the bus and dispatches each event as a jobs.Signal
// under the manager's system authority.
//
// The Types allowlist should exclude the manager's own lifecycle events
// ("job.*") unless a feedback loop is intended.
type Bridge struct {
	cfg config.GatewayConfig
	log logx.Logger
	bus eventbus.Bus
	mgr *jobs.Manager

	mu      sync.Mutex
	allowed map[string]struct{}
	unsub   func()
	running bool
}

func New(cfg config.GatewayConfig, log logx.Logger, bus eventbus.Bus, mgr *jobs.Manager) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	b := &Bridge{
		cfg: cfg,
		log: log.With(logx.String("component", "gateway")),
		bus: bus,
		mgr: mgr,
	}
	b.setTypes(cfg.Types)
	return b
}

func (b *Bridge) setTypes(types []string) {
	if len(types) == 0 {
		b.allowed = nil
		return
	}
	b.allowed = make(map[string]struct{}, len(types))
	for _, t := range types {
		b.allowed[t] = struct{}{}
	}
}

// Start begins forwarding. Idempotent; a no-op when disabled.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.Enabled || b.running {
		return nil
	}

	buffer := b.cfg.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	ch, unsub := b.bus.Subscribe(buffer)
	b.unsub = unsub
	b.running = true

	go b.forward(ctx, ch)
	b.log.Info("gateway started", logx.Int("buffer", buffer), logx.Int("types", len(b.allowed)))
	return nil
}

// Stop halts forwarding. Idempotent.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	b.running = false
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
	b.log.Info("gateway stopped")
}

// Apply swaps the type allowlist at runtime. Enabled/buffer changes require
// a restart of the bridge.
func (b *Bridge) Apply(cfg config.GatewayConfig) {
	b.mu.Lock()
	b.cfg.Types = cfg.Types
	b.setTypes(cfg.Types)
	b.mu.Unlock()
}

func (b *Bridge) forward(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			b.Stop()
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !b.allows(e.Type) {
				continue
			}
			s := jobs.Signal{Kind: e.Type, At: e.Time}
			if data, ok := e.Data.(map[string]any); ok {
				s.Payload = data
			} else if e.Data != nil {
				s.Payload = map[string]any{"data": e.Data}
			}
			if _, err := b.mgr.Dispatch(nil, s); err != nil {
				b.log.Warn("gateway dispatch failed", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

func (b *Bridge) allows(typ string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.allowed == nil {
		return true
	}
	_, ok := b.allowed[typ]
	return ok
}
