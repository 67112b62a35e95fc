package jobs

import "sync"

// Namespace is an arbitrary key/value bag a job owns for private mutable
// state. Safe for concurrent use.
type Namespace struct {
	mu sync.RWMutex
	m  map[string]any
}

func newNamespace() *Namespace {
	return &Namespace{m: map[string]any{}}
}

func (n *Namespace) Get(key string) (any, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.m[key]
	return v, ok
}

func (n *Namespace) Set(key string, v any) {
	n.mu.Lock()
	n.m[key] = v
	n.mu.Unlock()
}

func (n *Namespace) Delete(key string) {
	n.mu.Lock()
	delete(n.m, key)
	n.mu.Unlock()
}

func (n *Namespace) Keys() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.m))
	for k := range n.m {
		out = append(out, k)
	}
	return out
}

func (n *Namespace) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.m)
}
