// File: internal/services/dedup/filter.go
package dedup

import "sync"

// Filter remembers the message ids one conversation view has rendered.
// Each open view owns its own Filter.
type Filter struct {
	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

func NewFilter() *Filter {
	return &Filter{seen: make(map[string]struct{})}
}

// Seed marks ids as already rendered, typically the loaded history.
func (f *Filter) Seed(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, id := range ids {
		if id != "" {
			f.seen[id] = struct{}{}
		}
	}
}

// Accept reports whether id is new to the view and records it. It returns
// false for repeats, empty ids and after Close.
func (f *Filter) Accept(id string) bool {
	if id == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if _, dup := f.seen[id]; dup {
		return false
	}
	f.seen[id] = struct{}{}
	return true
}

// Close stops the filter from accepting anything more.
func (f *Filter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.seen = nil
}

func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}
