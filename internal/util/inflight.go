package util

import "sync"

// InFlight is a set of trade ids with an operation currently in progress.
// The trailing worker holds a trade while replacing its conditional order so
// the event router does not react to the replace's own cancel event.
type InFlight struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

// NewInFlight creates an empty set.
func NewInFlight() *InFlight {
	return &InFlight{ids: make(map[int64]struct{})}
}

// Hold marks id as busy. Returns false if it was already held.
func (f *InFlight) Hold(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ids[id]; ok {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

// Release clears id.
func (f *InFlight) Release(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ids, id)
}

// Held reports whether id is busy.
func (f *InFlight) Held(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.ids[id]
	return ok
}
