// Package call tracks the release actions of acquired resources
package call

import "sync"

type (
	// Release undoes one acquisition
	Release func()

	// Releases is an ordered list of release actions that run exactly once,
	// in reverse order of registration, whichever exit path is taken
	Releases struct {
		mu       sync.Mutex
		actions  []Release
		released bool
	}
)

// NewReleases creates an empty release list
func NewReleases() *Releases {
	return &Releases{}
}

// Add registers a release action. If the list has already been released the
// action runs immediately
func (r *Releases) Add(fn Release) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		fn()
		return
	}
	r.actions = append(r.actions, fn)
	r.mu.Unlock()
}

// Release runs every registered action in reverse order. Subsequent calls do
// nothing
func (r *Releases) Release() {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return
	}
	r.released = true
	actions := r.actions
	r.actions = nil
	r.mu.Unlock()

	for i := len(actions) - 1; i >= 0; i-- {
		actions[i]()
	}
}

// Released reports whether Release has been called
func (r *Releases) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Once wraps fn so that it runs at most one time
func Once(fn Release) Release {
	var once sync.Once
	return func() {
		once.Do(fn)
	}
}
