package mds

import "sync"

// Watch fires once, by closing C, on the next change of its key.
type Watch struct {
	ch   chan struct{}
	stop func()
}

// C returns the channel closed when the key changes.
func (w *Watch) C() <-chan struct{} { return w.ch }

// Stop releases the watch. Safe to call after it fired.
func (w *Watch) Stop() { w.stop() }

type watchers struct {
	mu     sync.Mutex
	nextID uint64
	byKey  map[string]map[uint64]chan struct{}
}

func newWatchers() *watchers {
	return &watchers{byKey: make(map[string]map[uint64]chan struct{})}
}

func (w *watchers) add(key string) *Watch {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++
	ch := make(chan struct{})
	if w.byKey[key] == nil {
		w.byKey[key] = make(map[uint64]chan struct{})
	}
	w.byKey[key][id] = ch

	return &Watch{
		ch: ch,
		stop: func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			if set, ok := w.byKey[key]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(w.byKey, key)
				}
			}
		},
	}
}

// fire closes and drops every watch on key.
func (w *watchers) fire(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ch := range w.byKey[key] {
		close(ch)
	}
	delete(w.byKey, key)
}

// fireAll closes every watch, used on shutdown.
func (w *watchers) fireAll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, set := range w.byKey {
		for _, ch := range set {
			close(ch)
		}
		delete(w.byKey, key)
	}
}
