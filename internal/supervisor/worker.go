package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// worker is the runtime side of one supervised worker: the persisted record
// snapshot, the output buffer it exclusively owns, and the child runner
// (nil for external workers).
type worker struct {
	mu     sync.Mutex
	rec    *v1.Worker
	buffer *OutputBuffer
	run    *runner
	spec   runnerSpec // retained for crash restarts

	lastSeen   atomic.Int64 // millisecond epoch of last output or heartbeat
	dismissing atomic.Bool
	restarts   []time.Time // sliding window for the restart budget
}

// snapshot returns a copy of the persisted record.
func (w *worker) snapshot() *v1.Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := *w.rec
	return &cp
}

func (w *worker) state() v1.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.State
}

func (w *worker) runner() *runner {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.run
}

func (w *worker) setRunner(r *runner) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.run = r
}

func (w *worker) health() v1.WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rec.Health
}

// restartAllowed prunes the restart window and reports whether another
// restart fits the budget. When it does, the restart is recorded.
func (w *worker) restartAllowed(budget int, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-time.Hour)
	kept := w.restarts[:0]
	for _, t := range w.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.restarts = kept

	if len(w.restarts) >= budget {
		return false
	}
	w.restarts = append(w.restarts, now)
	return true
}
