package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// StateIdle is reported by the gate before any run has started. Runs
// themselves report the event states.
const StateIdle = "idle"

// ErrBusy rejects a second concurrent run on the same gate.
var ErrBusy = errors.New("agent is busy")

// Status is the gate's externally visible snapshot. JobID is nil
// whenever no run is active; State and TPS keep their last values so
// a finished run stays inspectable.
type Status struct {
	State string  `json:"state"`
	TPS   float64 `json:"tps"`
	JobID *string `json:"job_id"`
}

// Gate serializes runs over one conversation: at most one active job,
// cooperative cancellation, and a status snapshot for pollers.
type Gate struct {
	mu       sync.Mutex
	state    string
	tps      float64
	jobID    string
	cancel   context.CancelFunc
	onChange func(Status)
}

func NewGate() *Gate {
	return &Gate{state: StateIdle}
}

// OnChange registers a callback invoked (outside the lock) after every
// status transition. Only one callback is kept.
func (g *Gate) OnChange(fn func(Status)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// Start claims the gate. It returns a context cancelled by Stop, the
// job id to release with End, or ErrBusy while another job holds it.
func (g *Gate) Start(ctx context.Context) (context.Context, string, error) {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return nil, "", ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.jobID = uuid.NewString()
	g.state = StateGenerating
	jobID := g.jobID
	g.mu.Unlock()

	g.notify()
	return runCtx, jobID, nil
}

// Stop cancels the active job, reporting whether there was one. The
// job stays active until its loop unwinds and calls End.
func (g *Gate) Stop() bool {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Update records the state and throughput of the given job. Stale job
// ids (a finished run's trailing events) are ignored.
func (g *Gate) Update(jobID, state string, tps float64) {
	g.mu.Lock()
	if jobID != g.jobID {
		g.mu.Unlock()
		return
	}
	g.state = state
	g.tps = tps
	g.mu.Unlock()

	g.notify()
}

// UpdateCurrent records state and throughput for whichever job is
// active, for sinks that observe loop events without a job id in
// hand. A no-op when the gate is idle.
func (g *Gate) UpdateCurrent(state string, tps float64) {
	g.mu.Lock()
	if g.cancel == nil {
		g.mu.Unlock()
		return
	}
	g.state = state
	g.tps = tps
	g.mu.Unlock()

	g.notify()
}

// End releases the gate when the given job's loop has unwound. State
// and TPS keep their terminal values.
func (g *Gate) End(jobID string) {
	g.mu.Lock()
	if jobID != g.jobID {
		g.mu.Unlock()
		return
	}
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.jobID = ""
	g.mu.Unlock()

	g.notify()
}

// Busy reports whether a job currently holds the gate.
func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

// Status returns the current snapshot.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

func (g *Gate) statusLocked() Status {
	st := Status{State: g.state, TPS: g.tps}
	if g.cancel != nil {
		id := g.jobID
		st.JobID = &id
	}
	return st
}

func (g *Gate) notify() {
	g.mu.Lock()
	fn := g.onChange
	st := g.statusLocked()
	g.mu.Unlock()

	if fn != nil {
		fn(st)
	}
}
