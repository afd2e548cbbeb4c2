package pipeline

import (
	"fmt"
	"sync"
	"time"
)

// ProgressFunc receives a completion fraction in [0, 1] and a short
// human readable description of the current step.
type ProgressFunc func(fraction float64, description string)

func (f ProgressFunc) report(fraction float64, description string) {
	if f != nil {
		f(clamp(fraction), description)
	}
}

// Step reports sampling step of total.
func (f ProgressFunc) Step(step, total int) {
	if total <= 0 {
		return
	}
	f.report(float64(step)/float64(total), fmt.Sprintf("Sampling... %d/%d", step, total))
}

// Tee returns a ProgressFunc calling every non-nil fn in order.
func Tee(fns ...ProgressFunc) ProgressFunc {
	return func(fraction float64, description string) {
		for _, fn := range fns {
			if fn != nil {
				fn(fraction, description)
			}
		}
	}
}

func clamp(f float64) float64 {
	switch {
	case f < 0 || f != f:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Snapshot is the last progress reported for the running operation.
type Snapshot struct {
	Active      bool      `json:"active"`
	Operation   string    `json:"operation,omitempty"`
	Fraction    float64   `json:"progress"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tracker holds the latest progress for polling clients. Only the most
// recently started operation writes to it.
type Tracker struct {
	mu    sync.RWMutex
	snap  Snapshot
	owner uint64
	seq   uint64
	now   func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Start begins tracking op. The returned ProgressFunc feeds the snapshot
// until another operation starts; done marks op finished and leaves the
// last fraction and description readable.
func (t *Tracker) Start(op string) (report ProgressFunc, done func()) {
	t.mu.Lock()
	t.seq++
	token := t.seq
	t.owner = token
	t.snap = Snapshot{Active: true, Operation: op, UpdatedAt: t.now()}
	t.mu.Unlock()

	report = func(fraction float64, description string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.owner != token || !t.snap.Active {
			return
		}
		t.snap.Fraction = clamp(fraction)
		t.snap.Description = description
		t.snap.UpdatedAt = t.now()
	}
	done = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.owner != token {
			return
		}
		t.snap.Active = false
		t.snap.UpdatedAt = t.now()
	}
	return report, done
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
