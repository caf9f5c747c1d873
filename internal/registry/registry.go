package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/splax/localvercel/preview/internal/domain"
)

var (
	// ErrExists indicates a run with the same id is already registered.
	ErrExists = errors.New("registry: run already exists")
	// ErrInvalidTransition indicates an update would move a run backwards or
	// leave a terminal state.
	ErrInvalidTransition = errors.New("registry: invalid status transition")
	// ErrInvariant indicates an update would break the run field invariants.
	ErrInvariant = errors.New("registry: run invariant violated")
)

// Notifier receives a snapshot after every committed change.
type Notifier interface {
	RunChanged(run domain.Run)
	RunDeleted(id string)
}

// Fanout delivers every notification to each non-nil notifier in order.
func Fanout(notifiers ...Notifier) Notifier {
	var out fanout
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

type fanout []Notifier

func (f fanout) RunChanged(run domain.Run) {
	for _, n := range f {
		n.RunChanged(run)
	}
}

func (f fanout) RunDeleted(id string) {
	for _, n := range f {
		n.RunDeleted(id)
	}
}

// Filter narrows List results.
type Filter struct {
	Status domain.RunStatus
	Limit  int
}

// Registry is the in-process record of every submitted run.
type Registry struct {
	mu       sync.RWMutex
	runs     map[string]domain.Run
	notifier Notifier
	now      func() time.Time
}

// New constructs an empty registry. notifier may be nil.
func New(notifier Notifier) *Registry {
	return &Registry{
		runs:     make(map[string]domain.Run),
		notifier: notifier,
		now:      time.Now,
	}
}

// Create stores a new run. CreatedAt and UpdatedAt default to now.
func (r *Registry) Create(run domain.Run) error {
	if run.ID == "" {
		return fmt.Errorf("registry: run id required")
	}
	if !run.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, run.Status)
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	now := r.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}

	r.mu.Lock()
	if _, ok := r.runs[run.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, run.ID)
	}
	stored := run.Clone()
	r.runs[run.ID] = stored
	r.mu.Unlock()

	r.notifyChanged(stored)
	return nil
}

// Get returns a copy of the run.
func (r *Registry) Get(id string) (domain.Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return domain.Run{}, false
	}
	return run.Clone(), true
}

// Update merges upd into the run and stamps UpdatedAt. A missing run is not
// an error: it returns ok=false so callers racing with Delete can stop quietly.
func (r *Registry) Update(id string, upd domain.RunUpdate) (domain.Run, bool, error) {
	r.mu.Lock()
	current, ok := r.runs[id]
	if !ok {
		r.mu.Unlock()
		return domain.Run{}, false, nil
	}
	if upd.Status != nil && !current.Status.CanTransition(*upd.Status) {
		r.mu.Unlock()
		return current.Clone(), true, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, *upd.Status)
	}
	next := upd.Apply(current)
	if err := next.Validate(); err != nil {
		r.mu.Unlock()
		return current.Clone(), true, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	next.UpdatedAt = r.now().UTC()
	r.runs[id] = next
	snapshot := next.Clone()
	r.mu.Unlock()

	r.notifyChanged(snapshot)
	return snapshot.Clone(), true, nil
}

// Delete removes the run and reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	_, ok := r.runs[id]
	delete(r.runs, id)
	r.mu.Unlock()
	if ok && r.notifier != nil {
		r.notifier.RunDeleted(id)
	}
	return ok
}

// List returns runs newest first.
func (r *Registry) List(filter Filter) []domain.Run {
	r.mu.RLock()
	out := make([]domain.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Len reports the number of registered runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Sweep removes runs created more than maxAge ago and returns how many were removed.
func (r *Registry) Sweep(maxAge time.Duration) int {
	return len(r.Expire(maxAge))
}

// Expire removes runs created more than maxAge ago and returns them so the
// caller can release their files and workers.
func (r *Registry) Expire(maxAge time.Duration) []domain.Run {
	if maxAge <= 0 {
		return nil
	}
	cutoff := r.now().Add(-maxAge)
	r.mu.Lock()
	var removed []domain.Run
	for id, run := range r.runs {
		if run.CreatedAt.Before(cutoff) {
			removed = append(removed, run.Clone())
			delete(r.runs, id)
		}
	}
	r.mu.Unlock()

	if r.notifier != nil {
		for _, run := range removed {
			r.notifier.RunDeleted(run.ID)
		}
	}
	return removed
}

func (r *Registry) notifyChanged(run domain.Run) {
	if r.notifier == nil {
		return
	}
	r.notifier.RunChanged(run)
}
