package engine

import (
	"context"
	"log"
	"sync"
	"time"
)

// Notifier is the fire-and-forget broadcast hook. Implementations must not
// block; delivery failures are the implementation's problem, never the
// engine's.
type Notifier interface {
	NotifyTransition(t Transition)
}

// Persister is the optional durable-write hook. Writes are best-effort: an
// error is logged and the in-memory state remains the source of truth.
type Persister interface {
	SaveTask(ctx context.Context, task Task) error
	SaveTransition(ctx context.Context, t Transition) error
}

// sideEffect is one committed mutation's pending hook delivery: the snapshot
// for the durable write, plus the transition when the state changed.
type sideEffect struct {
	snapshot   Task
	transition *Transition
}

// record pairs a task with its own lock and completion signal. Field access
// goes through the record mutex; the per-record lock is what serializes
// concurrent mutations of the same task id.
type record struct {
	mu     sync.RWMutex
	task   Task
	signal *Signal

	// effectMu guards the side-effect queue. Entries are appended while mu is
	// still held, so queue order always matches commit order, and a single
	// drain goroutine delivers them one at a time. Without this, two rapid
	// transitions could persist in inverted order and leave the durable row
	// at a stale state forever.
	effectMu sync.Mutex
	effects  []sideEffect
	draining bool
}

// Store is the authoritative map from task id to record. It guarantees
// at-most-one in-flight mutation per task id via per-record locks, while the
// store-level lock only guards the map itself.
//
// A mutation function must only touch its own record. Cross-task effects are
// scheduled by the engine after the mutation returns, never executed inline,
// which keeps lock acquisition ordered along dependency edges (acyclic, so
// deadlock-free).
type Store struct {
	mu        sync.RWMutex
	records   map[string]*record
	notifier  Notifier
	persister Persister
}

// NewStore creates an empty store. Either hook may be nil.
func NewStore(notifier Notifier, persister Persister) *Store {
	return &Store{
		records:   make(map[string]*record),
		notifier:  notifier,
		persister: persister,
	}
}

// Get returns a snapshot of the task, or false if the id has never been seen.
func (s *Store) Get(id string) (Task, bool) {
	rec, ok := s.record(id)
	if !ok {
		return Task{}, false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return cloneTask(&rec.task), true
}

// Signal returns the completion signal for the task, or false if absent.
func (s *Store) Signal(id string) (*Signal, bool) {
	rec, ok := s.record(id)
	if !ok {
		return nil, false
	}
	return rec.signal, true
}

// StateOf returns the current state of the task. Terminal states are
// immutable, so a terminal answer is stable forever.
func (s *Store) StateOf(id string) (State, bool) {
	rec, ok := s.record(id)
	if !ok {
		return StatePending, false
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.task.State, true
}

// UpsertPlaceholder creates a PENDING record with an empty dependency set if
// the id is absent. Idempotent; used for forward-referenced dependencies.
// The placeholder's completion signal is created here and survives a later
// real registration, so dependent subscriptions never need re-attaching.
func (s *Store) UpsertPlaceholder(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[id]; exists {
		return
	}
	s.records[id] = &record{
		task: Task{
			ID:           id,
			State:        StatePending,
			Placeholder:  true,
			RegisteredAt: time.Now(),
		},
		signal: NewSignal(),
	}
}

// Mutate acquires the task's exclusive lock, applies fn to the record, and
// releases. If fn returns an error the record is left as fn left it but no
// side effects fire; fn must therefore not modify the record on error paths.
// On success a best-effort notification and persistence write are enqueued in
// commit order. Returns a snapshot taken under the lock.
func (s *Store) Mutate(id string, fn func(task *Task) error) (Task, error) {
	rec, ok := s.record(id)
	if !ok {
		return Task{}, ErrTaskNotFound
	}

	rec.mu.Lock()
	before := rec.task.State
	if err := fn(&rec.task); err != nil {
		rec.mu.Unlock()
		return Task{}, err
	}
	after := rec.task.State
	snapshot := cloneTask(&rec.task)

	startDrain := false
	if s.notifier != nil || s.persister != nil {
		eff := sideEffect{snapshot: snapshot}
		if before != after {
			eff.transition = &Transition{
				TaskID:    snapshot.ID,
				From:      before,
				To:        after,
				Timestamp: time.Now(),
			}
		}
		rec.effectMu.Lock()
		rec.effects = append(rec.effects, eff)
		startDrain = !rec.draining
		rec.draining = true
		rec.effectMu.Unlock()
	}
	rec.mu.Unlock()

	if startDrain {
		go s.drain(rec)
	}
	return snapshot, nil
}

// All returns a snapshot of every record.
func (s *Store) All() []Task {
	s.mu.RLock()
	records := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	s.mu.RUnlock()

	tasks := make([]Task, 0, len(records))
	for _, rec := range records {
		rec.mu.RLock()
		tasks = append(tasks, cloneTask(&rec.task))
		rec.mu.RUnlock()
	}
	return tasks
}

// Len returns the number of records, placeholders included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) record(id string) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// drain delivers the record's queued side effects one at a time, in commit
// order. At most one drain goroutine runs per record; it exits once the queue
// is empty and a later mutation starts a fresh one.
func (s *Store) drain(rec *record) {
	for {
		rec.effectMu.Lock()
		if len(rec.effects) == 0 {
			rec.draining = false
			rec.effectMu.Unlock()
			return
		}
		eff := rec.effects[0]
		rec.effects = rec.effects[1:]
		rec.effectMu.Unlock()

		s.deliver(eff)
	}
}

// deliver fires the broadcast and persistence hooks for one committed
// mutation. Hook failures are logged and swallowed: the in-memory state has
// already committed and is the source of truth.
func (s *Store) deliver(eff sideEffect) {
	if eff.transition != nil && s.notifier != nil {
		s.notifier.NotifyTransition(*eff.transition)
	}

	if s.persister == nil {
		return
	}
	ctx := context.Background()
	if err := s.persister.SaveTask(ctx, eff.snapshot); err != nil {
		log.Printf("WARNING: persistence write for task %q failed: %v", eff.snapshot.ID, err)
	}
	if eff.transition != nil {
		if err := s.persister.SaveTransition(ctx, *eff.transition); err != nil {
			log.Printf("WARNING: transition write for task %q failed: %v", eff.snapshot.ID, err)
		}
	}
}
