package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"petprep/logging"
	"petprep/types"
)

// RunStore persists run state and per image results
type RunStore interface {
	SaveRun(ctx context.Context, state types.RunState) error
	SaveImages(ctx context.Context, runID string, entries []types.ImageEntry) error
	GetRun(ctx context.Context, runID string) (types.RunState, error)
	ListRuns(ctx context.Context, limit int) ([]types.RunState, error)
	Images(ctx context.Context, runID string) ([]types.ImageEntry, error)
}

// MemoryStore keeps runs in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]types.RunState
	images map[string][]types.ImageEntry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]types.RunState),
		images: make(map[string][]types.ImageEntry),
	}
}

// SaveRun inserts or replaces a run
func (s *MemoryStore) SaveRun(_ context.Context, state types.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[state.ID] = state
	return nil
}

// SaveImages replaces the image entries of a run
func (s *MemoryStore) SaveImages(_ context.Context, runID string, entries []types.ImageEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return types.ErrRunNotFound
	}
	s.images[runID] = append([]types.ImageEntry(nil), entries...)
	return nil
}

// GetRun returns one run
func (s *MemoryStore) GetRun(_ context.Context, runID string) (types.RunState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runs[runID]
	if !ok {
		return types.RunState{}, types.ErrRunNotFound
	}
	return state, nil
}

// ListRuns returns the most recent runs first
func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]types.RunState, error) {
	s.mu.RLock()
	runs := make([]types.RunState, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Images returns the image entries of a run
func (s *MemoryStore) Images(_ context.Context, runID string) ([]types.ImageEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, types.ErrRunNotFound
	}
	return append([]types.ImageEntry(nil), s.images[runID]...), nil
}

// tracker owns the RunState of one run. Stage boundaries are persisted,
// progress ticks only update memory and notify the callback.
type tracker struct {
	mu      sync.Mutex
	state   types.RunState
	store   RunStore
	onEvent EventFunc
}

func newTracker(runID string, store RunStore, onEvent EventFunc) *tracker {
	return &tracker{
		state: types.RunState{
			ID:        runID,
			Status:    types.RunRunning,
			StartedAt: time.Now(),
		},
		store:   store,
		onEvent: onEvent,
	}
}

func (t *tracker) snapshot() types.RunState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *tracker) update(fn func(*types.RunState)) {
	t.mu.Lock()
	fn(&t.state)
	t.mu.Unlock()
}

func (t *tracker) persist(ctx context.Context) {
	if err := t.store.SaveRun(context.WithoutCancel(ctx), t.snapshot()); err != nil {
		logging.LogWarning("Cannot save state of run %s: %v", t.state.ID, err)
	}
}

func (t *tracker) emit(stage Stage, kind EventKind, done, total, errs int, msg string) {
	if t.onEvent == nil {
		return
	}
	t.onEvent(Event{
		RunID:   t.state.ID,
		Stage:   stage,
		Kind:    kind,
		Done:    done,
		Total:   total,
		Errors:  errs,
		Message: msg,
		Time:    time.Now(),
	})
}

func (t *tracker) startStage(ctx context.Context, stage Stage, total int) {
	t.update(func(s *types.RunState) {
		s.Stage = string(stage)
		s.Done = 0
		s.Total = total
	})
	logging.LogInfo("Stage %s started (%d items)", stage, total)
	t.persist(ctx)
	t.emit(stage, EventStageStarted, 0, total, 0, "")
}

func (t *tracker) progress(stage Stage, done, errs, total int) {
	t.update(func(s *types.RunState) {
		s.Done = done
		s.Total = total
	})
	t.emit(stage, EventProgress, done, total, errs, "")
}

func (t *tracker) finishStage(ctx context.Context, stage Stage, msg string) {
	state := t.snapshot()
	logging.LogInfo("Stage %s finished: %s", stage, msg)
	t.persist(ctx)
	t.emit(stage, EventStageFinished, state.Done, state.Total, 0, msg)
}

func (t *tracker) finish(ctx context.Context, err error) types.RunState {
	t.update(func(s *types.RunState) {
		s.FinishedAt = time.Now()
		switch {
		case err == nil:
			s.Status = types.RunCompleted
		case ctx.Err() != nil:
			s.Status = types.RunCancelled
			s.Error = err.Error()
		default:
			s.Status = types.RunFailed
			s.Error = err.Error()
		}
	})
	t.persist(ctx)
	return t.snapshot()
}
