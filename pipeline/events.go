package pipeline

import "time"

// Stage names a step of a run
type Stage string

const (
	StageScan        Stage = "scan"
	StageExtract     Stage = "extract"
	StageScore       Stage = "score"
	StageResolve     Stage = "resolve"
	StageSegregate   Stage = "segregate"
	StageObfuscate   Stage = "obfuscate"
	StageConsolidate Stage = "consolidate"
)

// EventKind distinguishes stage boundaries from progress ticks
type EventKind string

const (
	EventStageStarted  EventKind = "stage_started"
	EventProgress      EventKind = "progress"
	EventStageFinished EventKind = "stage_finished"
)

// Event is a structured progress notification
type Event struct {
	RunID   string
	Stage   Stage
	Kind    EventKind
	Done    int
	Total   int
	Errors  int
	Message string
	Time    time.Time
}

// EventFunc receives events. It is called from worker goroutines and must be
// safe for concurrent use.
type EventFunc func(Event)
