package pipeline

import (
	"sync/atomic"

	"github.com/sells-group/exchange-feed/internal/model"
)

// StageStats are live counters for one stage's workers.
type StageStats struct {
	Alive        atomic.Int64
	Received     atomic.Int64
	Advanced     atomic.Int64
	Retried      atomic.Int64
	DeadLettered atomic.Int64
	Restarts     atomic.Int64
	Panics       atomic.Int64
}

func (s *StageStats) record(o Outcome) {
	switch o {
	case OutcomeAdvanced:
		s.Advanced.Add(1)
	case OutcomeRetried:
		s.Retried.Add(1)
	case OutcomeDeadLettered:
		s.DeadLettered.Add(1)
	}
}

// StageSnapshot is a point-in-time copy of StageStats.
type StageSnapshot struct {
	Stage        model.JobType `json:"stage"`
	Workers      int           `json:"workers"`
	Alive        int64         `json:"alive"`
	Received     int64         `json:"received"`
	Advanced     int64         `json:"advanced"`
	Retried      int64         `json:"retried"`
	DeadLettered int64         `json:"dead_lettered"`
	Restarts     int64         `json:"restarts"`
	Panics       int64         `json:"panics"`
}

func (s *StageStats) snapshot(stage model.JobType, workers int) StageSnapshot {
	return StageSnapshot{
		Stage:        stage,
		Workers:      workers,
		Alive:        s.Alive.Load(),
		Received:     s.Received.Load(),
		Advanced:     s.Advanced.Load(),
		Retried:      s.Retried.Load(),
		DeadLettered: s.DeadLettered.Load(),
		Restarts:     s.Restarts.Load(),
		Panics:       s.Panics.Load(),
	}
}
