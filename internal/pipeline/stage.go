// Package pipeline runs the stage workers that move announcement jobs
// from Scrape through Notify.
//
// Each worker pops one envelope at a time and resolves it to exactly one
// of three outcomes: the job advances (next-stage envelopes pushed, then
// acked), it is retried on the same queue after a backoff delay, or it is
// dead-lettered once its attempt budget is spent.
package pipeline

import (
	"context"

	"github.com/sells-group/exchange-feed/internal/model"
	"github.com/sells-group/exchange-feed/internal/resilience"
)

// Stage processes jobs of one type.
type Stage interface {
	Type() model.JobType
	Process(ctx context.Context, env model.Envelope) (Result, error)
}

// Result is what a stage hands back to its worker on success.
type Result struct {
	// Next holds envelopes for downstream queues.
	Next []model.Envelope
	// Record, when set, is checked by the guard before Next is pushed.
	Record *model.ClassifiedRecord
}

// Outcome is the state a job reached when its worker let go of it.
type Outcome string

const (
	OutcomeIdle         Outcome = "idle"
	OutcomeAdvanced     Outcome = "advanced"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeAbandoned means shutdown interrupted the job; its lease is left
	// to expire so another worker picks it up.
	OutcomeAbandoned Outcome = "abandoned"
)

// decode unmarshals env's payload. Malformed payloads can never succeed,
// so failures are terminal.
func decode(env model.Envelope, v any) error {
	if err := env.Decode(v); err != nil {
		return resilience.Terminal(err)
	}
	return nil
}
