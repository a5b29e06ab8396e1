// Package sched owns the deferred-action pipeline: deriving actions from
// trigger messages, executing due actions against the platform, and the
// periodic reconciliation sweep that ties the two to the store.
package sched

import (
	"time"

	"pinrelay/internal/store"
)

// Result classifies one execution attempt.
type Result int

const (
	// ResultSuccess: the desired end state holds (including "target already
	// gone"). The action is removed.
	ResultSuccess Result = iota

	// ResultRetryable: transient failure; retried on a later sweep.
	ResultRetryable

	// ResultTerminal: will not heal on its own (permissions). Still counted
	// against the retry ceiling so a misconfigured tenant cannot wedge the
	// queue forever.
	ResultTerminal
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetryable:
		return "retryable"
	case ResultTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// RetryCeiling is the fixed attempt budget per action.
const RetryCeiling = 3

// ExhaustedEvent is published on the bus when an action is dropped after
// exhausting its retries. The alert sink turns it into an operator message.
type ExhaustedEvent struct {
	Action store.Action
	Result Result
	Err    string
}

// SweepEvent summarizes one reconciliation sweep.
type SweepEvent struct {
	SweepID   string
	Due       int
	Succeeded int
	Retried   int
	Dropped   int
	Took      time.Duration
}

// ComputeDueAt returns the absolute due instant for an action: the base
// instant (either "now" or an extracted event time) plus the configured
// delay in minutes.
func ComputeDueAt(base time.Time, delayMinutes int) time.Time {
	return base.Add(time.Duration(delayMinutes) * time.Minute).UTC()
}
