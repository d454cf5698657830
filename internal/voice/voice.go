// Package voice places outbound reminder calls through a third-party
// voice-call provider. Failure classification is typed: callers branch
// on Outcome values, never on provider error strings.
package voice

import (
	"context"
	"time"
)

// Reminder carries the parameters spoken by the call flow.
type Reminder struct {
	EventName string
	EventTime time.Time
	UserName  string
}

// Outcome classifies one PlaceCall attempt.
type Outcome int

const (
	// OutcomePlaced: exactly one outbound telephony session was started.
	OutcomePlaced Outcome = iota
	// OutcomeAlreadyActive: the provider already has an in-flight call
	// for this destination. Treated as success; no retry should follow.
	OutcomeAlreadyActive
	// OutcomeInvalidNumber: permanent, do not retry.
	OutcomeInvalidNumber
	// OutcomeFlowNotFound: the call flow is missing or inactive. Permanent.
	OutcomeFlowNotFound
	// OutcomeUnavailable: transient provider failure (5xx, timeout,
	// transport error). The next tick may retry while the event is
	// still eligible.
	OutcomeUnavailable
	// OutcomeUnconfigured: fatal configuration error; surfaced to
	// operators, never retried automatically.
	OutcomeUnconfigured
)

// Called reports whether the attempt counts as handled for idempotence
// purposes (a durable called=true row is written).
func (o Outcome) Called() bool {
	return o == OutcomePlaced || o == OutcomeAlreadyActive
}

// Permanent reports whether retrying the same call can never succeed.
func (o Outcome) Permanent() bool {
	return o == OutcomeInvalidNumber || o == OutcomeFlowNotFound || o == OutcomeUnconfigured
}

func (o Outcome) String() string {
	switch o {
	case OutcomePlaced:
		return "placed"
	case OutcomeAlreadyActive:
		return "already_active"
	case OutcomeInvalidNumber:
		return "invalid_number"
	case OutcomeFlowNotFound:
		return "flow_not_found"
	case OutcomeUnavailable:
		return "unavailable"
	case OutcomeUnconfigured:
		return "unconfigured"
	default:
		return "unknown"
	}
}

// Gateway is the scheduler's view of the voice provider.
//
// PlaceCall never returns an error: every failure mode maps to an
// Outcome so the scheduler's handling stays uniform. Suppression of
// duplicate calls is the scheduler's job, not the gateway's.
type Gateway interface {
	PlaceCall(ctx context.Context, toNumber string, r Reminder) Outcome
	TestConnectivity(ctx context.Context) error
}
