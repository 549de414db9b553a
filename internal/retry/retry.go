// Package retry maps a failed operation to either "do not retry" or
// "retry after this delay", with idempotency-aware bounds and a
// best-effort backoff calculator built on
// github.com/cenkalti/backoff/v4.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Reason classifies why an operation failed in a potentially
// recoverable way. The set is closed; new codes from the server error
// map fold into ReasonKVErrorMapRetryIndicated.
type Reason string

const (
	ReasonDoNotRetry                    Reason = "do_not_retry"
	ReasonSocketClosedWhileInFlight     Reason = "socket_closed_while_in_flight"
	ReasonKVNotMyVbucket                Reason = "kv_not_my_vbucket"
	ReasonKVCollectionOutdated          Reason = "kv_collection_outdated"
	ReasonKVLocked                      Reason = "kv_locked"
	ReasonKVTemporaryFailure            Reason = "kv_temporary_failure"
	ReasonKVSyncWriteInProgress         Reason = "kv_sync_write_in_progress"
	ReasonKVSyncWriteReCommitInProgress Reason = "kv_sync_write_re_commit_in_progress"
	ReasonKVErrorMapRetryIndicated      Reason = "kv_error_map_retry_indicated"
	ReasonServiceNotAvailable           Reason = "service_not_available"
	ReasonNodeNotAvailable              Reason = "node_not_available"
	ReasonUnknown                       Reason = "unknown"
)

// idempotentOnlyReasons are retried only when Request.Idempotent is
// true, as is any reason in neither set; the reasons in
// alwaysRetryableReasons are retried either way.
var idempotentOnlyReasons = map[Reason]struct{}{
	ReasonSocketClosedWhileInFlight: {},
	ReasonServiceNotAvailable:       {},
	ReasonNodeNotAvailable:          {},
}

// alwaysRetryableReasons may be retried regardless of idempotency,
// because the server is known not to have applied a mutation for
// them (e.g. the vbucket map moved before the op reached a node).
var alwaysRetryableReasons = map[Reason]struct{}{
	ReasonKVNotMyVbucket:                {},
	ReasonKVCollectionOutdated:          {},
	ReasonKVLocked:                      {},
	ReasonKVTemporaryFailure:            {},
	ReasonKVSyncWriteInProgress:         {},
	ReasonKVSyncWriteReCommitInProgress: {},
	ReasonKVErrorMapRetryIndicated:      {},
}

// Request carries the per-attempt state a Strategy needs: how many
// times the operation has already been attempted and whether it is
// safe to resend blindly.
type Request struct {
	Attempt    int
	Idempotent bool
}

// Outcome is the result of consulting a Strategy: either retry after
// Delay, or don't.
type Outcome struct {
	Retry bool
	Delay time.Duration
}

// DoNotRetry is the zero-value non-retry outcome.
var DoNotRetry = Outcome{}

// Strategy decides whether and when a failed attempt is retried.
type Strategy interface {
	RetryAfter(req Request, reason Reason) Outcome
}

// eligible reports whether reason may be retried at all for this
// request's idempotency.
func eligible(req Request, reason Reason) bool {
	if reason == ReasonDoNotRetry {
		return false
	}
	if _, ok := alwaysRetryableReasons[reason]; ok {
		return true
	}
	if _, ok := idempotentOnlyReasons[reason]; ok {
		return req.Idempotent
	}
	// Unknown reasons default to idempotent-only, matching the
	// conservative treatment of ReasonUnknown.
	return req.Idempotent
}

// BestEffortStrategy is the default strategy: exponential backoff
// with jitter via backoff/v4, capped at MaxDelay.
type BestEffortStrategy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewBestEffortStrategy builds the default strategy: delays start at
// 1ms and cap at 500ms.
func NewBestEffortStrategy() *BestEffortStrategy {
	return &BestEffortStrategy{
		BaseDelay: time.Millisecond,
		MaxDelay:  500 * time.Millisecond,
	}
}

// RetryAfter implements Strategy.
func (s *BestEffortStrategy) RetryAfter(req Request, reason Reason) Outcome {
	if !eligible(req, reason) {
		return DoNotRetry
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.BaseDelay
	b.MaxInterval = s.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.25
	b.MaxElapsedTime = 0 // bounded externally by the deadline, not by the curve itself

	delay := s.BaseDelay
	for i := 0; i < req.Attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > s.MaxDelay {
		delay = s.MaxDelay
	}
	return Outcome{Retry: true, Delay: delay}
}

// FailFastStrategy never retries; it surfaces the first failure
// immediately. Useful for latency-sensitive callers that would rather
// fail than wait out a retry window.
type FailFastStrategy struct{}

// RetryAfter implements Strategy.
func (FailFastStrategy) RetryAfter(Request, Reason) Outcome {
	return DoNotRetry
}

// ErrorMapSpec is the backoff hint a server error map entry may carry
// for one status code: a curve shape plus its timing constants.
type ErrorMapSpec struct {
	Strategy    string // "constant", "linear", or "exponential"
	Interval    time.Duration
	After       time.Duration
	MaxDuration time.Duration
}

// Delay computes the hinted backoff for the given attempt (0-based).
// The first retry additionally waits out After; every result is
// clamped to MaxDuration when one is set.
func (s ErrorMapSpec) Delay(attempt int) time.Duration {
	if s.Interval <= 0 {
		return 0
	}
	var d time.Duration
	switch s.Strategy {
	case "linear":
		d = s.Interval * time.Duration(attempt+1)
	case "exponential":
		d = s.Interval
		for i := 0; i < attempt && (s.MaxDuration <= 0 || d < s.MaxDuration); i++ {
			d *= 2
		}
	default: // constant
		d = s.Interval
	}
	if attempt == 0 {
		d += s.After
	}
	if s.MaxDuration > 0 && d > s.MaxDuration {
		d = s.MaxDuration
	}
	return d
}

// WithinDeadline reports whether a retry delayed by delay still fits
// before the operation's deadline. The orchestrator never schedules a
// retry whose delay would meet or exceed the remaining time; it gives
// up and surfaces a timeout instead.
func WithinDeadline(remaining, delay time.Duration) bool {
	return delay < remaining
}
