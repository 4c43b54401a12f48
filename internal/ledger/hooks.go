package ledger

import "time"

// Hooks receives ledger observability events.
type Hooks interface {
	ObserveAttempt(reason Reason, dur time.Duration)
	IncConflict()
	IncRetry()
}

type noopHooks struct{}

func (noopHooks) ObserveAttempt(Reason, time.Duration) {}
func (noopHooks) IncConflict()                         {}
func (noopHooks) IncRetry()                            {}
