package ledger

import (
	"context"
	"errors"
)

// Rejection reasons returned by Attempt. They are joined with the underlying
// cause, so errors.Is works for both.
var (
	ErrNotFound                = errors.New("item not found")
	ErrContributionsDisallowed = errors.New("item does not accept partial contributions")
	ErrWouldExceedCapacity     = errors.New("reservation would exceed item price")
	ErrStoreUnavailable        = errors.New("reservation store unavailable")
	ErrInvalidAmount           = errors.New("invalid reservation amount")
)

// Reason is the stable code callers present to users.
type Reason string

const (
	ReasonNone                    Reason = ""
	ReasonNotFound                Reason = "not_found"
	ReasonContributionsDisallowed Reason = "contributions_disallowed"
	ReasonWouldExceedCapacity     Reason = "would_exceed_capacity"
	ReasonStoreUnavailable        Reason = "store_unavailable"
	ReasonInvalidAmount           Reason = "invalid_amount"
	ReasonCancelled               Reason = "cancelled"
)

// ReasonOf classifies an error returned by Attempt. Unknown errors are
// reported as store failures.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrInvalidAmount):
		return ReasonInvalidAmount
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrContributionsDisallowed):
		return ReasonContributionsDisallowed
	case errors.Is(err, ErrWouldExceedCapacity):
		return ReasonWouldExceedCapacity
	case errors.Is(err, ErrStoreUnavailable):
		return ReasonStoreUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	default:
		return ReasonStoreUnavailable
	}
}

// Retryable reports whether the caller may resubmit the same request later.
func (r Reason) Retryable() bool {
	return r == ReasonStoreUnavailable || r == ReasonCancelled
}
