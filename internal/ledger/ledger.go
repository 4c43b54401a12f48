// Package ledger admits or rejects reservations against an item's price.
//
// Every attempt on one item runs inside a per-item critical section and a
// store transaction, so the check "total + amount <= price" and the insert
// are never interleaved with another attempt on the same item. Attempts on
// different items never wait on each other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Kerhoff/wishpool/internal/lock"
	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
)

// MoneyScale is the number of fractional digits an amount may carry.
const MoneyScale = 2

// MaxAmount is the largest amount or price a store column holds.
var MaxAmount = decimal.RequireFromString("9999999999.99")

// Request is one reservation attempt.
type Request struct {
	ItemID   uuid.UUID
	Amount   decimal.Decimal
	IsFull   bool
	Identity models.Identity
}

// CommitFunc runs after a reservation commits, while the item's critical
// section is still held. Commits of one item therefore reach it in order.
type CommitFunc func(ctx context.Context, item models.Item, res models.Reservation)

// Options tunes the ledger. Zero values fall back to defaults.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	Backoff        time.Duration
	Hooks          Hooks
	OnCommit       CommitFunc
}

// Ledger is the only writer of reservations.
type Ledger struct {
	store  repository.LedgerStore
	locker lock.Locker
	logger *logrus.Logger
	opts   Options
}

// New creates a ledger over store, serializing per item through locker.
func New(store repository.LedgerStore, locker lock.Locker, logger *logrus.Logger, opts Options) *Ledger {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Millisecond
	}
	if opts.Hooks == nil {
		opts.Hooks = noopHooks{}
	}
	return &Ledger{store: store, locker: locker, logger: logger, opts: opts}
}

// Attempt tries to record a reservation. It returns the committed
// reservation, or an error whose ReasonOf explains the rejection.
//
// ctx only bounds the wait for the item's critical section. Once the
// check-and-insert has started it runs to completion, bounded by
// Options.AttemptTimeout, regardless of ctx.
func (l *Ledger) Attempt(ctx context.Context, req Request) (res *models.Reservation, err error) {
	start := time.Now()
	defer func() {
		l.opts.Hooks.ObserveAttempt(ReasonOf(err), time.Since(start))
	}()

	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}

	unlock, err := l.locker.Lock(ctx, "item:"+req.ItemID.String())
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("waiting for item %s: %w", req.ItemID, ctx.Err())
		}
		return nil, errors.Join(ErrStoreUnavailable, err)
	}
	defer unlock()

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.AttemptTimeout)
	defer cancel()

	var item *models.Item
	for attempt := 1; ; attempt++ {
		item, res, err = l.once(actx, req)
		if err == nil || !errors.Is(err, repository.ErrConflict) {
			break
		}
		l.opts.Hooks.IncConflict()
		if attempt >= l.opts.MaxAttempts || actx.Err() != nil {
			l.logger.WithFields(logrus.Fields{
				"item_id":  req.ItemID,
				"attempts": attempt,
			}).Warn("Reservation retries exhausted")
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
		l.opts.Hooks.IncRetry()
		l.logger.WithFields(logrus.Fields{
			"item_id": req.ItemID,
			"attempt": attempt,
		}).Debug("Retrying reservation after conflict")
		if werr := sleepCtx(actx, l.opts.Backoff*time.Duration(attempt)); werr != nil {
			return nil, errors.Join(ErrStoreUnavailable, err)
		}
	}
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"item_id":        res.ItemID,
		"reservation_id": res.ID,
		"amount":         res.Amount.StringFixed(MoneyScale),
		"full":           res.IsFullReservation,
	}).Info("Reservation committed")

	if l.opts.OnCommit != nil {
		l.opts.OnCommit(actx, *item, *res)
	}
	return res, nil
}

// once runs a single read-check-write transaction.
func (l *Ledger) once(ctx context.Context, req Request) (*models.Item, *models.Reservation, error) {
	var (
		item *models.Item
		res  *models.Reservation
	)
	err := l.store.InTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		item, err = tx.LockItem(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if !req.IsFull && !item.AllowContributions {
			return ErrContributionsDisallowed
		}

		tally, err := tx.Tally(ctx, req.ItemID)
		if err != nil {
			return err
		}
		if err := admit(item, tally, req); err != nil {
			return err
		}

		r := &models.Reservation{
			ItemID:            req.ItemID,
			Amount:            req.Amount,
			IsFullReservation: req.IsFull,
			UserID:            req.Identity.UserID,
		}
		if r.UserID == nil {
			r.GuestName = req.Identity.GuestName
		}
		if err := tx.InsertReservation(ctx, r); err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return nil, nil, classify(err)
	}
	return item, res, nil
}

// admit applies the capacity rules to the state read inside the transaction.
func admit(item *models.Item, tally models.ItemTally, req Request) error {
	ceiling, capped := item.Ceiling()
	if (capped || !item.AllowContributions) && tally.HasFull {
		return ErrWouldExceedCapacity
	}
	if capped && tally.Total.Add(req.Amount).GreaterThan(ceiling) {
		return ErrWouldExceedCapacity
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrContributionsDisallowed), errors.Is(err, ErrWouldExceedCapacity):
		return err
	case errors.Is(err, repository.ErrConflict):
		return err
	case errors.Is(err, repository.ErrNotFound):
		return errors.Join(ErrNotFound, err)
	default:
		return errors.Join(ErrStoreUnavailable, err)
	}
}

func validateAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: %s is negative", ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, amount, MoneyScale)
	}
	if amount.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s exceeds %s", ErrInvalidAmount, amount, MaxAmount)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
