package ledger

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kerhoff/wishpool/internal/lock"
	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository"
	"github.com/Kerhoff/wishpool/internal/repository/memory"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedItem(t *testing.T, store *memory.Store, price string, allowContributions bool) *models.Item {
	t.Helper()
	ctx := context.Background()
	w, err := store.Wishlists().Create(ctx, &models.Wishlist{
		OwnerID:    uuid.New(),
		Title:      "Birthday",
		PublicSlug: uuid.NewString(),
	})
	require.NoError(t, err)

	item := &models.Item{WishlistID: w.ID, Title: "Bike", AllowContributions: allowContributions}
	if price != "" {
		item.Price = decimal.NewNullDecimal(dec(price))
	}
	item, err = store.Items().Create(ctx, item)
	require.NoError(t, err)
	return item
}

func committedTotal(t *testing.T, store *memory.Store, itemID uuid.UUID) decimal.Decimal {
	t.Helper()
	rs, err := store.Reservations().ListByItem(context.Background(), itemID)
	require.NoError(t, err)
	total := decimal.Zero
	for _, r := range rs {
		total = total.Add(r.Amount)
	}
	return total
}

func newLedger(store repository.LedgerStore, opts Options) *Ledger {
	return New(store, lock.NewKeyedMutex(), quietLogger(), opts)
}

func TestAttempt_ScenarioSixtySixtyFortyCent(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "100.00", true)
	l := newLedger(store, Options{})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		results [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("60.00")})
		}(i)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrWouldExceedCapacity):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	res, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("40.00")})
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(dec("40")))

	_, err = l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("0.01")})
	require.Error(t, err)
	assert.Equal(t, ReasonWouldExceedCapacity, ReasonOf(err))

	assert.True(t, committedTotal(t, store, item.ID).Equal(dec("100")))
}

func TestAttempt_ConcurrentRaceAdmitsExactly(t *testing.T) {
	const workers = 20
	store := memory.New()
	// Each attempt is a fifth of the price: exactly five fit.
	item := seedItem(t, store, "50.00", true)
	l := newLedger(store, Options{})

	var (
		wg       sync.WaitGroup
		ok       atomic.Int32
		rejected atomic.Int32
		start    = make(chan struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: dec("10.00")})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrWouldExceedCapacity):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 5, ok.Load())
	assert.EqualValues(t, workers-5, rejected.Load())
	assert.True(t, committedTotal(t, store, item.ID).Equal(dec("50")))
}

type nopLocker struct{}

func (nopLocker) Lock(context.Context, string) (lock.Unlock, error) { return func() {}, nil }

func TestAttempt_StoreIsolationAloneNeverOversells(t *testing.T) {
	const workers = 30
	store := memory.New()
	item := seedItem(t, store, "25.00", true)
	l := New(store, nopLocker{}, quietLogger(), Options{MaxAttempts: 50, Backoff: time.Microsecond})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: dec("1.00")})
			if err != nil {
				r := ReasonOf(err)
				assert.True(t, r == ReasonWouldExceedCapacity || r == ReasonStoreUnavailable, "reason %q", r)
			}
		}()
	}
	wg.Wait()

	total := committedTotal(t, store, item.ID)
	assert.True(t, total.LessThanOrEqual(dec("25")), "total %s oversold", total)
}

func TestAttempt_UnlimitedItemAlwaysAdmits(t *testing.T) {
	for _, price := range []string{"", "0"} {
		t.Run("price="+price, func(t *testing.T) {
			store := memory.New()
			item := seedItem(t, store, price, true)
			l := newLedger(store, Options{})

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: dec("999999.99")})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			_, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: dec("1"), IsFull: true})
			require.NoError(t, err)
			assert.True(t, committedTotal(t, store, item.ID).Equal(dec("9999999.9").Add(dec("1"))))
		})
	}
}

func TestAttempt_ContributionPolicy(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "80.00", false)
	l := newLedger(store, Options{})
	ctx := context.Background()

	_, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("10.00")})
	require.Error(t, err)
	assert.Equal(t, ReasonContributionsDisallowed, ReasonOf(err))

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		blocked atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("80.00"), IsFull: true})
			if err == nil {
				ok.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrWouldExceedCapacity)
			blocked.Add(1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 7, blocked.Load())
}

func TestAttempt_FullReservationExclusivity(t *testing.T) {
	tests := []struct {
		name        string
		price       string
		allow       bool
		wantBlocked bool
	}{
		{name: "capped item", price: "100.00", allow: true, wantBlocked: true},
		{name: "uncapped item without contributions", price: "", allow: false, wantBlocked: true},
		{name: "uncapped item with contributions", price: "", allow: true, wantBlocked: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			item := seedItem(t, store, tt.price, tt.allow)
			l := newLedger(store, Options{})
			ctx := context.Background()

			_, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("10.00"), IsFull: true})
			require.NoError(t, err)

			_, err = l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("1.00"), IsFull: true})
			if tt.wantBlocked {
				assert.ErrorIs(t, err, ErrWouldExceedCapacity)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAttempt_ExactFillAllowed(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "0.30", true)
	l := newLedger(store, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("0.10")})
		require.NoError(t, err)
	}
	assert.True(t, committedTotal(t, store, item.ID).Equal(dec("0.3")))

	_, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("0.01")})
	assert.ErrorIs(t, err, ErrWouldExceedCapacity)

	_, err = l.Attempt(ctx, Request{ItemID: item.ID, Amount: decimal.Zero})
	assert.NoError(t, err)
}

func TestAttempt_InvalidAmount(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "10.00", true)
	l := newLedger(store, Options{})

	for _, amount := range []string{"-0.01", "1.001", "-5", "10000000000.00"} {
		_, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: dec(amount)})
		assert.Equal(t, ReasonInvalidAmount, ReasonOf(err), amount)
	}
	assert.True(t, committedTotal(t, store, item.ID).IsZero())
}

func TestAttempt_AmountUpperBound(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "", true)
	l := newLedger(store, Options{})

	_, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: MaxAmount.Add(dec("0.01"))})
	assert.Equal(t, ReasonInvalidAmount, ReasonOf(err))
	assert.False(t, ReasonOf(err).Retryable())

	res, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: MaxAmount})
	require.NoError(t, err)
	assert.True(t, res.Amount.Equal(MaxAmount))
}

func TestAttempt_NotFound(t *testing.T) {
	l := newLedger(memory.New(), Options{})
	_, err := l.Attempt(context.Background(), Request{ItemID: uuid.New(), Amount: dec("1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, ReasonNotFound, ReasonOf(err))
}

func TestAttempt_IdentityIsStoredVerbatim(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "", true)
	l := newLedger(store, Options{})
	ctx := context.Background()

	res, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("5"), Identity: models.Identity{GuestName: "Aunt May"}})
	require.NoError(t, err)
	assert.Equal(t, "Aunt May", res.GuestName)
	assert.Nil(t, res.UserID)

	uid := uuid.New()
	res, err = l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("5"), Identity: models.Identity{UserID: &uid, GuestName: "ignored"}})
	require.NoError(t, err)
	require.NotNil(t, res.UserID)
	assert.Equal(t, uid, *res.UserID)
	assert.Empty(t, res.GuestName)
}

type failingStore struct {
	err   error
	calls atomic.Int32
}

func (f *failingStore) InTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	f.calls.Add(1)
	return f.err
}

type recordingHooks struct {
	mu        sync.Mutex
	reasons   []Reason
	conflicts int
	retries   int
}

func (h *recordingHooks) ObserveAttempt(r Reason, _ time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reasons = append(h.reasons, r)
}

func (h *recordingHooks) IncConflict() { h.mu.Lock(); h.conflicts++; h.mu.Unlock() }
func (h *recordingHooks) IncRetry()    { h.mu.Lock(); h.retries++; h.mu.Unlock() }

func TestAttempt_StoreFailure(t *testing.T) {
	store := &failingStore{err: errors.New("connection refused")}
	hooks := &recordingHooks{}
	l := newLedger(store, Options{Hooks: hooks})

	_, err := l.Attempt(context.Background(), Request{ItemID: uuid.New(), Amount: dec("1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, ReasonOf(err).Retryable())
	assert.EqualValues(t, 1, store.calls.Load())
	assert.Equal(t, []Reason{ReasonStoreUnavailable}, hooks.reasons)
}

func TestAttempt_ConflictRetriesAreBounded(t *testing.T) {
	store := &failingStore{err: repository.ErrConflict}
	hooks := &recordingHooks{}
	l := newLedger(store, Options{MaxAttempts: 3, Backoff: time.Microsecond, Hooks: hooks})

	_, err := l.Attempt(context.Background(), Request{ItemID: uuid.New(), Amount: dec("1")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.EqualValues(t, 3, store.calls.Load())
	assert.Equal(t, 3, hooks.conflicts)
	assert.Equal(t, 2, hooks.retries)
}

func TestAttempt_CancelledWhileWaiting(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "10.00", true)
	locker := lock.NewKeyedMutex()
	l := New(store, locker, quietLogger(), Options{})

	unlock, err := locker.Lock(context.Background(), "item:"+item.ID.String())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("1")})
	require.Error(t, err)
	assert.Equal(t, ReasonCancelled, ReasonOf(err))
	assert.True(t, committedTotal(t, store, item.ID).IsZero())
}

// cancellingStore cancels the caller's context once the transaction has
// started, before the read-check-write runs.
type cancellingStore struct {
	*memory.Store
	cancel context.CancelFunc
}

func (s *cancellingStore) InTx(ctx context.Context, fn func(tx repository.LedgerTx) error) error {
	s.cancel()
	return s.Store.InTx(ctx, fn)
}

func TestAttempt_CancelledMidTransactionStillCommits(t *testing.T) {
	mem := memory.New()
	item := seedItem(t, mem, "10.00", true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var hooked atomic.Int32
	l := newLedger(&cancellingStore{Store: mem, cancel: cancel}, Options{
		OnCommit: func(hctx context.Context, it models.Item, res models.Reservation) {
			assert.NoError(t, hctx.Err())
			assert.True(t, res.Amount.Equal(dec("4.00")))
			hooked.Add(1)
		},
	})

	res, err := l.Attempt(ctx, Request{ItemID: item.ID, Amount: dec("4.00")})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Error(t, ctx.Err())
	assert.EqualValues(t, 1, hooked.Load())
	assert.True(t, committedTotal(t, mem, item.ID).Equal(dec("4.00")))
}

func TestAttempt_CommitHookSeesCommitOrder(t *testing.T) {
	store := memory.New()
	item := seedItem(t, store, "", true)

	var (
		mu   sync.Mutex
		seen []uuid.UUID
	)
	l := newLedger(store, Options{OnCommit: func(ctx context.Context, it models.Item, res models.Reservation) {
		assert.Equal(t, item.ID, it.ID)
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, res.ID)
	}})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Attempt(context.Background(), Request{ItemID: item.ID, Amount: dec("1")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	committed, err := store.Reservations().ListByItem(context.Background(), item.ID)
	require.NoError(t, err)
	require.Len(t, seen, len(committed))
	for i, r := range committed {
		assert.Equal(t, r.ID, seen[i])
	}
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, ReasonNone, ReasonOf(nil))
	assert.Equal(t, ReasonStoreUnavailable, ReasonOf(errors.New("boom")))
	assert.Equal(t, ReasonCancelled, ReasonOf(context.Canceled))
	assert.Equal(t, ReasonWouldExceedCapacity, ReasonOf(errors.Join(ErrWouldExceedCapacity, context.Canceled)))
	assert.False(t, ReasonWouldExceedCapacity.Retryable())
}
