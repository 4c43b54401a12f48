package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kerhoff/wishpool/internal/events"
	"github.com/Kerhoff/wishpool/internal/fanout"
	"github.com/Kerhoff/wishpool/internal/ledger"
	"github.com/Kerhoff/wishpool/internal/lock"
	"github.com/Kerhoff/wishpool/internal/models"
	"github.com/Kerhoff/wishpool/internal/repository/memory"
)

type recordedNotification struct {
	chatID int64
	itemID uuid.UUID
	total  decimal.Decimal
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (f *fakeNotifier) NotifyReservation(ctx context.Context, chatID int64, w models.Wishlist, item models.Item, total decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedNotification{chatID: chatID, itemID: item.ID, total: total})
	return nil
}

type fixture struct {
	svc      *Service
	hub      *fanout.Hub
	store    *memory.Store
	owner    models.Identity
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := memory.New()
	hub := fanout.NewHub(100*time.Millisecond, logger)
	notifier := &fakeNotifier{}
	svc := New(store, lock.NewKeyedMutex(), hub, logger, Options{Notifier: notifier})
	t.Cleanup(func() {
		svc.Close()
		hub.Close()
	})

	ownerID := uuid.New()
	return &fixture{
		svc:      svc,
		hub:      hub,
		store:    store,
		owner:    models.Identity{UserID: &ownerID},
		notifier: notifier,
	}
}

func (f *fixture) wishlist(t *testing.T, chatID *int64) *models.Wishlist {
	t.Helper()
	w, err := f.svc.CreateWishlist(context.Background(), f.owner, CreateWishlistInput{Title: "Birthday", NotifyChatID: chatID})
	require.NoError(t, err)
	return w
}

func (f *fixture) item(t *testing.T, wishlistID uuid.UUID, price string) *models.Item {
	t.Helper()
	in := CreateItemInput{Title: "Bike"}
	if price != "" {
		in.Price = decimal.NewNullDecimal(decimal.RequireFromString(price))
	}
	item, err := f.svc.CreateItem(context.Background(), f.owner, wishlistID, in)
	require.NoError(t, err)
	return item
}

func recvSnapshot(t *testing.T, ch <-chan events.Snapshot) events.Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return events.Snapshot{}
}

func TestCreateWishlist(t *testing.T) {
	f := newFixture(t)

	w := f.wishlist(t, nil)
	assert.NotEmpty(t, w.PublicSlug)
	assert.Equal(t, *f.owner.UserID, w.OwnerID)

	other := f.wishlist(t, nil)
	assert.NotEqual(t, w.PublicSlug, other.PublicSlug)

	_, err := f.svc.CreateWishlist(context.Background(), models.Identity{GuestName: "x"}, CreateWishlistInput{Title: "t"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CreateWishlist(context.Background(), f.owner, CreateWishlistInput{Title: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReserve_PublishesRedactedSnapshotAndNotifies(t *testing.T) {
	f := newFixture(t)
	chat := int64(4242)
	w := f.wishlist(t, &chat)
	item := f.item(t, w.ID, "100.00")

	sub := fanout.NewChannelSubscriber(8)
	f.hub.Subscribe(w.ID, sub)

	guest := models.Identity{GuestName: "Uncle Ben"}
	view, err := f.svc.Reserve(context.Background(), guest, w.ID, item.ID, ReserveInput{
		Amount:    decimal.RequireFromString("60.00"),
		GuestName: "Uncle Ben",
	})
	require.NoError(t, err)
	assert.Equal(t, "Uncle Ben", view.GuestName)

	snap := recvSnapshot(t, sub.Outbound())
	assert.Equal(t, events.ContributionAdded, snap.Kind)
	assert.Equal(t, "60.00", snap.ReservedTotal.StringFixed(2))
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Uncle Ben")

	_, err = f.svc.Reserve(context.Background(), models.Identity{}, w.ID, item.ID, ReserveInput{
		Amount: decimal.RequireFromString("60.00"),
	})
	assert.Equal(t, ledger.ReasonWouldExceedCapacity, ledger.ReasonOf(err))

	_, err = f.svc.Reserve(context.Background(), models.Identity{}, w.ID, item.ID, ReserveInput{
		Amount:            decimal.RequireFromString("40.00"),
		IsFullReservation: true,
	})
	require.NoError(t, err)
	snap = recvSnapshot(t, sub.Outbound())
	assert.Equal(t, events.ItemReserved, snap.Kind)
	assert.Equal(t, "100.00", snap.ReservedTotal.StringFixed(2))

	f.svc.Close()
	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, chat, f.notifier.sent[0].chatID)
	assert.Equal(t, item.ID, f.notifier.sent[0].itemID)
}

func TestReserve_ItemFromOtherWishlist(t *testing.T) {
	f := newFixture(t)
	a := f.wishlist(t, nil)
	b := f.wishlist(t, nil)
	item := f.item(t, a.ID, "10")

	_, err := f.svc.Reserve(context.Background(), models.Identity{}, b.ID, item.ID, ReserveInput{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserve_AuthenticatedCallerDropsGuestName(t *testing.T) {
	f := newFixture(t)
	w := f.wishlist(t, nil)
	item := f.item(t, w.ID, "")

	uid := uuid.New()
	view, err := f.svc.Reserve(context.Background(), models.Identity{UserID: &uid}, w.ID, item.ID, ReserveInput{
		Amount:    decimal.NewFromInt(5),
		GuestName: "Someone Else",
	})
	require.NoError(t, err)
	assert.Empty(t, view.GuestName)

	rs, err := f.store.Reservations().ListByItem(context.Background(), item.ID)
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Empty(t, rs[0].GuestName)
	assert.Equal(t, uid, *rs[0].UserID)
}

func TestListReservations_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	w := f.wishlist(t, nil)
	item := f.item(t, w.ID, "50")

	_, err := f.svc.Reserve(context.Background(), models.Identity{GuestName: "Zed"}, w.ID, item.ID, ReserveInput{
		Amount: decimal.NewFromInt(5), GuestName: "Zed",
	})
	require.NoError(t, err)

	list, err := f.svc.ListReservations(context.Background(), f.owner, w.ID, item.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	raw, err := json.Marshal(list)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Zed")

	stranger := uuid.New()
	_, err = f.svc.ListReservations(context.Background(), models.Identity{UserID: &stranger}, w.ID, item.ID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestDashboardAndPublicPageShareAggregate(t *testing.T) {
	f := newFixture(t)
	w := f.wishlist(t, nil)
	bike := f.item(t, w.ID, "100")
	book := f.item(t, w.ID, "")

	for _, amount := range []int64{10, 15} {
		_, err := f.svc.Reserve(context.Background(), models.Identity{GuestName: "Ann"}, w.ID, bike.ID, ReserveInput{
			Amount: decimal.NewFromInt(amount), GuestName: "Ann",
		})
		require.NoError(t, err)
	}

	dash, err := f.svc.Dashboard(context.Background(), f.owner, w.ID)
	require.NoError(t, err)
	public, err := f.svc.PublicWishlist(context.Background(), w.PublicSlug)
	require.NoError(t, err)

	assert.Equal(t, dash, public)
	require.Len(t, dash.Items, 2)
	totals := map[uuid.UUID]string{}
	for _, it := range dash.Items {
		totals[it.ID] = it.ReservedTotal.StringFixed(2)
	}
	assert.Equal(t, "25.00", totals[bike.ID])
	assert.Equal(t, "0.00", totals[book.ID])

	raw, err := json.Marshal(public)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "Ann")

	_, err = f.svc.Dashboard(context.Background(), models.Identity{}, w.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.PublicWishlist(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemMutationsPublishSnapshots(t *testing.T) {
	f := newFixture(t)
	w := f.wishlist(t, nil)
	sub := fanout.NewChannelSubscriber(8)
	f.hub.Subscribe(w.ID, sub)

	item := f.item(t, w.ID, "20")
	assert.Equal(t, events.ItemCreated, recvSnapshot(t, sub.Outbound()).Kind)

	title := "Red bike"
	allow := false
	updated, err := f.svc.UpdateItem(context.Background(), f.owner, w.ID, item.ID, models.ItemUpdate{Title: &title, AllowContributions: &allow})
	require.NoError(t, err)
	assert.Equal(t, "Red bike", updated.Title)
	assert.False(t, updated.AllowContributions)
	assert.Equal(t, events.ItemUpdated, recvSnapshot(t, sub.Outbound()).Kind)

	_, err = f.svc.Reserve(context.Background(), models.Identity{}, w.ID, item.ID, ReserveInput{Amount: decimal.NewFromInt(1)})
	assert.Equal(t, ledger.ReasonContributionsDisallowed, ledger.ReasonOf(err))

	require.NoError(t, f.svc.DeleteItem(context.Background(), f.owner, w.ID, item.ID))
	snap := recvSnapshot(t, sub.Outbound())
	assert.Equal(t, events.ItemDeleted, snap.Kind)
	assert.Equal(t, item.ID, snap.ItemID)

	_, err = f.svc.Reserve(context.Background(), models.Identity{}, w.ID, item.ID, ReserveInput{Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestItemValidation(t *testing.T) {
	f := newFixture(t)
	w := f.wishlist(t, nil)

	_, err := f.svc.CreateItem(context.Background(), f.owner, w.ID, CreateItemInput{
		Title: "x",
		Price: decimal.NewNullDecimal(decimal.RequireFromString("-1")),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateItem(context.Background(), f.owner, w.ID, CreateItemInput{
		Title: "x",
		Price: decimal.NewNullDecimal(decimal.RequireFromString("1.005")),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateItem(context.Background(), f.owner, w.ID, CreateItemInput{
		Title: "x",
		Price: decimal.NewNullDecimal(decimal.RequireFromString("10000000000")),
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	item := f.item(t, w.ID, "5")
	_, err = f.svc.UpdateItem(context.Background(), f.owner, w.ID, item.ID, models.ItemUpdate{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	stranger := uuid.New()
	_, err = f.svc.CreateItem(context.Background(), models.Identity{UserID: &stranger}, w.ID, CreateItemInput{Title: "x"})
	assert.ErrorIs(t, err, ErrForbidden)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, uuid.UUID, events.Snapshot) error {
	return errors.New("every subscriber is gone")
}

func TestReserve_PublishFailureDoesNotAffectCommit(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store := memory.New()
	svc := New(store, lock.NewKeyedMutex(), failingPublisher{}, logger, Options{})
	defer svc.Close()

	ownerID := uuid.New()
	owner := models.Identity{UserID: &ownerID}
	w, err := svc.CreateWishlist(context.Background(), owner, CreateWishlistInput{Title: "t"})
	require.NoError(t, err)
	item, err := svc.CreateItem(context.Background(), owner, w.ID, CreateItemInput{Title: "i"})
	require.NoError(t, err)

	view, err := svc.Reserve(context.Background(), models.Identity{}, w.ID, item.ID, ReserveInput{Amount: decimal.NewFromInt(3)})
	require.NoError(t, err)
	assert.True(t, view.Amount.Equal(decimal.NewFromInt(3)))
}

func TestCreateItem_CancelledRequestStillReachesEveryViewer(t *testing.T) {
	f := newFixture(t)
	w := f.wishlist(t, nil)

	subs := make([]*fanout.ChannelSubscriber, 40)
	for i := range subs {
		subs[i] = fanout.NewChannelSubscriber(16)
		f.hub.Subscribe(w.ID, subs[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	item, err := f.svc.CreateItem(ctx, f.owner, w.ID, CreateItemInput{Title: "Kettle"})
	require.NoError(t, err)

	assert.Equal(t, len(subs), f.hub.SubscriberCount(w.ID))
	for _, sub := range subs {
		snap := recvSnapshot(t, sub.Outbound())
		assert.Equal(t, events.ItemCreated, snap.Kind)
		assert.Equal(t, item.ID, snap.ItemID)
	}
}

func TestDeleteWishlist_PublishesItemDeletedForEveryItem(t *testing.T) {
	f := newFixture(t)
	w := f.wishlist(t, nil)
	first := f.item(t, w.ID, "10")
	second := f.item(t, w.ID, "")

	sub := fanout.NewChannelSubscriber(8)
	f.hub.Subscribe(w.ID, sub)

	stranger := uuid.New()
	assert.ErrorIs(t, f.svc.DeleteWishlist(context.Background(), models.Identity{UserID: &stranger}, w.ID), ErrForbidden)

	require.NoError(t, f.svc.DeleteWishlist(context.Background(), f.owner, w.ID))

	deleted := map[uuid.UUID]bool{}
	for range 2 {
		snap := recvSnapshot(t, sub.Outbound())
		assert.Equal(t, events.ItemDeleted, snap.Kind)
		assert.True(t, snap.ReservedTotal.IsZero())
		deleted[snap.ItemID] = true
	}
	assert.Equal(t, map[uuid.UUID]bool{first.ID: true, second.ID: true}, deleted)

	assert.ErrorIs(t, f.svc.WishlistExists(context.Background(), w.ID), ErrNotFound)
}
