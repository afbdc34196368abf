package rides

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/rideboard/internal/kvstore"
	"github.com/example/rideboard/internal/models"
)

var (
	riderA  = &models.Profile{ID: "user-a", Name: "Alice", Phone: "555-0100", CollegeEmail: "alice@college.edu"}
	driverB = &models.Profile{ID: "user-b", Name: "Bob"}
	driverC = &models.Profile{ID: "user-c", Name: "Carol"}
)

// steppingClock returns a Now func that advances one millisecond per call,
// so records created back to back never collide on their timestamp-derived
// keys. Not safe for concurrent use; concurrent tests use the real clock.
func steppingClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newRepo() *Repository {
	return &Repository{
		Store: kvstore.NewMemoryStore(),
		Now:   steppingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
}

func mustCreate(t *testing.T, r *Repository, rider *models.Profile, amount float64) *models.Ride {
	t.Helper()
	ride, err := r.Create(context.Background(), rider, CreateParams{
		PickupLocation:  "Library",
		DropoffLocation: "Airport",
		Date:            "2026-03-02",
		Time:            "14:30",
		PaymentType:     models.PaymentMealSwipes,
		PaymentAmount:   amount,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return ride
}

func TestLifecycleScenario(t *testing.T) {
	r := newRepo()
	ctx := context.Background()

	ride := mustCreate(t, r, riderA, 2)
	if ride.Status != models.StatusOpen {
		t.Fatalf("expected open, got %s", ride.Status)
	}
	if ride.DriverID != "" {
		t.Fatalf("fresh ride must not have a driver")
	}
	if ride.RiderPhone != "555-0100" || ride.RiderCollegeEmail != "alice@college.edu" {
		t.Fatalf("rider contact snapshot missing: %+v", ride)
	}

	claimed, err := r.Claim(ctx, driverB, ride.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != models.StatusClaimed || claimed.DriverID != driverB.ID || claimed.DriverName != "Bob" {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}
	if claimed.ClaimedAt == nil || claimed.ClaimedAt.Before(claimed.CreatedAt) {
		t.Fatalf("claimedAt must be set and not precede createdAt")
	}

	txs, err := r.Transactions(ctx)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected exactly 1 ledger entry, got %d", len(txs))
	}
	tx := txs[0]
	if tx.RideID != ride.ID || tx.RiderID != riderA.ID || tx.DriverID != driverB.ID ||
		tx.PaymentAmount != 2 || tx.PaymentType != models.PaymentMealSwipes {
		t.Fatalf("unexpected ledger entry: %+v", tx)
	}
	if tx.PickupLocation != "Library" || tx.DropoffLocation != "Airport" {
		t.Fatalf("ledger entry must snapshot the route: %+v", tx)
	}

	if _, err := r.Claim(ctx, driverC, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second claim: expected ErrInvalidState, got %v", err)
	}

	completed, err := r.Complete(ctx, driverB.ID, ride.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.StatusCompleted || completed.CompletedAt == nil {
		t.Fatalf("unexpected completed state: %+v", completed)
	}

	rated, err := r.Rate(ctx, riderA.ID, ride.ID, 5)
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if !rated.Rated {
		t.Fatalf("expected rated=true")
	}
	if _, err := r.Rate(ctx, riderA.ID, ride.ID, 4); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second rate: expected ErrInvalidState, got %v", err)
	}
}

func TestSelfClaimForbidden(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 2)

	if _, err := r.Claim(ctx, riderA, ride.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	got, err := r.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusOpen {
		t.Fatalf("self-claim must not change status, got %s", got.Status)
	}
	// The rejected self-claim must not leave a lock behind.
	if _, err := r.Claim(ctx, driverB, ride.ID); err != nil {
		t.Fatalf("claim after rejected self-claim: %v", err)
	}
}

func TestConcurrentClaimsExactlyOneWinner(t *testing.T) {
	r := &Repository{Store: kvstore.NewMemoryStore()}
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 2)

	const n = 32
	var wg sync.WaitGroup
	winners := make(chan string, n)
	losers := make(chan error, n)
	for i := 0; i < n; i++ {
		driver := &models.Profile{ID: fmt.Sprintf("driver-%d", i), Name: fmt.Sprintf("Driver %d", i)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := r.Claim(ctx, driver, ride.ID)
			if err != nil {
				losers <- err
				return
			}
			winners <- got.DriverID
		}()
	}
	wg.Wait()
	close(winners)
	close(losers)

	var winner string
	var wins int
	for id := range winners {
		winner = id
		wins++
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	for err := range losers {
		if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("loser must observe ErrInvalidState, got %v", err)
		}
	}

	got, err := r.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusClaimed || got.DriverID != winner {
		t.Fatalf("committed ride must carry the single winner, got %+v", got)
	}

	txs, err := r.Transactions(ctx)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected exactly 1 ledger entry under contention, got %d", len(txs))
	}
	if txs[0].DriverID != winner {
		t.Fatalf("ledger entry driver %s does not match winner %s", txs[0].DriverID, winner)
	}
}

func TestClaimZeroAmountWritesNoLedgerEntry(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 0)
	if _, err := r.Claim(ctx, driverB, ride.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	txs, err := r.Transactions(ctx)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("zero-amount claim must not write a ledger entry, got %d", len(txs))
	}
}

func TestClaimNotFound(t *testing.T) {
	r := newRepo()
	if _, err := r.Claim(context.Background(), driverB, "ride:999:nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := r.Claim(context.Background(), driverB, "bogus-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	r := newRepo()
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"missing pickup", CreateParams{DropoffLocation: "B", Date: "d", Time: "t"}},
		{"missing dropoff", CreateParams{PickupLocation: "A", Date: "d", Time: "t"}},
		{"missing date", CreateParams{PickupLocation: "A", DropoffLocation: "B", Time: "t"}},
		{"missing time", CreateParams{PickupLocation: "A", DropoffLocation: "B", Date: "d"}},
		{"negative amount", CreateParams{PickupLocation: "A", DropoffLocation: "B", Date: "d", Time: "t", PaymentAmount: -1}},
		{"unknown payment type", CreateParams{PickupLocation: "A", DropoffLocation: "B", Date: "d", Time: "t", PaymentType: "venmo"}},
	}
	for _, tc := range cases {
		if _, err := r.Create(ctx, riderA, tc.params); !errors.Is(err, ErrBadRequest) {
			t.Fatalf("%s: expected ErrBadRequest, got %v", tc.name, err)
		}
	}

	// Empty payment type falls back to meal swipes.
	ride, err := r.Create(ctx, riderA, CreateParams{PickupLocation: "A", DropoffLocation: "B", Date: "d", Time: "t", PaymentAmount: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ride.PaymentType != models.PaymentMealSwipes {
		t.Fatalf("expected meal-swipes default, got %s", ride.PaymentType)
	}

	// A free ride always carries amount 0 no matter what the client sent.
	free, err := r.Create(ctx, riderA, CreateParams{PickupLocation: "A", DropoffLocation: "B", Date: "d", Time: "t", PaymentType: models.PaymentFree, PaymentAmount: 7})
	if err != nil {
		t.Fatalf("create free: %v", err)
	}
	if free.PaymentAmount != 0 {
		t.Fatalf("free ride amount must be 0, got %f", free.PaymentAmount)
	}
}

func TestListOpenNewestFirst(t *testing.T) {
	r := newRepo()
	ctx := context.Background()

	first := mustCreate(t, r, riderA, 1)
	second := mustCreate(t, r, riderA, 1)
	third := mustCreate(t, r, riderA, 1)

	if _, err := r.Claim(ctx, driverB, second.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	open, err := r.ListOpen(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open rides, got %d", len(open))
	}
	if open[0].ID != third.ID || open[1].ID != first.ID {
		t.Fatalf("expected newest first [%s %s], got [%s %s]", third.ID, first.ID, open[0].ID, open[1].ID)
	}
}

func TestListOpenEmpty(t *testing.T) {
	r := newRepo()
	open, err := r.ListOpen(context.Background())
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected empty result, got %d", len(open))
	}
}

func TestCompleteAuthorization(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 1)

	// Completing an open ride is invalid regardless of caller.
	if _, err := r.Complete(ctx, riderA.ID, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("complete open ride: expected ErrInvalidState, got %v", err)
	}

	if _, err := r.Claim(ctx, driverB, ride.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := r.Complete(ctx, driverC.ID, ride.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("third party complete: expected ErrForbidden, got %v", err)
	}
	if _, err := r.Complete(ctx, riderA.ID, ride.ID); err != nil {
		t.Fatalf("rider complete: %v", err)
	}
}

func TestRateGating(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 1)

	if _, err := r.Rate(ctx, riderA.ID, ride.ID, 5); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rate open ride: expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Claim(ctx, driverB, ride.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := r.Rate(ctx, driverB.ID, ride.ID, 5); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("rate claimed ride: expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Complete(ctx, driverB.ID, ride.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := r.Rate(ctx, riderA.ID, ride.ID, 0); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("rating 0: expected ErrBadRequest, got %v", err)
	}
	if _, err := r.Rate(ctx, riderA.ID, ride.ID, 6); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("rating 6: expected ErrBadRequest, got %v", err)
	}
	if _, err := r.Rate(ctx, driverC.ID, ride.ID, 3); !errors.Is(err, ErrForbidden) {
		t.Fatalf("third party rate: expected ErrForbidden, got %v", err)
	}
	if _, err := r.Rate(ctx, driverB.ID, ride.ID, 4); err != nil {
		t.Fatalf("driver rate: %v", err)
	}
}

func TestCancel(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 1)

	if _, err := r.Cancel(ctx, driverB.ID, ride.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-rider cancel: expected ErrForbidden, got %v", err)
	}
	got, err := r.Cancel(ctx, riderA.ID, ride.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if _, err := r.Claim(ctx, driverB, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("claim cancelled ride: expected ErrInvalidState, got %v", err)
	}
	if _, err := r.Cancel(ctx, riderA.ID, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double cancel: expected ErrInvalidState, got %v", err)
	}
}

// Cancel and claim serialize on the same lock record, so a cancel can never
// overwrite a committed claim and a claim can never land on a cancelled ride.
func TestCancelClaimMutualExclusion(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 1)

	// A claim in flight holds the lock before the ride record flips. Cancel
	// must lose to it even though the record still reads open.
	if ok, err := r.Store.SetNX(ctx, claimLockPrefix+ride.ID, []byte(driverB.ID)); err != nil || !ok {
		t.Fatalf("seed lock: ok=%v err=%v", ok, err)
	}
	if _, err := r.Cancel(ctx, riderA.ID, ride.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("cancel against held lock: expected ErrInvalidState, got %v", err)
	}
	got, err := r.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusOpen {
		t.Fatalf("losing cancel must not change status, got %s", got.Status)
	}

	if err := r.Store.Delete(ctx, claimLockPrefix+ride.ID); err != nil {
		t.Fatalf("clear lock: %v", err)
	}
	if _, err := r.Cancel(ctx, riderA.ID, ride.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// A successful cancel keeps the lock, so no late claim can take it.
	if ok, err := r.Store.SetNX(ctx, claimLockPrefix+ride.ID, []byte("late")); err != nil {
		t.Fatalf("relock: %v", err)
	} else if ok {
		t.Fatalf("cancel must keep the lock record")
	}
}

// flakyStore refuses writes to one key prefix, everything else passes through.
type flakyStore struct {
	*kvstore.MemoryStore
	failPrefix string
}

func (s *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if strings.HasPrefix(key, s.failPrefix) {
		return errors.New("write refused")
	}
	return s.MemoryStore.Set(ctx, key, value)
}

// A ledger write failure after the ride committed surfaces the claimed ride
// and leaves no partial ledger entry behind.
func TestClaimSurvivesLedgerWriteFailure(t *testing.T) {
	r := newRepo()
	r.Store = &flakyStore{MemoryStore: kvstore.NewMemoryStore(), failPrefix: transactionPrefix}
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 2)

	claimed, err := r.Claim(ctx, driverB, ride.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != models.StatusClaimed || claimed.DriverID != driverB.ID {
		t.Fatalf("unexpected claimed state: %+v", claimed)
	}
	got, err := r.Get(ctx, ride.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusClaimed {
		t.Fatalf("committed claim must persist, got %s", got.Status)
	}
	txs, err := r.Transactions(ctx)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected no ledger entry after failed write, got %d", len(txs))
	}
}

// driverId must be set iff the ride is claimed or completed, at every step.
func TestDriverPresenceInvariant(t *testing.T) {
	r := newRepo()
	ctx := context.Background()
	ride := mustCreate(t, r, riderA, 1)

	check := func() {
		t.Helper()
		got, err := r.Get(ctx, ride.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		hasDriver := got.DriverID != ""
		shouldHave := got.Status == models.StatusClaimed || got.Status == models.StatusCompleted
		if hasDriver != shouldHave {
			t.Fatalf("driver presence invariant broken: status=%s driver=%q", got.Status, got.DriverID)
		}
		if got.DriverID == got.RiderID && got.DriverID != "" {
			t.Fatalf("rider and driver must differ")
		}
	}

	check()
	if _, err := r.Claim(ctx, driverB, ride.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	check()
	if _, err := r.Complete(ctx, driverB.ID, ride.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	check()
}
