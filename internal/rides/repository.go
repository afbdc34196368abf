// Package rides owns the ride lifecycle state machine and the payment-promise
// ledger derived from successful claims.
package rides

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/example/rideboard/internal/kvstore"
	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/observability"
)

// Key schemes. Ride and transaction IDs double as their store keys, so a
// record's ID is enough to fetch it and prefix scans enumerate a kind.
const (
	ridePrefix        = "ride:"
	transactionPrefix = "transaction:"
	claimLockPrefix   = "claim:"
)

// EventPublisher receives lifecycle events for the audit stream. Best-effort:
// publish failures are logged, never surfaced to the caller.
type EventPublisher interface {
	PublishRideEvent(ctx context.Context, e models.RideEvent) error
}

// Notifier pushes board updates to connected clients.
type Notifier interface {
	RidePosted(ride *models.Ride)
	RideClaimed(ride *models.Ride)
}

// Archiver mirrors ledger entries into secondary storage for reporting.
type Archiver interface {
	SaveTransaction(ctx context.Context, tx *models.Transaction) error
}

// Repository implements the ride state machine on a Store that guarantees
// only per-key atomicity. Events, Notify and Archive are optional.
type Repository struct {
	Store   kvstore.Store
	Events  EventPublisher
	Notify  Notifier
	Archive Archiver
	Logger  *slog.Logger

	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

func (r *Repository) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *Repository) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// CreateParams carries the rider-supplied fields of a new ride request.
type CreateParams struct {
	PickupLocation  string
	DropoffLocation string
	Date            string
	Time            string
	PaymentType     models.PaymentType
	PaymentAmount   float64
}

func (p *CreateParams) validate() error {
	if p.PickupLocation == "" || p.DropoffLocation == "" || p.Date == "" || p.Time == "" {
		return fmt.Errorf("%w: all fields are required", ErrBadRequest)
	}
	if p.PaymentType == "" {
		p.PaymentType = models.PaymentMealSwipes
	}
	if !models.ValidPaymentType(p.PaymentType) {
		return fmt.Errorf("%w: unknown payment type %q", ErrBadRequest, p.PaymentType)
	}
	if p.PaymentAmount < 0 {
		return fmt.Errorf("%w: payment amount must not be negative", ErrBadRequest)
	}
	if p.PaymentType == models.PaymentFree {
		p.PaymentAmount = 0
	}
	return nil
}

// Create posts a new ride request with status open. The rider's contact info
// is snapshotted onto the record.
func (r *Repository) Create(ctx context.Context, rider *models.Profile, params CreateParams) (*models.Ride, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	now := r.now()
	ride := &models.Ride{
		ID:                fmt.Sprintf("%s%d:%s", ridePrefix, now.UnixMilli(), rider.ID),
		RiderID:           rider.ID,
		RiderName:         rider.Name,
		RiderPhone:        rider.Phone,
		RiderCollegeEmail: rider.CollegeEmail,
		PickupLocation:    params.PickupLocation,
		DropoffLocation:   params.DropoffLocation,
		Date:              params.Date,
		Time:              params.Time,
		PaymentType:       params.PaymentType,
		PaymentAmount:     params.PaymentAmount,
		Status:            models.StatusOpen,
		CreatedAt:         now,
	}
	if err := r.putRide(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()
	r.publish(ctx, models.RideEvent{Type: models.EventRideCreated, RideID: ride.ID, ActorID: rider.ID, At: now})
	if r.Notify != nil {
		r.Notify.RidePosted(ride)
	}
	return ride, nil
}

// Get fetches a single ride by ID.
func (r *Repository) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	if !strings.HasPrefix(rideID, ridePrefix) {
		return nil, ErrNotFound
	}
	b, err := r.Store.Get(ctx, rideID)
	if err != nil {
		if errors.Is(err, kvstore.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ride: %w", err)
	}
	var ride models.Ride
	if err := json.Unmarshal(b, &ride); err != nil {
		return nil, fmt.Errorf("decode ride %s: %w", rideID, err)
	}
	return &ride, nil
}

// ListOpen returns all open rides, newest first.
func (r *Repository) ListOpen(ctx context.Context) ([]*models.Ride, error) {
	all, err := r.scanRides(ctx)
	if err != nil {
		return nil, err
	}
	open := make([]*models.Ride, 0, len(all))
	for _, ride := range all {
		if ride.Status == models.StatusOpen {
			open = append(open, ride)
		}
	}
	sortRidesNewestFirst(open)
	return open, nil
}

// ListByRider returns every ride the user posted, newest first.
func (r *Repository) ListByRider(ctx context.Context, riderID string) ([]*models.Ride, error) {
	all, err := r.scanRides(ctx)
	if err != nil {
		return nil, err
	}
	mine := make([]*models.Ride, 0)
	for _, ride := range all {
		if ride.RiderID == riderID {
			mine = append(mine, ride)
		}
	}
	sortRidesNewestFirst(mine)
	return mine, nil
}

// Claim transitions an open ride to claimed on behalf of driver and, for a
// positive payment amount, appends exactly one ledger entry.
//
// The store offers no compare-and-swap on the ride record itself, so a plain
// read-modify-write would let two concurrent claimers both read status=open.
// The serialization point is instead a claim:<rideId> lock record written
// with SetNX: only one caller can create it, everyone else loses with
// ErrInvalidState. The lock is never released on success; a claimed ride can
// never return to open, so the record simply shadows the terminal ownership.
// A crash between the lock write and the ride write leaves the ride open but
// unclaimable. That is the accepted degraded state: it can never produce a
// double driver or a duplicated ledger entry.
func (r *Repository) Claim(ctx context.Context, driver *models.Profile, rideID string) (*models.Ride, error) {
	ride, err := r.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusOpen {
		observability.ClaimConflicts.Inc()
		return nil, ErrInvalidState
	}
	if ride.RiderID == driver.ID {
		return nil, fmt.Errorf("%w: cannot claim your own ride", ErrForbidden)
	}

	ok, err := r.Store.SetNX(ctx, claimLockPrefix+rideID, []byte(driver.ID))
	if err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}
	if !ok {
		observability.ClaimConflicts.Inc()
		return nil, ErrInvalidState
	}

	// Holding the lock. Re-read so the update starts from the freshest
	// record, and release the lock on any path that does not transition
	// the ride.
	ride, err = r.Get(ctx, rideID)
	if err != nil {
		_ = r.Store.Delete(ctx, claimLockPrefix+rideID)
		return nil, err
	}
	if ride.Status != models.StatusOpen {
		_ = r.Store.Delete(ctx, claimLockPrefix+rideID)
		observability.ClaimConflicts.Inc()
		return nil, ErrInvalidState
	}

	now := r.now()
	ride.Status = models.StatusClaimed
	ride.DriverID = driver.ID
	ride.DriverName = driver.Name
	ride.ClaimedAt = &now
	if err := r.putRide(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesClaimed.Inc()

	var txID string
	if ride.PaymentAmount > 0 {
		tx := &models.Transaction{
			ID:              fmt.Sprintf("%s%d:%s", transactionPrefix, now.UnixMilli(), driver.ID),
			RideID:          ride.ID,
			RiderID:         ride.RiderID,
			RiderName:       ride.RiderName,
			DriverID:        driver.ID,
			DriverName:      driver.Name,
			PaymentType:     ride.PaymentType,
			PaymentAmount:   ride.PaymentAmount,
			PickupLocation:  ride.PickupLocation,
			DropoffLocation: ride.DropoffLocation,
			Date:            ride.Date,
			Time:            ride.Time,
			CreatedAt:       now,
		}
		if err := r.putTransaction(ctx, tx); err != nil {
			// The claim committed; surface the ride but record the gap.
			// The audit consumer sees a claim event without a ledger id.
			r.logger().Error("ledger write failed after claim", "ride", ride.ID, "error", err)
		} else {
			txID = tx.ID
			observability.LedgerEntries.Inc()
			if r.Archive != nil {
				if err := r.Archive.SaveTransaction(ctx, tx); err != nil {
					r.logger().Warn("ledger archive write failed", "transaction", tx.ID, "error", err)
				}
			}
		}
	}

	r.publish(ctx, models.RideEvent{Type: models.EventRideClaimed, RideID: ride.ID, ActorID: driver.ID, TransactionID: txID, At: now})
	if r.Notify != nil {
		r.Notify.RideClaimed(ride)
	}
	return ride, nil
}

// Complete marks a claimed ride completed. Either party may do it.
func (r *Repository) Complete(ctx context.Context, callerID, rideID string) (*models.Ride, error) {
	ride, err := r.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusClaimed {
		return nil, ErrInvalidState
	}
	if callerID != ride.RiderID && callerID != ride.DriverID {
		return nil, ErrForbidden
	}
	now := r.now()
	ride.Status = models.StatusCompleted
	ride.CompletedAt = &now
	if err := r.putRide(ctx, ride); err != nil {
		return nil, err
	}
	observability.RidesCompleted.Inc()
	r.publish(ctx, models.RideEvent{Type: models.EventRideCompleted, RideID: ride.ID, ActorID: callerID, At: now})
	return ride, nil
}

// Rate records that a completed ride was rated. The rating value is gated to
// 1..5 but not aggregated into any per-user score here.
func (r *Repository) Rate(ctx context.Context, callerID, rideID string, rating int) (*models.Ride, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrBadRequest)
	}
	ride, err := r.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusCompleted || ride.Rated {
		return nil, ErrInvalidState
	}
	if callerID != ride.RiderID && callerID != ride.DriverID {
		return nil, ErrForbidden
	}
	ride.Rated = true
	if err := r.putRide(ctx, ride); err != nil {
		return nil, err
	}
	r.publish(ctx, models.RideEvent{Type: models.EventRideRated, RideID: ride.ID, ActorID: callerID, At: r.now()})
	return ride, nil
}

// Cancel withdraws an open ride. Only the rider may cancel, and only while
// nobody has claimed it. The record is kept in its terminal state so history
// stays complete.
func (r *Repository) Cancel(ctx context.Context, callerID, rideID string) (*models.Ride, error) {
	ride, err := r.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if callerID != ride.RiderID {
		return nil, ErrForbidden
	}
	if ride.Status != models.StatusOpen {
		return nil, ErrInvalidState
	}

	// Cancel races claims through the same claim:<rideId> lock. An in-flight
	// claim that already holds it wins; once cancel holds it, no claim can
	// commit over the cancelled record. The lock is kept on success since
	// cancelled is terminal.
	ok, err := r.Store.SetNX(ctx, claimLockPrefix+rideID, []byte(callerID))
	if err != nil {
		return nil, fmt.Errorf("acquire claim lock: %w", err)
	}
	if !ok {
		return nil, ErrInvalidState
	}
	ride, err = r.Get(ctx, rideID)
	if err != nil {
		_ = r.Store.Delete(ctx, claimLockPrefix+rideID)
		return nil, err
	}
	if ride.Status != models.StatusOpen {
		_ = r.Store.Delete(ctx, claimLockPrefix+rideID)
		return nil, ErrInvalidState
	}

	ride.Status = models.StatusCancelled
	if err := r.putRide(ctx, ride); err != nil {
		return nil, err
	}
	r.publish(ctx, models.RideEvent{Type: models.EventRideCancelled, RideID: ride.ID, ActorID: callerID, At: r.now()})
	return ride, nil
}

// Transactions returns every ledger entry, in store order.
func (r *Repository) Transactions(ctx context.Context) ([]*models.Transaction, error) {
	raw, err := r.Store.GetByPrefix(ctx, transactionPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	out := make([]*models.Transaction, 0, len(raw))
	for _, b := range raw {
		var tx models.Transaction
		if err := json.Unmarshal(b, &tx); err != nil {
			r.logger().Warn("skipping undecodable transaction record", "error", err)
			continue
		}
		out = append(out, &tx)
	}
	return out, nil
}

// All returns every ride record, in store order.
func (r *Repository) All(ctx context.Context) ([]*models.Ride, error) {
	return r.scanRides(ctx)
}

func (r *Repository) scanRides(ctx context.Context) ([]*models.Ride, error) {
	raw, err := r.Store.GetByPrefix(ctx, ridePrefix)
	if err != nil {
		return nil, fmt.Errorf("scan rides: %w", err)
	}
	out := make([]*models.Ride, 0, len(raw))
	for _, b := range raw {
		var ride models.Ride
		if err := json.Unmarshal(b, &ride); err != nil {
			r.logger().Warn("skipping undecodable ride record", "error", err)
			continue
		}
		out = append(out, &ride)
	}
	return out, nil
}

func (r *Repository) putRide(ctx context.Context, ride *models.Ride) error {
	b, err := json.Marshal(ride)
	if err != nil {
		return fmt.Errorf("encode ride: %w", err)
	}
	if err := r.Store.Set(ctx, ride.ID, b); err != nil {
		return fmt.Errorf("store ride: %w", err)
	}
	return nil
}

func (r *Repository) putTransaction(ctx context.Context, tx *models.Transaction) error {
	b, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	if err := r.Store.Set(ctx, tx.ID, b); err != nil {
		return fmt.Errorf("store transaction: %w", err)
	}
	return nil
}

func (r *Repository) publish(ctx context.Context, e models.RideEvent) {
	if r.Events == nil {
		return
	}
	if err := r.Events.PublishRideEvent(ctx, e); err != nil {
		r.logger().Warn("event publish failed", "type", e.Type, "ride", e.RideID, "error", err)
	}
}

func sortRidesNewestFirst(rides []*models.Ride) {
	sort.Slice(rides, func(i, j int) bool { return rides[i].CreatedAt.After(rides[j].CreatedAt) })
}
