// Package history computes per-user views over rides and ledger entries.
// Everything here is read-only; it is safe to call concurrently with writes
// and tolerates reading a moment-old snapshot.
package history

import (
	"context"
	"sort"

	"github.com/example/rideboard/internal/models"
	"github.com/example/rideboard/internal/rides"
)

// Summary is the four per-user views: rides split by role and ledger entries
// split by direction. All four are sorted newest first and are empty (never
// nil) for users with no activity.
type Summary struct {
	RidesRequested []*models.Ride        `json:"ridesRequested"`
	RidesProvided  []*models.Ride        `json:"ridesProvided"`
	Owed           []*models.Transaction `json:"owed"`
	Earned         []*models.Transaction `json:"earned"`
}

type Aggregator struct {
	Rides *rides.Repository
}

func (a *Aggregator) History(ctx context.Context, userID string) (*Summary, error) {
	// An empty userID would otherwise match every unclaimed ride's DriverID.
	if userID == "" {
		return &Summary{
			RidesRequested: []*models.Ride{},
			RidesProvided:  []*models.Ride{},
			Owed:           []*models.Transaction{},
			Earned:         []*models.Transaction{},
		}, nil
	}
	allRides, err := a.Rides.All(ctx)
	if err != nil {
		return nil, err
	}
	allTx, err := a.Rides.Transactions(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		RidesRequested: []*models.Ride{},
		RidesProvided:  []*models.Ride{},
		Owed:           []*models.Transaction{},
		Earned:         []*models.Transaction{},
	}
	for _, r := range allRides {
		switch userID {
		case r.RiderID:
			s.RidesRequested = append(s.RidesRequested, r)
		case r.DriverID:
			s.RidesProvided = append(s.RidesProvided, r)
		}
	}
	for _, tx := range allTx {
		switch userID {
		case tx.RiderID:
			s.Owed = append(s.Owed, tx)
		case tx.DriverID:
			s.Earned = append(s.Earned, tx)
		}
	}

	sortRides(s.RidesRequested)
	sortRides(s.RidesProvided)
	sortTransactions(s.Owed)
	sortTransactions(s.Earned)
	return s, nil
}

func sortRides(rs []*models.Ride) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].CreatedAt.After(rs[j].CreatedAt) })
}

func sortTransactions(ts []*models.Transaction) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].CreatedAt.After(ts[j].CreatedAt) })
}
