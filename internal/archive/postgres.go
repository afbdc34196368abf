// Package archive mirrors ledger entries into Postgres for reporting. The
// key/value store stays the source of truth; this sink is append-only and
// replay-safe.
package archive

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/rideboard/internal/models"
)

type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresArchive{db: db}, nil
}

// SaveTransaction inserts one ledger entry. ON CONFLICT DO NOTHING keeps a
// replayed claim event from ever producing a second row.
func (p *PostgresArchive) SaveTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO transactions(id, ride_id, rider_id, rider_name, driver_id, driver_name, payment_type, payment_amount, pickup_location, dropoff_location, ride_date, ride_time, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (id) DO NOTHING`,
		tx.ID, tx.RideID, tx.RiderID, tx.RiderName, tx.DriverID, tx.DriverName,
		string(tx.PaymentType), tx.PaymentAmount, tx.PickupLocation, tx.DropoffLocation,
		tx.Date, tx.Time, tx.CreatedAt)
	return err
}

func (p *PostgresArchive) Close() error { return p.db.Close() }
