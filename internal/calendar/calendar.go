// Package calendar reads the holiday table maintained by the school calendar
// collaborator. The pipeline only ever asks one question of it.
package calendar

import (
	"context"
	"database/sql"
	"time"

	"busattend/internal/attendance"
)

// Repository answers holiday lookups from Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// IsHoliday reports whether the given day/trip is marked as a holiday. A row
// with a NULL trip marks the whole day.
func (r *Repository) IsHoliday(ctx context.Context, day time.Time, trip attendance.Trip) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM holidays
			WHERE day = $1 AND (trip IS NULL OR trip = $2)
		)
	`, day, trip)
	var holiday bool
	if err := row.Scan(&holiday); err != nil {
		return false, err
	}
	return holiday, nil
}
