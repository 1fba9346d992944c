package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrStoreUnavailable wraps durable-store failures. It is the only error a
// device should treat as retryable: nothing was committed, and resubmission is
// safe because of the idempotency gate.
var ErrStoreUnavailable = errors.New("attendance store unavailable")

// ErrFinalizeConflict means another scan finalized the row between the claim
// and the finalize. The other scan's record stands; the losing scan is a
// conflict, not a retryable failure.
var ErrFinalizeConflict = errors.New("attendance record finalized concurrently")

// Repository persists attendance records in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ClaimScan is the idempotency gate: a single atomic conditional upsert keyed
// on (student, day, trip). A new key inserts a boarded row; an existing
// boarded row outside the jitter window transitions to arrived in the same
// statement. Anything else falls through to classification — never a separate
// read followed by a separate write.
func (r *Repository) ClaimScan(ctx context.Context, key Key, scannedAt time.Time, jitter time.Duration) (Decision, *Record, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records AS ar (id, student_id, day, trip, status, scanned_at, updated_at)
		VALUES ($1, $2, $3, $4, 'boarded', $5, NOW())
		ON CONFLICT (student_id, day, trip) DO UPDATE
		SET status = 'arrived', scanned_at = $5, updated_at = NOW()
		WHERE ar.status = 'boarded' AND $5 >= ar.scanned_at + ($6 * interval '1 second')
		RETURNING (xmax = 0) AS inserted
	`, uuid.NewString(), key.StudentID, key.Day, key.Trip, scannedAt.UTC(), jitter.Seconds())

	var inserted bool
	if err := row.Scan(&inserted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r.classify(ctx, key, scannedAt, jitter)
		}
		return 0, nil, fmt.Errorf("%w: claim: %v", ErrStoreUnavailable, err)
	}
	if inserted {
		return DecisionFirst, nil, nil
	}
	return DecisionSecond, nil, nil
}

// classify explains a rejected claim: the row exists and is either a duplicate
// resend inside the jitter window or a completed trip.
func (r *Repository) classify(ctx context.Context, key Key, scannedAt time.Time, jitter time.Duration) (Decision, *Record, error) {
	rec, err := r.Get(ctx, key)
	if err != nil {
		return 0, nil, err
	}
	if rec == nil {
		// Row vanished between statements; the resubmission will claim cleanly.
		return 0, nil, fmt.Errorf("%w: record disappeared during claim", ErrStoreUnavailable)
	}
	switch rec.Status {
	case StatusBoarded, StatusArrived:
		if scannedAt.UTC().Before(rec.ScannedAt.Add(jitter)) {
			return DecisionDuplicate, rec, nil
		}
		return DecisionComplete, rec, nil
	default:
		// missed and holiday are terminal.
		return DecisionComplete, rec, nil
	}
}

// Finalize writes the verification outcome onto the row the claim transitioned.
// The expected status guards against racing finalizers. The scan's values
// replace the row's wholesale, photo ref included.
func (r *Repository) Finalize(ctx context.Context, key Key, status Status, confidence float64, verified bool, photoRef *string, lat, lon *float64) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_records
		SET confidence = $5, verified = $6,
		    photo_ref = $7,
		    latitude = $8, longitude = $9,
		    updated_at = NOW()
		WHERE student_id = $1 AND day = $2 AND trip = $3 AND status = $4
		RETURNING id, student_id, day, trip, status, confidence, verified, photo_ref, latitude, longitude, scanned_at, updated_at
	`, key.StudentID, key.Day, key.Trip, status, confidence, verified, photoRef, lat, lon)

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: row left the claimed status", ErrFinalizeConflict)
		}
		return Record{}, fmt.Errorf("%w: finalize: %v", ErrStoreUnavailable, err)
	}
	return *rec, nil
}

// Get returns the record for a key, or nil when the key is still unscanned.
func (r *Repository) Get(ctx context.Context, key Key) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, student_id, day, trip, status, confidence, verified, photo_ref, latitude, longitude, scanned_at, updated_at
		FROM attendance_records
		WHERE student_id = $1 AND day = $2 AND trip = $3
	`, key.StudentID, key.Day, key.Trip)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get: %v", ErrStoreUnavailable, err)
	}
	return rec, nil
}

// MarkMissed transitions every still-unscanned (student, day, trip) key to
// missed, unless the day/trip is a holiday. Returns the number of students
// swept.
func (r *Repository) MarkMissed(ctx context.Context, day time.Time, trip Trip) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, student_id, day, trip, status, scanned_at, updated_at)
		SELECT gen_random_uuid(), s.id, $1, $2, 'missed', NOW(), NOW()
		FROM students s
		WHERE NOT EXISTS (
			SELECT 1 FROM attendance_records ar
			WHERE ar.student_id = s.id AND ar.day = $1 AND ar.trip = $2
		)
		AND NOT EXISTS (
			SELECT 1 FROM holidays h WHERE h.day = $1 AND h.trip = $2
		)
		ON CONFLICT (student_id, day, trip) DO NOTHING
	`, day, trip)
	if err != nil {
		return 0, fmt.Errorf("%w: missed sweep: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// List returns records for a day with an optional trip filter.
func (r *Repository) List(ctx context.Context, day time.Time, trip Trip, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, student_id, day, trip, status, confidence, verified, photo_ref, latitude, longitude, scanned_at, updated_at
		FROM attendance_records
		WHERE day = $1`
	args := []any{day}
	if trip != "" {
		query += ` AND trip = $2`
		args = append(args, trip)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

// AuditScan appends a raw submission to the audit log. Scan events are not
// durable beyond this row.
func (r *Repository) AuditScan(ctx context.Context, studentID, tagID, deviceID string, key Key, decision Decision, scannedAt time.Time, lat, lon *float64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_audit (id, student_id, tag_id, device_id, day, trip, decision, scanned_at, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.NewString(), studentID, tagID, deviceID, key.Day, key.Trip, decision.String(), scannedAt.UTC(), lat, lon)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	if err := row.Scan(&rec.ID, &rec.StudentID, &rec.Day, &rec.Trip, &rec.Status,
		&rec.Confidence, &rec.Verified, &rec.PhotoRef, &rec.Latitude, &rec.Longitude,
		&rec.ScannedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
