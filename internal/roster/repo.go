// Package roster holds the student and device registry and the embedding
// store: one stored biometric signature per student, Postgres as the source
// of truth, Redis as the read-through cache.
package roster

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTagUnknown is returned when a scanned tag maps to no student.
var ErrTagUnknown = errors.New("unknown tag")

// Student is the identity anchor resolved from a tag scan. The pipeline
// treats it as read-only.
type Student struct {
	ID        string    `json:"id"`
	TagID     string    `json:"tag_id"`
	Name      *string   `json:"name,omitempty"`
	PhotoRef  *string   `json:"photo_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Repository reads the roster from Postgres and caches signatures in Redis.
type Repository struct {
	db       *sql.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

// NewRepository creates a repo. cache may be nil; every signature read then
// goes to Postgres.
func NewRepository(db *sql.DB, cache *redis.Client, cacheTTL time.Duration) *Repository {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}
	return &Repository{db: db, cache: cache, cacheTTL: cacheTTL}
}

// StudentByTag resolves a tag id to a student before any verification work.
func (r *Repository) StudentByTag(ctx context.Context, tagID string) (*Student, error) {
	if tagID == "" {
		return nil, ErrTagUnknown
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tag_id, name, photo_ref, created_at
		FROM students WHERE tag_id = $1
	`, tagID)
	var st Student
	if err := row.Scan(&st.ID, &st.TagID, &st.Name, &st.PhotoRef, &st.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTagUnknown
		}
		return nil, fmt.Errorf("student lookup: %w", err)
	}
	return &st, nil
}

func sigCacheKey(studentID string) string { return "sig:" + studentID }

// CachedSignature returns the stored signature, preferring the Redis cache.
// A student with no enrolled signature yields nil, nil.
func (r *Repository) CachedSignature(ctx context.Context, studentID string) ([]float64, error) {
	if r.cache != nil {
		// Cache misses and cache trouble both fall through to the source of truth.
		raw, err := r.cache.Get(ctx, sigCacheKey(studentID)).Bytes()
		if err == nil {
			var sig []float64
			if jerr := json.Unmarshal(raw, &sig); jerr == nil {
				return sig, nil
			}
		}
	}
	return r.FreshSignature(ctx, studentID)
}

// FreshSignature reads the signature from Postgres, bypassing the cache, and
// refreshes the cache on the way out.
func (r *Repository) FreshSignature(ctx context.Context, studentID string) ([]float64, error) {
	row := r.db.QueryRowContext(ctx, `SELECT signature FROM students WHERE id = $1`, studentID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("signature fetch: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil // never captured
	}
	var sig []float64
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, fmt.Errorf("signature decode: %w", err)
	}
	if r.cache != nil {
		_ = r.cache.Set(ctx, sigCacheKey(studentID), raw, r.cacheTTL).Err()
	}
	return sig, nil
}

// UpsertDevice ensures a scanning device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id)
		VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}

// LookupRefreshToken returns the device and liveness of a stored refresh token.
func (r *Repository) LookupRefreshToken(ctx context.Context, token string) (string, time.Time, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT device_id, expires_at, revoked FROM refresh_tokens WHERE token = $1
	`, token)
	var deviceID string
	var expiresAt time.Time
	var revoked bool
	if err := row.Scan(&deviceID, &expiresAt, &revoked); err != nil {
		return "", time.Time{}, false, err
	}
	return deviceID, expiresAt, revoked, nil
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}
