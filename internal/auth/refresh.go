package auth

import (
	"context"
	"time"
)

// RefreshStore persists refresh tokens for rotation checks.
type RefreshStore interface {
	LookupRefreshToken(ctx context.Context, token string) (deviceID string, expiresAt time.Time, revoked bool, err error)
	SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error
	RevokeRefreshToken(ctx context.Context, token string) error
}

// Refresh rotates a device's token pair. The presented refresh token must
// carry a valid signature and still be live in the store; it is revoked and
// replaced in the same call. Every rejection collapses into ErrBadCredential.
func Refresh(ctx context.Context, store RefreshStore, refreshToken, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	claims, err := Parse(refreshToken, key, issuer)
	if err != nil {
		return TokenPair{}, ErrBadCredential
	}

	deviceID, expiresAt, revoked, err := store.LookupRefreshToken(ctx, refreshToken)
	if err != nil || revoked || deviceID != claims.DeviceID || time.Now().After(expiresAt) {
		return TokenPair{}, ErrBadCredential
	}

	pair, err := Issue(deviceID, issuer, key, accessTTL, refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	if err := store.RevokeRefreshToken(ctx, refreshToken); err != nil {
		return TokenPair{}, err
	}
	if err := store.SaveRefreshToken(ctx, deviceID, pair.RefreshToken, pair.RefreshExp); err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}
