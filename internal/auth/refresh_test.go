package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeRefreshStore struct {
	deviceID  string
	expiresAt time.Time
	revoked   bool
	lookupErr error

	revokedTokens []string
	saved         map[string]time.Time
}

func (f *fakeRefreshStore) LookupRefreshToken(ctx context.Context, token string) (string, time.Time, bool, error) {
	if f.lookupErr != nil {
		return "", time.Time{}, false, f.lookupErr
	}
	return f.deviceID, f.expiresAt, f.revoked, nil
}

func (f *fakeRefreshStore) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	if f.saved == nil {
		f.saved = map[string]time.Time{}
	}
	f.saved[token] = expiresAt
	return nil
}

func (f *fakeRefreshStore) RevokeRefreshToken(ctx context.Context, token string) error {
	f.revokedTokens = append(f.revokedTokens, token)
	return nil
}

func TestRefresh_RotatesPair(t *testing.T) {
	pair, err := Issue("bus-7", "busattend", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	store := &fakeRefreshStore{deviceID: "bus-7", expiresAt: time.Now().Add(time.Hour)}

	next, err := Refresh(context.Background(), store, pair.RefreshToken, "busattend", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if len(store.revokedTokens) != 1 || store.revokedTokens[0] != pair.RefreshToken {
		t.Errorf("presented token must be revoked, got %v", store.revokedTokens)
	}
	if _, ok := store.saved[next.RefreshToken]; !ok {
		t.Error("rotated refresh token must be persisted")
	}
	claims, err := Parse(next.AccessToken, "test-key", "busattend")
	if err != nil {
		t.Fatalf("parse rotated access token: %v", err)
	}
	if claims.DeviceID != "bus-7" {
		t.Errorf("device id = %q, want bus-7", claims.DeviceID)
	}
}

func TestRefresh_UniformRejection(t *testing.T) {
	pair, err := Issue("bus-7", "busattend", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	live := time.Now().Add(time.Hour)
	cases := []struct {
		name  string
		store *fakeRefreshStore
		token string
	}{
		{"revoked in store", &fakeRefreshStore{deviceID: "bus-7", expiresAt: live, revoked: true}, pair.RefreshToken},
		{"unknown token", &fakeRefreshStore{lookupErr: errors.New("no rows")}, pair.RefreshToken},
		{"device mismatch", &fakeRefreshStore{deviceID: "bus-9", expiresAt: live}, pair.RefreshToken},
		{"expired in store", &fakeRefreshStore{deviceID: "bus-7", expiresAt: time.Now().Add(-time.Minute)}, pair.RefreshToken},
		{"garbage token", &fakeRefreshStore{deviceID: "bus-7", expiresAt: live}, "not-a-token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Refresh(context.Background(), tc.store, tc.token, "busattend", "test-key", time.Minute, time.Hour)
			if !errors.Is(err, ErrBadCredential) {
				t.Errorf("err = %v, want ErrBadCredential for every failure mode", err)
			}
			if len(tc.store.revokedTokens) != 0 || len(tc.store.saved) != 0 {
				t.Errorf("rejected refresh must not touch the store: revoked=%v saved=%v",
					tc.store.revokedTokens, tc.store.saved)
			}
		})
	}
}
