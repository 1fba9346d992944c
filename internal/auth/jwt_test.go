package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("bus-7", "busattend", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "test-key", "busattend")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.DeviceID != "bus-7" {
		t.Errorf("device id = %q, want bus-7", claims.DeviceID)
	}
	if claims.Role != "device" {
		t.Errorf("role = %q, want device", claims.Role)
	}
}

func TestParse_UniformRejection(t *testing.T) {
	pair, err := Issue("bus-7", "busattend", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		name   string
		token  string
		key    string
		issuer string
	}{
		{"wrong key", pair.AccessToken, "other-key", "busattend"},
		{"wrong issuer", pair.AccessToken, "test-key", "someone-else"},
		{"garbage token", "not-a-token", "test-key", "busattend"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.token, tc.key, tc.issuer)
			if !errors.Is(err, ErrBadCredential) {
				t.Errorf("err = %v, want ErrBadCredential for every failure mode", err)
			}
		})
	}
}

func TestParse_ExpiredToken(t *testing.T) {
	pair, err := Issue("bus-7", "busattend", "test-key", -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, "test-key", "busattend"); !errors.Is(err, ErrBadCredential) {
		t.Errorf("expired token: err = %v, want ErrBadCredential", err)
	}
}
