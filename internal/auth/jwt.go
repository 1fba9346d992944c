package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadCredential is the single rejection for every credential problem.
// Callers must not learn which part of the credential was wrong.
var ErrBadCredential = errors.New("invalid device credential")

// TokenPair holds access and refresh tokens for a scanning device.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// DeviceClaims is the JWT payload carried by trackside scanning devices.
type DeviceClaims struct {
	DeviceID string `json:"sub"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Issue signs access and refresh tokens for a registered device.
func Issue(deviceID, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	now := time.Now()
	accessExp := now.Add(accessTTL)
	refreshExp := now.Add(refreshTTL)

	sign := func(exp time.Time) (string, error) {
		claims := DeviceClaims{
			DeviceID: deviceID,
			Role:     "device",
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   deviceID,
				ExpiresAt: jwt.NewNumericDate(exp),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	}

	accessToken, err := sign(accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := sign(refreshExp)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// Parse validates a device token and returns its claims. Every failure mode
// collapses into ErrBadCredential.
func Parse(tokenStr, key, issuer string) (DeviceClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, ErrBadCredential
		}
		return []byte(key), nil
	})
	if err != nil {
		return DeviceClaims{}, ErrBadCredential
	}
	claims, ok := parsed.Claims.(*DeviceClaims)
	if !ok || !parsed.Valid {
		return DeviceClaims{}, ErrBadCredential
	}
	if issuer != "" && claims.Issuer != issuer {
		return DeviceClaims{}, ErrBadCredential
	}
	return *claims, nil
}
