// Package lease implements the supervisor-issued liveness lease.
//
// The supervisor signs a short-lived HS256 token per running instance and
// pushes it to the host before the previous one runs out. The host keeps
// the latest expiry; once it passes without a renewal the host treats
// itself as orphaned. Lease state lives in the host and no longer depends
// on the supervisor's process name.
package lease

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Environment variables the supervisor sets on every child.
const (
	EnvSecret     = "BOARDFLEET_LEASE_SECRET"
	EnvServiceID  = "BOARDFLEET_SERVICE_ID"
	EnvInstanceID = "BOARDFLEET_INSTANCE_ID"
)

var (
	// ErrTokenInvalid covers bad signatures, wrong algorithms and expired tokens.
	ErrTokenInvalid = errors.New("lease: token invalid")

	// ErrWrongInstance is returned for a token minted for another instance.
	ErrWrongInstance = errors.New("lease: token belongs to another instance")

	// ErrExpired is returned by Check once the lease has lapsed.
	ErrExpired = errors.New("lease: expired")
)

// Claims carries the lease identity.
type Claims struct {
	jwt.RegisteredClaims
	InstanceID string `json:"iid"`
}

// GenerateSecret returns a random 256-bit secret, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32) //nolint:mnd // 256-bit key
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating lease secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Issuer signs lease tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an issuer that grants leases of length ttl.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL returns the lease length.
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a lease for one service instance.
func (i *Issuer) Issue(serviceID, instanceID string) (string, time.Time, error) {
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   serviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
		InstanceID: instanceID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing lease: %w", err)
	}
	// Token timestamps have second precision.
	return signed, claims.ExpiresAt.Time, nil
}

// Verify parses token and checks signature, subject and expiry.
func Verify(token, secret, serviceID string, now time.Time) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(serviceID),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Lease is the host-side view: the latest verified expiry.
// It is safe for concurrent use.
type Lease struct {
	secret     string
	serviceID  string
	instanceID string
	now        func() time.Time

	mu      sync.RWMutex
	expires time.Time
	renewed int
}

// New returns a lease that starts valid for grace, so the host survives
// until the first renewal arrives. An empty instanceID accepts tokens for
// any instance of serviceID.
func New(secret, serviceID, instanceID string, grace time.Duration) *Lease {
	return newLease(secret, serviceID, instanceID, grace, time.Now)
}

func newLease(secret, serviceID, instanceID string, grace time.Duration, now func() time.Time) *Lease {
	return &Lease{
		secret:     secret,
		serviceID:  serviceID,
		instanceID: instanceID,
		now:        now,
		expires:    now().Add(grace),
	}
}

// Renew verifies token and extends the lease to its expiry. A token that
// expires earlier than the current lease never shortens it.
func (l *Lease) Renew(token string) (time.Time, error) {
	claims, err := Verify(token, l.secret, l.serviceID, l.now())
	if err != nil {
		return time.Time{}, err
	}
	if l.instanceID != "" && claims.InstanceID != l.instanceID {
		return time.Time{}, fmt.Errorf("%w: got %q", ErrWrongInstance, claims.InstanceID)
	}

	expires := claims.ExpiresAt.Time
	l.mu.Lock()
	defer l.mu.Unlock()
	if expires.After(l.expires) {
		l.expires = expires
	}
	l.renewed++
	return l.expires, nil
}

// ExpiresAt returns the current expiry.
func (l *Lease) ExpiresAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.expires
}

// Renewals returns how many renewals have been accepted.
func (l *Lease) Renewals() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.renewed
}

// Check returns ErrExpired once the lease has lapsed.
func (l *Lease) Check() error {
	expires := l.ExpiresAt()
	if now := l.now(); !now.Before(expires) {
		return fmt.Errorf("%w: %s ago", ErrExpired, now.Sub(expires).Round(time.Millisecond))
	}
	return nil
}
