package lease

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = strings.Repeat("k", 32)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testIssuer(clock *fakeClock, ttl time.Duration) *Issuer {
	i := NewIssuer(testSecret, ttl)
	i.now = clock.Now
	return i
}

func TestGenerateSecret(t *testing.T) {
	a, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateSecret()
	if len(a) != 64 || a == b {
		t.Errorf("secrets %q / %q: want distinct 64-char hex", a, b)
	}
}

func TestIssueVerify(t *testing.T) {
	clock := newFakeClock()
	token, expires, err := testIssuer(clock, 10*time.Second).Issue("dev_A", "inst-1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !expires.Equal(clock.Now().Add(10 * time.Second)) {
		t.Errorf("expires = %v", expires)
	}

	claims, err := Verify(token, testSecret, "dev_A", clock.Now())
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "dev_A" || claims.InstanceID != "inst-1" || claims.ID == "" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	clock := newFakeClock()
	token, _, err := testIssuer(clock, 10*time.Second).Issue("dev_A", "inst-1")
	if err != nil {
		t.Fatal(err)
	}

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "dev_A"},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		token     string
		secret    string
		serviceID string
		at        time.Time
	}{
		{"wrong secret", token, strings.Repeat("x", 32), "dev_A", clock.Now()},
		{"wrong subject", token, testSecret, "dev_B", clock.Now()},
		{"expired", token, testSecret, "dev_A", clock.Now().Add(11 * time.Second)},
		{"garbage", "not-a-token", testSecret, "dev_A", clock.Now()},
		{"no expiry", noExp, testSecret, "dev_A", clock.Now()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify(tt.token, tt.secret, tt.serviceID, tt.at); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
			}
		})
	}
}

func TestLease_InitialGraceThenLapse(t *testing.T) {
	clock := newFakeClock()
	l := newLease(testSecret, "dev_A", "", 5*time.Second, clock.Now)

	if err := l.Check(); err != nil {
		t.Fatalf("Check() during grace = %v", err)
	}
	clock.Advance(5 * time.Second)
	if err := l.Check(); !errors.Is(err, ErrExpired) {
		t.Errorf("Check() after grace = %v, want ErrExpired", err)
	}
}

func TestLease_RenewExtends(t *testing.T) {
	clock := newFakeClock()
	issuer := testIssuer(clock, 10*time.Second)
	l := newLease(testSecret, "dev_A", "inst-1", 2*time.Second, clock.Now)

	clock.Advance(time.Second)
	token, _, _ := issuer.Issue("dev_A", "inst-1")
	expires, err := l.Renew(token)
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if !expires.Equal(clock.Now().Add(10 * time.Second)) {
		t.Errorf("expires = %v", expires)
	}

	clock.Advance(9 * time.Second)
	if err := l.Check(); err != nil {
		t.Errorf("Check() before renewed expiry = %v", err)
	}
	if l.Renewals() != 1 {
		t.Errorf("Renewals() = %d, want 1", l.Renewals())
	}
}

func TestLease_RenewNeverShortens(t *testing.T) {
	clock := newFakeClock()
	l := newLease(testSecret, "dev_A", "", time.Minute, clock.Now)
	before := l.ExpiresAt()

	token, _, _ := testIssuer(clock, 5*time.Second).Issue("dev_A", "inst-1")
	if _, err := l.Renew(token); err != nil {
		t.Fatal(err)
	}
	if !l.ExpiresAt().Equal(before) {
		t.Errorf("ExpiresAt() = %v, want unchanged %v", l.ExpiresAt(), before)
	}
}

func TestLease_RenewWrongInstance(t *testing.T) {
	clock := newFakeClock()
	l := newLease(testSecret, "dev_A", "inst-2", time.Second, clock.Now)

	token, _, _ := testIssuer(clock, 10*time.Second).Issue("dev_A", "inst-1")
	if _, err := l.Renew(token); !errors.Is(err, ErrWrongInstance) {
		t.Errorf("Renew() error = %v, want ErrWrongInstance", err)
	}
	if l.Renewals() != 0 {
		t.Error("rejected token counted as renewal")
	}
}
