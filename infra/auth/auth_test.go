package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/session-fabric/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Auth.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Auth.Issuer = "fabric-test"
	cfg.Auth.Audience = "clients"
	cfg.Auth.Leeway = time.Second
	cfg.Auth.CacheSize = 16
	cfg.Auth.CacheTTL = time.Minute
	cfg.Auth.BreakerThreshold = 3
	cfg.Auth.BreakerCooldown = time.Minute
	return cfg
}

func newTestValidator(t *testing.T, cfg *config.Config) *HMACValidator {
	t.Helper()
	v, err := NewHMACValidator(cfg, discardLogger())
	require.NoError(t, err)
	return v
}

func TestHMACValidatorRoundTrip(t *testing.T) {
	v := newTestValidator(t, testConfig())

	token, err := v.Mint("niki", "niki@example.com", []string{"chat", "presence"}, time.Hour)
	require.NoError(t, err)

	id, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	require.True(t, id.Valid)
	assert.Equal(t, "niki", id.UserID)
	assert.Equal(t, "niki@example.com", id.Email)
	assert.Equal(t, []string{"chat", "presence"}, id.Permissions)
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
	assert.Empty(t, id.Reason)
}

func TestHMACValidatorVerdicts(t *testing.T) {
	cfg := testConfig()
	v := newTestValidator(t, cfg)

	otherCfg := testConfig()
	otherCfg.Auth.Secret = "ffffffffffffffffffffffffffffffff"
	other := newTestValidator(t, otherCfg)

	// Stranger shares the secret so only the issuer claim differs.
	strangerCfg := testConfig()
	strangerCfg.Auth.Issuer = "somebody-else"
	stranger := newTestValidator(t, strangerCfg)
	stranger.secret = v.secret

	goodButForeign, err := other.Mint("niki", "", nil, time.Hour)
	require.NoError(t, err)
	expired, err := v.Mint("niki", "", nil, -time.Hour)
	require.NoError(t, err)
	anonymous, err := v.Mint("", "", nil, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := stranger.Mint("niki", "", nil, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		token  string
		reason string
	}{
		{"garbage", "not-a-jwt-at-all", "token malformed"},
		{"foreign signature", goodButForeign, "bad signature"},
		{"expired", expired, "token expired"},
		{"missing subject", anonymous, "missing subject"},
		{"wrong issuer", wrongIssuer, "wrong issuer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := v.ValidateToken(context.Background(), tc.token)
			require.NoError(t, err)
			assert.False(t, id.Valid)
			assert.Equal(t, tc.reason, id.Reason)
		})
	}
}

func TestEphemeralSecretBoot(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Secret = ""
	v := newTestValidator(t, cfg)

	token, err := v.Mint("dev", "", nil, time.Minute)
	require.NoError(t, err)

	id, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, id.Valid)
	assert.Equal(t, "dev", id.UserID)
}

// countingValidator scripts the downstream validator for decorator tests.
type countingValidator struct {
	calls int
	id    *Identity
	err   error
}

func (c *countingValidator) ValidateToken(context.Context, string) (*Identity, error) {
	c.calls++
	return c.id, c.err
}

func TestBreakerOpensOnInfraErrors(t *testing.T) {
	cfg := testConfig()
	next := &countingValidator{err: errors.New("verifier down")}
	v := NewBreaker(cfg, next, discardLogger())

	for range int(cfg.Auth.BreakerThreshold) {
		_, err := v.ValidateToken(context.Background(), "tok")
		require.Error(t, err)
	}

	// Circuit is open now: the check fails fast as a rejection and the
	// downstream validator is not consulted anymore.
	before := next.calls
	id, err := v.ValidateToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.False(t, id.Valid)
	assert.Equal(t, "verifier unavailable", id.Reason)
	assert.Equal(t, before, next.calls)
}

func TestBreakerIgnoresRejections(t *testing.T) {
	cfg := testConfig()
	next := &countingValidator{id: Reject("token expired")}
	v := NewBreaker(cfg, next, discardLogger())

	for range 20 {
		id, err := v.ValidateToken(context.Background(), "tok")
		require.NoError(t, err)
		assert.False(t, id.Valid)
		assert.Equal(t, "token expired", id.Reason)
	}
	assert.Equal(t, 20, next.calls)
}

func TestCacheServesRepeatLookups(t *testing.T) {
	cfg := testConfig()
	next := &countingValidator{id: &Identity{Valid: true, UserID: "niki"}}
	v := NewCache(cfg, next, clockwork.NewFakeClock(), discardLogger())

	for range 3 {
		id, err := v.ValidateToken(context.Background(), "tok")
		require.NoError(t, err)
		assert.True(t, id.Valid)
	}
	assert.Equal(t, 1, next.calls)

	_, err := v.ValidateToken(context.Background(), "another")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCacheHonoursTokenExpiry(t *testing.T) {
	cfg := testConfig()
	clock := clockwork.NewFakeClock()
	next := &countingValidator{id: &Identity{
		Valid:     true,
		UserID:    "niki",
		ExpiresAt: clock.Now().Add(time.Minute),
	}}
	v := NewCache(cfg, next, clock, discardLogger())

	_, err := v.ValidateToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)

	// Within the token lifetime the cached identity is served.
	clock.Advance(30 * time.Second)
	_, err = v.ValidateToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)

	// Past the token expiry the entry is dropped and the check re-runs.
	clock.Advance(time.Hour)
	_, err = v.ValidateToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCacheSkipsRejections(t *testing.T) {
	cfg := testConfig()
	next := &countingValidator{id: Reject("bad signature")}
	v := NewCache(cfg, next, clockwork.NewFakeClock(), discardLogger())

	for range 3 {
		id, err := v.ValidateToken(context.Background(), "tok")
		require.NoError(t, err)
		assert.False(t, id.Valid)
	}
	assert.Equal(t, 3, next.calls)
}
