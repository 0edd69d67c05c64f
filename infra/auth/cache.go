package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"github.com/relaygrid/session-fabric/config"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = time.Minute
)

// Interface guard
var _ TokenValidator = (*cacheValidator)(nil)

// cacheValidator memoizes valid identities so reconnect storms do not pay
// the signature check per attempt. Keys are digests, never raw tokens.
// Rejections are not cached: a token that fails now may be minted a moment
// later, and a negative entry would mask it for a full TTL.
type cacheValidator struct {
	next   TokenValidator
	cache  *expirable.LRU[string, *Identity]
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewCache wraps next with an expiring identity cache.
func NewCache(cfg *config.Config, next TokenValidator, clock clockwork.Clock, logger *slog.Logger) TokenValidator {
	size := cfg.Auth.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := cfg.Auth.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &cacheValidator{
		next:   next,
		cache:  expirable.NewLRU[string, *Identity](size, nil, ttl),
		clock:  clock,
		logger: logger,
	}
}

func (v *cacheValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	key := cacheKey(token)
	if id, ok := v.cache.Get(key); ok {
		// The cache TTL is independent of the token's own expiry; honour
		// whichever ends first.
		if id.ExpiresAt.IsZero() || v.clock.Now().Before(id.ExpiresAt) {
			return id, nil
		}
		v.cache.Remove(key)
	}

	id, err := v.next.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if id.Valid {
		v.cache.Add(key, id)
	}
	return id, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
