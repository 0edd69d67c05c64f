package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relaygrid/session-fabric/config"
)

// Claims is the token payload the fabric understands. Subject carries the
// user id.
type Claims struct {
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// Interface guard
var _ TokenValidator = (*HMACValidator)(nil)

// HMACValidator verifies HS256/384/512 signatures against a shared secret.
// It is fully local: no call leaves the process.
type HMACValidator struct {
	secret   []byte
	issuer   string
	audience string
	opts     []jwt.ParserOption
	logger   *slog.Logger
}

// NewHMACValidator builds the validator from auth config. An empty secret
// generates a random ephemeral one so development nodes boot without
// ceremony; tokens minted by this process still verify, anything signed
// elsewhere will not.
func NewHMACValidator(cfg *config.Config, logger *slog.Logger) (*HMACValidator, error) {
	secret := []byte(cfg.Auth.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("auth: generate ephemeral secret: %w", err)
		}
		logger.Warn("AUTH_EPHEMERAL_SECRET",
			"hint", "set auth.secret; externally issued tokens will fail verification",
		)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if cfg.Auth.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Auth.Leeway))
	}
	if cfg.Auth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Auth.Issuer))
	}
	if cfg.Auth.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Auth.Audience))
	}

	return &HMACValidator{
		secret:   secret,
		issuer:   cfg.Auth.Issuer,
		audience: cfg.Auth.Audience,
		opts:     opts,
		logger:   logger,
	}, nil
}

// ValidateToken parses and verifies the token. Parse and claim failures are
// verdicts; this implementation never returns an error.
func (v *HMACValidator) ValidateToken(_ context.Context, token string) (*Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, v.keyFunc, v.opts...)
	if err != nil {
		return Reject(rejectReason(err)), nil
	}
	if !parsed.Valid {
		return Reject("token invalid"), nil
	}
	if claims.Subject == "" {
		return Reject("missing subject"), nil
	}

	id := &Identity{
		Valid:       true,
		UserID:      claims.Subject,
		Email:       claims.Email,
		Permissions: claims.Permissions,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

func (v *HMACValidator) keyFunc(t *jwt.Token) (any, error) {
	// WithValidMethods already constrains alg; keep the type check so a
	// parser misconfiguration cannot silently widen it.
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
	return v.secret, nil
}

// Mint signs a token for userID with this validator's secret and claim
// expectations. Development setups and tests use it; production tokens come
// from the identity provider.
func (v *HMACValidator) Mint(userID, email string, permissions []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:       email,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if v.issuer != "" {
		claims.Issuer = v.issuer
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// rejectReason maps parse errors onto the short rejection strings reported
// in close frames.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "token malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token not yet valid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "wrong issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "wrong audience"
	default:
		return "token invalid"
	}
}
