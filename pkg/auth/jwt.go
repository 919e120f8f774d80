package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/stricklysoft/agentcoord/pkg/errors"
)

// ---------------------------------------------------------------------------
// Secret type — prevents accidental logging of sensitive values
// ---------------------------------------------------------------------------

// Secret is a string type that redacts its value in String(), GoString(), and
// MarshalText() to prevent accidental exposure in logs, JSON output, or
// fmt.Printf. The actual value is only accessible via the [Secret.Value]
// method, which should be called only where the raw value is truly needed
// (e.g., passing to a cryptographic function).
type Secret string

// secretRedacted is the placeholder text shown instead of the actual secret
// value when the secret is printed, formatted, or serialized.
const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder, preventing the secret from being
// printed via fmt.Println, log.Printf, or similar functions.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder, preventing the secret from being
// printed via fmt.Printf("%#v", secret).
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string. This is the only way to access the
// underlying value and should be used only where the raw secret is required
// (e.g., passing to a cryptographic signing or verification function).
func (s Secret) Value() string { return string(s) }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder. This prevents the secret from leaking into JSON, YAML, or
// any other text-based serialization format.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// ---------------------------------------------------------------------------
// ValidatorConfig — configuration for the agent connection-token validator
// ---------------------------------------------------------------------------

// maxTokenSize is the maximum accepted size for a JWT token string (8 KB).
// Tokens larger than this are rejected to prevent resource exhaustion.
const maxTokenSize = 8192

// ValidatorConfig holds the configuration for [JWTValidator]. Every agent
// token is a single coordinator-issued HS256 JWT — there is no multi-provider
// routing here, because the only caller the coordinator's transport ever
// authenticates is a connecting agent (see the package doc).
type ValidatorConfig struct {
	// SigningKey is the HMAC key used to verify agent connection tokens.
	// Must be at least 32 bytes.
	SigningKey Secret `json:"-" env:"AUTH_SIGNING_KEY"`

	// Issuer is the expected "iss" claim. Tokens with a different issuer
	// are rejected. Defaults to "agentcoord-coordinator".
	Issuer string `json:"issuer" env:"AUTH_ISSUER" envDefault:"agentcoord-coordinator"`

	// Audience is the expected "aud" claim. If empty, the audience claim
	// is not validated.
	Audience string `json:"audience,omitempty" env:"AUTH_AUDIENCE"`

	// TokenCacheTTL is the maximum time a validated token identity is
	// cached before re-validation is required. The actual cache TTL for
	// a token is the minimum of this value and the token's remaining
	// lifetime (exp - now). Must be non-negative. Defaults to 5 minutes.
	TokenCacheTTL time.Duration `json:"token_cache_ttl" env:"AUTH_TOKEN_CACHE_TTL" envDefault:"5m"`

	// TokenCacheMaxSize is the maximum number of entries in the token
	// cache. When the cache is full, expired entries are evicted first,
	// then the entry closest to expiry is removed. Must be greater than zero.
	// Defaults to 10000.
	TokenCacheMaxSize int `json:"token_cache_max_size" env:"AUTH_TOKEN_CACHE_MAX_SIZE" envDefault:"10000"`

	// ClockSkew is the maximum allowed clock difference between the
	// coordinator and the process that issued the token. Tokens within
	// this window of their expiration or not-before times are still
	// considered valid. Must be non-negative. Defaults to 30 seconds.
	ClockSkew time.Duration `json:"clock_skew" env:"AUTH_CLOCK_SKEW" envDefault:"30s"`
}

// Validate checks the configuration for logical correctness and returns
// a *[sserr.Error] with code [sserr.CodeValidation] if any field is invalid.
func (c *ValidatorConfig) Validate() *sserr.Error {
	if len(c.SigningKey.Value()) < 32 {
		return sserr.New(sserr.CodeValidation, "auth: signing key must be at least 32 bytes")
	}
	if c.Issuer == "" {
		return sserr.New(sserr.CodeValidation, "auth: issuer must not be empty")
	}
	if c.TokenCacheTTL < 0 {
		return sserr.New(sserr.CodeValidation, "auth: token cache TTL must be non-negative")
	}
	if c.ClockSkew < 0 {
		return sserr.New(sserr.CodeValidation, "auth: clock skew must be non-negative")
	}
	if c.TokenCacheMaxSize <= 0 {
		return sserr.New(sserr.CodeValidation, "auth: token cache max size must be greater than zero")
	}
	return nil
}

// DefaultValidatorConfig returns a ValidatorConfig with sensible defaults.
// SigningKey is left empty and must be set by the caller before use.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		Issuer:            "agentcoord-coordinator",
		TokenCacheTTL:     5 * time.Minute,
		TokenCacheMaxSize: 10000,
		ClockSkew:         30 * time.Second,
	}
}

// ---------------------------------------------------------------------------
// tokenCache — in-memory cache for validated token identities
// ---------------------------------------------------------------------------

// tokenCacheEntry stores a cached identity and its expiration time.
type tokenCacheEntry struct {
	identity  Identity
	expiresAt time.Time
}

// tokenCache provides an in-memory cache for validated token identities,
// keyed by the SHA-256 hash of the token string. This avoids re-parsing
// and re-validating a token on every heartbeat a long-lived agent
// connection sends.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]*tokenCacheEntry
	maxSize int
	ttl     time.Duration
}

// newTokenCache creates a new token cache with the given TTL and maximum
// number of entries.
func newTokenCache(ttl time.Duration, maxSize int) *tokenCache {
	return &tokenCache{
		entries: make(map[string]*tokenCacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// get retrieves a cached identity by token hash. Returns the identity and
// true if the entry exists and has not expired, or nil and false otherwise.
func (c *tokenCache) get(tokenHash string) (Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[tokenHash]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.identity, true
}

// put stores a validated identity in the cache. The effective cache TTL is
// the minimum of the configured TTL and the time remaining until the
// token's expiration (tokenExp). If the cache is at capacity, expired
// entries are evicted first; if still at capacity, the entry with the
// earliest expiry is removed.
func (c *tokenCache) put(tokenHash string, identity Identity, tokenExp time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ttl := c.ttl
	remaining := time.Until(tokenExp)
	if remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return // Token already expired; do not cache.
	}

	expiresAt := time.Now().Add(ttl)

	if len(c.entries) >= c.maxSize {
		c.evictExpiredLocked()
	}
	if len(c.entries) >= c.maxSize {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, v := range c.entries {
			if first || v.expiresAt.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.expiresAt
				first = false
			}
		}
		if oldestKey != "" {
			delete(c.entries, oldestKey)
		}
	}

	c.entries[tokenHash] = &tokenCacheEntry{
		identity:  identity,
		expiresAt: expiresAt,
	}
}

// evictExpired removes all expired entries from the cache. This method
// acquires the write lock and is safe for concurrent use.
func (c *tokenCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked()
}

// evictExpiredLocked removes all expired entries. Caller must hold the
// write lock.
func (c *tokenCache) evictExpiredLocked() {
	now := time.Now()
	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// ---------------------------------------------------------------------------
// JWTValidator — HMAC agent-token validation with caching and OTel tracing
// ---------------------------------------------------------------------------

// tracerName is the OpenTelemetry instrumentation scope name for auth spans.
const tracerName = "github.com/stricklysoft/agentcoord/pkg/auth"

// JWTValidator validates the HS256 connection tokens agents present when
// dialing the messaging plane (§4.6), with built-in caching and
// OpenTelemetry tracing. It implements the [TokenValidator] interface and
// is what internal/messaging.NewServer wires into the gRPC stream
// interceptor.
//
// JWTValidator is safe for concurrent use by multiple goroutines.
type JWTValidator struct {
	config     ValidatorConfig
	tracer     trace.Tracer
	tokenCache *tokenCache
}

// Compile-time assertion that JWTValidator implements TokenValidator.
var _ TokenValidator = (*JWTValidator)(nil)

// NewJWTValidator creates a new JWTValidator with the given configuration.
// The configuration is validated before use; an error is returned if the
// configuration is invalid.
func NewJWTValidator(cfg ValidatorConfig) (*JWTValidator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &JWTValidator{
		config:     cfg,
		tracer:     otel.Tracer(tracerName),
		tokenCache: newTokenCache(cfg.TokenCacheTTL, cfg.TokenCacheMaxSize),
	}, nil
}

// Validate verifies the given JWT token string and returns the
// [AgentIdentity] it represents.
//
// The method performs the following steps:
//  1. Rejects empty or oversized tokens
//  2. Checks the in-memory token cache
//  3. Verifies the signature, issuer, audience, and expiry (HS256 only —
//     jwt.WithValidMethods prevents an algorithm-confusion attack where a
//     token signed with a different algorithm is accepted as HMAC)
//  4. Builds an AgentIdentity from the "sub" claim plus the remaining claims
//  5. Caches the validated identity (only when the token carries an "exp" claim)
//  6. Records OpenTelemetry span attributes and errors
//
// Returns a *[sserr.Error] with the appropriate error code on failure.
func (v *JWTValidator) Validate(ctx context.Context, tokenStr string) (Identity, error) {
	ctx, span := v.tracer.Start(ctx, "auth.Validate")
	defer span.End()

	if tokenStr == "" {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: token must not be empty")
		finishSpan(span, err)
		return nil, err
	}
	if len(tokenStr) > maxTokenSize {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: token exceeds maximum size")
		finishSpan(span, err)
		return nil, err
	}

	hash := tokenHash(tokenStr)
	if identity, ok := v.tokenCache.get(hash); ok {
		span.SetAttributes(attribute.Bool("auth.cache_hit", true))
		return identity, nil
	}
	span.SetAttributes(attribute.Bool("auth.cache_hit", false))

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(v.config.Issuer),
		jwt.WithLeeway(v.config.ClockSkew),
	}
	if v.config.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.config.Audience))
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(v.config.SigningKey.Value()), nil
	}, parserOpts...)
	if err != nil {
		classifiedErr := classifyError(err)
		finishSpan(span, classifiedErr)
		return nil, classifiedErr
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		invalidErr := sserr.New(sserr.CodeAuthenticationInvalid, "auth: invalid token claims")
		finishSpan(span, invalidErr)
		return nil, invalidErr
	}

	claims := mapClaimsToMap(mc)
	sub, _ := claims["sub"].(string)
	identity, identityErr := NewAgentIdentity(sub, claims)
	if identityErr != nil {
		wrappedErr := sserr.Wrap(identityErr, sserr.CodeAuthenticationInvalid, "auth: failed to build agent identity from token")
		finishSpan(span, wrappedErr)
		return nil, wrappedErr
	}

	if exp, expErr := mc.GetExpirationTime(); expErr == nil && exp != nil {
		v.tokenCache.put(hash, identity, exp.Time)
	}

	span.SetAttributes(
		attribute.String("auth.identity_id", identity.ID()),
		attribute.String("auth.identity_type", string(identity.Type())),
	)
	return identity, nil
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// tokenHash computes the SHA-256 hash of a token string and returns it
// as a hex-encoded string. This is used as the cache key to avoid storing
// raw tokens in memory.
func tokenHash(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// mapClaimsToMap converts jwt.MapClaims to a plain map[string]any.
// This allows the claims to be passed to functions that expect a plain map
// without carrying the jwt.MapClaims type.
func mapClaimsToMap(mc jwt.MapClaims) map[string]any {
	result := make(map[string]any, len(mc))
	for k, v := range mc {
		result[k] = v
	}
	return result
}

// classifyError converts a JWT library error to an appropriate
// *sserr.Error with the correct error code. If the error is already an
// *sserr.Error, it is returned as-is.
func classifyError(err error) *sserr.Error {
	if err == nil {
		return nil
	}

	var ssError *sserr.Error
	if errors.As(err, &ssError) {
		return ssError
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is unverifiable")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token audience is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token issuer is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token claims are invalid")
	default:
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token validation failed")
	}
}

// finishSpan records an error on the span if err is non-nil and sets the
// span status to Error. This is a helper for consistent error recording
// across validation paths.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
