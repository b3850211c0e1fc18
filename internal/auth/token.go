// Package auth covers the broker's two credential checks: HMAC-signed App
// tokens and per-Runner shared secrets.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims are embedded in an App token. Subject is the App's stable
// identity; a reconnecting App presenting a token with the same subject is
// the same App to the pairing subsystem.
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	Issuer    string `json:"iss"`
}

// VerifierConfig configures token verification. PreviousSecret, when set,
// stays valid alongside Secret so tokens survive a key rotation.
type VerifierConfig struct {
	Secret         string
	PreviousSecret string
	Issuer         string
	DefaultTTL     time.Duration
}

// Verifier signs and verifies App tokens. A token is
// base64url(claims) + "." + base64url(HMAC-SHA256(claims)).
type Verifier struct {
	secret     []byte
	prevSecret []byte
	issuer     string
	defaultTTL time.Duration
	now        func() time.Time
}

func NewVerifier(cfg VerifierConfig) *Verifier {
	if cfg.Issuer == "" {
		cfg.Issuer = "termlink-broker"
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 24 * time.Hour
	}
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		// Development fallback; production deployments set their own.
		secret = []byte("termlink-dev-token-secret-change-in-production")
	}
	var prev []byte
	if cfg.PreviousSecret != "" {
		prev = []byte(cfg.PreviousSecret)
	}
	return &Verifier{
		secret:     secret,
		prevSecret: prev,
		issuer:     cfg.Issuer,
		defaultTTL: cfg.DefaultTTL,
		now:        time.Now,
	}
}

// Issue mints a token for a subject. ttl <= 0 takes the default.
func (v *Verifier) Issue(subject string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("issue token: empty subject")
	}
	if ttl <= 0 {
		ttl = v.defaultTTL
	}
	now := v.now()
	claims := Claims{
		Subject:   subject,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
		Issuer:    v.issuer,
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	sig := sign(v.secret, claimsJSON)
	return base64.RawURLEncoding.EncodeToString(claimsJSON) +
		"." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks a token's signature and expiry and returns its claims.
// The previous secret, if configured, is accepted as a fallback.
func (v *Verifier) Verify(token string) (*Claims, error) {
	payload, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	claimsJSON, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad claims encoding", ErrInvalidToken)
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidToken)
	}

	valid := hmac.Equal(sig, sign(v.secret, claimsJSON))
	if !valid && len(v.prevSecret) > 0 {
		valid = hmac.Equal(sig, sign(v.prevSecret, claimsJSON))
	}
	if !valid {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: bad claims", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if v.now().Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &claims, nil
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}
