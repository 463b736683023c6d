// Package token decodes the bearer token handed to the SDK by the host page.
//
// The token is the only trusted source of backend endpoints. Its signature is
// never checked here; the issuing backend re-verifies it on every request.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is matched by every token failure surfaced to callers.
var ErrInvalidToken = errors.New("invalid token")

// DecodeError reports a structurally malformed token.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode token: %s: %v", e.Reason, e.Err)
	}
	return "decode token: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInvalidToken) match decode failures.
func (e *DecodeError) Is(target error) bool { return target == ErrInvalidToken }

// ExpiredTokenError reports a well-formed token past its exp claim.
type ExpiredTokenError struct {
	ExpiresAt time.Time
	Now       time.Time
}

func (e *ExpiredTokenError) Error() string {
	return fmt.Sprintf("token expired at %s", e.ExpiresAt.UTC().Format(time.RFC3339))
}

// Is lets errors.Is(err, ErrInvalidToken) match expiry failures.
func (e *ExpiredTokenError) Is(target error) bool { return target == ErrInvalidToken }

// Payload is the decoded middle segment of a token.
type Payload struct {
	URLs map[string]string `json:"urls"`
	jwt.RegisteredClaims
}

// Expiry returns the exp claim and whether it was present.
func (p Payload) Expiry() (time.Time, bool) {
	if p.ExpiresAt == nil {
		return time.Time{}, false
	}
	return p.ExpiresAt.Time, true
}

var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// Decode base64url-decodes and parses the payload segment of raw.
func Decode(raw string) (Payload, error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) < 2 || parts[1] == "" {
		return Payload{}, &DecodeError{Reason: "missing payload segment"}
	}

	body, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return Payload{}, &DecodeError{Reason: "payload is not base64url", Err: err}
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Payload{}, &DecodeError{Reason: "payload is not JSON", Err: err}
	}
	return payload, nil
}

// IsExpired decodes raw and reports whether now is strictly past exp.
// A token without exp never expires.
func IsExpired(raw string, now time.Time) (bool, error) {
	payload, err := Decode(raw)
	if err != nil {
		return false, err
	}
	exp, ok := payload.Expiry()
	if !ok {
		return false, nil
	}
	return now.Unix() > exp.Unix(), nil
}

// Trust resolves endpoint URLs from tokens, degrading to nil on bad input.
type Trust struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewTrust builds a Trust. A nil clock uses time.Now.
func NewTrust(logger *slog.Logger, now func() time.Time) *Trust {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Trust{logger: logger, now: now}
}

// Now returns the trust clock's current time.
func (t *Trust) Now() time.Time { return t.now() }

// ResolveURLs returns the token's endpoint map. On a decode failure it logs,
// calls onInvalid exactly once and returns nil so callers fall back to defaults.
func (t *Trust) ResolveURLs(raw string, onInvalid func(error)) map[string]string {
	payload, err := Decode(raw)
	if err != nil {
		t.logger.Error("Invalid token", "error", err)
		if onInvalid != nil {
			onInvalid(err)
		}
		return nil
	}
	return payload.URLs
}

// CheckExpiry returns an *ExpiredTokenError when raw is past exp at the
// trust clock's current time.
func (t *Trust) CheckExpiry(raw string) error {
	payload, err := Decode(raw)
	if err != nil {
		return err
	}
	exp, ok := payload.Expiry()
	if !ok {
		return nil
	}
	now := t.now()
	if now.Unix() > exp.Unix() {
		return &ExpiredTokenError{ExpiresAt: exp, Now: now}
	}
	return nil
}
