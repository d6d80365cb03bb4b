// Package auth issues and verifies the HMAC-signed bearer tokens of the
// operator API.
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

// tokenVersion prefixes every token and is covered by the signature.
const tokenVersion = "sw1"

// Claims identify an operator acting inside one community. Roles carries
// the operator's role ids so moderator checks need no extra lookup.
type Claims struct {
	Sub       string   `json:"sub"`
	Community string   `json:"community"`
	Roles     []string `json:"roles,omitempty"`
	Admin     bool     `json:"admin,omitempty"`
	Exp       int64    `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Validate checks the required claims against now.
func (c Claims) Validate(now time.Time) error {
	if c.Sub == "" || c.Community == "" || c.Exp == 0 {
		return ErrInvalidToken
	}
	if now.Unix() >= c.Exp {
		return ErrExpiredToken
	}
	return nil
}

// IssueToken encodes claims as "sw1.<payload>.<signature>".
func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	signed := tokenVersion + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	return signed + "." + sign(secret, signed), nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	cut := strings.LastIndexByte(token, '.')
	if cut < 0 {
		return Claims{}, ErrInvalidToken
	}
	signed, signature := token[:cut], token[cut+1:]
	version, payload, ok := strings.Cut(signed, ".")
	if !ok || version != tokenVersion || payload == "" {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, signed))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if err := claims.Validate(time.Now()); err != nil {
		return Claims{}, err
	}
	return claims, nil
}

func sign(secret []byte, signed string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(signed))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
