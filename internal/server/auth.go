package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/swarmd/swarmd/internal/common/apperr"
	"github.com/swarmd/swarmd/internal/common/config"
)

// Auth issues and validates HMAC-signed dashboard tokens. The token carries
// the uid and an expiry; there is no server-side session state.
type Auth struct {
	secret   []byte
	duration time.Duration
}

// NewAuth creates the token service from the auth config.
func NewAuth(cfg config.AuthConfig) *Auth {
	return &Auth{
		secret:   []byte(cfg.TokenSecret),
		duration: cfg.TokenDurationTime(),
	}
}

// IssueToken mints a token for uid, valid for the configured duration.
func (a *Auth) IssueToken(uid string) string {
	expiry := time.Now().Add(a.duration).UnixMilli()
	payload := base64.RawURLEncoding.EncodeToString([]byte(uid)) + "." + strconv.FormatInt(expiry, 10)
	return payload + "." + a.sign(payload)
}

// Validate checks a token's signature and expiry and returns its uid.
func (a *Auth) Validate(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", apperr.Validation("malformed token")
	}
	payload := parts[0] + "." + parts[1]
	if !hmac.Equal([]byte(a.sign(payload)), []byte(parts[2])) {
		return "", apperr.Validation("bad token signature")
	}

	expiry, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", apperr.Validation("malformed token expiry")
	}
	if time.Now().UnixMilli() > expiry {
		return "", apperr.Validation("token expired")
	}

	uid, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", apperr.Validation("malformed token uid")
	}
	return string(uid), nil
}

func (a *Auth) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	fmt.Fprint(mac, payload)
	return hex.EncodeToString(mac.Sum(nil))
}
