// Package token issues and verifies the short-lived HMAC tokens used to
// authenticate WebSocket connections. Verification is stateless: a token
// carries everything needed to check it, nothing is persisted.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TTL is how long an issued token stays valid.
const TTL = 24 * time.Hour

var (
	ErrMalformed    = errors.New("token: malformed")
	ErrExpired      = errors.New("token: expired")
	ErrBadSignature = errors.New("token: signature mismatch")
)

// Issuer signs and verifies tokens with a process-wide secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer with the given secret.
func NewIssuer(secret []byte) *Issuer {
	return &Issuer{secret: secret, now: time.Now}
}

// GenerateSecret returns a random 32-byte secret for processes started
// without one configured. Tokens signed with it die with the process.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate token secret: %w", err)
	}
	return secret, nil
}

// Issue returns a token of the form "userId:issuedAtMs:signature" where the
// signature is hex(HMAC-SHA256(secret, "userId:issuedAtMs")).
func (i *Issuer) Issue(userID string) string {
	issuedAt := i.now().UnixMilli()
	base := fmt.Sprintf("%s:%d", userID, issuedAt)
	return fmt.Sprintf("%s:%s", base, i.sign(base))
}

// Verify returns the userId embedded in a valid token. It fails on
// malformed input, on tokens older than TTL, and on signature mismatch.
// The last two colon-separated segments are the timestamp and signature;
// parsing from the right lets userIds that contain ':' round-trip.
func (i *Issuer) Verify(tok string) (string, error) {
	sigIdx := strings.LastIndexByte(tok, ':')
	if sigIdx < 0 {
		return "", ErrMalformed
	}
	base, sig := tok[:sigIdx], tok[sigIdx+1:]

	tsIdx := strings.LastIndexByte(base, ':')
	if tsIdx <= 0 {
		return "", ErrMalformed
	}
	userID, issuedStr := base[:tsIdx], base[tsIdx+1:]

	issuedAt, err := strconv.ParseInt(issuedStr, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}

	if i.now().UnixMilli()-issuedAt >= TTL.Milliseconds() {
		return "", ErrExpired
	}

	if !hmac.Equal([]byte(sig), []byte(i.sign(base))) {
		return "", ErrBadSignature
	}

	return userID, nil
}

func (i *Issuer) sign(base string) string {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}
