package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned when an approver token does not validate
var ErrInvalidToken = errors.New("invalid approver token")

// DefaultApprover names approvals whose token carries no approver prefix
const DefaultApprover = "operator"

// TokenValidator checks an approver token for an artifact hash and returns
// the approver identity it carries.
type TokenValidator interface {
	Validate(hash, token string) (approver string, err error)
}

// NonEmptyToken accepts any non-empty token. A token of the form
// "<approver>:<secret>" names its approver.
type NonEmptyToken struct{}

// Validate implements TokenValidator
func (NonEmptyToken) Validate(hash, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: token is empty", ErrInvalidToken)
	}
	if approver, _, ok := strings.Cut(token, ":"); ok && approver != "" {
		return approver, nil
	}
	return DefaultApprover, nil
}

// HMACTokenValidator accepts tokens minted by SignToken with the same secret.
// A token is bound to one artifact hash.
type HMACTokenValidator struct {
	Secret []byte
}

// Validate implements TokenValidator
func (v HMACTokenValidator) Validate(hash, token string) (string, error) {
	if len(v.Secret) == 0 {
		return "", fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}
	approver, mac, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || approver == "" || mac == "" {
		return "", fmt.Errorf("%w: expected <approver>:<hmac>", ErrInvalidToken)
	}
	got, err := hex.DecodeString(mac)
	if err != nil {
		return "", fmt.Errorf("%w: hmac is not hex", ErrInvalidToken)
	}
	if !hmac.Equal(got, tokenMAC(v.Secret, approver, hash)) {
		return "", fmt.Errorf("%w: signature mismatch for %s", ErrInvalidToken, approver)
	}
	return approver, nil
}

// SignToken mints a token for approver over hash
func SignToken(secret []byte, approver, hash string) string {
	return approver + ":" + hex.EncodeToString(tokenMAC(secret, approver, hash))
}

func tokenMAC(secret []byte, approver, hash string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(approver + "|" + hash))
	return mac.Sum(nil)
}

// fingerprint identifies a token in records without storing it
func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:8])
}
