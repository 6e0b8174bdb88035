package updater

import (
	"context"
	"fmt"
	"os"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/artifact"
)

// VerifyResult is the outcome of checking an artifact's signature
type VerifyResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func invalid(format string, args ...any) VerifyResult {
	return VerifyResult{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

// Verifier decides whether a staged artifact is trustworthy. Implementations
// must fail closed: any doubt is an invalid result.
type Verifier interface {
	Verify(ctx context.Context, a *artifact.Artifact) VerifyResult
}

// RejectAll refuses every artifact. It is the verifier used until signing
// keys are configured.
type RejectAll struct{}

// Verify implements Verifier
func (RejectAll) Verify(context.Context, *artifact.Artifact) VerifyResult {
	return invalid("no signature verifier configured")
}

// Ed25519Verifier checks the artifact's detached base64 signature against
// its raw bytes.
type Ed25519Verifier struct {
	signer *Signer
}

// NewEd25519Verifier verifies with the public half of signer
func NewEd25519Verifier(signer *Signer) (*Ed25519Verifier, error) {
	if signer == nil || signer.PublicKeyBase64() == "" {
		return nil, fmt.Errorf("ed25519 verifier: public key is required")
	}
	return &Ed25519Verifier{signer: signer}, nil
}

// Verify implements Verifier
func (v *Ed25519Verifier) Verify(ctx context.Context, a *artifact.Artifact) VerifyResult {
	if err := ctx.Err(); err != nil {
		return invalid("verification canceled: %v", err)
	}
	if !a.Signed() {
		return invalid("artifact %s has no signature", a.Hash)
	}

	sig, err := os.ReadFile(a.SignaturePath)
	if err != nil {
		return invalid("read signature: %v", err)
	}
	data, err := os.ReadFile(a.BlobPath())
	if err != nil {
		return invalid("read artifact: %v", err)
	}
	if got := artifact.HashBytes(data); got != a.Hash {
		return invalid("staged bytes hash to %s, expected %s", got, a.Hash)
	}
	if err := v.signer.Verify(data, string(sig)); err != nil {
		return invalid("%v", err)
	}
	return VerifyResult{Valid: true}
}
