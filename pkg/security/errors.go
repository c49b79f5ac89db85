package security

import "fmt"

// Reason classifies a failed peer verification.
type Reason string

// Verification failure reasons
const (
	ReasonNoPeerCerts       Reason = "no peer certificates"
	ReasonNoTrustAnchor     Reason = "no trust anchor"
	ReasonInvalidChain      Reason = "invalid certificate chain"
	ReasonRevoked           Reason = "revoked"
	ReasonStatusUnavailable Reason = "revocation status unavailable"
	ReasonIdentityMismatch  Reason = "identity mismatch"
	ReasonInvalidSignature  Reason = "invalid signature"
)

// AuthFailure is returned when a peer or a signer cannot be trusted.
type AuthFailure struct {
	Reason Reason
	Err    error
}

func (e *AuthFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthFailure) Unwrap() error { return e.Err }

// Is matches any AuthFailure with the same reason, so the sentinels below
// work with errors.Is.
func (e *AuthFailure) Is(target error) bool {
	t, ok := target.(*AuthFailure)
	return ok && t.Reason == e.Reason
}

// Sentinels for errors.Is
var (
	ErrNoPeerCerts       = &AuthFailure{Reason: ReasonNoPeerCerts}
	ErrNoTrustAnchor     = &AuthFailure{Reason: ReasonNoTrustAnchor}
	ErrInvalidChain      = &AuthFailure{Reason: ReasonInvalidChain}
	ErrRevoked           = &AuthFailure{Reason: ReasonRevoked}
	ErrStatusUnavailable = &AuthFailure{Reason: ReasonStatusUnavailable}
	ErrIdentityMismatch  = &AuthFailure{Reason: ReasonIdentityMismatch}
	ErrInvalidSignature  = &AuthFailure{Reason: ReasonInvalidSignature}
)

func authFailure(reason Reason, err error) *AuthFailure {
	return &AuthFailure{Reason: reason, Err: err}
}
