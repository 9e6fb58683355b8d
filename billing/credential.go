package billing

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrNoCredential is returned by a CredentialSource when the resident has
// never set a payment PIN.
var ErrNoCredential = errors.New("no payment credential set")

// CredentialSource returns the stored bcrypt hash of a resident's PIN.
type CredentialSource interface {
	PaymentCredentialHash(ctx context.Context, residentID ResidentID) ([]byte, error)
}

// BcryptVerifier verifies PINs against bcrypt hashes.
type BcryptVerifier struct {
	Source CredentialSource
}

// NewBcryptVerifier returns a verifier backed by src.
func NewBcryptVerifier(src CredentialSource) *BcryptVerifier {
	return &BcryptVerifier{Source: src}
}

// VerifyPaymentCredential reports false for a wrong PIN or a resident with
// no PIN; only lookup failures are errors.
func (v *BcryptVerifier) VerifyPaymentCredential(ctx context.Context, residentID ResidentID, credential string) (bool, error) {
	if credential == "" {
		return false, nil
	}
	hash, err := v.Source.PaymentCredentialHash(ctx, residentID)
	if errors.Is(err, ErrNoCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(credential)) == nil, nil
}

// HashCredential hashes a PIN for storage.
func HashCredential(credential string) ([]byte, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}
	return bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
}
