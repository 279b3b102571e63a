package auth

import (
	"fmt"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/meridianhq/taskforge/internal/crypto"
)

// Enrollment is handed to the client once during MFA setup. The secret is
// shown in the clear here and sealed before it touches the database.
type Enrollment struct {
	Secret     string `json:"secret"`
	OTPAuthURI string `json:"otpauth_uri"`
}

// MFAService handles TOTP enrollment and validation. Secrets pass through
// the secretbox so only ciphertext is ever persisted.
type MFAService struct {
	issuer string
	box    *crypto.Box
}

func NewMFAService(issuer string, box *crypto.Box) *MFAService {
	return &MFAService{issuer: issuer, box: box}
}

// GenerateEnrollment creates a new TOTP secret for the account and returns
// both the client-facing enrollment and the sealed secret for storage.
func (s *MFAService) GenerateEnrollment(accountName string) (*Enrollment, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: accountName,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate totp key: %w", err)
	}

	sealed, err := s.box.Seal(key.Secret())
	if err != nil {
		return nil, "", fmt.Errorf("failed to seal totp secret: %w", err)
	}

	return &Enrollment{Secret: key.Secret(), OTPAuthURI: key.URL()}, sealed, nil
}

// ValidateCode unseals the stored secret and checks the code against it.
// totp.Validate already tolerates one period of clock drift.
func (s *MFAService) ValidateCode(code, sealedSecret string) (bool, error) {
	secret, err := s.box.Open(sealedSecret)
	if err != nil {
		return false, fmt.Errorf("failed to unseal totp secret: %w", err)
	}
	return totp.Validate(code, secret), nil
}

// GenerateCode (Helper for testing/dev)
func (s *MFAService) GenerateCode(sealedSecret string) (string, error) {
	secret, err := s.box.Open(sealedSecret)
	if err != nil {
		return "", fmt.Errorf("failed to unseal totp secret: %w", err)
	}
	return totp.GenerateCode(secret, time.Now())
}
