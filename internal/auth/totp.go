package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

var (
	// ErrNotOwner rejects admin commands from anyone but the configured owner.
	ErrNotOwner = errors.New("requester is not the owner")
	// ErrInvalidCode rejects a missing, malformed or stale one-time code.
	ErrInvalidCode = errors.New("invalid one-time code")
	// ErrAdminDisabled means no owner or secret is configured.
	ErrAdminDisabled = errors.New("admin commands are disabled")
)

var totpOpts = totp.ValidateOpts{
	Period:    30,
	Skew:      1,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Verifier gates admin commands behind an owner ID and a TOTP code.
type Verifier struct {
	ownerID string
	secret  string
	now     func() time.Time
}

func NewVerifier(ownerID, secret string) *Verifier {
	return &Verifier{
		ownerID: ownerID,
		secret:  normalizeSecret(secret),
		now:     time.Now,
	}
}

// Enabled reports whether both an owner and a secret are configured.
func (v *Verifier) Enabled() bool {
	return v.ownerID != "" && v.secret != ""
}

// Verify checks that requesterID is the owner and passcode is current.
func (v *Verifier) Verify(requesterID, passcode string) error {
	if !v.Enabled() {
		return ErrAdminDisabled
	}
	if requesterID != v.ownerID {
		return ErrNotOwner
	}
	ok, err := validateAt(passcode, v.secret, v.now())
	if err != nil || !ok {
		return ErrInvalidCode
	}
	return nil
}

// GenerateTOTP returns the current code for secret.
func GenerateTOTP(secret string) (string, error) {
	return generateAt(normalizeSecret(secret), time.Now())
}

// ValidateTOTP checks passcode against secret at the current time.
func ValidateTOTP(passcode, secret string) (bool, error) {
	return validateAt(passcode, normalizeSecret(secret), time.Now())
}

func generateAt(secret string, t time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("totp secret cannot be empty")
	}
	code, err := totp.GenerateCodeCustom(secret, t.UTC(), totpOpts)
	if err != nil {
		return "", fmt.Errorf("failed to generate totp code: %w", err)
	}
	return code, nil
}

func validateAt(passcode, secret string, t time.Time) (bool, error) {
	if secret == "" {
		return false, fmt.Errorf("totp secret cannot be empty")
	}
	if passcode == "" {
		return false, fmt.Errorf("passcode cannot be empty")
	}
	valid, err := totp.ValidateCustom(strings.TrimSpace(passcode), secret, t.UTC(), totpOpts)
	if err != nil {
		return false, fmt.Errorf("failed to validate totp code: %w", err)
	}
	return valid, nil
}

func normalizeSecret(secret string) string {
	return strings.ToUpper(strings.ReplaceAll(secret, " ", ""))
}
