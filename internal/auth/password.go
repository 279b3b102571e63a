package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/meridianhq/taskforge/internal/apperr"
)

// Argon2id parameters. Changing them is safe: a stored hash carries its
// own parameters and verifies against those, NeedsRehash reports the drift.
const (
	argonMemory      = 64 * 1024
	argonIterations  = 3
	argonParallelism = 4
	argonSaltLength  = 16
	argonKeyLength   = 32
)

var ErrHashMismatch = errors.New("password does not match")

// PasswordHasher defines the contract for password operations.
// This interface allows us to easily mock hashing in tests or swap algorithms.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) error
	NeedsRehash(encoded string) bool
}

// Argon2Hasher implements PasswordHasher using argon2id with the
// parameters embedded in each encoded hash.
type Argon2Hasher struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

func NewArgon2Hasher() *Argon2Hasher {
	return &Argon2Hasher{
		memory:      argonMemory,
		iterations:  argonIterations,
		parallelism: argonParallelism,
	}
}

// Hash returns the PHC-encoded argon2id hash of the password.
func (h *Argon2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.iterations, h.memory, h.parallelism, argonKeyLength)

	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.iterations, h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
	return encoded, nil
}

// Verify checks the password against an encoded hash using the parameters
// stored in the hash itself. Returns ErrHashMismatch on a wrong password.
func (h *Argon2Hasher) Verify(password, encoded string) error {
	params, salt, key, err := decodeHash(encoded)
	if err != nil {
		return err
	}

	candidate := argon2.IDKey([]byte(password), salt, params.iterations, params.memory, params.parallelism, uint32(len(key)))
	if subtle.ConstantTimeCompare(key, candidate) != 1 {
		return ErrHashMismatch
	}
	return nil
}

// NeedsRehash reports whether the stored hash was produced with different
// parameters than the hasher is configured with.
func (h *Argon2Hasher) NeedsRehash(encoded string) bool {
	params, _, _, err := decodeHash(encoded)
	if err != nil {
		return true
	}
	return params.memory != h.memory ||
		params.iterations != h.iterations ||
		params.parallelism != h.parallelism
}

type argonParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	var params argonParams

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return params, nil, nil, errors.New("invalid argon2id hash format")
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return params, nil, nil, fmt.Errorf("failed to parse hash version: %w", err)
	}
	if version != argon2.Version {
		return params, nil, nil, fmt.Errorf("unsupported argon2 version %d", version)
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.memory, &params.iterations, &params.parallelism); err != nil {
		return params, nil, nil, fmt.Errorf("failed to parse hash parameters: %w", err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return params, nil, nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return params, nil, nil, fmt.Errorf("failed to decode key: %w", err)
	}
	return params, salt, key, nil
}

const minPasswordLength = 12

// ValidatePolicy enforces the composition rules for new passwords.
func ValidatePolicy(password string) error {
	if len(password) < minPasswordLength {
		return apperr.Validation("password does not meet policy").
			WithDetail("password", fmt.Sprintf("must be at least %d characters", minPasswordLength))
	}

	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	if !upper || !lower || !digit || !special {
		return apperr.Validation("password does not meet policy").
			WithDetail("password", "must contain an uppercase letter, a lowercase letter, a digit, and a special character")
	}
	return nil
}

// PasswordService bundles policy, breach screening, and hashing for new
// credentials, plus verification with rehash-on-login when parameters age.
type PasswordService struct {
	hasher     PasswordHasher
	breach     BreachChecker
	failClosed bool
	log        *slog.Logger
}

func NewPasswordService(hasher PasswordHasher, breach BreachChecker, failClosed bool, log *slog.Logger) *PasswordService {
	return &PasswordService{hasher: hasher, breach: breach, failClosed: failClosed, log: log}
}

// ValidateNew runs the acceptance pipeline for a candidate password and
// returns its hash: policy first, then the breach oracle, then argon2id.
// An oracle outage fails open with a warning unless configured otherwise.
func (s *PasswordService) ValidateNew(ctx context.Context, password string) (string, error) {
	if err := ValidatePolicy(password); err != nil {
		return "", err
	}

	if s.breach != nil {
		breached, err := s.breach.IsBreached(ctx, password)
		switch {
		case err != nil && s.failClosed:
			return "", apperr.New(apperr.CodeInternal, "password screening is temporarily unavailable").WithCause(err)
		case err != nil:
			s.log.Warn("breach_check_skipped", slog.String("error", err.Error()))
		case breached:
			return "", apperr.Validation("password does not meet policy").
				WithDetail("password", "appears in known data breaches, choose another")
		}
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return hash, nil
}

// VerifyAndRehash checks the password against the stored hash. When the
// hash predates the current parameters it returns a replacement hash for
// the caller to persist; otherwise the second return is empty.
func (s *PasswordService) VerifyAndRehash(password, encoded string) (string, error) {
	if err := s.hasher.Verify(password, encoded); err != nil {
		return "", err
	}
	if !s.hasher.NeedsRehash(encoded) {
		return "", nil
	}
	rehash, err := s.hasher.Hash(password)
	if err != nil {
		// The password was correct; a failed rehash must not block login.
		s.log.Warn("password_rehash_failed", slog.String("error", err.Error()))
		return "", nil
	}
	return rehash, nil
}
