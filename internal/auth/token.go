package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Common errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const (
	defaultAccessTTL = 15 * time.Minute
	clockSkew        = time.Minute
)

// TokenProvider defines the contract for generating and validating tokens.
// This interface allows us to easily mock token handling in tests.
type TokenProvider interface {
	Issue(u *User) (string, error)
	Verify(tokenString string) (*Claims, error)
	AccessTTL() time.Duration
	JWKS() *JWKS
}

// Claims defines the custom JWT claims carried by access tokens.
type Claims struct {
	Email        string     `json:"email"`
	TenantID     uuid.UUID  `json:"tid"`
	Roles        []string   `json:"roles"`
	Permissions  []string   `json:"perms"`
	DepartmentID *uuid.UUID `json:"dept,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject parsed as a UUID.
func (c *Claims) UserID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// JWK represents a JSON Web Key.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	N   string `json:"n"`
	E   string `json:"e"`
	Alg string `json:"alg"`
}

// JWKS represents a JSON Web Key Set.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// TokenService implements TokenProvider using RSA-SHA256 (RS256). It signs
// with one key and verifies against every published key, so rotation is a
// matter of dropping a new key pair in place and restarting.
type TokenService struct {
	signKid    string
	privateKey *rsa.PrivateKey
	publicKeys map[string]*rsa.PublicKey
	issuer     string
	ttl        time.Duration
}

// NewTokenService loads the signing key from privateKeyPath and every
// "<kid>.pem" public key from publicKeyDir. The signing kid is the private
// key's filename stem; its public half is derived when the directory does
// not publish it.
func NewTokenService(privateKeyPath, publicKeyDir, issuer string, ttl time.Duration) (*TokenService, error) {
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}

	raw, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	priv, err := parsePrivateKey(raw)
	if err != nil {
		return nil, err
	}

	kid := strings.TrimSuffix(filepath.Base(privateKeyPath), filepath.Ext(privateKeyPath))

	pubs := map[string]*rsa.PublicKey{kid: &priv.PublicKey}
	if publicKeyDir != "" {
		entries, err := os.ReadDir(publicKeyDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".pem" {
				continue
			}
			pemBytes, err := os.ReadFile(filepath.Join(publicKeyDir, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("failed to read public key %s: %w", entry.Name(), err)
			}
			pub, err := parsePublicKey(pemBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse public key %s: %w", entry.Name(), err)
			}
			pubs[strings.TrimSuffix(entry.Name(), ".pem")] = pub
		}
	}

	return &TokenService{
		signKid:    kid,
		privateKey: priv,
		publicKeys: pubs,
		issuer:     issuer,
		ttl:        ttl,
	}, nil
}

// NewTokenServiceFromKey builds a service around an in-memory key. Used by
// tests and by tooling that generates ephemeral keys.
func NewTokenServiceFromKey(kid string, priv *rsa.PrivateKey, issuer string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = defaultAccessTTL
	}
	return &TokenService{
		signKid:    kid,
		privateKey: priv,
		publicKeys: map[string]*rsa.PublicKey{kid: &priv.PublicKey},
		issuer:     issuer,
		ttl:        ttl,
	}
}

func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the private key")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 if PKCS1 fails
		key, err2 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("failed to parse private key: %v | %v", err, err2)
		}
		var ok bool
		priv, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not of type *rsa.PrivateKey")
		}
	}
	return priv, nil
}

func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("failed to parse PEM block containing the public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// Try PKCS1 if PKIX fails
		rsaPub, err2 := x509.ParsePKCS1PublicKey(block.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("failed to parse public key: %v | %v", err, err2)
		}
		return rsaPub, nil
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("key is not of type *rsa.PublicKey")
	}
	return rsaPub, nil
}

// AccessTTL returns the lifetime of issued access tokens.
func (s *TokenService) AccessTTL() time.Duration { return s.ttl }

// Issue creates a signed JWT for the user.
func (s *TokenService) Issue(u *User) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:        u.Email,
		TenantID:     u.TenantID,
		Roles:        u.Roles,
		Permissions:  u.Permissions,
		DepartmentID: u.DepartmentID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID.String(),
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now.Add(-clockSkew)),
			NotBefore: jwt.NewNumericDate(now.Add(-clockSkew)),
			Issuer:    s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.signKid // Important for JWKS lookup
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses the JWT and checks its signature against the key named in
// the kid header.
func (s *TokenService) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		pub, ok := s.publicKeys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signing key %q", kid)
		}
		return pub, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// JWKS returns the JSON Web Key Set covering every verification key.
func (s *TokenService) JWKS() *JWKS {
	kids := make([]string, 0, len(s.publicKeys))
	for kid := range s.publicKeys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	set := &JWKS{Keys: make([]JWK, 0, len(kids))}
	for _, kid := range kids {
		pub := s.publicKeys[kid]
		set.Keys = append(set.Keys, JWK{
			Kty: "RSA",
			Kid: kid,
			Use: "sig",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			Alg: "RS256",
		})
	}
	return set
}
