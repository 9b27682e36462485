package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Signer signs URL payloads on behalf of a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// KeySigner signs with a service account private key loaded from a JSON key file.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// LoadKeySigner reads a service account JSON key from path.
func LoadKeySigner(path string) (*KeySigner, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account file: %w", err)
	}
	return ParseKeySigner(raw)
}

// ParseKeySigner builds a signer from the client_email and private_key fields of a JSON key.
func ParseKeySigner(raw []byte) (*KeySigner, error) {
	var key struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(raw, &key); err != nil {
		return nil, fmt.Errorf("storage: decode service account json: %w", err)
	}
	email := strings.TrimSpace(key.ClientEmail)
	if email == "" {
		return nil, errors.New("storage: client_email missing in service account JSON")
	}
	block, _ := pem.Decode([]byte(strings.TrimSpace(key.PrivateKey)))
	if block == nil {
		return nil, errors.New("storage: private_key missing or not PEM encoded")
	}
	rsaKey, err := parseRSAKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return &KeySigner{email: email, key: rsaKey}, nil
}

// Email returns the service account email.
func (s *KeySigner) Email() string {
	if s == nil {
		return ""
	}
	return s.email
}

// SignBytes returns an RSA PKCS#1 v1.5 SHA-256 signature over payload.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if s == nil || s.key == nil {
		return nil, errors.New("storage: signer not initialised")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("storage: sign payload: %w", err)
	}
	return sig, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("storage: private key is not RSA")
		}
		return rsaKey, nil
	}
	rsaKey, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("storage: parse RSA private key: %w", err)
	}
	return rsaKey, nil
}
