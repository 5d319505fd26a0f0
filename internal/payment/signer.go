package payment

import (
	"crypto/sha1"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// ErrVerificationFailed is returned when a recomputed signature does not
// match the one supplied by the gateway.
var ErrVerificationFailed = errors.New("payment: signature verification failed")

// Signer computes the gateway request hash: the fields are concatenated in
// the order given, the shared secret is appended, the result is digested and
// base64 encoded.
type Signer struct {
	algorithm string
	newHash   func() hash.Hash
}

// NewSigner returns a signer for "sha1" (the gateway's 3D pay scheme) or
// "sha512".
func NewSigner(algorithm string) (*Signer, error) {
	switch strings.ToLower(algorithm) {
	case "", "sha1":
		return &Signer{algorithm: "sha1", newHash: sha1.New}, nil
	case "sha512":
		return &Signer{algorithm: "sha512", newHash: sha512.New}, nil
	default:
		return nil, fmt.Errorf("payment: unsupported hash algorithm %q", algorithm)
	}
}

// Algorithm returns the digest name.
func (s *Signer) Algorithm() string {
	return s.algorithm
}

// Sign returns base64(digest(fields[0] + ... + fields[n] + secret)).
func (s *Signer) Sign(fields []string, secret string) string {
	h := s.newHash()
	for _, f := range fields {
		h.Write([]byte(f))
	}
	h.Write([]byte(secret))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature over fields and compares it with claimed.
func (s *Signer) Verify(fields []string, secret, claimed string) error {
	if claimed == "" {
		return fmt.Errorf("%w: no hash supplied", ErrVerificationFailed)
	}
	expected := s.Sign(fields, secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(claimed)) != 1 {
		return ErrVerificationFailed
	}
	return nil
}
