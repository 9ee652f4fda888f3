/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package identity generates and persists the agent's cryptographic
// identity: a self-signed CA, a leaf TLS key pair issued off that CA, and
// the single-use invite token used to bootstrap peering.
package identity

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"sync"
	"time"

	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/utils"

	"github.com/cloudflare/cfssl/csr"
	"github.com/gravitational/license/authority"
	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
)

// Store is the durable identity of one agent: its CA, a leaf certificate
// issued off that CA, and the current invite token. It is safe for
// concurrent use; every mutation that must survive a restart is handed to
// the configured Persister before being considered committed.
type Store struct {
	mu sync.RWMutex

	ca    authority.TLSKeyPair
	leaf  authority.TLSKeyPair
	token string

	persist Persister
}

// Persister durably stores the identity's credential bundle. Implementations
// are expected to be provided by the persistence layer (bolt-backed in
// production, in-memory in tests).
type Persister interface {
	SaveCredentials(Credentials) error
	LoadCredentials() (Credentials, error)
}

// Credentials is the serializable form of a Store's state.
type Credentials struct {
	CACert    []byte `json:"ca.crt"`
	CAKey     []byte `json:"ca.key"`
	TLSCert   []byte `json:"tls.crt"`
	TLSKey    []byte `json:"tls.key"`
	InviteToken string `json:"invite-token"`
}

// New either loads an existing identity from persist or generates a fresh
// one (self-signed CA + leaf cert + invite token) and attempts to persist
// it. A storage failure at generation time is logged but does not prevent
// the agent from running with an in-memory-only identity.
func New(commonName string, persist Persister) (*Store, error) {
	creds, err := persist.LoadCredentials()
	if err == nil && len(creds.CACert) > 0 {
		s := &Store{persist: persist}
		s.ca = authority.TLSKeyPair{CertPEM: creds.CACert, KeyPEM: creds.CAKey}
		s.leaf = authority.TLSKeyPair{CertPEM: creds.TLSCert, KeyPEM: creds.TLSKey}
		s.token = creds.InviteToken
		return s, nil
	}

	ca, leaf, err := generate(commonName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, err := utils.CryptoRandomHex(defaults.InviteTokenBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s := &Store{ca: *ca, leaf: *leaf, token: token, persist: persist}
	if err := persist.SaveCredentials(s.credentials()); err != nil {
		log.WithError(err).Warn("Failed to persist generated identity, continuing with in-memory identity only.")
	}
	return s, nil
}

func generate(commonName string) (ca, leaf *authority.TLSKeyPair, err error) {
	caKeys, err := authority.GenerateSelfSignedCA(csr.CertificateRequest{
		CN: commonName,
		CA: &csr.CAConfig{
			Expiry:      defaults.CACertificateExpiry.String(),
			PathLength:  defaults.CAPathLength,
			PathLenZero: true,
		},
	})
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	leafKeys, err := authority.GenerateCertificate(csr.CertificateRequest{
		CN: commonName,
		Names: []csr.Name{
			{O: "Porpulsion", OU: "Agent"},
		},
	}, caKeys, nil, defaults.CertificateExpiry)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return caKeys, leafKeys, nil
}

func (s *Store) credentials() Credentials {
	return Credentials{
		CACert:      s.ca.CertPEM,
		CAKey:       s.ca.KeyPEM,
		TLSCert:     s.leaf.CertPEM,
		TLSKey:      s.leaf.KeyPEM,
		InviteToken: s.token,
	}
}

// CACertPEM returns the PEM-encoded CA certificate (no key material).
func (s *Store) CACertPEM() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ca.CertPEM
}

// Fingerprint returns the lowercase hex SHA-256 digest of the CA's DER
// encoding. This is the value operators pin out-of-band during peering.
func (s *Store) Fingerprint() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FingerprintPEM(s.ca.CertPEM)
}

// FingerprintPEM computes the pinnable fingerprint of an arbitrary PEM-encoded
// certificate, as used both for our own CA and for a peer's CA received
// during the handshake.
func FingerprintPEM(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", trace.BadParameter("invalid PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", trace.Wrap(err)
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

// TLSCertificate returns the leaf certificate/key pair as a tls.Certificate
// suitable for both server and client configuration.
func (s *Store) TLSCertificate() (tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, err := tls.X509KeyPair(s.leaf.CertPEM, s.leaf.KeyPEM)
	if err != nil {
		return tls.Certificate{}, trace.Wrap(err)
	}
	return cert, nil
}

// Token returns the current invite token.
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// CheckAndRotateToken performs the single-use consume: it compares candidate
// against the current token in constant time, and on match atomically
// generates a replacement, persists the new state, and only then reports
// success. Persistence must complete before a success is reported to the
// caller, or a crash between consumption and persistence would permit replay
// of the spent token.
func (s *Store) CheckAndRotateToken(candidate string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !constantTimeEqual(s.token, candidate) {
		return false, nil
	}

	newToken, err := utils.CryptoRandomHex(defaults.InviteTokenBytes)
	if err != nil {
		return false, trace.Wrap(err)
	}

	prior := s.token
	s.token = newToken
	if err := s.persist.SaveCredentials(s.credentials()); err != nil {
		// Revert in memory; caller must not report success if rotation
		// could not be made durable.
		s.token = prior
		return false, trace.Wrap(err, "failed to persist rotated invite token")
	}
	return true, nil
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// ValidateExpiry checks that the provided PEM certificate is currently
// valid (not before its NotBefore, not after its NotAfter) relative to now.
func ValidateExpiry(certPEM []byte, now time.Time) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return trace.BadParameter("invalid PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return trace.Wrap(err)
	}
	if now.Before(cert.NotBefore) {
		return trace.BadParameter("certificate is valid in the future: not-before=%v", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return trace.BadParameter("certificate expired: not-after=%v", cert.NotAfter)
	}
	return nil
}
