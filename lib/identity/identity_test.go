package identity

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func TestIdentity(t *testing.T) { TestingT(t) }

type identitySuite struct{}

var _ = Suite(&identitySuite{})

type memPersister struct {
	creds   Credentials
	loaded  bool
	saveErr error
}

func (m *memPersister) SaveCredentials(c Credentials) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.creds = c
	m.loaded = true
	return nil
}

func (m *memPersister) LoadCredentials() (Credentials, error) {
	if !m.loaded {
		return Credentials{}, trace.NotFound("no persisted identity")
	}
	return m.creds, nil
}

func (s *identitySuite) TestGeneratesAndPersistsOnFirstBoot(c *C) {
	p := &memPersister{}
	store, err := New("agent-a", p)
	c.Assert(err, IsNil)
	c.Assert(store.CACertPEM(), NotNil)
	c.Assert(p.loaded, Equals, true)

	fp, err := store.Fingerprint()
	c.Assert(err, IsNil)
	c.Assert(fp, HasLen, 64)
}

func (s *identitySuite) TestReloadsPersistedIdentity(c *C) {
	p := &memPersister{}
	first, err := New("agent-a", p)
	c.Assert(err, IsNil)
	firstFP, err := first.Fingerprint()
	c.Assert(err, IsNil)

	second, err := New("agent-a", p)
	c.Assert(err, IsNil)
	secondFP, err := second.Fingerprint()
	c.Assert(err, IsNil)

	c.Assert(secondFP, Equals, firstFP)
	c.Assert(second.Token(), Equals, first.Token())
}

func (s *identitySuite) TestTokenSingleUse(c *C) {
	p := &memPersister{}
	store, err := New("agent-a", p)
	c.Assert(err, IsNil)

	original := store.Token()
	ok, err := store.CheckAndRotateToken(original)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, true)
	c.Assert(store.Token(), Not(Equals), original)

	// Replaying the spent token must fail and must not rotate again.
	rotatedOnce := store.Token()
	ok, err = store.CheckAndRotateToken(original)
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)
	c.Assert(store.Token(), Equals, rotatedOnce)
}

func (s *identitySuite) TestCheckAndRotateTokenRejectsWrongCandidate(c *C) {
	p := &memPersister{}
	store, err := New("agent-a", p)
	c.Assert(err, IsNil)

	ok, err := store.CheckAndRotateToken("not-the-token")
	c.Assert(err, IsNil)
	c.Assert(ok, Equals, false)
}

func (s *identitySuite) TestFingerprintPEMMatchesOwnCA(c *C) {
	p := &memPersister{}
	store, err := New("agent-a", p)
	c.Assert(err, IsNil)

	direct, err := FingerprintPEM(store.CACertPEM())
	c.Assert(err, IsNil)
	stored, err := store.Fingerprint()
	c.Assert(err, IsNil)
	c.Assert(direct, Equals, stored)
}

func (s *identitySuite) TestValidateExpiry(c *C) {
	p := &memPersister{}
	store, err := New("agent-a", p)
	c.Assert(err, IsNil)

	err = ValidateExpiry(store.CACertPEM(), time.Now())
	c.Assert(err, IsNil)

	err = ValidateExpiry(store.CACertPEM(), time.Now().Add(20*365*24*time.Hour))
	c.Assert(err, NotNil)
}

func (s *identitySuite) TestTLSCertificate(c *C) {
	p := &memPersister{}
	store, err := New("agent-a", p)
	c.Assert(err, IsNil)

	cert, err := store.TLSCertificate()
	c.Assert(err, IsNil)
	c.Assert(cert.Certificate, Not(HasLen), 0)
}
