package boltstore

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/porpulsion/porpulsion/lib/identity"

	. "gopkg.in/check.v1"
)

func TestBoltStore(t *testing.T) { TestingT(t) }

type boltStoreSuite struct {
	dir string
}

var _ = Suite(&boltStoreSuite{})

func (s *boltStoreSuite) SetUpTest(c *C) {
	dir, err := ioutil.TempDir("", "porpulsion-boltstore-")
	c.Assert(err, IsNil)
	s.dir = dir
}

func (s *boltStoreSuite) TearDownTest(c *C) {
	os.RemoveAll(s.dir)
}

func (s *boltStoreSuite) open(c *C) *Store {
	store, err := Open(Config{Path: filepath.Join(s.dir, "agent.db")})
	c.Assert(err, IsNil)
	return store
}

func (s *boltStoreSuite) TestCredentialsRoundTrip(c *C) {
	store := s.open(c)
	defer store.Close()

	creds := identity.Credentials{
		CACert:      []byte("ca-cert"),
		CAKey:       []byte("ca-key"),
		TLSCert:     []byte("tls-cert"),
		TLSKey:      []byte("tls-key"),
		InviteToken: "deadbeef",
	}
	c.Assert(store.SaveCredentials(creds), IsNil)

	loaded, err := store.LoadCredentials()
	c.Assert(err, IsNil)
	c.Assert(loaded, DeepEquals, creds)
}

func (s *boltStoreSuite) TestLoadCredentialsNotFound(c *C) {
	store := s.open(c)
	defer store.Close()

	_, err := store.LoadCredentials()
	c.Assert(err, NotNil)
}

func (s *boltStoreSuite) TestCredentialsWithPeersRoundTrip(c *C) {
	store := s.open(c)
	defer store.Close()

	bundle := CredentialsWithPeers{
		Credentials: identity.Credentials{CACert: []byte("ca"), InviteToken: "tok"},
		SelfURL:     "https://us-east.example.com",
		Peers: []PersistedPeer{
			{Name: "eu-west", URL: "https://eu-west.example.com", CAPem: []byte("peer-ca")},
		},
	}
	c.Assert(store.SaveCredentialsWithPeers(bundle), IsNil)

	loaded, err := store.LoadCredentialsWithPeers()
	c.Assert(err, IsNil)
	c.Assert(loaded, DeepEquals, bundle)
}

func (s *boltStoreSuite) TestSaveCredentialsPreservesExistingPeers(c *C) {
	store := s.open(c)
	defer store.Close()

	bundle := CredentialsWithPeers{
		Credentials: identity.Credentials{CACert: []byte("ca"), InviteToken: "tok"},
		Peers: []PersistedPeer{
			{Name: "eu-west", URL: "https://eu-west.example.com", CAPem: []byte("peer-ca")},
		},
	}
	c.Assert(store.SaveCredentialsWithPeers(bundle), IsNil)

	rotated := identity.Credentials{CACert: []byte("ca"), InviteToken: "new-token"}
	c.Assert(store.SaveCredentials(rotated), IsNil)

	loaded, err := store.LoadCredentialsWithPeers()
	c.Assert(err, IsNil)
	c.Assert(loaded.Credentials, DeepEquals, rotated)
	c.Assert(loaded.Peers, DeepEquals, bundle.Peers)
}

func (s *boltStoreSuite) TestStateRoundTrip(c *C) {
	store := s.open(c)
	defer store.Close()

	type localApp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	apps, err := json.Marshal([]localApp{{ID: "abcd1234", Status: "Ready"}})
	c.Assert(err, IsNil)

	st := State{LocalApps: apps}
	c.Assert(store.SaveState(st), IsNil)

	loaded, err := store.LoadState()
	c.Assert(err, IsNil)

	var roundTripped []localApp
	c.Assert(json.Unmarshal(loaded.LocalApps, &roundTripped), IsNil)
	c.Assert(roundTripped, HasLen, 1)
	c.Assert(roundTripped[0].ID, Equals, "abcd1234")
}

func (s *boltStoreSuite) TestLoadStateEmptyIsNotAnError(c *C) {
	store := s.open(c)
	defer store.Close()

	st, err := store.LoadState()
	c.Assert(err, IsNil)
	c.Assert(st.LocalApps, IsNil)
}
