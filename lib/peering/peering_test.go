package peering

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/identity"
	"github.com/porpulsion/porpulsion/lib/registry"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	. "gopkg.in/check.v1"
)

func TestPeering(t *testing.T) { TestingT(t) }

type peeringSuite struct{}

var _ = Suite(&peeringSuite{})

type memPersister struct {
	creds  identity.Credentials
	loaded bool
}

func (m *memPersister) SaveCredentials(c identity.Credentials) error {
	m.creds = c
	m.loaded = true
	return nil
}

func (m *memPersister) LoadCredentials() (identity.Credentials, error) {
	if !m.loaded {
		return identity.Credentials{}, trace.NotFound("no persisted identity")
	}
	return m.creds, nil
}

type memRegistryPersister struct{ peers []registry.Peer }

func (m *memRegistryPersister) SavePeers(p []registry.Peer) error { m.peers = p; return nil }
func (m *memRegistryPersister) LoadPeers() ([]registry.Peer, error) {
	return m.peers, nil
}

// agent bundles an identity, registry and protocol instance for one side of
// a simulated handshake, plus an httptest server exposing its /peer
// endpoint the way lib/peerapi would.
type agent struct {
	name     string
	identity *identity.Store
	registry *registry.Registry
	proto    *Protocol
	server   *httptest.Server
}

func newAgent(c *C, name string) *agent {
	idStore, err := identity.New(name, &memPersister{})
	c.Assert(err, IsNil)
	reg := registry.New(&memRegistryPersister{})
	a := &agent{name: name, identity: idStore, registry: reg}

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", func(w http.ResponseWriter, r *http.Request) {
		a.servePeer(c, w, r)
	})
	a.server = httptest.NewServer(mux)

	proto, err := New(Config{
		SelfName: name,
		SelfURL:  a.server.URL,
		Identity: idStore,
		Registry: reg,
		Clock:    clockwork.NewFakeClock(),
	})
	c.Assert(err, IsNil)
	a.proto = proto
	return a
}

func (a *agent) servePeer(c *C, w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(constants.InviteTokenHeader)
	if token != "" {
		var req InviteRequest
		c.Assert(json.NewDecoder(r.Body).Decode(&req), IsNil)
		reply, err := a.proto.HandleInvite(token, req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
		c.Assert(json.NewEncoder(w).Encode(reply), IsNil)
		return
	}

	var req ConfirmRequest
	c.Assert(json.NewDecoder(r.Body).Decode(&req), IsNil)
	reply, err := a.proto.HandleConfirm(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	c.Assert(json.NewEncoder(w).Encode(reply), IsNil)
}

func (s *peeringSuite) TestFullHandshakePromotesBothSides(c *C) {
	a := newAgent(c, "agent-a")
	b := newAgent(c, "agent-b")
	defer a.server.Close()
	defer b.server.Close()

	fpB, err := b.identity.Fingerprint()
	c.Assert(err, IsNil)
	token := b.identity.Token()

	err = a.proto.Invite(b.server.URL, token, fpB)
	c.Assert(err, IsNil)

	po, ok := a.registry.GetOutbound(b.server.URL)
	c.Assert(ok, Equals, true)
	c.Assert(po.Status, Equals, registry.OutboundAwaitingConfirmation)

	inbound := b.registry.Inbound()
	c.Assert(inbound, HasLen, 1)

	err = b.proto.ApproveInbound(inbound[0].RequestID)
	c.Assert(err, IsNil)

	peerOfA, ok := a.registry.GetPeer("agent-b")
	c.Assert(ok, Equals, true)
	c.Assert(peerOfA.URL, Equals, b.server.URL)

	peerOfB, ok := b.registry.GetPeer("agent-a")
	c.Assert(ok, Equals, true)
	c.Assert(peerOfB.URL, Equals, a.server.URL)
}

func (s *peeringSuite) TestInviteAbortsOnFingerprintMismatch(c *C) {
	a := newAgent(c, "agent-a")
	b := newAgent(c, "agent-b")
	defer a.server.Close()
	defer b.server.Close()

	token := b.identity.Token()
	err := a.proto.Invite(b.server.URL, token, "0000000000000000000000000000000000000000000000000000000000000000")
	c.Assert(err, NotNil)
	c.Assert(trace.IsAccessDenied(err), Equals, true)

	_, ok := a.registry.GetOutbound(b.server.URL)
	c.Assert(ok, Equals, false)
}

func (s *peeringSuite) TestInviteRejectedWithBadToken(c *C) {
	a := newAgent(c, "agent-a")
	b := newAgent(c, "agent-b")
	defer a.server.Close()
	defer b.server.Close()

	fpB, err := b.identity.Fingerprint()
	c.Assert(err, IsNil)

	err = a.proto.Invite(b.server.URL, "not-the-real-token", fpB)
	c.Assert(err, NotNil)
}

func (s *peeringSuite) TestRejectInboundDropsRequest(c *C) {
	a := newAgent(c, "agent-a")
	b := newAgent(c, "agent-b")
	defer a.server.Close()
	defer b.server.Close()

	fpB, err := b.identity.Fingerprint()
	c.Assert(err, IsNil)
	token := b.identity.Token()
	c.Assert(a.proto.Invite(b.server.URL, token, fpB), IsNil)

	inbound := b.registry.Inbound()
	c.Assert(inbound, HasLen, 1)
	c.Assert(b.proto.RejectInbound(inbound[0].RequestID), IsNil)
	c.Assert(b.registry.Inbound(), HasLen, 0)
}
