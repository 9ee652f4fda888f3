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

package peerapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/porpulsion/porpulsion/lib/channel"
	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/identity"
	"github.com/porpulsion/porpulsion/lib/peering"
	"github.com/porpulsion/porpulsion/lib/registry"
	"github.com/porpulsion/porpulsion/lib/rpcmux"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	. "gopkg.in/check.v1"
)

func TestPeerAPI(t *testing.T) { TestingT(t) }

type peerAPISuite struct{}

var _ = Suite(&peerAPISuite{})

type memIdentityPersister struct {
	creds  identity.Credentials
	loaded bool
}

func (m *memIdentityPersister) SaveCredentials(c identity.Credentials) error {
	m.creds, m.loaded = c, true
	return nil
}

func (m *memIdentityPersister) LoadCredentials() (identity.Credentials, error) {
	if !m.loaded {
		return identity.Credentials{}, trace.NotFound("no persisted identity")
	}
	return m.creds, nil
}

type memRegistryPersister struct{}

func (m *memRegistryPersister) SavePeers(peers []registry.Peer) error { return nil }
func (m *memRegistryPersister) LoadPeers() ([]registry.Peer, error)   { return nil, nil }

func newTestHandler(c *C) *Handler {
	idStore, err := identity.New("agent-a", &memIdentityPersister{})
	c.Assert(err, IsNil)

	reg := registry.New(&memRegistryPersister{})
	clock := clockwork.NewFakeClock()

	proto, err := peering.New(peering.Config{
		SelfName: "agent-a",
		SelfURL:  "https://agent-a.example.com:7443",
		Identity: idStore,
		Registry: reg,
		Clock:    clock,
	})
	c.Assert(err, IsNil)

	chanMgr, err := channel.New(channel.Config{
		SelfName: "agent-a",
		Identity: idStore,
		Registry: reg,
		Clock:    clock,
		SetupMux: func(string, *rpcmux.Multiplexer) {},
	})
	c.Assert(err, IsNil)

	h, err := New(Config{Peering: proto, Channels: chanMgr})
	c.Assert(err, IsNil)
	return h
}

func (s *peerAPISuite) TestHandlePeerDispatchesInviteOnHeader(c *C) {
	h := newTestHandler(c)

	body, err := json.Marshal(peering.InviteRequest{Name: "agent-b", URL: "https://agent-b.example.com:7443"})
	c.Assert(err, IsNil)

	req := httptest.NewRequest(http.MethodPost, "/peer", bytes.NewReader(body))
	req.Header.Set(constants.InviteTokenHeader, "bogus-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// A mismatched invite token is rejected by HandleInvite with 403; the
	// confirm path would reject this body with 400 instead, so the status
	// shows the request was routed to HandleInvite.
	c.Assert(rec.Code, Equals, http.StatusForbidden)
}

func (s *peerAPISuite) TestHandlePeerDispatchesConfirmWithoutHeader(c *C) {
	h := newTestHandler(c)

	body, err := json.Marshal(peering.ConfirmRequest{Name: "agent-b"})
	c.Assert(err, IsNil)

	req := httptest.NewRequest(http.MethodPost, "/peer", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	// The confirmation carries no CA, so HandleConfirm rejects it at the
	// fingerprint step; the routing itself is what's under test here.
	c.Assert(rec.Code, Not(Equals), http.StatusOK)
}

func (s *peerAPISuite) TestHandlePeerRejectsMalformedBody(c *C) {
	h := newTestHandler(c)

	req := httptest.NewRequest(http.MethodPost, "/peer", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	c.Assert(rec.Code, Not(Equals), http.StatusOK)
}

func (s *peerAPISuite) TestUnknownPathNotFound(c *C) {
	h := newTestHandler(c)

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	c.Assert(rec.Code, Equals, http.StatusNotFound)
}
