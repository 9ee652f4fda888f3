package channel

import (
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/identity"
	"github.com/porpulsion/porpulsion/lib/registry"
	"github.com/porpulsion/porpulsion/lib/rpcmux"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
	"golang.org/x/net/websocket"
)

func TestChannel(t *testing.T) { TestingT(t) }

type channelSuite struct{}

var _ = Suite(&channelSuite{})

type memIdentityPersister struct {
	creds  identity.Credentials
	loaded bool
}

func (m *memIdentityPersister) SaveCredentials(c identity.Credentials) error {
	m.creds = c
	m.loaded = true
	return nil
}

func (m *memIdentityPersister) LoadCredentials() (identity.Credentials, error) {
	if !m.loaded {
		return identity.Credentials{}, trace.NotFound("none")
	}
	return m.creds, nil
}

type memRegistryPersister struct{ peers []registry.Peer }

func (m *memRegistryPersister) SavePeers(p []registry.Peer) error { m.peers = p; return nil }
func (m *memRegistryPersister) LoadPeers() ([]registry.Peer, error) {
	return m.peers, nil
}

func wsHandler(c *C, mgr *Manager) *websocket.Server {
	return &websocket.Server{Handler: func(ws *websocket.Conn) {
		req := ws.Request()
		name := req.Header.Get(constants.AgentNameHeader)
		caB64 := req.Header.Get(constants.AgentCAHeader)
		ca, err := base64.StdEncoding.DecodeString(caB64)
		c.Assert(err, IsNil)
		if err := mgr.AcceptUpgrade(ws, name, ca); err != nil {
			return
		}
		ch, ok := mgr.getChannel(name)
		if !ok {
			return
		}
		<-ch.Done()
	}}
}

func (s *channelSuite) TestOutboundConnectsAndCallsThroughToHandler(c *C) {
	idA, err := identity.New("agent-a", &memIdentityPersister{})
	c.Assert(err, IsNil)
	idB, err := identity.New("agent-b", &memIdentityPersister{})
	c.Assert(err, IsNil)

	regA := registry.New(&memRegistryPersister{})
	regB := registry.New(&memRegistryPersister{})

	mgrB, err := New(Config{
		SelfName:     "agent-b",
		BuildVersion: "test",
		Identity:     idB,
		Registry:     regB,
		SetupMux: func(peerName string, mux *rpcmux.Multiplexer) {
			mux.Handle("echo", func(payload json.RawMessage) (json.RawMessage, error) {
				return payload, nil
			})
		},
	})
	c.Assert(err, IsNil)

	server := httptest.NewServer(wsHandler(c, mgrB))
	defer server.Close()

	regB.AddPeer(registry.Peer{Name: "agent-a", CAPem: idA.CACertPEM()})
	regA.AddPeer(registry.Peer{Name: "agent-b", URL: server.URL, CAPem: idB.CACertPEM()})

	mgrA, err := New(Config{
		SelfName:     "agent-a",
		BuildVersion: "test",
		Identity:     idA,
		Registry:     regA,
	})
	c.Assert(err, IsNil)

	mgrA.StartOutbound("agent-b")
	defer mgrA.StopOutbound("agent-b")

	var mux *rpcmux.Multiplexer
	for i := 0; i < 200; i++ {
		if m, ok := mgrA.Mux("agent-b"); ok {
			mux = m
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(mux, NotNil)

	type payload struct {
		Value string `json:"value"`
	}
	result, err := mux.Call("echo", payload{Value: "hello"}, time.Second)
	c.Assert(err, IsNil)
	var got payload
	c.Assert(json.Unmarshal(result, &got), IsNil)
	c.Assert(got.Value, Equals, "hello")
}

func (s *channelSuite) TestAcceptUpgradeRejectsUnknownPeer(c *C) {
	idB, err := identity.New("agent-b", &memIdentityPersister{})
	c.Assert(err, IsNil)
	regB := registry.New(&memRegistryPersister{})
	mgrB, err := New(Config{SelfName: "agent-b", Identity: idB, Registry: regB})
	c.Assert(err, IsNil)

	server := httptest.NewServer(wsHandler(c, mgrB))
	defer server.Close()

	idA, err := identity.New("agent-a", &memIdentityPersister{})
	c.Assert(err, IsNil)

	wsURL := "ws://" + server.Listener.Addr().String() + "/"
	wsCfg, err := websocket.NewConfig(wsURL, "http://localhost/")
	c.Assert(err, IsNil)
	wsCfg.Header.Set(constants.AgentNameHeader, "agent-a")
	wsCfg.Header.Set(constants.AgentCAHeader, base64.StdEncoding.EncodeToString(idA.CACertPEM()))

	conn, err := websocket.DialConfig(wsCfg)
	c.Assert(err, IsNil)
	defer conn.Close()

	var data []byte
	err = websocket.Message.Receive(conn, &data)
	c.Assert(err, NotNil)

	// An unregistered peer name must never be promoted to a live channel.
	_, ok := mgrB.getChannel("agent-a")
	c.Assert(ok, Equals, false)
}
