package registry

import (
	"testing"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func TestRegistry(t *testing.T) { TestingT(t) }

type registrySuite struct{}

var _ = Suite(&registrySuite{})

type memPersister struct {
	peers []Peer
	saved bool
}

func (m *memPersister) SavePeers(peers []Peer) error {
	m.peers = peers
	m.saved = true
	return nil
}

func (m *memPersister) LoadPeers() ([]Peer, error) {
	if !m.saved {
		return nil, trace.NotFound("no persisted peers")
	}
	return m.peers, nil
}

func (s *registrySuite) TestAddGetRemovePeer(c *C) {
	p := &memPersister{}
	r := New(p)
	defer r.Close()

	r.AddPeer(Peer{Name: "eu-west", URL: "https://eu-west.example.com", CAPem: []byte("ca")})
	got, ok := r.GetPeer("eu-west")
	c.Assert(ok, Equals, true)
	c.Assert(got.URL, Equals, "https://eu-west.example.com")

	removed, ok := r.RemovePeer("eu-west")
	c.Assert(ok, Equals, true)
	c.Assert(removed.Name, Equals, "eu-west")

	_, ok = r.GetPeer("eu-west")
	c.Assert(ok, Equals, false)
}

func (s *registrySuite) TestPersistenceRoundTrip(c *C) {
	p := &memPersister{}
	r := New(p)
	r.AddPeer(Peer{Name: "eu-west", URL: "https://eu-west.example.com", CAPem: []byte("ca-pem-bytes")})

	// The writer is asynchronous; wait for the fire-and-forget write.
	c.Assert(waitFor(func() bool { return p.saved }), Equals, true)
	r.Close()

	reloaded := New(p)
	defer reloaded.Close()
	c.Assert(reloaded.Load(), IsNil)
	got, ok := reloaded.GetPeer("eu-west")
	c.Assert(ok, Equals, true)
	c.Assert(got.CAPem, DeepEquals, []byte("ca-pem-bytes"))
}

func (s *registrySuite) TestOutboundLifecycle(c *C) {
	p := &memPersister{}
	r := New(p)
	defer r.Close()

	po := r.StartOutbound("https://eu-west.example.com", "deadbeef")
	c.Assert(po.Status, Equals, OutboundConnecting)

	r.SetOutboundStatus(po.URL, OutboundAwaitingConfirmation, nil)
	got, ok := r.GetOutbound(po.URL)
	c.Assert(ok, Equals, true)
	c.Assert(got.Status, Equals, OutboundAwaitingConfirmation)

	promoted, ok := r.PromoteOutbound(po.URL)
	c.Assert(ok, Equals, true)
	c.Assert(promoted.URL, Equals, po.URL)
	_, ok = r.GetOutbound(po.URL)
	c.Assert(ok, Equals, false)
}

func (s *registrySuite) TestCancelOutboundClosesChannel(c *C) {
	p := &memPersister{}
	r := New(p)
	defer r.Close()

	po := r.StartOutbound("https://eu-west.example.com", "deadbeef")
	c.Assert(r.CancelOutbound(po.URL), Equals, true)

	select {
	case <-po.Cancelled():
	default:
		c.Fatal("expected cancellation channel to be closed")
	}
}

func (s *registrySuite) TestInboundLifecycle(c *C) {
	p := &memPersister{}
	r := New(p)
	defer r.Close()

	r.AddInbound("req-1", PendingInbound{PeerName: "us-east", PeerURL: "https://us-east.example.com"})
	got, ok := r.GetInbound("req-1")
	c.Assert(ok, Equals, true)
	c.Assert(got.PeerName, Equals, "us-east")

	_, ok = r.RemoveInbound("req-1")
	c.Assert(ok, Equals, true)
	_, ok = r.GetInbound("req-1")
	c.Assert(ok, Equals, false)
}

func waitFor(cond func() bool) bool {
	for i := 0; i < 1000; i++ {
		if cond() {
			return true
		}
	}
	return cond()
}
