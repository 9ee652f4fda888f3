package workload

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/porpulsion/porpulsion/lib/rpcmux"
	"github.com/porpulsion/porpulsion/lib/tunnel"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	. "gopkg.in/check.v1"
)

func TestController(t *testing.T) { TestingT(t) }

type controllerSuite struct{}

var _ = Suite(&controllerSuite{})

// loopback wires two Multiplexers together in-memory, mirroring the pair
// used to exercise the RPC layer itself.
type loopback struct {
	peer *rpcmux.Multiplexer
}

func (l *loopback) SendFrame(f rpcmux.Frame) error {
	l.peer.Dispatch(f)
	return nil
}

func newPair() (*rpcmux.Multiplexer, *rpcmux.Multiplexer) {
	log := logrus.New()
	a := &loopback{}
	b := &loopback{}
	muxA := rpcmux.New(a, log.WithField("side", "a"))
	muxB := rpcmux.New(b, log.WithField("side", "b"))
	a.peer = muxB
	b.peer = muxA
	return muxA, muxB
}

type memChannels struct{ mux *rpcmux.Multiplexer }

func (m *memChannels) Mux(peerName string) (*rpcmux.Multiplexer, bool) {
	if m.mux == nil {
		return nil, false
	}
	return m.mux, true
}

type memPersister struct{ apps []RemoteApp }

func (m *memPersister) SaveLocalApps(apps []RemoteApp) error {
	m.apps = apps
	return nil
}

func (m *memPersister) LoadLocalApps() ([]RemoteApp, error) {
	return m.apps, nil
}

func (s *controllerSuite) TestSubmitRoundTrip(c *C) {
	submitterMux, executorMux := newPair()
	executorMux.Handle(MethodReceive, func(payload json.RawMessage) (json.RawMessage, error) {
		var req ReceiveRequest
		c.Assert(json.Unmarshal(payload, &req), IsNil)
		reply, err := json.Marshal(ReceiveReply{Status: StatusCreating})
		return reply, err
	})

	clock := clockwork.NewFakeClock()
	persist := &memPersister{}
	ctl, err := New(Config{
		SelfName: "agent-a",
		Channels: &memChannels{mux: submitterMux},
		Persist:  persist,
		Clock:    clock,
	})
	c.Assert(err, IsNil)

	app, err := ctl.Submit("web", WorkloadSpec{Image: "nginx:latest"}, "agent-b")
	c.Assert(err, IsNil)
	c.Assert(app.Status, Equals, StatusCreating)

	got, ok := ctl.Get(app.ID)
	c.Assert(ok, Equals, true)
	c.Assert(got.Status, Equals, StatusCreating)
}

func (s *controllerSuite) TestSubmitWithNoChannelReturnsTransportError(c *C) {
	ctl, err := New(Config{
		SelfName: "agent-a",
		Channels: &memChannels{},
		Persist:  &memPersister{},
	})
	c.Assert(err, IsNil)

	_, err = ctl.Submit("web", WorkloadSpec{Image: "nginx:latest"}, "agent-b")
	c.Assert(err, NotNil)

	apps := ctl.List()
	c.Assert(apps, HasLen, 1)
	c.Assert(apps[0].Status, Equals, StatusUnknown)
}

func (s *controllerSuite) TestStatusPushUpdatesLocalAppAndNotifies(c *C) {
	submitterMux, _ := newPair()
	var notified []string
	ctl, err := New(Config{
		SelfName: "agent-a",
		Channels: &memChannels{mux: submitterMux},
		Persist:  &memPersister{},
		OnNotify: func(id, kind, msg string) { notified = append(notified, kind) },
	})
	c.Assert(err, IsNil)
	ctl.RegisterHandlers(submitterMux)

	ctl.store(RemoteApp{ID: "abc123", TargetPeer: "agent-b", Status: StatusCreating})

	payload, err := json.Marshal(StatusPush{ID: "abc123", Status: Failed("image pull backoff")})
	c.Assert(err, IsNil)
	submitterMux.Dispatch(rpcmux.Frame{Type: MethodStatus, Payload: payload})

	// Push handlers run on their own goroutine; poll until it lands.
	var app RemoteApp
	var ok bool
	for i := 0; i < 200; i++ {
		app, ok = ctl.Get("abc123")
		if ok && app.Status.IsFailed() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Assert(ok, Equals, true)
	c.Assert(app.Status.IsFailed(), Equals, true)
	c.Assert(notified, HasLen, 1)
}

func (s *controllerSuite) TestDeleteDropsAppOnSuccess(c *C) {
	submitterMux, executorMux := newPair()
	executorMux.Handle(MethodDelete, func(payload json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(struct{}{})
	})
	ctl, err := New(Config{
		SelfName: "agent-a",
		Channels: &memChannels{mux: submitterMux},
		Persist:  &memPersister{},
	})
	c.Assert(err, IsNil)
	ctl.store(RemoteApp{ID: "abc123", TargetPeer: "agent-b", Status: StatusReady})

	c.Assert(ctl.Delete("abc123"), IsNil)
	_, ok := ctl.Get("abc123")
	c.Assert(ok, Equals, false)
}

func (s *controllerSuite) TestProxyRoundTrip(c *C) {
	submitterMux, executorMux := newPair()
	executorMux.Handle(tunnel.MethodProxy, func(payload json.RawMessage) (json.RawMessage, error) {
		var req tunnel.ProxyRequest
		c.Assert(json.Unmarshal(payload, &req), IsNil)
		c.Assert(req.AppID, Equals, "abc123")
		c.Assert(req.Path, Equals, "/hello")
		return json.Marshal(tunnel.ProxyReply{Status: 200, Body: []byte("hi")})
	})
	ctl, err := New(Config{
		SelfName: "agent-a",
		Channels: &memChannels{mux: submitterMux},
		Persist:  &memPersister{},
	})
	c.Assert(err, IsNil)
	ctl.store(RemoteApp{ID: "abc123", TargetPeer: "agent-b", Status: StatusReady})

	reply, err := ctl.Proxy("abc123", 8080, "GET", "/hello", nil, nil)
	c.Assert(err, IsNil)
	c.Assert(reply.Status, Equals, 200)
	c.Assert(string(reply.Body), Equals, "hi")
}

func (s *controllerSuite) TestFailAppsForPeer(c *C) {
	ctl, err := New(Config{
		SelfName: "agent-a",
		Channels: &memChannels{},
		Persist:  &memPersister{},
	})
	c.Assert(err, IsNil)
	ctl.store(RemoteApp{ID: "a1", TargetPeer: "agent-b", Status: StatusReady})
	ctl.store(RemoteApp{ID: "a2", TargetPeer: "agent-c", Status: StatusReady})

	ctl.FailAppsForPeer("agent-b", "peer removed")

	a1, _ := ctl.Get("a1")
	a2, _ := ctl.Get("a2")
	c.Assert(a1.Status.IsFailed(), Equals, true)
	c.Assert(a2.Status, Equals, StatusReady)
}
