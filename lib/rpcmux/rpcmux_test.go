package rpcmux

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func TestRPCMux(t *testing.T) { TestingT(t) }

type rpcmuxSuite struct{}

var _ = Suite(&rpcmuxSuite{})

// loopback wires a and b's SendFrame directly into each other's Dispatch,
// simulating a channel without any real transport.
type loopback struct {
	peer *Multiplexer
}

func (l *loopback) SendFrame(f Frame) error {
	l.peer.Dispatch(f)
	return nil
}

func newPair() (a, b *Multiplexer) {
	sa := &loopback{}
	sb := &loopback{}
	a = New(sa, nil)
	b = New(sb, nil)
	sa.peer = b
	sb.peer = a
	return a, b
}

type echoPayload struct {
	Value string `json:"value"`
}

func (s *rpcmuxSuite) TestCallReplySuccess(c *C) {
	a, b := newPair()
	b.Handle("echo", func(payload json.RawMessage) (json.RawMessage, error) {
		var p echoPayload
		c.Assert(json.Unmarshal(payload, &p), IsNil)
		return json.Marshal(echoPayload{Value: p.Value + "-pong"})
	})

	result, err := a.Call("echo", echoPayload{Value: "ping"}, time.Second)
	c.Assert(err, IsNil)
	var p echoPayload
	c.Assert(json.Unmarshal(result, &p), IsNil)
	c.Assert(p.Value, Equals, "ping-pong")
}

func (s *rpcmuxSuite) TestUnknownTypeRepliesError(c *C) {
	a, b := newPair()
	_ = b
	_, err := a.Call("nonexistent", echoPayload{}, time.Second)
	c.Assert(err, NotNil)
	c.Assert(err.Error(), Matches, ".*unknown type: nonexistent.*")
}

func (s *rpcmuxSuite) TestHandlerErrorPropagates(c *C) {
	a, b := newPair()
	b.Handle("fail", func(payload json.RawMessage) (json.RawMessage, error) {
		return nil, trace.BadParameter("bad input")
	})
	_, err := a.Call("fail", echoPayload{}, time.Second)
	c.Assert(err, NotNil)
	c.Assert(err.Error(), Matches, ".*bad input.*")
}

func (s *rpcmuxSuite) TestPushInvokesHandler(c *C) {
	a, b := newPair()
	received := make(chan string, 1)
	b.HandlePush("ping", func(payload json.RawMessage) {
		received <- "got-ping"
	})
	c.Assert(a.Push("ping", struct{}{}), IsNil)

	select {
	case v := <-received:
		c.Assert(v, Equals, "got-ping")
	case <-time.After(time.Second):
		c.Fatal("push handler was not invoked")
	}
}

func (s *rpcmuxSuite) TestCallTimesOutWithoutReply(c *C) {
	a, b := newPair()
	b.Handle("slow", func(payload json.RawMessage) (json.RawMessage, error) {
		time.Sleep(50 * time.Millisecond)
		return json.Marshal(echoPayload{})
	})
	_, err := a.Call("slow", echoPayload{}, time.Millisecond)
	c.Assert(err, NotNil)
}

type blackhole struct{}

func (blackhole) SendFrame(Frame) error { return nil }

func (s *rpcmuxSuite) TestCloseSignalsPendingCalls(c *C) {
	a := New(blackhole{}, nil)
	// Frames vanish into the blackhole sender, so Call blocks until Close
	// cancels it — the same behavior a dropped channel would trigger.

	done := make(chan error, 1)
	go func() {
		_, err := a.Call("never-replied", echoPayload{}, 5*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	a.Close()

	select {
	case err := <-done:
		c.Assert(err, NotNil)
	case <-time.After(time.Second):
		c.Fatal("Close did not unblock pending call")
	}
}
