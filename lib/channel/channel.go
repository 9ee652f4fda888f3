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

// Package channel maintains at most one live, authenticated, bidirectional
// channel per peer on top of a websocket-class transport, and gives upper
// layers a reliable per-peer send and an event-dispatch entry point.
package channel

import (
	"encoding/json"
	"sync"

	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/rpcmux"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Channel wraps one websocket connection to a peer with the serialised
// write and framed read required by the RPC multiplexer above it.
type Channel struct {
	peerName string
	conn     *websocket.Conn
	mux      *rpcmux.Multiplexer
	log      logrus.FieldLogger

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newChannel(peerName string, conn *websocket.Conn, log logrus.FieldLogger) *Channel {
	return &Channel{
		peerName: peerName,
		conn:     conn,
		log:      log,
		closed:   make(chan struct{}),
	}
}

// SendFrame marshals and writes one frame, serialised behind the channel's
// write lock so frame order is preserved. Implements rpcmux.Sender.
func (ch *Channel) SendFrame(f rpcmux.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) > defaults.RPCMaxFrameSize {
		return trace.BadParameter("frame too large")
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	select {
	case <-ch.closed:
		return trace.ConnectionProblem(nil, "channel to %v is closed", ch.peerName)
	default:
	}
	if err := websocket.Message.Send(ch.conn, data); err != nil {
		return trace.ConnectionProblem(err, "failed to write frame to %v", ch.peerName)
	}
	return nil
}

// readLoop reads frames until the socket errors or is closed, dispatching
// each one to dispatch in wire order. It returns (and the caller should
// treat the channel as dead) the first time Receive fails.
func (ch *Channel) readLoop(dispatch func(rpcmux.Frame)) {
	for {
		var data []byte
		if err := websocket.Message.Receive(ch.conn, &data); err != nil {
			ch.Close()
			return
		}
		if len(data) > defaults.RPCMaxFrameSize {
			ch.log.Warn("Dropping oversized inbound frame.")
			continue
		}
		var f rpcmux.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			ch.log.WithError(err).Warn("Dropping malformed inbound frame.")
			continue
		}
		dispatch(f)
	}
}

// Done returns a channel closed once this Channel has torn down, either
// because the socket errored or because Close was called explicitly.
func (ch *Channel) Done() <-chan struct{} {
	return ch.closed
}

// Close tears down the underlying socket and signals Done. Safe to call
// more than once and from any goroutine.
func (ch *Channel) Close() {
	ch.closeOnce.Do(func() {
		close(ch.closed)
		ch.conn.Close()
		if ch.mux != nil {
			ch.mux.Close()
		}
	})
}
