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

// Package rpcmux multiplexes request/reply calls and fire-and-forget
// pushes over a single ordered frame stream, the way a single TCP
// connection is shared by many in-flight operations.
package rpcmux

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/defaults"

	"github.com/gravitational/trace"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
)

const replyType = "reply"

// Frame is the wire shape carried by every message on a channel. Request
// frames carry a non-empty Type and ID; reply frames carry Type="reply"
// and echo the request ID; push frames carry a Type and no ID.
type Frame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Sender writes a single frame to the underlying channel. Implemented by
// lib/channel.Channel; kept as an interface here so rpcmux has no
// dependency on the transport.
type Sender interface {
	SendFrame(Frame) error
}

// Handler answers a request frame's payload with a reply payload or an
// error, which the Multiplexer turns into a reply frame.
type Handler func(payload json.RawMessage) (json.RawMessage, error)

// PushHandler observes a push frame's payload. Its return value is
// ignored; pushes are fire-and-forget by definition.
type PushHandler func(payload json.RawMessage)

type pendingCall struct {
	done    chan struct{}
	reply   Frame
	replied bool
}

// Multiplexer dispatches inbound frames to registered handlers and
// correlates inbound replies with outstanding calls. One Multiplexer
// serves exactly one channel.
type Multiplexer struct {
	log logrus.FieldLogger

	sender Sender

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	pushMu      sync.RWMutex
	pushHandler map[string]PushHandler

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

// New creates a Multiplexer that writes outbound frames via sender.
func New(sender Sender, log logrus.FieldLogger) *Multiplexer {
	if log == nil {
		log = logrus.WithField(trace.Component, constants.ComponentRPC)
	}
	return &Multiplexer{
		log:         log,
		sender:      sender,
		handlers:    make(map[string]Handler),
		pushHandler: make(map[string]PushHandler),
		pending:     make(map[string]*pendingCall),
	}
}

// Handle registers a request handler for method.
func (m *Multiplexer) Handle(method string, h Handler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers[method] = h
}

// HandlePush registers a push handler for event.
func (m *Multiplexer) HandlePush(event string, h PushHandler) {
	m.pushMu.Lock()
	defer m.pushMu.Unlock()
	m.pushHandler[event] = h
}

// Call sends a request frame of the given method and payload and blocks
// until a matching reply arrives, the timeout expires, or the channel is
// dropped via Close.
func (m *Multiplexer) Call(method string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = defaults.RPCCallTimeout
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	id := uuid.New()
	pc := &pendingCall{done: make(chan struct{})}
	m.pendingMu.Lock()
	m.pending[id] = pc
	m.pendingMu.Unlock()
	defer m.forget(id)

	if err := m.sender.SendFrame(Frame{ID: id, Type: method, Payload: raw}); err != nil {
		return nil, trace.Wrap(err)
	}

	select {
	case <-pc.done:
		if !pc.replied {
			return nil, trace.ConnectionProblem(nil, "channel closed while awaiting reply to %v", method)
		}
		if pc.reply.OK == nil || !*pc.reply.OK {
			return nil, trace.BadParameter("%v", pc.reply.Error)
		}
		return pc.reply.Payload, nil
	case <-time.After(timeout):
		return nil, trace.ConnectionProblem(nil, "timed out waiting for reply to %v", method)
	}
}

// Push writes a fire-and-forget frame with no correlation id.
func (m *Multiplexer) Push(event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.sender.SendFrame(Frame{Type: event, Payload: raw}))
}

func (m *Multiplexer) forget(id string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	delete(m.pending, id)
}

// Dispatch routes one inbound frame: a reply is matched to its pending
// call, a request invokes the registered handler and emits a reply, and a
// push invokes the registered push handler. Called by the channel's
// reader loop for every frame in wire order; handler execution itself may
// run concurrently with the next dispatch.
func (m *Multiplexer) Dispatch(f Frame) {
	switch {
	case f.Type == replyType:
		m.dispatchReply(f)
	case f.ID != "":
		go m.dispatchRequest(f)
	default:
		m.dispatchPush(f)
	}
}

func (m *Multiplexer) dispatchReply(f Frame) {
	m.pendingMu.Lock()
	pc, ok := m.pending[f.ID]
	if ok {
		delete(m.pending, f.ID)
	}
	m.pendingMu.Unlock()
	if !ok {
		m.log.WithField(constants.FieldRequestID, f.ID).Warn("Reply with no matching pending call, dropping.")
		return
	}
	pc.reply = f
	pc.replied = true
	close(pc.done)
}

func (m *Multiplexer) dispatchRequest(f Frame) {
	m.handlersMu.RLock()
	h, ok := m.handlers[f.Type]
	m.handlersMu.RUnlock()

	if !ok {
		m.reply(f.ID, nil, trace.BadParameter("unknown type: %v", f.Type))
		return
	}
	result, err := h(f.Payload)
	m.reply(f.ID, result, err)
}

func (m *Multiplexer) reply(id string, payload json.RawMessage, err error) {
	ok := err == nil
	reply := Frame{ID: id, Type: replyType, OK: &ok, Payload: payload}
	if err != nil {
		reply.Error = err.Error()
	}
	if sendErr := m.sender.SendFrame(reply); sendErr != nil {
		m.log.WithError(sendErr).WithField(constants.FieldRequestID, id).Warn("Failed to send reply.")
	}
}

func (m *Multiplexer) dispatchPush(f Frame) {
	m.pushMu.RLock()
	h, ok := m.pushHandler[f.Type]
	m.pushMu.RUnlock()
	if !ok {
		return
	}
	go h(f.Payload)
}

// Close signals every pending call with a transport error. Called by the
// Channel Manager when the underlying channel drops.
func (m *Multiplexer) Close() {
	m.pendingMu.Lock()
	pending := m.pending
	m.pending = make(map[string]*pendingCall)
	m.pendingMu.Unlock()
	for _, pc := range pending {
		close(pc.done)
	}
}
