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

// Package peerapi is the peer-facing HTTP surface: the two endpoints an
// agent exposes to other agents rather than to its own operator. /peer
// drives the peering handshake; /ws upgrades to the long-lived RPC
// channel a confirmed peer uses for everything else.
package peerapi

import (
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"net/http"

	"github.com/porpulsion/porpulsion/lib/channel"
	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/httplib"
	"github.com/porpulsion/porpulsion/lib/peering"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// Config configures a Handler.
type Config struct {
	// Peering drives the /peer handshake.
	Peering *peering.Protocol
	// Channels accepts upgraded websocket connections as RPC channels.
	Channels *channel.Manager
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Peering == nil {
		return trace.BadParameter("missing Peering parameter")
	}
	if c.Channels == nil {
		return trace.BadParameter("missing Channels parameter")
	}
	return nil
}

// Handler serves the peer-facing HTTP surface. Unlike lib/localapi it is
// not httprouter-based: there are exactly two paths, and neither needs
// path parameters.
type Handler struct {
	cfg Config
	log logrus.FieldLogger
	mux *http.ServeMux
}

// New builds a Handler with both routes registered.
func New(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: logrus.WithField(trace.Component, constants.ComponentPeer),
		mux: http.NewServeMux(),
	}
	h.mux.HandleFunc("/peer", h.handlePeer)
	h.mux.Handle("/ws", httplib.ChannelUpgradeHandler(h.acceptChannel))
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handlePeer dispatches between the invite and confirm halves of the
// handshake: the presence of the X-Invite-Token header distinguishes a
// fresh invite from a confirmation. lib/localapi's own POST /peer route
// performs the identical dispatch against the same *peering.Protocol, so
// an operator can drive the handshake through either surface.
func (h *Handler) handlePeer(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(constants.InviteTokenHeader)
	defer r.Body.Close()
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		trace.WriteError(w, trace.Wrap(err))
		return
	}

	if token != "" {
		var req peering.InviteRequest
		if err := json.Unmarshal(body, &req); err != nil {
			trace.WriteError(w, trace.BadParameter("invalid invite request: %v", err))
			return
		}
		reply, err := h.cfg.Peering.HandleInvite(token, req)
		if err != nil {
			trace.WriteError(w, err)
			return
		}
		h.writeJSON(w, reply)
		return
	}

	var req peering.ConfirmRequest
	if err := json.Unmarshal(body, &req); err != nil {
		trace.WriteError(w, trace.BadParameter("invalid confirm request: %v", err))
		return
	}
	reply, err := h.cfg.Peering.HandleConfirm(req)
	if err != nil {
		trace.WriteError(w, err)
		return
	}
	h.writeJSON(w, reply)
}

func (h *Handler) writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.WithError(err).Warn("Failed to encode peer-facing response.")
	}
}

// acceptChannel is the per-connection handler golang.org/x/net/websocket
// invokes once the upgrade completes. It reads the claimed peer name and
// CA off the headers the client set during the HTTP portion of the
// upgrade, then hands the connection to the Channel Manager, which does
// the actual fingerprint verification.
func (h *Handler) acceptChannel(conn *websocket.Conn) {
	req := conn.Request()
	claimedName := req.Header.Get(constants.AgentNameHeader)
	claimedCAB64 := req.Header.Get(constants.AgentCAHeader)
	if claimedName == "" || claimedCAB64 == "" {
		h.log.Warn("Rejecting channel upgrade missing agent name/CA headers.")
		conn.Close()
		return
	}
	claimedCA, err := base64.StdEncoding.DecodeString(claimedCAB64)
	if err != nil {
		h.log.WithError(err).Warn("Rejecting channel upgrade with malformed CA header.")
		conn.Close()
		return
	}
	if err := h.cfg.Channels.AcceptUpgrade(conn, claimedName, claimedCA); err != nil {
		h.log.WithError(err).WithField(constants.FieldPeerID, claimedName).Warn("Rejected channel upgrade.")
	}
}
