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

// Package localapi is the operator-facing Local HTTP API: a loopback-bound
// JSON surface over the Agent Core for managing peers, submitting and
// inspecting remote apps, and editing policy settings.
package localapi

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/porpulsion/porpulsion/lib/admission"
	"github.com/porpulsion/porpulsion/lib/agent"
	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/peering"
	"github.com/porpulsion/porpulsion/lib/workload"

	"github.com/ghodss/yaml"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Config configures a Handler.
type Config struct {
	// Agent is the running agent this surface manages.
	Agent *agent.Agent
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Agent == nil {
		return trace.BadParameter("missing Agent parameter")
	}
	return nil
}

// Handler serves the operator-facing Local HTTP API.
type Handler struct {
	httprouter.Router
	cfg Config
	log logrus.FieldLogger
}

// serviceHandle is the error-returning handler signature every route
// registers; New wraps it into an httprouter.Handle that turns a returned
// error into a trace-formatted JSON error response.
type serviceHandle func(w http.ResponseWriter, r *http.Request, p httprouter.Params) error

// New builds a Handler with every route registered.
func New(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg: cfg,
		log: logrus.WithField(trace.Component, constants.ComponentWeb),
	}

	h.GET("/status", h.wrap(h.getStatus))
	h.GET("/peers", h.wrap(h.getPeers))
	h.POST("/peers/connect", h.wrap(h.connectPeer))
	h.POST("/peers/retry", h.wrap(h.retryPeer))
	h.DELETE("/peers/connecting", h.wrap(h.cancelConnecting))
	h.GET("/peers/inbound", h.wrap(h.getInbound))
	h.POST("/peers/inbound/:req_id/accept", h.wrap(h.acceptInbound))
	h.DELETE("/peers/inbound/:req_id", h.wrap(h.rejectInbound))

	// Peer removal is mounted under the singular "/peer" root (alongside the
	// handshake POST) rather than as "/peers/:name", since httprouter cannot
	// register a wildcard child ":name" on a node ("/peers/") that already
	// has the static children "connect", "retry", "connecting" and "inbound".
	h.POST("/peer", h.wrap(h.handlePeerRequest))
	h.DELETE("/peer/:name", h.wrap(h.removePeer))

	h.GET("/token", h.wrap(h.getToken))

	h.GET("/settings", h.wrap(h.getSettings))
	h.PUT("/settings", h.wrap(h.putSettings))

	h.POST("/remoteapp", h.wrap(h.submitRemoteApp))
	h.GET("/remoteapps", h.wrap(h.getRemoteApps))
	// Pending approvals are listed under the plural "/remoteapps" root for
	// the same reason peer removal moved above: "/remoteapp/" already routes
	// every other GET through the ":id" wildcard.
	h.GET("/remoteapps/pending-approval", h.wrap(h.getPendingApprovals))
	h.GET("/remoteapp/:id/detail", h.wrap(h.getRemoteAppDetail))
	h.GET("/remoteapp/:id/logs", h.wrap(h.getRemoteAppLogs))
	h.PUT("/remoteapp/:id/spec", h.wrap(h.updateRemoteAppSpec))
	h.POST("/remoteapp/:id/scale", h.wrap(h.scaleRemoteApp))
	h.DELETE("/remoteapp/:id", h.wrap(h.deleteRemoteApp))
	h.POST("/remoteapp/:id/approve", h.wrap(h.approveRemoteApp))
	h.POST("/remoteapp/:id/reject", h.wrap(h.rejectRemoteApp))
	h.GET("/remoteapp/:id/proxy/:port/*path", h.wrap(h.proxyRemoteApp))
	h.Handle(http.MethodPost, "/remoteapp/:id/proxy/:port/*path", h.wrap(h.proxyRemoteApp))
	h.Handle(http.MethodPut, "/remoteapp/:id/proxy/:port/*path", h.wrap(h.proxyRemoteApp))
	h.Handle(http.MethodDelete, "/remoteapp/:id/proxy/:port/*path", h.wrap(h.proxyRemoteApp))
	h.Handle(http.MethodPatch, "/remoteapp/:id/proxy/:port/*path", h.wrap(h.proxyRemoteApp))

	return h, nil
}

// wrap adapts a serviceHandle into an httprouter.Handle: a returned error is
// written back as a trace-formatted JSON error, never panics the server.
func (h *Handler) wrap(fn serviceHandle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		if err := fn(w, r, p); err != nil {
			h.log.WithError(err).Warn("Local API request failed.")
			trace.WriteError(w, err)
		}
	}
}

func replyJSON(w http.ResponseWriter, status int, body interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return trace.Wrap(json.NewEncoder(w).Encode(body))
}

func statusOK(message string) interface{} {
	return map[string]string{"status": "ok", "message": message}
}

func readJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

type statusReport struct {
	Agent      string               `json:"agent"`
	Peers      []peerStatus         `json:"peers"`
	LocalApps  []workload.RemoteApp `json:"local_apps"`
	RemoteApps []workload.RemoteApp `json:"remote_apps"`
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	return replyJSON(w, http.StatusOK, statusReport{
		Agent:      h.cfg.Agent.Cfg().SelfName,
		Peers:      h.peerStatuses(),
		LocalApps:  h.cfg.Agent.Workload.List(),
		RemoteApps: h.cfg.Agent.Executor.Executing(),
	})
}

// peerStatus mirrors spec §6.1's GET /peers shape: status is one of
// connected, connecting, awaiting_confirmation or failed.
type peerStatus struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
	ConnectedAt string `json:"connected_at,omitempty"`
}

func (h *Handler) peerStatuses() []peerStatus {
	out := make([]peerStatus, 0)
	for _, peer := range h.cfg.Agent.Registry.Peers() {
		status := "connecting"
		if h.cfg.Agent.Channels.Connected(peer.Name) {
			status = "connected"
		}
		out = append(out, peerStatus{
			Name:        peer.Name,
			URL:         peer.URL,
			Status:      status,
			ConnectedAt: peer.ConnectedAt.Format(constants.HumanDateFormatSeconds),
		})
	}
	for _, po := range h.cfg.Agent.Registry.Outbound() {
		out = append(out, peerStatus{
			Name:     po.PeerName,
			URL:      po.URL,
			Status:   string(po.Status),
			Attempts: po.Attempts,
			Error:    po.LastError,
		})
	}
	return out
}

func (h *Handler) getPeers(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	return replyJSON(w, http.StatusOK, h.peerStatuses())
}

type connectRequest struct {
	URL           string `json:"url"`
	InviteToken   string `json:"invite_token"`
	CAFingerprint string `json:"ca_fingerprint"`
}

func (h *Handler) connectPeer(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var req connectRequest
	if err := readJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	if req.URL == "" || req.InviteToken == "" || req.CAFingerprint == "" {
		return trace.BadParameter("url, invite_token and ca_fingerprint are all required")
	}
	go func() {
		if err := h.cfg.Agent.Peering.Invite(req.URL, req.InviteToken, req.CAFingerprint); err != nil {
			h.log.WithError(err).Warn("Outbound peering attempt failed.")
		}
	}()
	return replyJSON(w, http.StatusOK, statusOK("peering started"))
}

func (h *Handler) retryPeer(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	return h.connectPeer(w, r, p)
}

func (h *Handler) cancelConnecting(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	url := r.URL.Query().Get("url")
	if url == "" {
		return trace.BadParameter("missing url query parameter")
	}
	if err := h.cfg.Agent.Peering.CancelOutbound(url); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("cancelled"))
}

type inboundRequest struct {
	RequestID  string `json:"request_id"`
	PeerName   string `json:"peer_name"`
	PeerURL    string `json:"peer_url"`
	ReceivedAt string `json:"received_at"`
}

func (h *Handler) getInbound(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	inbound := h.cfg.Agent.Registry.Inbound()
	out := make([]inboundRequest, 0, len(inbound))
	for _, in := range inbound {
		out = append(out, inboundRequest{
			RequestID:  in.RequestID,
			PeerName:   in.PeerName,
			PeerURL:    in.PeerURL,
			ReceivedAt: in.ReceivedAt.Format(constants.HumanDateFormatSeconds),
		})
	}
	return replyJSON(w, http.StatusOK, out)
}

func (h *Handler) acceptInbound(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.cfg.Agent.Peering.ApproveInbound(p.ByName("req_id")); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("peering confirmed"))
}

func (h *Handler) rejectInbound(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.cfg.Agent.Peering.RejectInbound(p.ByName("req_id")); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("rejected"))
}

func (h *Handler) removePeer(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.cfg.Agent.RemovePeer(p.ByName("name")); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("peer removed"))
}

// handlePeerRequest exposes the peering handshake on the operator surface;
// lib/peerapi performs the same dispatch with its own handler. This lets an
// operator drive the handshake through a single client without opening the
// peer port to itself.
func (h *Handler) handlePeerRequest(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	return handlePeerRequest(h.cfg.Agent.Peering, w, r)
}

// handlePeerRequest dispatches a /peer request: an X-Invite-Token header
// means a fresh invite, its absence means a confirmation, per spec §6.2.
func handlePeerRequest(proto *peering.Protocol, w http.ResponseWriter, r *http.Request) error {
	token := r.Header.Get(constants.InviteTokenHeader)
	if token != "" {
		var req peering.InviteRequest
		if err := readJSON(r, &req); err != nil {
			return trace.Wrap(err)
		}
		reply, err := proto.HandleInvite(token, req)
		if err != nil {
			return trace.Wrap(err)
		}
		return replyJSON(w, http.StatusOK, reply)
	}

	var req peering.ConfirmRequest
	if err := readJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	reply, err := proto.HandleConfirm(req)
	if err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, reply)
}

type tokenReply struct {
	Agent           string `json:"agent"`
	InviteToken     string `json:"invite_token"`
	SelfURL         string `json:"self_url"`
	CertFingerprint string `json:"cert_fingerprint"`
	CAPem           string `json:"ca_pem"`
}

func (h *Handler) getToken(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	fingerprint, err := h.cfg.Agent.Identity.Fingerprint()
	if err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, tokenReply{
		Agent:           h.cfg.Agent.Cfg().SelfName,
		InviteToken:     h.cfg.Agent.Identity.Token(),
		SelfURL:         h.cfg.Agent.Cfg().SelfURL,
		CertFingerprint: fingerprint,
		CAPem:           string(h.cfg.Agent.Identity.CACertPEM()),
	})
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	settings := h.cfg.Agent.Settings()
	if encoding(r) == "yaml" {
		body, err := yaml.Marshal(settings)
		if err != nil {
			return trace.Wrap(err)
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(body)
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, settings)
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	defer r.Body.Close()
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	var settings admission.Settings
	if encoding(r) == "yaml" {
		if err := yaml.Unmarshal(body, &settings); err != nil {
			return trace.BadParameter("invalid settings yaml: %v", err)
		}
	} else if err := json.Unmarshal(body, &settings); err != nil {
		return trace.BadParameter("invalid settings json: %v", err)
	}
	if err := h.cfg.Agent.UpdateSettings(settings); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("settings updated"))
}

func encoding(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	if strings.Contains(ct, "yaml") {
		return "yaml"
	}
	if r.URL.Query().Get("format") == "yaml" {
		return "yaml"
	}
	return "json"
}

type submitRequest struct {
	Name       string                `json:"name"`
	Spec       workload.WorkloadSpec `json:"spec"`
	TargetPeer string                `json:"target_peer,omitempty"`
}

func (h *Handler) submitRemoteApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var req submitRequest
	if err := readJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	targetPeer := req.TargetPeer
	if targetPeer == "" {
		peers := h.cfg.Agent.Registry.Peers()
		if len(peers) == 0 {
			return trace.BadParameter("no peers available and no target_peer specified")
		}
		targetPeer = peers[0].Name
	}
	app, err := h.cfg.Agent.Workload.Submit(req.Name, req.Spec, targetPeer)
	if err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, app)
}

type remoteAppsReply struct {
	Submitted []workload.RemoteApp `json:"submitted"`
	Executing []workload.RemoteApp `json:"executing"`
}

func (h *Handler) getRemoteApps(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	return replyJSON(w, http.StatusOK, remoteAppsReply{
		Submitted: h.cfg.Agent.Workload.List(),
		Executing: h.cfg.Agent.Executor.Executing(),
	})
}

func (h *Handler) getRemoteAppDetail(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	detail, err := h.cfg.Agent.Workload.Detail(p.ByName("id"))
	if err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, detail)
}

func (h *Handler) getRemoteAppLogs(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var tailLines int64
	if v := r.URL.Query().Get("tail_lines"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return trace.BadParameter("invalid tail_lines parameter")
		}
		tailLines = n
	}
	logs, err := h.cfg.Agent.Workload.Logs(p.ByName("id"), tailLines)
	if err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

type specUpdateRequest struct {
	Spec workload.WorkloadSpec `json:"spec"`
}

func (h *Handler) updateRemoteAppSpec(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var req specUpdateRequest
	if err := readJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	if err := h.cfg.Agent.Workload.UpdateSpec(p.ByName("id"), req.Spec); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("spec updated"))
}

type scaleRequest struct {
	Replicas int32 `json:"replicas"`
}

func (h *Handler) scaleRemoteApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	var req scaleRequest
	if err := readJSON(r, &req); err != nil {
		return trace.Wrap(err)
	}
	if err := h.cfg.Agent.Workload.Scale(p.ByName("id"), req.Replicas); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("scale requested"))
}

func (h *Handler) deleteRemoteApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.cfg.Agent.Workload.Delete(p.ByName("id")); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("remote app deleted"))
}

func (h *Handler) getPendingApprovals(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	return replyJSON(w, http.StatusOK, h.cfg.Agent.Executor.PendingApprovals())
}

func (h *Handler) approveRemoteApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.cfg.Agent.Executor.Approve(p.ByName("id")); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("approved"))
}

func (h *Handler) rejectRemoteApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	if err := h.cfg.Agent.Executor.Reject(p.ByName("id")); err != nil {
		return trace.Wrap(err)
	}
	return replyJSON(w, http.StatusOK, statusOK("rejected"))
}

// proxyRemoteApp implements the tunnelled HTTP passthrough:
// GET|POST|… /remoteapp/{id}/proxy/{port}[/{path}]. The port path parameter
// and the catch-all path are recombined into the inner request's path and
// forwarded through the Workload Controller's Proxy call.
func (h *Handler) proxyRemoteApp(w http.ResponseWriter, r *http.Request, p httprouter.Params) error {
	port, err := strconv.ParseInt(p.ByName("port"), 10, 32)
	if err != nil {
		return trace.BadParameter("invalid port %q", p.ByName("port"))
	}
	defer r.Body.Close()
	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}

	reply, err := h.cfg.Agent.Workload.Proxy(p.ByName("id"), int32(port), r.Method, p.ByName("path"), r.Header, body)
	if err != nil {
		return trace.Wrap(err)
	}

	for k, values := range reply.Headers {
		for _, v := range values {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(reply.Status)
	_, err = w.Write(reply.Body)
	return trace.Wrap(err)
}
