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

// Package client is a thin roundtrip-based client for lib/localapi, used by
// the porpulsionctl command line tool.
package client

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/porpulsion/porpulsion/lib/admission"
	"github.com/porpulsion/porpulsion/lib/workload"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
)

// Client talks to one agent's Local API.
type Client struct {
	roundtrip.Client
}

// New returns a client addressing the Local API listening at addr, e.g.
// "http://127.0.0.1:7070".
func New(addr string) (*Client, error) {
	c, err := roundtrip.NewClient(addr, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{Client: *c}, nil
}

// StatusReport mirrors localapi's statusReport response shape.
type StatusReport struct {
	Agent      string               `json:"agent"`
	Peers      []PeerStatus         `json:"peers"`
	LocalApps  []workload.RemoteApp `json:"local_apps"`
	RemoteApps []workload.RemoteApp `json:"remote_apps"`
}

// PeerStatus mirrors localapi's peerStatus response shape.
type PeerStatus struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
	ConnectedAt string `json:"connected_at,omitempty"`
}

// InboundRequest mirrors localapi's inboundRequest response shape.
type InboundRequest struct {
	RequestID  string `json:"request_id"`
	PeerName   string `json:"peer_name"`
	PeerURL    string `json:"peer_url"`
	ReceivedAt string `json:"received_at"`
}

// TokenReply mirrors localapi's tokenReply response shape.
type TokenReply struct {
	Agent           string `json:"agent"`
	InviteToken     string `json:"invite_token"`
	SelfURL         string `json:"self_url"`
	CertFingerprint string `json:"cert_fingerprint"`
	CAPem           string `json:"ca_pem"`
}

// RemoteAppsReply mirrors localapi's remoteAppsReply response shape.
type RemoteAppsReply struct {
	Submitted []workload.RemoteApp `json:"submitted"`
	Executing []workload.RemoteApp `json:"executing"`
}

// Status fetches agent, peer and workload summary information.
func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	out, err := c.Get(ctx, c.Endpoint("status"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var report StatusReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		return nil, trace.Wrap(err)
	}
	return &report, nil
}

// Peers lists every known and pending peer.
func (c *Client) Peers(ctx context.Context) ([]PeerStatus, error) {
	out, err := c.Get(ctx, c.Endpoint("peers"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var peers []PeerStatus
	if err := json.Unmarshal(out.Bytes(), &peers); err != nil {
		return nil, trace.Wrap(err)
	}
	return peers, nil
}

// ConnectPeer starts an outbound peering attempt against peerURL, presenting
// inviteToken and pinning caFingerprint.
func (c *Client) ConnectPeer(ctx context.Context, peerURL, inviteToken, caFingerprint string) error {
	_, err := c.PostJSON(ctx, c.Endpoint("peers", "connect"), connectRequest{
		URL:           peerURL,
		InviteToken:   inviteToken,
		CAFingerprint: caFingerprint,
	})
	return trace.Wrap(err)
}

// RetryPeer retries a previously failed outbound attempt with fresh
// credentials.
func (c *Client) RetryPeer(ctx context.Context, peerURL, inviteToken, caFingerprint string) error {
	_, err := c.PostJSON(ctx, c.Endpoint("peers", "retry"), connectRequest{
		URL:           peerURL,
		InviteToken:   inviteToken,
		CAFingerprint: caFingerprint,
	})
	return trace.Wrap(err)
}

type connectRequest struct {
	URL           string `json:"url"`
	InviteToken   string `json:"invite_token"`
	CAFingerprint string `json:"ca_fingerprint"`
}

// CancelConnecting aborts a pending outbound attempt to peerURL.
func (c *Client) CancelConnecting(ctx context.Context, peerURL string) error {
	values := url.Values{"url": []string{peerURL}}
	_, err := c.DeleteWithParams(ctx, c.Endpoint("peers", "connecting"), values)
	return trace.Wrap(err)
}

// Inbound lists pending inbound peering requests awaiting a local decision.
func (c *Client) Inbound(ctx context.Context) ([]InboundRequest, error) {
	out, err := c.Get(ctx, c.Endpoint("peers", "inbound"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var inbound []InboundRequest
	if err := json.Unmarshal(out.Bytes(), &inbound); err != nil {
		return nil, trace.Wrap(err)
	}
	return inbound, nil
}

// AcceptInbound confirms a pending inbound peering request.
func (c *Client) AcceptInbound(ctx context.Context, requestID string) error {
	_, err := c.PostJSON(ctx, c.Endpoint("peers", "inbound", requestID, "accept"), struct{}{})
	return trace.Wrap(err)
}

// RejectInbound discards a pending inbound peering request.
func (c *Client) RejectInbound(ctx context.Context, requestID string) error {
	_, err := c.Delete(ctx, c.Endpoint("peers", "inbound", requestID))
	return trace.Wrap(err)
}

// RemovePeer tears down a confirmed peer.
func (c *Client) RemovePeer(ctx context.Context, name string) error {
	_, err := c.Delete(ctx, c.Endpoint("peer", name))
	return trace.Wrap(err)
}

// Token returns this agent's current invite token and identity material.
func (c *Client) Token(ctx context.Context) (*TokenReply, error) {
	out, err := c.Get(ctx, c.Endpoint("token"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var reply TokenReply
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		return nil, trace.Wrap(err)
	}
	return &reply, nil
}

// Settings fetches the current admission policy.
func (c *Client) Settings(ctx context.Context) (*admission.Settings, error) {
	out, err := c.Get(ctx, c.Endpoint("settings"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var settings admission.Settings
	if err := json.Unmarshal(out.Bytes(), &settings); err != nil {
		return nil, trace.Wrap(err)
	}
	return &settings, nil
}

// UpdateSettings replaces the admission policy.
func (c *Client) UpdateSettings(ctx context.Context, settings admission.Settings) error {
	_, err := c.PutJSON(ctx, c.Endpoint("settings"), settings)
	return trace.Wrap(err)
}

// SubmitRemoteApp submits a new workload for execution on targetPeer. An
// empty targetPeer lets the agent pick its first known peer.
func (c *Client) SubmitRemoteApp(ctx context.Context, name string, spec workload.WorkloadSpec, targetPeer string) (*workload.RemoteApp, error) {
	out, err := c.PostJSON(ctx, c.Endpoint("remoteapp"), submitRequest{Name: name, Spec: spec, TargetPeer: targetPeer})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var app workload.RemoteApp
	if err := json.Unmarshal(out.Bytes(), &app); err != nil {
		return nil, trace.Wrap(err)
	}
	return &app, nil
}

type submitRequest struct {
	Name       string                `json:"name"`
	Spec       workload.WorkloadSpec `json:"spec"`
	TargetPeer string                `json:"target_peer,omitempty"`
}

// RemoteApps lists both submitted and locally executing apps.
func (c *Client) RemoteApps(ctx context.Context) (*RemoteAppsReply, error) {
	out, err := c.Get(ctx, c.Endpoint("remoteapps"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var reply RemoteAppsReply
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		return nil, trace.Wrap(err)
	}
	return &reply, nil
}

// PendingApprovals lists apps awaiting an admission decision.
func (c *Client) PendingApprovals(ctx context.Context) ([]workload.PendingApproval, error) {
	out, err := c.Get(ctx, c.Endpoint("remoteapps", "pending-approval"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var apps []workload.PendingApproval
	if err := json.Unmarshal(out.Bytes(), &apps); err != nil {
		return nil, trace.Wrap(err)
	}
	return apps, nil
}

// RemoteAppDetail fetches the full detail view of one remote app.
func (c *Client) RemoteAppDetail(ctx context.Context, id string) (*workload.DetailReply, error) {
	out, err := c.Get(ctx, c.Endpoint("remoteapp", id, "detail"), url.Values{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var detail workload.DetailReply
	if err := json.Unmarshal(out.Bytes(), &detail); err != nil {
		return nil, trace.Wrap(err)
	}
	return &detail, nil
}

// RemoteAppLogs fetches at most tailLines of log output from a remote app.
// tailLines of 0 means "no limit".
func (c *Client) RemoteAppLogs(ctx context.Context, id string, tailLines int64) (string, error) {
	values := url.Values{}
	if tailLines > 0 {
		values.Set("tail_lines", strconv.FormatInt(tailLines, 10))
	}
	out, err := c.Get(ctx, c.Endpoint("remoteapp", id, "logs"), values)
	if err != nil {
		return "", trace.Wrap(err)
	}
	var reply struct {
		Logs string `json:"logs"`
	}
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		return "", trace.Wrap(err)
	}
	return reply.Logs, nil
}

// UpdateRemoteAppSpec replaces a remote app's workload spec.
func (c *Client) UpdateRemoteAppSpec(ctx context.Context, id string, spec workload.WorkloadSpec) error {
	_, err := c.PutJSON(ctx, c.Endpoint("remoteapp", id, "spec"), struct {
		Spec workload.WorkloadSpec `json:"spec"`
	}{Spec: spec})
	return trace.Wrap(err)
}

// ScaleRemoteApp changes a remote app's replica count.
func (c *Client) ScaleRemoteApp(ctx context.Context, id string, replicas int32) error {
	_, err := c.PostJSON(ctx, c.Endpoint("remoteapp", id, "scale"), struct {
		Replicas int32 `json:"replicas"`
	}{Replicas: replicas})
	return trace.Wrap(err)
}

// DeleteRemoteApp tears a remote app down.
func (c *Client) DeleteRemoteApp(ctx context.Context, id string) error {
	_, err := c.Delete(ctx, c.Endpoint("remoteapp", id))
	return trace.Wrap(err)
}

// ApproveRemoteApp approves an app awaiting admission.
func (c *Client) ApproveRemoteApp(ctx context.Context, id string) error {
	_, err := c.PostJSON(ctx, c.Endpoint("remoteapp", id, "approve"), struct{}{})
	return trace.Wrap(err)
}

// RejectRemoteApp rejects an app awaiting admission.
func (c *Client) RejectRemoteApp(ctx context.Context, id string) error {
	_, err := c.PostJSON(ctx, c.Endpoint("remoteapp", id, "reject"), struct{}{})
	return trace.Wrap(err)
}
