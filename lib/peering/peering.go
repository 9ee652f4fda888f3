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

// Package peering implements the two-RTT peering handshake between two
// agents: an invite carrying a bearer token, a pending reply pinned to a
// CA fingerprint, and an operator-gated confirmation that promotes both
// sides' pending entries to the Peer Registry.
package peering

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/httplib"
	"github.com/porpulsion/porpulsion/lib/identity"
	"github.com/porpulsion/porpulsion/lib/registry"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pborman/uuid"
	"github.com/sirupsen/logrus"
)

// InviteRequest is the body A sends to B's /peer endpoint to start a
// handshake. The invite token travels as a bearer header, not in the body.
type InviteRequest struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	CAPem []byte `json:"ca_pem"`
}

// InviteReply is B's response to a fresh invite.
type InviteReply struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	CAPem  []byte `json:"ca_pem"`
}

// ConfirmRequest is the body B sends to A's /peer endpoint once the
// operator of B accepts the inbound request. Its absence of a bearer token
// is itself the confirmation signal.
type ConfirmRequest struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	CAPem []byte `json:"ca_pem"`
}

// ConfirmReply is A's response to a successful confirmation.
type ConfirmReply struct {
	Status string `json:"status"`
	CAPem  []byte `json:"ca_pem"`
}

const (
	statusPending = "pending"
	statusPeered  = "peered"
)

// Config configures a Protocol instance.
type Config struct {
	// SelfName is this agent's name, advertised to peers.
	SelfName string
	// SelfURL is this agent's externally reachable peer-API base URL.
	SelfURL string
	// Identity provides this agent's CA material and invite-token checks.
	Identity *identity.Store
	// Registry records confirmed peers and in-flight handshakes.
	Registry *registry.Registry
	// Clock is used for poll/retry timing; defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.SelfName == "" {
		return trace.BadParameter("missing SelfName parameter")
	}
	if c.SelfURL == "" {
		return trace.BadParameter("missing SelfURL parameter")
	}
	if c.Identity == nil {
		return trace.BadParameter("missing Identity parameter")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing Registry parameter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Protocol drives both sides of the peering handshake.
type Protocol struct {
	cfg Config
	log logrus.FieldLogger
}

// New creates a Protocol from the given configuration.
func New(cfg Config) (*Protocol, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Protocol{
		cfg: cfg,
		log: logrus.WithField(trace.Component, constants.ComponentPeer),
	}, nil
}

// Invite drives the A side of the handshake against a peer reachable at
// peerURL, authenticating the bootstrap request with inviteToken and
// pinning the reply against pinnedFingerprint. It returns nil once the peer
// has accepted the invite, leaving the entry in status awaiting_confirmation
// until the peer's operator approves it; it returns an error when the token
// is rejected, the caller cancels, retries are exhausted, or the reply's CA
// does not match the pin.
func (p *Protocol) Invite(peerURL, inviteToken, pinnedFingerprint string) error {
	po := p.cfg.Registry.StartOutbound(peerURL, pinnedFingerprint)

	reply, err := p.sendInviteWithRetry(peerURL, inviteToken, po)
	if err != nil {
		p.cfg.Registry.SetOutboundStatus(peerURL, registry.OutboundFailed, err)
		p.cfg.Registry.CancelOutbound(peerURL)
		return trace.Wrap(err)
	}

	gotFingerprint, err := identity.FingerprintPEM(reply.CAPem)
	if err != nil {
		p.cfg.Registry.SetOutboundStatus(peerURL, registry.OutboundFailed, err)
		p.cfg.Registry.CancelOutbound(peerURL)
		return trace.Wrap(err, "invalid CA in peer reply")
	}
	if gotFingerprint != pinnedFingerprint {
		err := trace.AccessDenied("CA fingerprint mismatch for %v: expected %v, got %v", peerURL, pinnedFingerprint, gotFingerprint)
		p.cfg.Registry.SetOutboundStatus(peerURL, registry.OutboundFailed, err)
		p.cfg.Registry.CancelOutbound(peerURL)
		p.log.WithError(err).Error("Aborting peering, possible man-in-the-middle.")
		return err
	}

	po.PeerName = reply.Name
	po.PeerCA = reply.CAPem
	p.cfg.Registry.SetOutboundStatus(peerURL, registry.OutboundAwaitingConfirmation, nil)
	p.log.WithField(constants.FieldPeerID, reply.Name).Info("Invite accepted, awaiting confirmation from peer operator.")
	return nil
}

// sendInviteWithRetry retries the bootstrap invite request up to
// PeeringInviteRetryAttempts times with fixed spacing, honoring
// cancellation of the PendingOutbound entry.
func (p *Protocol) sendInviteWithRetry(peerURL, inviteToken string, po *registry.PendingOutbound) (*InviteReply, error) {
	wait := backoff.NewConstantBackOff(defaults.PeeringInviteRetryInterval)

	var lastErr error
	for attempt := 1; attempt <= defaults.PeeringInviteRetryAttempts; attempt++ {
		select {
		case <-po.Cancelled():
			return nil, trace.BadParameter("peering to %v cancelled", peerURL)
		default:
		}

		reply, err := p.sendInvite(peerURL, inviteToken)
		if err == nil {
			return reply, nil
		}
		if trace.IsAccessDenied(err) {
			// Token rejection is terminal, not transient; retrying a spent
			// or wrong token can never succeed.
			return nil, trace.Wrap(err)
		}
		lastErr = err
		p.log.WithError(err).Warnf("Invite attempt %v/%v to %v failed.", attempt, defaults.PeeringInviteRetryAttempts, peerURL)

		select {
		case <-p.cfg.Clock.After(wait.NextBackOff()):
		case <-po.Cancelled():
			return nil, trace.BadParameter("peering to %v cancelled", peerURL)
		}
	}
	return nil, trace.Wrap(lastErr, "exhausted %v invite attempts", defaults.PeeringInviteRetryAttempts)
}

func (p *Protocol) sendInvite(peerURL, inviteToken string) (*InviteReply, error) {
	body, err := json.Marshal(InviteRequest{
		Name:  p.cfg.SelfName,
		URL:   p.cfg.SelfURL,
		CAPem: p.cfg.Identity.CACertPEM(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	// The bootstrap connection cannot yet authenticate the peer's server
	// certificate; the invite token's secrecy and the fingerprint check
	// performed by the caller on the reply are what guard this step.
	client := httplib.GetClient(true)
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%v/peer", peerURL), bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(constants.InviteTokenHeader, inviteToken)

	resp, err := client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to reach peer %v", peerURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, trace.AccessDenied("peer %v rejected invite token", peerURL)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, trace.BadParameter("peer %v rejected invite with status %v", peerURL, resp.StatusCode)
	}
	var reply InviteReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return nil, trace.Wrap(err)
	}
	if reply.Status != statusPending {
		return nil, trace.BadParameter("unexpected invite reply status %q from %v", reply.Status, peerURL)
	}
	return &reply, nil
}

// HandleInvite is the B-side handler for a fresh inbound invite, called by
// the peer-facing HTTP surface when the X-Invite-Token header is present
// rather than an empty confirmation body. It validates the token, rotates
// it, and records a PendingInbound entry.
func (p *Protocol) HandleInvite(token string, req InviteRequest) (*InviteReply, error) {
	ok, err := p.cfg.Identity.CheckAndRotateToken(token)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.AccessDenied("invalid or already-used invite token")
	}

	requestID := uuid.New()
	p.cfg.Registry.AddInbound(requestID, registry.PendingInbound{
		PeerName:   req.Name,
		PeerURL:    req.URL,
		PeerCA:     req.CAPem,
		ReceivedAt: p.cfg.Clock.Now(),
	})
	p.log.WithField(constants.FieldPeerID, req.Name).Info("Recorded pending inbound peering request awaiting operator approval.")

	return &InviteReply{
		Name:   p.cfg.SelfName,
		Status: statusPending,
		CAPem:  p.cfg.Identity.CACertPEM(),
	}, nil
}

// HandleConfirm is the A-side handler for a confirmation POST from B (no
// bearer token present). It finds the PendingOutbound whose pinned CA
// matches the presented certificate, promotes it to the Registry, and
// replies with this agent's own CA for B to complete its own promotion.
func (p *Protocol) HandleConfirm(req ConfirmRequest) (*ConfirmReply, error) {
	fingerprint, err := identity.FingerprintPEM(req.CAPem)
	if err != nil {
		return nil, trace.Wrap(err, "invalid CA in confirmation")
	}

	po, ok := p.cfg.Registry.GetOutbound(req.URL)
	if !ok || po.PinnedFingerprint != fingerprint {
		return nil, trace.NotFound("no awaiting peering request matches confirmation from %v", req.URL)
	}
	if po.Status != registry.OutboundAwaitingConfirmation {
		return nil, trace.BadParameter("peering request to %v is not awaiting confirmation (status=%v)", req.URL, po.Status)
	}

	if _, ok := p.cfg.Registry.PromoteOutbound(req.URL); !ok {
		return nil, trace.NotFound("peering request to %v vanished during promotion", req.URL)
	}
	p.cfg.Registry.AddPeer(registry.Peer{
		Name:        req.Name,
		URL:         req.URL,
		CAPem:       req.CAPem,
		ConnectedAt: p.cfg.Clock.Now(),
	})
	p.log.WithField(constants.FieldPeerID, req.Name).Info("Peering confirmed.")

	return &ConfirmReply{
		Status: statusPeered,
		CAPem:  p.cfg.Identity.CACertPEM(),
	}, nil
}

// ApproveInbound accepts a previously recorded PendingInbound request,
// sending a confirmation to the peer's /peer endpoint and, on success,
// promoting the entry to the Registry.
func (p *Protocol) ApproveInbound(requestID string) error {
	in, ok := p.cfg.Registry.GetInbound(requestID)
	if !ok {
		return trace.NotFound("no pending inbound request %v", requestID)
	}

	body, err := json.Marshal(ConfirmRequest{
		Name:  p.cfg.SelfName,
		URL:   p.cfg.SelfURL,
		CAPem: p.cfg.Identity.CACertPEM(),
	})
	if err != nil {
		return trace.Wrap(err)
	}

	client := httplib.GetClient(false, httplib.WithPinnedCA(in.PeerCA))
	resp, err := client.Post(fmt.Sprintf("%v/peer", in.PeerURL), "application/json", bytes.NewReader(body))
	if err != nil {
		return trace.ConnectionProblem(err, "failed to reach peer %v to confirm", in.PeerURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.BadParameter("peer %v rejected confirmation with status %v", in.PeerURL, resp.StatusCode)
	}
	var reply ConfirmReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return trace.Wrap(err)
	}
	if reply.Status != statusPeered {
		return trace.BadParameter("unexpected confirm reply status %q from %v", reply.Status, in.PeerURL)
	}

	p.cfg.Registry.RemoveInbound(requestID)
	p.cfg.Registry.AddPeer(registry.Peer{
		Name:        in.PeerName,
		URL:         in.PeerURL,
		CAPem:       reply.CAPem,
		ConnectedAt: p.cfg.Clock.Now(),
	})
	p.log.WithField(constants.FieldPeerID, in.PeerName).Info("Approved inbound peering request.")
	return nil
}

// RejectInbound drops a pending inbound request without confirming it.
func (p *Protocol) RejectInbound(requestID string) error {
	_, ok := p.cfg.Registry.RemoveInbound(requestID)
	if !ok {
		return trace.NotFound("no pending inbound request %v", requestID)
	}
	return nil
}

// CancelOutbound aborts an in-flight outbound invite.
func (p *Protocol) CancelOutbound(peerURL string) error {
	if !p.cfg.Registry.CancelOutbound(peerURL) {
		return trace.NotFound("no pending outbound request to %v", peerURL)
	}
	return nil
}
