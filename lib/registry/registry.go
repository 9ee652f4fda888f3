// Package registry is the durable record of peers and the transient
// bookkeeping for in-flight peering handshakes.
package registry

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Peer is a remote agent with whom the handshake has completed.
type Peer struct {
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	CAPem       []byte    `json:"ca_pem"`
	ConnectedAt time.Time `json:"connected_at"`
}

// OutboundStatus is the lifecycle state of a PendingOutbound entry.
type OutboundStatus string

const (
	OutboundConnecting           OutboundStatus = "connecting"
	OutboundAwaitingConfirmation OutboundStatus = "awaiting_confirmation"
	OutboundFailed               OutboundStatus = "failed"
)

// PendingOutbound is a transient record for an outbound handshake, keyed by
// peer URL.
type PendingOutbound struct {
	URL                string
	Status             OutboundStatus
	Attempts           int
	PeerName           string
	PinnedFingerprint  string
	PeerCA             []byte
	LastError          string
	cancel             chan struct{}
}

// PendingInbound is a transient record created when an inbound invite
// arrives while operator approval is required, keyed by a random request id.
type PendingInbound struct {
	RequestID  string
	PeerName   string
	PeerURL    string
	PeerCA     []byte
	ReceivedAt time.Time
}

// Persister durably stores peers. Implementations live in the persistence
// layer (lib/storage/boltstore in production).
type Persister interface {
	SavePeers([]Peer) error
	LoadPeers() ([]Peer, error)
}

// Registry holds the Peer table and the two pending-handshake tables. Each
// table is guarded by its own lock per spec's "coarse per-map lock is
// acceptable" shared-resource policy.
type Registry struct {
	log logrus.FieldLogger

	peersMu sync.RWMutex
	peers   map[string]Peer

	outboundMu sync.RWMutex
	outbound   map[string]*PendingOutbound

	inboundMu sync.RWMutex
	inbound   map[string]PendingInbound

	persist Persister
	writer  *writer
}

// New creates an empty Registry wired to the given Persister. Call Load to
// hydrate it from durable storage before the Channel Manager starts
// reconnecting.
func New(persist Persister) *Registry {
	r := &Registry{
		log:      logrus.WithField(trace.Component, "registry"),
		peers:    make(map[string]Peer),
		outbound: make(map[string]*PendingOutbound),
		inbound:  make(map[string]PendingInbound),
		persist:  persist,
	}
	r.writer = newWriter(r.log, persist)
	return r
}

// Load hydrates the Peer table from durable storage. Call once at startup.
func (r *Registry) Load() error {
	peers, err := r.persist.LoadPeers()
	if err != nil {
		if trace.IsNotFound(err) {
			return nil
		}
		return trace.Wrap(err)
	}
	r.peersMu.Lock()
	defer r.peersMu.Unlock()
	for _, p := range peers {
		r.peers[p.Name] = p
	}
	return nil
}

// Close stops the background persistence writer.
func (r *Registry) Close() {
	r.writer.stop()
}

// AddPeer inserts or replaces a Peer entry and enqueues a durable write.
// Invariant: a peer is in the Registry iff it has been fully confirmed by
// both sides.
func (r *Registry) AddPeer(p Peer) {
	r.peersMu.Lock()
	r.peers[p.Name] = p
	snapshot := r.snapshotPeersLocked()
	r.peersMu.Unlock()
	r.writer.enqueue(snapshot)
}

// RemovePeer deletes a Peer entry, returning it if present, and enqueues a
// durable write. Cascading effects (closing the channel, failing local
// apps, sending peer/disconnect) are the caller's responsibility — they
// belong to the Agent Core composition, not the Registry itself.
func (r *Registry) RemovePeer(name string) (Peer, bool) {
	r.peersMu.Lock()
	p, ok := r.peers[name]
	if ok {
		delete(r.peers, name)
	}
	snapshot := r.snapshotPeersLocked()
	r.peersMu.Unlock()
	if ok {
		r.writer.enqueue(snapshot)
	}
	return p, ok
}

// GetPeer looks up a peer by name.
func (r *Registry) GetPeer(name string) (Peer, bool) {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	p, ok := r.peers[name]
	return p, ok
}

// Peers returns a snapshot of all known peers.
func (r *Registry) Peers() []Peer {
	r.peersMu.RLock()
	defer r.peersMu.RUnlock()
	return r.snapshotPeersLocked()
}

func (r *Registry) snapshotPeersLocked() []Peer {
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// StartOutbound creates a fresh PendingOutbound entry in status connecting.
func (r *Registry) StartOutbound(url, pinnedFingerprint string) *PendingOutbound {
	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()
	po := &PendingOutbound{
		URL:               url,
		Status:            OutboundConnecting,
		PinnedFingerprint: pinnedFingerprint,
		cancel:            make(chan struct{}),
	}
	r.outbound[url] = po
	return po
}

// GetOutbound returns the pending outbound entry for url.
func (r *Registry) GetOutbound(url string) (*PendingOutbound, bool) {
	r.outboundMu.RLock()
	defer r.outboundMu.RUnlock()
	po, ok := r.outbound[url]
	return po, ok
}

// Outbound returns a snapshot of all pending outbound entries.
func (r *Registry) Outbound() []PendingOutbound {
	r.outboundMu.RLock()
	defer r.outboundMu.RUnlock()
	out := make([]PendingOutbound, 0, len(r.outbound))
	for _, po := range r.outbound {
		out = append(out, *po)
	}
	return out
}

// CancelOutbound signals the waiting handshake goroutine, if any, and drops
// the entry. The invite retry loop selects on Cancelled() before each
// attempt and while waiting between attempts, so it stops as soon as the
// channel is closed.
func (r *Registry) CancelOutbound(url string) bool {
	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()
	po, ok := r.outbound[url]
	if !ok {
		return false
	}
	close(po.cancel)
	delete(r.outbound, url)
	return true
}

// Cancelled returns the cancellation channel for a PendingOutbound.
func (po *PendingOutbound) Cancelled() <-chan struct{} {
	return po.cancel
}

// SetOutboundStatus updates status and last error, if any.
func (r *Registry) SetOutboundStatus(url string, status OutboundStatus, lastErr error) {
	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()
	po, ok := r.outbound[url]
	if !ok {
		return
	}
	po.Status = status
	if lastErr != nil {
		po.LastError = lastErr.Error()
	}
}

// PromoteOutbound removes a PendingOutbound and returns it for promotion to
// the Peer table by the caller.
func (r *Registry) PromoteOutbound(url string) (*PendingOutbound, bool) {
	r.outboundMu.Lock()
	defer r.outboundMu.Unlock()
	po, ok := r.outbound[url]
	if ok {
		delete(r.outbound, url)
	}
	return po, ok
}

// AddInbound records a pending inbound request under a fresh request id.
func (r *Registry) AddInbound(requestID string, in PendingInbound) {
	r.inboundMu.Lock()
	defer r.inboundMu.Unlock()
	in.RequestID = requestID
	r.inbound[requestID] = in
}

// GetInbound looks up a pending inbound request.
func (r *Registry) GetInbound(requestID string) (PendingInbound, bool) {
	r.inboundMu.RLock()
	defer r.inboundMu.RUnlock()
	in, ok := r.inbound[requestID]
	return in, ok
}

// Inbound returns a snapshot of all pending inbound requests.
func (r *Registry) Inbound() []PendingInbound {
	r.inboundMu.RLock()
	defer r.inboundMu.RUnlock()
	out := make([]PendingInbound, 0, len(r.inbound))
	for _, in := range r.inbound {
		out = append(out, in)
	}
	return out
}

// RemoveInbound drops a pending inbound request (accept or reject both
// consume it).
func (r *Registry) RemoveInbound(requestID string) (PendingInbound, bool) {
	r.inboundMu.Lock()
	defer r.inboundMu.Unlock()
	in, ok := r.inbound[requestID]
	if ok {
		delete(r.inbound, requestID)
	}
	return in, ok
}
