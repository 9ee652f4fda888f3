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

package channel

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/httplib"
	"github.com/porpulsion/porpulsion/lib/identity"
	"github.com/porpulsion/porpulsion/lib/registry"
	"github.com/porpulsion/porpulsion/lib/rpcmux"

	"github.com/cenkalti/backoff"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

// reconnectRamp is the fixed backoff sequence for outbound reconnects.
// Once exhausted, retries continue indefinitely at the last value.
var reconnectRamp = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second}

// rampBackOff is a backoff.BackOff that steps through a fixed ramp of
// durations and then holds at the last one, calling onExhausted once the
// first time the ramp bottoms out. It never returns backoff.Stop: an
// outbound reconnect supervisor retries for as long as the peer exists in
// the Registry.
type rampBackOff struct {
	ramp        []time.Duration
	idx         int
	notified    bool
	onExhausted func()
}

func newRampBackOff(ramp []time.Duration, onExhausted func()) *rampBackOff {
	return &rampBackOff{ramp: ramp, onExhausted: onExhausted}
}

// NextBackOff implements backoff.BackOff.
func (r *rampBackOff) NextBackOff() time.Duration {
	wait := r.ramp[r.idx]
	if r.idx < len(r.ramp)-1 {
		r.idx++
	} else if !r.notified {
		r.notified = true
		r.onExhausted()
	}
	return wait
}

// Reset implements backoff.BackOff.
func (r *rampBackOff) Reset() {
	r.idx = 0
	r.notified = false
}

var _ backoff.BackOff = (*rampBackOff)(nil)

const keepAlivePeriod = 20 * time.Second

// SetupMuxFunc registers the domain RPC/push handlers on a freshly
// installed channel's multiplexer. Called once per new channel so
// handlers can close over the peer name.
type SetupMuxFunc func(peerName string, mux *rpcmux.Multiplexer)

// NotifyFunc reports a one-shot notable event for a peer, such as
// "channel unreachable" or a version mismatch.
type NotifyFunc func(peerName, kind, message string)

// Config configures a Manager.
type Config struct {
	// SelfName is advertised to peers during the channel upgrade.
	SelfName string
	// BuildVersion is pushed as the version/announce payload.
	BuildVersion string
	// Identity supplies this agent's CA for the upgrade header.
	Identity *identity.Store
	// Registry supplies peer URLs/CAs and receives no direct writes here.
	Registry *registry.Registry
	// Clock is used for backoff and keepalive timing.
	Clock clockwork.Clock
	// SetupMux registers domain handlers on every new channel.
	SetupMux SetupMuxFunc
	// OnNotify reports channel-unreachable and version-mismatch events.
	OnNotify NotifyFunc
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.SelfName == "" {
		return trace.BadParameter("missing SelfName parameter")
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
	if c.OnNotify == nil {
		c.OnNotify = func(string, string, string) {}
	}
	return nil
}

// Manager owns at most one live Channel per peer and the outbound
// reconnect supervisors that keep it that way.
type Manager struct {
	cfg Config
	log logrus.FieldLogger

	mu       sync.Mutex
	channels map[string]*Channel
	stopped  map[string]chan struct{}
}

// New creates a Manager from the given configuration.
func New(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:      cfg,
		log:      logrus.WithField(trace.Component, constants.ComponentChannel),
		channels: make(map[string]*Channel),
		stopped:  make(map[string]chan struct{}),
	}, nil
}

// Mux returns the multiplexer for a currently connected peer.
func (m *Manager) Mux(peerName string) (*rpcmux.Multiplexer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[peerName]
	if !ok {
		return nil, false
	}
	return ch.mux, true
}

// Connected reports whether a peer currently has a live channel.
func (m *Manager) Connected(peerName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[peerName]
	return ok
}

func (m *Manager) getChannel(peerName string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[peerName]
	return ch, ok
}

// StartOutbound launches (if not already running) the reconnect
// supervisor for peerName, which dials out whenever no channel is
// currently live for that peer and retries along the fixed backoff ramp
// on failure.
func (m *Manager) StartOutbound(peerName string) {
	m.mu.Lock()
	if _, ok := m.stopped[peerName]; ok {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stopped[peerName] = stop
	m.mu.Unlock()

	go m.dialLoop(peerName, stop)
}

// StopOutbound cancels the reconnect supervisor for peerName, if any.
func (m *Manager) StopOutbound(peerName string) {
	m.mu.Lock()
	stop, ok := m.stopped[peerName]
	if ok {
		delete(m.stopped, peerName)
	}
	m.mu.Unlock()
	if ok {
		close(stop)
	}
}

// ClosePeer sends a best-effort peer/disconnect push and tears the
// channel and its reconnect supervisor down, per the graceful-shutdown
// contract run when the Registry entry is removed.
func (m *Manager) ClosePeer(peerName string) {
	m.StopOutbound(peerName)
	ch, ok := m.getChannel(peerName)
	if !ok {
		return
	}
	if err := ch.mux.Push("peer/disconnect", struct{}{}); err != nil {
		m.log.WithError(err).WithField(constants.FieldPeerID, peerName).Warn("Failed to send peer/disconnect push.")
	}
	ch.Close()
}

func (m *Manager) dialLoop(peerName string, stop chan struct{}) {
	ramp := newRampBackOff(reconnectRamp, func() {
		m.cfg.OnNotify(peerName, "channel_unreachable", "peer is unreachable after exhausting the reconnect ramp")
	})

	for {
		select {
		case <-stop:
			return
		default:
		}

		if ch, ok := m.getChannel(peerName); ok {
			// Another path (an accepted inbound connection) already won
			// the race for this peer; wait for it to drop before trying
			// to dial out again.
			select {
			case <-ch.Done():
				ramp.Reset()
				continue
			case <-stop:
				return
			}
		}

		peer, ok := m.cfg.Registry.GetPeer(peerName)
		if !ok {
			return
		}

		conn, err := m.dial(peer)
		if err != nil {
			m.log.WithError(err).WithField(constants.FieldPeerID, peerName).Warn("Outbound dial failed.")
			wait := ramp.NextBackOff()
			select {
			case <-m.cfg.Clock.After(wait):
			case <-stop:
				return
			}
			continue
		}

		ramp.Reset()
		ch := newChannel(peerName, conn, m.log)
		m.installChannel(peerName, ch)

		select {
		case <-ch.Done():
		case <-stop:
			ch.Close()
			return
		}
	}
}

func (m *Manager) dial(peer registry.Peer) (*websocket.Conn, error) {
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(peer.CAPem)
	tlsConfig := &tls.Config{RootCAs: pool}

	header := http.Header{}
	header.Set(constants.AgentNameHeader, m.cfg.SelfName)
	header.Set(constants.AgentCAHeader, base64.StdEncoding.EncodeToString(m.cfg.Identity.CACertPEM()))

	return httplib.DialChannel(peer.URL+"/ws", tlsConfig, header)
}

// AcceptUpgrade is the server-side entry point called by the peer-facing
// HTTP surface once a /ws upgrade has produced a websocket.Conn. claimedCA
// is the base64-decoded CA PEM from the X-Agent-Ca header. The presented
// CA's fingerprint is verified against the Registry entry for claimedName;
// a mismatch (or an unknown peer) is "unauthorized".
func (m *Manager) AcceptUpgrade(conn *websocket.Conn, claimedName string, claimedCA []byte) error {
	peer, ok := m.cfg.Registry.GetPeer(claimedName)
	if !ok {
		conn.Close()
		return trace.AccessDenied("unauthorized")
	}
	got, err := identity.FingerprintPEM(claimedCA)
	if err != nil {
		conn.Close()
		return trace.AccessDenied("unauthorized")
	}
	want, err := identity.FingerprintPEM(peer.CAPem)
	if err != nil {
		conn.Close()
		return trace.Wrap(err)
	}
	if got != want {
		conn.Close()
		return trace.AccessDenied("unauthorized")
	}

	ch := newChannel(claimedName, conn, m.log)
	m.installChannel(claimedName, ch)
	return nil
}

func (m *Manager) installChannel(peerName string, ch *Channel) {
	m.mu.Lock()
	old, existed := m.channels[peerName]
	m.channels[peerName] = ch
	m.mu.Unlock()

	if existed {
		m.log.WithField(constants.FieldPeerID, peerName).Info("Replacing existing channel (dual-ownership reconciliation).")
		old.Close()
	}

	mux := rpcmux.New(ch, m.log.WithField(constants.FieldPeerID, peerName))
	mux.HandlePush("ping", func(_ json.RawMessage) {})
	ch.mux = mux
	if m.cfg.SetupMux != nil {
		m.cfg.SetupMux(peerName, mux)
	}

	go ch.readLoop(mux.Dispatch)

	type versionAnnounce struct {
		Version string `json:"version"`
	}
	if err := mux.Push("version/announce", versionAnnounce{Version: m.cfg.BuildVersion}); err != nil {
		m.log.WithError(err).Warn("Failed to push version announce.")
	}

	go m.keepalive(peerName, ch)
}

func (m *Manager) keepalive(peerName string, ch *Channel) {
	ticker := m.cfg.Clock.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if err := ch.mux.Push("ping", struct{}{}); err != nil {
				return
			}
		case <-ch.Done():
			return
		}
	}
}
