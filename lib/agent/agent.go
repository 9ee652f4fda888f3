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

// Package agent composes the identity store, peer registry, channel
// manager, peering protocol, workload controller/executor, admission
// engine and tunnel engine into one running agent process, and owns the
// cascading effects of removing a peer.
package agent

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/porpulsion/porpulsion/lib/admission"
	"github.com/porpulsion/porpulsion/lib/channel"
	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/identity"
	"github.com/porpulsion/porpulsion/lib/peering"
	"github.com/porpulsion/porpulsion/lib/registry"
	"github.com/porpulsion/porpulsion/lib/rpcmux"
	"github.com/porpulsion/porpulsion/lib/storage/boltstore"
	"github.com/porpulsion/porpulsion/lib/tunnel"
	"github.com/porpulsion/porpulsion/lib/workload"
	"github.com/porpulsion/porpulsion/lib/workload/k8sbackend"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
)

// Config configures an Agent.
type Config struct {
	// SelfName is this agent's peer-visible name.
	SelfName string
	// SelfURL is this agent's externally reachable peer-API base URL.
	SelfURL string
	// BuildVersion is advertised to peers on every new channel.
	BuildVersion string
	// DataDir holds the BoltDB file. Created if it does not exist.
	DataDir string
	// Namespace is where this agent's own RemoteApps are created.
	Namespace string
	// K8sClient is the cluster API client the Executor Adapter drives.
	K8sClient kubernetes.Interface
	// Clock is used throughout for timing; defaults to the real clock.
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
	if c.DataDir == "" {
		return trace.BadParameter("missing DataDir parameter")
	}
	if c.Namespace == "" {
		return trace.BadParameter("missing Namespace parameter")
	}
	if c.K8sClient == nil {
		return trace.BadParameter("missing K8sClient parameter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Agent is the single process-scoped composition of every subsystem
// described above. Callers construct one with New, call Start once the
// peer-facing and local HTTP surfaces are ready to accept traffic, and
// Close on shutdown.
type Agent struct {
	cfg Config
	log logrus.FieldLogger

	store    *boltstore.Store
	state    *stateStore
	Identity *identity.Store
	Registry *registry.Registry
	Channels *channel.Manager
	Peering  *peering.Protocol
	Workload *workload.Controller
	Executor *workload.Executor
	Tunnel   *tunnel.Engine
	Backend  *k8sbackend.Backend

	settingsMu sync.RWMutex
	settings   admission.Settings
}

// New wires every subsystem together. The channel manager's SetupMux hook
// closes over the agent's own fields rather than capturing them by value,
// so it is safe to register even though Workload/Executor/Tunnel are not
// assigned until after the manager is constructed: SetupMux only runs
// later, when a channel is actually installed.
func New(cfg Config) (*Agent, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.DataDir, defaults.PrivateDirMask); err != nil {
		return nil, trace.Wrap(err)
	}

	store, err := boltstore.Open(boltstore.Config{
		Path:  filepath.Join(cfg.DataDir, "porpulsion.db"),
		Clock: cfg.Clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	idStore, err := identity.New(cfg.SelfName, store)
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	reg := registry.New(store)
	if err := reg.Load(); err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	state := newStateStore(store)
	settings, err := state.LoadSettings()
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}

	a := &Agent{
		cfg:      cfg,
		log:      logrus.WithField(trace.Component, constants.ComponentAgent),
		store:    store,
		state:    state,
		Identity: idStore,
		Registry: reg,
		settings: settings,
	}

	backend, err := k8sbackend.New(k8sbackend.Config{Client: cfg.K8sClient, Namespace: cfg.Namespace})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	a.Backend = backend

	channels, err := channel.New(channel.Config{
		SelfName:     cfg.SelfName,
		BuildVersion: cfg.BuildVersion,
		Identity:     idStore,
		Registry:     reg,
		Clock:        cfg.Clock,
		OnNotify:     a.notify,
		SetupMux: func(peerName string, mux *rpcmux.Multiplexer) {
			a.Workload.RegisterHandlers(mux)
			a.Executor.RegisterHandlers(mux)
			a.Tunnel.RegisterHandlers(mux)
		},
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	a.Channels = channels

	ctl, err := workload.New(workload.Config{
		SelfName: cfg.SelfName,
		Channels: channels,
		Persist:  state,
		Clock:    cfg.Clock,
		OnNotify: a.notify,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	a.Workload = ctl

	executor, err := workload.NewExecutor(workload.ExecutorConfig{
		SelfName:  cfg.SelfName,
		Backend:   backend,
		Channels:  channels,
		Settings:  a.Settings,
		Approvals: state,
		Clock:     cfg.Clock,
		OnNotify:  a.notify,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	a.Executor = executor

	tunnelEngine, err := tunnel.New(tunnel.ExecutorConfig{
		Settings: a.tunnelPolicy,
		Resolver: backend,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	a.Tunnel = tunnelEngine

	proto, err := peering.New(peering.Config{
		SelfName: cfg.SelfName,
		SelfURL:  cfg.SelfURL,
		Identity: idStore,
		Registry: reg,
		Clock:    cfg.Clock,
	})
	if err != nil {
		store.Close()
		return nil, trace.Wrap(err)
	}
	a.Peering = proto

	return a, nil
}

// Start rehydrates durable state and launches an outbound reconnect
// supervisor for every known peer. Call once, after the peer-facing and
// local HTTP surfaces are listening.
func (a *Agent) Start() error {
	if err := a.Workload.Load(); err != nil {
		return trace.Wrap(err)
	}
	if err := a.Executor.RecoverFromBackend(); err != nil {
		return trace.Wrap(err)
	}
	for _, p := range a.Registry.Peers() {
		a.Channels.StartOutbound(p.Name)
	}
	return nil
}

// Close stops background writers and releases the persistence store.
func (a *Agent) Close() {
	a.Workload.Close()
	a.Registry.Close()
	if err := a.store.Close(); err != nil {
		a.log.WithError(err).Warn("Failed to close persistence store cleanly.")
	}
}

// Cfg returns the agent's static configuration, for surfaces that need to
// report SelfName/SelfURL without reaching into unexported fields.
func (a *Agent) Cfg() Config {
	return a.cfg
}

// Settings returns the current operator-controlled policy snapshot. It
// satisfies workload.SettingsSource.
func (a *Agent) Settings() admission.Settings {
	a.settingsMu.RLock()
	defer a.settingsMu.RUnlock()
	return a.settings
}

// UpdateSettings replaces the policy snapshot and persists it.
func (a *Agent) UpdateSettings(settings admission.Settings) error {
	a.settingsMu.Lock()
	a.settings = settings
	a.settingsMu.Unlock()
	return trace.Wrap(a.state.SaveSettings(settings))
}

// tunnelPolicy narrows the current Settings to the Tunnel Engine's own
// Policy type, avoiding an import cycle between lib/tunnel and
// lib/admission (see lib/tunnel's Policy doc comment).
func (a *Agent) tunnelPolicy() tunnel.Policy {
	s := a.Settings()
	return tunnel.Policy{
		AllowInboundTunnels: s.AllowInboundTunnels,
		TunnelAllowlist:     s.TunnelAllowlist,
	}
}

// RemovePeer tears a peer down: it drops the Registry entry, closes its
// channel (sending a best-effort peer/disconnect push), and fails every
// local app still targeting it. Reconnect attempts for this peer also stop
// since StartOutbound only runs for peers the Registry still knows about.
func (a *Agent) RemovePeer(name string) error {
	if _, ok := a.Registry.RemovePeer(name); !ok {
		return trace.NotFound("no such peer %v", name)
	}
	a.Channels.StopOutbound(name)
	a.Channels.ClosePeer(name)
	a.Workload.FailAppsForPeer(name, "peer removed")
	return nil
}

// notify is the shared OnNotify sink for the channel manager, workload
// controller and executor; it logs every one-shot event. A future events
// surface can fan this out to the operator-facing API instead.
func (a *Agent) notify(id, kind, message string) {
	a.log.WithFields(logrus.Fields{
		constants.FieldWorkloadID: id,
		"kind":                    kind,
	}).Warn(message)
}
