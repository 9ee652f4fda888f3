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

package workload

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/rpcmux"
	"github.com/porpulsion/porpulsion/lib/tunnel"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ChannelSource hands back the live multiplexer for a peer, if any. Satisfied
// by *lib/channel.Manager; an interface here keeps this package decoupled
// from the transport.
type ChannelSource interface {
	Mux(peerName string) (*rpcmux.Multiplexer, bool)
}

// NotifyFunc reports a one-shot notable event for a RemoteApp, raised on
// Failed:*, Timeout and Rejected transitions.
type NotifyFunc func(appID, kind, message string)

// Config configures a Controller.
type Config struct {
	SelfName   string
	Channels   ChannelSource
	Persist    Persister
	Clock      clockwork.Clock
	OnNotify   NotifyFunc
	RPCTimeout time.Duration
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.SelfName == "" {
		return trace.BadParameter("missing SelfName parameter")
	}
	if c.Channels == nil {
		return trace.BadParameter("missing Channels parameter")
	}
	if c.Persist == nil {
		return trace.BadParameter("missing Persist parameter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.OnNotify == nil {
		c.OnNotify = func(string, string, string) {}
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 30 * time.Second
	}
	return nil
}

// Controller is the submitter-side Workload Controller: it owns local_apps,
// turns operator submissions into remoteapp/receive calls, and folds
// inbound remoteapp/status pushes back into local state.
type Controller struct {
	cfg Config
	log logrus.FieldLogger

	mu   sync.Mutex
	apps map[string]RemoteApp

	writer *appWriter
}

// New creates a Controller. Call Load to rehydrate local_apps from durable
// storage before accepting new submissions.
func New(cfg Config) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	log := logrus.WithField(trace.Component, constants.ComponentAgent)
	return &Controller{
		cfg:    cfg,
		log:    log,
		apps:   make(map[string]RemoteApp),
		writer: newAppWriter(log, cfg.Persist),
	}, nil
}

// Load rehydrates local_apps from durable storage. In-flight submissions
// are not retried; the operator sees the last persisted status until the
// executor next reports.
func (ctl *Controller) Load() error {
	apps, err := ctl.cfg.Persist.LoadLocalApps()
	if err != nil {
		return trace.Wrap(err)
	}
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	for _, a := range apps {
		ctl.apps[a.ID] = a
	}
	return nil
}

// Close stops the background persistence writer.
func (ctl *Controller) Close() {
	ctl.writer.stop()
}

// RegisterHandlers wires the controller's push handler onto a freshly
// installed peer channel so inbound remoteapp/status pushes update local
// state.
func (ctl *Controller) RegisterHandlers(mux *rpcmux.Multiplexer) {
	mux.HandlePush(MethodStatus, func(payload json.RawMessage) {
		var push StatusPush
		if err := json.Unmarshal(payload, &push); err != nil {
			ctl.log.WithError(err).Warn("Dropping malformed remoteapp/status push.")
			return
		}
		ctl.applyStatus(push.ID, push.Status)
	})
}

func (ctl *Controller) applyStatus(id string, status Status) {
	ctl.mu.Lock()
	app, ok := ctl.apps[id]
	if !ok {
		ctl.mu.Unlock()
		return
	}
	app.Status = status
	app.UpdatedAt = ctl.cfg.Clock.Now()
	ctl.apps[id] = app
	snapshot := ctl.snapshotLocked()
	ctl.mu.Unlock()
	ctl.writer.enqueue(snapshot)

	if status.IsFailed() || status == StatusTimeout || status == StatusRejected {
		ctl.cfg.OnNotify(id, string(status), "remote app "+id+" transitioned to "+string(status))
	}
}

func (ctl *Controller) snapshotLocked() []RemoteApp {
	out := make([]RemoteApp, 0, len(ctl.apps))
	for _, a := range ctl.apps {
		out = append(out, a)
	}
	return out
}

// Submit creates a RemoteApp with a fresh id, inserts it into local_apps,
// sends remoteapp/receive through the target peer's channel and persists.
func (ctl *Controller) Submit(name string, spec WorkloadSpec, targetPeer string) (*RemoteApp, error) {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	id, err := NewID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	now := ctl.cfg.Clock.Now()
	app := RemoteApp{
		ID:         id,
		Name:       name,
		Spec:       spec,
		SourcePeer: ctl.cfg.SelfName,
		TargetPeer: targetPeer,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	ctl.store(app)

	mux, ok := ctl.cfg.Channels.Mux(targetPeer)
	if !ok {
		ctl.applyStatus(id, StatusUnknown)
		return nil, trace.ConnectionProblem(nil, "no live channel to peer %v", targetPeer)
	}

	raw, err := mux.Call(MethodReceive, ReceiveRequest{
		ID:         id,
		Name:       name,
		Spec:       spec,
		SourcePeer: ctl.cfg.SelfName,
	}, ctl.cfg.RPCTimeout)
	if err != nil {
		ctl.applyStatus(id, StatusUnknown)
		return nil, trace.Wrap(err)
	}
	var reply ReceiveReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, trace.Wrap(err)
	}
	ctl.applyStatus(id, reply.Status)
	app.Status = reply.Status
	return &app, nil
}

func (ctl *Controller) store(app RemoteApp) {
	ctl.mu.Lock()
	ctl.apps[app.ID] = app
	snapshot := ctl.snapshotLocked()
	ctl.mu.Unlock()
	ctl.writer.enqueue(snapshot)
}

// Get looks up a local app by id.
func (ctl *Controller) Get(id string) (RemoteApp, bool) {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	app, ok := ctl.apps[id]
	return app, ok
}

// List returns a snapshot of every local app.
func (ctl *Controller) List() []RemoteApp {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.snapshotLocked()
}

func (ctl *Controller) muxFor(id string) (*rpcmux.Multiplexer, RemoteApp, error) {
	app, ok := ctl.Get(id)
	if !ok {
		return nil, RemoteApp{}, trace.NotFound("no such remote app %v", id)
	}
	mux, ok := ctl.cfg.Channels.Mux(app.TargetPeer)
	if !ok {
		return nil, app, trace.ConnectionProblem(nil, "no live channel to peer %v", app.TargetPeer)
	}
	return mux, app, nil
}

// Scale forwards a replica-count change to the executor.
func (ctl *Controller) Scale(id string, replicas int32) error {
	mux, _, err := ctl.muxFor(id)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = mux.Call(MethodScale, ScaleRequest{ID: id, Replicas: replicas}, ctl.cfg.RPCTimeout)
	return trace.Wrap(err)
}

// UpdateSpec forwards a full spec replacement to the executor.
func (ctl *Controller) UpdateSpec(id string, spec WorkloadSpec) error {
	if err := spec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	mux, _, err := ctl.muxFor(id)
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = mux.Call(MethodSpecUpdate, SpecUpdateRequest{ID: id, Spec: spec}, ctl.cfg.RPCTimeout)
	return trace.Wrap(err)
}

// Detail fetches the executor's live view of an app.
func (ctl *Controller) Detail(id string) (*DetailReply, error) {
	mux, _, err := ctl.muxFor(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	raw, err := mux.Call(MethodDetail, DetailRequest{ID: id}, ctl.cfg.RPCTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var reply DetailReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, trace.Wrap(err)
	}
	return &reply, nil
}

// Logs fetches tail log output from the executor.
func (ctl *Controller) Logs(id string, tailLines int64) (string, error) {
	mux, _, err := ctl.muxFor(id)
	if err != nil {
		return "", trace.Wrap(err)
	}
	raw, err := mux.Call(MethodLogs, LogsRequest{ID: id, TailLines: tailLines}, ctl.cfg.RPCTimeout)
	if err != nil {
		return "", trace.Wrap(err)
	}
	var reply LogsReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", trace.Wrap(err)
	}
	return reply.Logs, nil
}

// Proxy forwards an HTTP request for a RemoteApp's port/path through the
// executor's channel as a proxy/request call, and returns the rehydrated
// response.
func (ctl *Controller) Proxy(id string, port int32, method, path string, headers map[string][]string, body []byte) (*tunnel.ProxyReply, error) {
	mux, _, err := ctl.muxFor(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	raw, err := mux.Call(tunnel.MethodProxy, tunnel.ProxyRequest{
		AppID:      id,
		Port:       port,
		Method:     method,
		Path:       path,
		Headers:    headers,
		Body:       body,
		SourcePeer: ctl.cfg.SelfName,
	}, ctl.cfg.RPCTimeout)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var reply tunnel.ProxyReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, trace.Wrap(err)
	}
	return &reply, nil
}

// Delete is two-phase: instruct the executor to delete, then drop the app
// from local_apps on success.
func (ctl *Controller) Delete(id string) error {
	mux, _, err := ctl.muxFor(id)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := mux.Call(MethodDelete, DeleteRequest{ID: id}, ctl.cfg.RPCTimeout); err != nil {
		return trace.Wrap(err)
	}
	ctl.mu.Lock()
	delete(ctl.apps, id)
	snapshot := ctl.snapshotLocked()
	ctl.mu.Unlock()
	ctl.writer.enqueue(snapshot)
	return nil
}

// FailAppsForPeer marks every local app targeting peerName as Failed. Called
// by the Agent Core as one of the cascading effects of removing a peer.
func (ctl *Controller) FailAppsForPeer(peerName, reason string) {
	ctl.mu.Lock()
	var changed []string
	for id, app := range ctl.apps {
		if app.TargetPeer != peerName {
			continue
		}
		app.Status = Failed(reason)
		app.UpdatedAt = ctl.cfg.Clock.Now()
		ctl.apps[id] = app
		changed = append(changed, id)
	}
	snapshot := ctl.snapshotLocked()
	ctl.mu.Unlock()
	ctl.writer.enqueue(snapshot)
	for _, id := range changed {
		ctl.cfg.OnNotify(id, "failed", "peer "+peerName+" disconnected: "+reason)
	}
}
