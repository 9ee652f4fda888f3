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

	"github.com/porpulsion/porpulsion/lib/admission"
	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/rpcmux"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// BackendApp is the minimal view of a cluster-native object the Executor
// Adapter needs back from a Backend, either to poll readiness or to
// rebuild remote_apps after a restart.
type BackendApp struct {
	ID         string
	Name       string
	SourcePeer string
	Desired    int32
	Ready      int32
}

// Backend translates a WorkloadSpec into concrete cluster-API objects. The
// production implementation lives in lib/workload/k8sbackend; tests supply
// an in-memory fake.
type Backend interface {
	// Apply creates or updates the backing object for app.
	Apply(app RemoteApp) error
	// Status returns the current/desired replica counts for id.
	Status(id string) (ready, desired int32, err error)
	// Delete removes the backing object for id.
	Delete(id string) error
	// Logs returns tail log output for id.
	Logs(id string, tailLines int64) (string, error)
	// Detail returns an opaque cluster-native description of id.
	Detail(id string) (json.RawMessage, error)
	// ListBySelector lists every object carrying the RemoteApp label,
	// for restart recovery.
	ListBySelector() ([]BackendApp, error)
}

// SettingsSource returns the current AgentSettings snapshot.
type SettingsSource func() admission.Settings

// ApprovalPersister durably stores the executor's pending-approval queue.
type ApprovalPersister interface {
	SavePendingApprovals([]PendingApproval) error
	LoadPendingApprovals() ([]PendingApproval, error)
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	SelfName   string
	Backend    Backend
	Channels   ChannelSource
	Settings   SettingsSource
	Approvals  ApprovalPersister
	Clock      clockwork.Clock
	OnNotify   NotifyFunc
	RPCTimeout time.Duration
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *ExecutorConfig) CheckAndSetDefaults() error {
	if c.SelfName == "" {
		return trace.BadParameter("missing SelfName parameter")
	}
	if c.Backend == nil {
		return trace.BadParameter("missing Backend parameter")
	}
	if c.Channels == nil {
		return trace.BadParameter("missing Channels parameter")
	}
	if c.Settings == nil {
		return trace.BadParameter("missing Settings parameter")
	}
	if c.Approvals == nil {
		return trace.BadParameter("missing Approvals parameter")
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

// Executor is the executor-side Executor Adapter: it runs the admission
// check, drives a Backend to realize a RemoteApp, runs the status state
// machine (Pending -> Creating -> Running -> Ready|Timeout, or
// Failed:<reason> on any apply error) and reports every transition back to
// the submitting peer.
type Executor struct {
	cfg       ExecutorConfig
	log       logrus.FieldLogger
	admission *admission.Engine

	mu       sync.Mutex
	apps     map[string]RemoteApp
	pending  map[string]PendingApproval
	watchers map[string]chan struct{}
}

// NewExecutor creates an Executor. Call RecoverFromBackend once at startup
// to rebuild remote_apps from the cluster.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	ex := &Executor{
		cfg:       cfg,
		log:       logrus.WithField(trace.Component, constants.ComponentExecutor),
		admission: admission.New(),
		apps:      make(map[string]RemoteApp),
		pending:   make(map[string]PendingApproval),
		watchers:  make(map[string]chan struct{}),
	}
	approvals, err := cfg.Approvals.LoadPendingApprovals()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, a := range approvals {
		ex.pending[a.App.ID] = a
	}
	return ex, nil
}

// RegisterHandlers wires every known remoteapp/* request type onto a
// freshly installed peer channel.
func (ex *Executor) RegisterHandlers(mux *rpcmux.Multiplexer) {
	mux.Handle(MethodReceive, ex.handleReceive)
	mux.Handle(MethodScale, ex.handleScale)
	mux.Handle(MethodSpecUpdate, ex.handleSpecUpdate)
	mux.Handle(MethodDelete, ex.handleDelete)
	mux.Handle(MethodDetail, ex.handleDetail)
	mux.Handle(MethodLogs, ex.handleLogs)
}

func (ex *Executor) activeSnapshot() []admission.Active {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]admission.Active, 0, len(ex.apps))
	for _, a := range ex.apps {
		if !a.Status.IsActive() {
			continue
		}
		out = append(out, admission.Active{Replicas: a.Spec.Replicas, Requests: a.Spec.Resources.Requests})
	}
	return out
}

func (ex *Executor) handleReceive(payload json.RawMessage) (json.RawMessage, error) {
	var req ReceiveRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	settings := ex.cfg.Settings()
	if err := ex.admission.Check(settings, req.Spec, req.SourcePeer, ex.activeSnapshot()); err != nil {
		ex.cfg.OnNotify(req.ID, "admission_rejected", err.Error())
		return nil, trace.Wrap(err)
	}

	now := ex.cfg.Clock.Now()
	app := RemoteApp{
		ID:         req.ID,
		Name:       req.Name,
		Spec:       req.Spec,
		SourcePeer: req.SourcePeer,
		TargetPeer: ex.cfg.SelfName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if settings.RequireApproval {
		app.Status = StatusPendingApproval
		ex.mu.Lock()
		ex.pending[app.ID] = PendingApproval{App: app}
		snapshot := ex.snapshotApprovalsLocked()
		ex.mu.Unlock()
		if err := ex.cfg.Approvals.SavePendingApprovals(snapshot); err != nil {
			ex.log.WithError(err).Warn("Failed to persist pending approval queue.")
		}
		return json.Marshal(ReceiveReply{Status: StatusPendingApproval})
	}

	ex.execute(app)
	return json.Marshal(ReceiveReply{Status: StatusCreating})
}

func (ex *Executor) snapshotApprovalsLocked() []PendingApproval {
	out := make([]PendingApproval, 0, len(ex.pending))
	for _, p := range ex.pending {
		out = append(out, p)
	}
	return out
}

// execute stores app, cancels any previous watcher for its id (re-deploy
// safety) and starts applying it to the backend asynchronously.
func (ex *Executor) execute(app RemoteApp) {
	app.Status = StatusCreating
	ex.mu.Lock()
	if stop, ok := ex.watchers[app.ID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	ex.watchers[app.ID] = stop
	ex.apps[app.ID] = app
	ex.mu.Unlock()

	go ex.applyAndWatch(app, stop)
}

func (ex *Executor) applyAndWatch(app RemoteApp, stop chan struct{}) {
	if err := ex.cfg.Backend.Apply(app); err != nil {
		ex.transition(app.ID, Failed(err.Error()))
		return
	}
	ex.transition(app.ID, StatusRunning)
	ex.watch(app.ID, stop)
}

// watch polls the backend for readiness every ReadinessPollInterval, up to
// ReadinessPollAttempts times, stopping early if stop is closed (superseded
// by a re-deploy or delete).
func (ex *Executor) watch(id string, stop chan struct{}) {
	for attempt := 0; attempt < defaults.ReadinessPollAttempts; attempt++ {
		select {
		case <-stop:
			return
		case <-ex.cfg.Clock.After(defaults.ReadinessPollInterval):
		}
		ready, desired, err := ex.cfg.Backend.Status(id)
		if err != nil {
			continue
		}
		if ready >= desired {
			ex.transition(id, StatusReady)
			return
		}
	}
	ex.transition(id, StatusTimeout)
	ex.cfg.OnNotify(id, "timeout", "remote app "+id+" did not become ready in time")
}

func (ex *Executor) transition(id string, status Status) {
	ex.mu.Lock()
	app, ok := ex.apps[id]
	if !ok {
		ex.mu.Unlock()
		return
	}
	app.Status = status
	app.UpdatedAt = ex.cfg.Clock.Now()
	ex.apps[id] = app
	sourcePeer := app.SourcePeer
	ex.mu.Unlock()

	if status.IsFailed() {
		ex.cfg.OnNotify(id, "failed", string(status))
	}
	ex.pushStatusWithRetry(sourcePeer, id, status)
}

// pushStatusWithRetry delivers a remoteapp/status push, retrying a send
// failure per the §7 status-callback policy (3 attempts, 1s then 2s
// between them). Push frames carry no id so there is no reply to await;
// "ack" here means the send itself succeeded.
func (ex *Executor) pushStatusWithRetry(sourcePeer, id string, status Status) {
	wait := defaults.StatusCallbackRetryBaseInterval
	for attempt := 1; attempt <= defaults.StatusCallbackRetryAttempts; attempt++ {
		mux, ok := ex.cfg.Channels.Mux(sourcePeer)
		if ok {
			if err := mux.Push(MethodStatus, StatusPush{ID: id, Status: status}); err == nil {
				return
			}
		}
		if attempt < defaults.StatusCallbackRetryAttempts {
			<-ex.cfg.Clock.After(wait)
			wait *= 2
		}
	}
	ex.log.WithField(constants.FieldWorkloadID, id).Warn("Failed to deliver remoteapp/status push after retries.")
}

func (ex *Executor) handleScale(payload json.RawMessage) (json.RawMessage, error) {
	var req ScaleRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ex.mu.Lock()
	app, ok := ex.apps[req.ID]
	ex.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("no such remote app %v", req.ID)
	}
	app.Spec.Replicas = req.Replicas
	ex.execute(app)
	return json.Marshal(struct{}{})
}

func (ex *Executor) handleSpecUpdate(payload json.RawMessage) (json.RawMessage, error) {
	var req SpecUpdateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ex.mu.Lock()
	app, ok := ex.apps[req.ID]
	ex.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("no such remote app %v", req.ID)
	}
	if err := req.Spec.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	app.Spec = req.Spec
	ex.execute(app)
	return json.Marshal(struct{}{})
}

func (ex *Executor) handleDelete(payload json.RawMessage) (json.RawMessage, error) {
	var req DeleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := ex.cfg.Backend.Delete(req.ID); err != nil {
		return nil, trace.Wrap(err)
	}
	ex.mu.Lock()
	if stop, ok := ex.watchers[req.ID]; ok {
		close(stop)
		delete(ex.watchers, req.ID)
	}
	delete(ex.apps, req.ID)
	ex.mu.Unlock()
	return json.Marshal(struct{}{})
}

func (ex *Executor) handleDetail(payload json.RawMessage) (json.RawMessage, error) {
	var req DetailRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	ex.mu.Lock()
	app, ok := ex.apps[req.ID]
	ex.mu.Unlock()
	if !ok {
		return nil, trace.NotFound("no such remote app %v", req.ID)
	}
	k8s, err := ex.cfg.Backend.Detail(req.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.Marshal(DetailReply{App: app, K8s: k8s})
}

func (ex *Executor) handleLogs(payload json.RawMessage) (json.RawMessage, error) {
	var req LogsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	logs, err := ex.cfg.Backend.Logs(req.ID, req.TailLines)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.Marshal(LogsReply{Logs: logs})
}

// PendingApprovals returns a snapshot of the approval queue for the
// operator surface.
func (ex *Executor) PendingApprovals() []PendingApproval {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.snapshotApprovalsLocked()
}

// Executing returns a snapshot of every remote_app this agent is currently
// executing on behalf of another peer, for the operator surface's
// GET /remoteapps endpoint.
func (ex *Executor) Executing() []RemoteApp {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	out := make([]RemoteApp, 0, len(ex.apps))
	for _, a := range ex.apps {
		out = append(out, a)
	}
	return out
}

// Approve executes a previously queued submission with the same id.
func (ex *Executor) Approve(id string) error {
	ex.mu.Lock()
	approval, ok := ex.pending[id]
	if ok {
		delete(ex.pending, id)
	}
	snapshot := ex.snapshotApprovalsLocked()
	ex.mu.Unlock()
	if !ok {
		return trace.NotFound("no pending approval for %v", id)
	}
	if err := ex.cfg.Approvals.SavePendingApprovals(snapshot); err != nil {
		ex.log.WithError(err).Warn("Failed to persist pending approval queue.")
	}
	ex.execute(approval.App)
	return nil
}

// Reject drops a pending approval and notifies the submitter.
func (ex *Executor) Reject(id string) error {
	ex.mu.Lock()
	approval, ok := ex.pending[id]
	if ok {
		delete(ex.pending, id)
	}
	snapshot := ex.snapshotApprovalsLocked()
	ex.mu.Unlock()
	if !ok {
		return trace.NotFound("no pending approval for %v", id)
	}
	if err := ex.cfg.Approvals.SavePendingApprovals(snapshot); err != nil {
		ex.log.WithError(err).Warn("Failed to persist pending approval queue.")
	}
	ex.pushStatusWithRetry(approval.App.SourcePeer, id, StatusRejected)
	return nil
}

// RecoverFromBackend lists cluster objects by label selector and rebuilds
// remote_apps without re-applying them; any whose ready count has not yet
// caught up to desired gets a lightweight watcher that resumes polling.
func (ex *Executor) RecoverFromBackend() error {
	backendApps, err := ex.cfg.Backend.ListBySelector()
	if err != nil {
		return trace.Wrap(err)
	}
	now := ex.cfg.Clock.Now()
	for _, ba := range backendApps {
		app := RemoteApp{
			ID:         ba.ID,
			Name:       ba.Name,
			SourcePeer: ba.SourcePeer,
			TargetPeer: ex.cfg.SelfName,
			Spec:       WorkloadSpec{Replicas: ba.Desired},
			Status:     StatusRunning,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if ba.Ready >= ba.Desired {
			app.Status = StatusReady
		}
		stop := make(chan struct{})
		ex.mu.Lock()
		ex.apps[ba.ID] = app
		ex.watchers[ba.ID] = stop
		ex.mu.Unlock()
		if app.Status != StatusReady {
			go ex.watch(ba.ID, stop)
		}
	}
	return nil
}
