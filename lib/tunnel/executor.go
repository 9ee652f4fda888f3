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

package tunnel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/rpcmux"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// ServiceResolver locates the cluster Service backing a RemoteApp, by
// label selector rather than pod IP so it survives replica churn and
// restarts.
type ServiceResolver interface {
	ResolveService(appID string) (name, namespace string, err error)
}

// Policy is the slice of an agent's AgentSettings the Tunnel Engine
// needs. Defined locally rather than importing lib/admission.Settings
// directly so this package stays a leaf: lib/workload's submitter side
// needs this package's wire types, and lib/admission is decoupled from
// lib/workload's Controller type, so the two cannot both be imported
// here without a cycle. The agent composition root converts
// admission.Settings into a Policy at the call site.
type Policy struct {
	AllowInboundTunnels bool
	TunnelAllowlist     []string
}

// SettingsSource returns the current tunnel policy snapshot.
type SettingsSource func() Policy

// ExecutorConfig configures an Engine.
type ExecutorConfig struct {
	Settings SettingsSource
	Resolver ServiceResolver
	Client   *http.Client
}

// CheckAndSetDefaults validates the configuration and fills in defaults.
func (c *ExecutorConfig) CheckAndSetDefaults() error {
	if c.Settings == nil {
		return trace.BadParameter("missing Settings parameter")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing Resolver parameter")
	}
	if c.Client == nil {
		c.Client = &http.Client{
			Timeout: defaults.TunnelRequestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return nil
}

// Engine is the executor-side half of the Tunnel Engine: it authorizes
// and executes an inbound proxy/request against the target app's
// Service.
type Engine struct {
	cfg ExecutorConfig
	log logrus.FieldLogger
}

// New creates an Engine.
func New(cfg ExecutorConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg: cfg,
		log: logrus.WithField(trace.Component, constants.ComponentExecutor),
	}, nil
}

// RegisterHandlers wires the proxy/request handler onto a peer channel.
func (e *Engine) RegisterHandlers(mux *rpcmux.Multiplexer) {
	mux.Handle(MethodProxy, e.handleProxy)
}

func (e *Engine) handleProxy(payload json.RawMessage) (json.RawMessage, error) {
	var req ProxyRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, trace.Wrap(err)
	}

	settings := e.cfg.Settings()
	if !settings.AllowInboundTunnels {
		return nil, trace.AccessDenied("inbound tunnels are disabled")
	}
	if !Allowed(settings.TunnelAllowlist, req.SourcePeer, req.AppID) {
		return nil, trace.AccessDenied("peer %q is not allowed to tunnel into app %q", req.SourcePeer, req.AppID)
	}

	name, namespace, err := e.cfg.Resolver.ResolveService(req.AppID)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	reply, err := e.forward(name, namespace, req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return json.Marshal(reply)
}

func (e *Engine) forward(serviceName, namespace string, req ProxyRequest) (*ProxyReply, error) {
	url := fmt.Sprintf("http://%v.%v.svc.cluster.local:%v/%v", serviceName, namespace, req.Port, strings.TrimPrefix(req.Path, "/"))

	ctx, cancel := context.WithTimeout(context.Background(), defaults.TunnelRequestTimeout)
	defer cancel()

	innerReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(req.Body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for k, v := range StripHopByHop(req.Headers, defaults.HopByHopHeaders) {
		innerReq.Header[k] = v
	}

	resp, err := e.cfg.Client.Do(innerReq)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &ProxyReply{
		Status:  resp.StatusCode,
		Headers: StripHopByHop(resp.Header, defaults.HopByHopHeaders),
		Body:    body,
	}, nil
}
