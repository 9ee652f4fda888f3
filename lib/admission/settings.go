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

// Package admission evaluates an inbound WorkloadSpec against an agent's
// policy settings before it is queued for execution, and holds the
// per-peer tunnel allowlist consulted by the Tunnel Engine.
package admission

import "github.com/porpulsion/porpulsion/lib/defaults"

// Settings is the operator-controlled policy object. All fields have safe
// defaults so a zero-value Settings behaves like a freshly bootstrapped,
// fully locked-down agent (inbound remote apps and tunnels both off).
type Settings struct {
	// AllowInboundRemoteApps gates every inbound remoteapp/receive.
	AllowInboundRemoteApps bool `json:"allow_inbound_remoteapps"`
	// RequireApproval routes admission-passing submissions to the
	// PendingApproval queue instead of executing them directly.
	RequireApproval bool `json:"require_remoteapp_approval"`
	// AllowedSourcePeers, if non-empty, is the only set of peers allowed
	// to submit a RemoteApp.
	AllowedSourcePeers []string `json:"allowed_source_peers,omitempty"`
	// BlockedImages lists image prefixes that are always rejected.
	BlockedImages []string `json:"blocked_images,omitempty"`
	// AllowedImages, if non-empty, requires a prefix match.
	AllowedImages []string `json:"allowed_images,omitempty"`
	// RequireResourceRequests, when true, rejects specs missing any of
	// requests.cpu, requests.memory, limits.cpu, limits.memory.
	RequireResourceRequests bool `json:"require_resource_requests"`
	// MaxCPURequestPerPod/MaxMemoryRequestPerPod are quantity-string
	// ceilings applied to each of requests.cpu/limits.cpu and
	// requests.memory/limits.memory.
	MaxCPURequestPerPod    string `json:"max_cpu_request_per_pod,omitempty"`
	MaxMemoryRequestPerPod string `json:"max_memory_request_per_pod,omitempty"`
	// MaxReplicasPerApp ceilings a single submission's replica count.
	MaxReplicasPerApp int `json:"max_replicas_per_app,omitempty"`
	// MaxTotalDeployments ceilings the count of active RemoteApps.
	MaxTotalDeployments int `json:"max_total_deployments,omitempty"`
	// MaxTotalPods ceilings the sum of replicas across active RemoteApps.
	MaxTotalPods int `json:"max_total_pods,omitempty"`
	// MaxTotalCPURequests/MaxTotalMemoryRequests are quantity-string
	// ceilings on the sum of requests.cpu/requests.memory across active
	// RemoteApps.
	MaxTotalCPURequests    string `json:"max_total_cpu_requests,omitempty"`
	MaxTotalMemoryRequests string `json:"max_total_memory_requests,omitempty"`
	// AllowInboundTunnels gates every inbound proxy/request.
	AllowInboundTunnels bool `json:"allow_inbound_tunnels"`
	// TunnelAllowlist holds tokens of the form "peer" (whole peer allowed)
	// or "peer/app_id" (one app allowed). Empty means deny-all while
	// AllowInboundTunnels is true.
	TunnelAllowlist []string `json:"tunnel_allowlist,omitempty"`
	// LogLevel is the operator-controlled diagnostic log level.
	LogLevel string `json:"log_level,omitempty"`
}

// DefaultSettings returns the settings a freshly generated identity boots
// with: inbound remote apps and tunnels disabled, generous default
// ceilings so that once the operator opts in, obviously-reasonable
// submissions are not rejected by a forgotten zero value.
func DefaultSettings() Settings {
	return Settings{
		MaxReplicasPerApp:   defaults.MaxReplicasPerApp,
		MaxTotalDeployments: defaults.MaxTotalDeployments,
		MaxTotalPods:        defaults.MaxTotalPods,
	}
}
