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

// Package workload defines the RemoteApp data model shared by the
// submitter-side Workload Controller and the executor-side Executor
// Adapter, and the submitter-side controller implementation itself.
package workload

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/porpulsion/porpulsion/lib/defaults"

	"github.com/gravitational/trace"
)

// ResourceList is a cluster-native quantity map, e.g. {"cpu": "500m",
// "memory": "128Mi"}.
type ResourceList map[string]string

// Resources holds the requests/limits pair of a WorkloadSpec.
type Resources struct {
	Requests ResourceList `json:"requests,omitempty"`
	Limits   ResourceList `json:"limits,omitempty"`
}

// Port is a named container port.
type Port struct {
	Port int32  `json:"port"`
	Name string `json:"name,omitempty"`
}

// ValueFrom sources an environment variable's value from a secret or
// config map key instead of a literal.
type ValueFrom struct {
	SecretRef    string `json:"secret_ref,omitempty"`
	ConfigMapRef string `json:"configmap_ref,omitempty"`
}

// EnvVar is one container environment variable.
type EnvVar struct {
	Name      string     `json:"name"`
	Value     string     `json:"value,omitempty"`
	ValueFrom *ValueFrom `json:"value_from,omitempty"`
}

// ImagePullPolicy mirrors the cluster-native pull policy enum.
type ImagePullPolicy string

const (
	PullAlways       ImagePullPolicy = "Always"
	PullIfNotPresent ImagePullPolicy = "IfNotPresent"
	PullNever        ImagePullPolicy = "Never"
)

// ReadinessProbe configures the executor's readiness check.
type ReadinessProbe struct {
	HTTPGet            *HTTPGetAction `json:"http_get,omitempty"`
	Exec               []string       `json:"exec,omitempty"`
	InitialDelaySecond int32          `json:"initial_delay_seconds,omitempty"`
	PeriodSeconds      int32          `json:"period_seconds,omitempty"`
	FailureThreshold   int32          `json:"failure_threshold,omitempty"`
}

// HTTPGetAction is the http_get variant of a ReadinessProbe.
type HTTPGetAction struct {
	Path string `json:"path"`
	Port int32  `json:"port"`
}

// SecurityContext carries the pod-level security settings a submitter may
// request.
type SecurityContext struct {
	RunAsNonRoot           *bool  `json:"run_as_non_root,omitempty"`
	RunAsUser              *int64 `json:"run_as_user,omitempty"`
	RunAsGroup             *int64 `json:"run_as_group,omitempty"`
	FSGroup                *int64 `json:"fs_group,omitempty"`
	ReadOnlyRootFilesystem *bool  `json:"read_only_root_filesystem,omitempty"`
}

// WorkloadSpec is the portable description of a containerized workload a
// submitter asks an executor to run. Every field but Image is optional.
type WorkloadSpec struct {
	Image            string          `json:"image"`
	Replicas         int32           `json:"replicas,omitempty"`
	Resources        Resources       `json:"resources,omitempty"`
	Ports            []Port          `json:"ports,omitempty"`
	Command          []string        `json:"command,omitempty"`
	Args             []string        `json:"args,omitempty"`
	Env              []EnvVar        `json:"env,omitempty"`
	ImagePullPolicy  ImagePullPolicy `json:"image_pull_policy,omitempty"`
	ImagePullSecrets []string        `json:"image_pull_secrets,omitempty"`
	ReadinessProbe   *ReadinessProbe `json:"readiness_probe,omitempty"`
	SecurityContext  *SecurityContext `json:"security_context,omitempty"`
}

// CheckAndSetDefaults validates the required fields and fills in the
// documented defaults (replicas defaults to 1).
func (s *WorkloadSpec) CheckAndSetDefaults() error {
	if s.Image == "" {
		return trace.BadParameter("missing Image parameter")
	}
	if s.Replicas == 0 {
		s.Replicas = 1
	}
	if s.Replicas < 1 {
		return trace.BadParameter("replicas must be at least 1, got %v", s.Replicas)
	}
	switch s.ImagePullPolicy {
	case "":
		s.ImagePullPolicy = PullIfNotPresent
	case PullAlways, PullIfNotPresent, PullNever:
	default:
		return trace.BadParameter("unknown image_pull_policy %q", s.ImagePullPolicy)
	}
	return nil
}

// Status is the lifecycle state of a RemoteApp. Failed carries a reason
// suffix, e.g. "Failed:image pull backoff".
type Status string

const (
	StatusPending          Status = "Pending"
	StatusCreating         Status = "Creating"
	StatusRunning          Status = "Running"
	StatusReady            Status = "Ready"
	StatusTimeout          Status = "Timeout"
	StatusRejected         Status = "Rejected"
	StatusDeleted          Status = "Deleted"
	StatusUnknown          Status = "Unknown"
	StatusPendingApproval  Status = "PendingApproval"
	failedPrefix                  = "Failed:"
)

// Failed builds a Failed:<reason> status value.
func Failed(reason string) Status {
	return Status(failedPrefix + reason)
}

// IsFailed reports whether s is any Failed:<reason> value.
func (s Status) IsFailed() bool {
	return len(s) >= len(failedPrefix) && string(s[:len(failedPrefix)]) == failedPrefix
}

// IsActive reports whether an app in this status counts toward the
// aggregate admission ceilings (any status not in {Failed, Timeout,
// Deleted}).
func (s Status) IsActive() bool {
	if s.IsFailed() {
		return false
	}
	switch s {
	case StatusTimeout, StatusDeleted:
		return false
	}
	return true
}

// RemoteApp is the canonical record of one submitted workload. It exists
// as two projections of the same id: a local_app on the submitter (target
// peer set, follows status callbacks) and a remote_app on the executor
// (backed by real cluster resources).
type RemoteApp struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Spec       WorkloadSpec `json:"spec"`
	SourcePeer string       `json:"source_peer"`
	TargetPeer string       `json:"target_peer"`
	Status     Status       `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// PendingApproval is an executor-side admission-passing submission held
// until the operator approves or rejects it. Mutually exclusive with a
// remote_app entry of the same id.
type PendingApproval struct {
	App RemoteApp `json:"app"`
}

// NewID returns a fresh 8-hex opaque RemoteApp id.
func NewID() (string, error) {
	buf := make([]byte, defaults.AppIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}
