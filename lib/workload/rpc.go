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

import "encoding/json"

// ReceiveRequest is the remoteapp/receive payload sent by the submitter.
type ReceiveRequest struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Spec       WorkloadSpec `json:"spec"`
	SourcePeer string       `json:"source_peer"`
}

// ReceiveReply is the remoteapp/receive reply payload.
type ReceiveReply struct {
	Status Status `json:"status"`
}

// StatusPush is the remoteapp/status push payload sent by the executor
// whenever a RemoteApp transitions.
type StatusPush struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// ScaleRequest is the remoteapp/scale payload.
type ScaleRequest struct {
	ID       string `json:"id"`
	Replicas int32  `json:"replicas"`
}

// SpecUpdateRequest is the remoteapp/spec-update payload.
type SpecUpdateRequest struct {
	ID   string       `json:"id"`
	Spec WorkloadSpec `json:"spec"`
}

// DeleteRequest is the remoteapp/delete payload.
type DeleteRequest struct {
	ID string `json:"id"`
}

// DetailRequest is the remoteapp/detail payload.
type DetailRequest struct {
	ID string `json:"id"`
}

// DetailReply is the remoteapp/detail reply payload. K8s carries whatever
// cluster-native object description the executor backend chooses to
// surface; the submitter treats it as opaque.
type DetailReply struct {
	App RemoteApp       `json:"app"`
	K8s json.RawMessage `json:"k8s,omitempty"`
}

// LogsRequest is the remoteapp/logs payload.
type LogsRequest struct {
	ID        string `json:"id"`
	TailLines int64  `json:"tail_lines,omitempty"`
}

// LogsReply is the remoteapp/logs reply payload.
type LogsReply struct {
	Logs string `json:"logs"`
}

// Known RPC method type names, mirroring the channel wire vocabulary.
const (
	MethodReceive    = "remoteapp/receive"
	MethodStatus     = "remoteapp/status"
	MethodDelete     = "remoteapp/delete"
	MethodScale      = "remoteapp/scale"
	MethodDetail     = "remoteapp/detail"
	MethodSpecUpdate = "remoteapp/spec-update"
	MethodLogs       = "remoteapp/logs"
)
