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

// package constants contains global constants shared between packages
package constants

import "time"

const (
	// ComponentPeer is the peering/channel subsystem
	ComponentPeer = "peer"
	// ComponentChannel is the per-peer channel reader/writer
	ComponentChannel = "channel"
	// ComponentRPC is the request/reply/push multiplexer
	ComponentRPC = "rpc"
	// ComponentAdmission is the admission/quota/policy engine
	ComponentAdmission = "admission"
	// ComponentExecutor is the executor backend adapter
	ComponentExecutor = "executor"
	// ComponentTunnel is the HTTP tunnel-over-channel engine
	ComponentTunnel = "tunnel"
	// ComponentIdentity is the CA/identity store
	ComponentIdentity = "identity"
	// ComponentRegistry is the peer registry
	ComponentRegistry = "registry"
	// ComponentStorage is the persistence layer
	ComponentStorage = "storage"
	// ComponentWeb is the local HTTP API
	ComponentWeb = "web"
	// ComponentAgent is the top-level agent process
	ComponentAgent = "agent"

	// FieldPeerID is the logging field carrying a peer identifier
	FieldPeerID = "peer"
	// FieldWorkloadID is the logging field carrying a workload identifier
	FieldWorkloadID = "workload"
	// FieldRequestID is the logging field carrying an RPC request id
	FieldRequestID = "reqid"
	// FieldMethod is the logging field carrying an RPC method name
	FieldMethod = "method"
	// FieldError contains error message
	FieldError = "error"
	// FieldAddr is the logging field carrying a network address
	FieldAddr = "addr"

	// BoltBackend names the BoltDB storage backend
	BoltBackend = "bolt"

	// Localhost is the local loopback address
	Localhost = "127.0.0.1"

	// InviteTokenHeader carries the bearer invite token on the bootstrap
	// peering request.
	InviteTokenHeader = "X-Invite-Token"
	// AgentNameHeader carries the calling agent's name on the channel
	// upgrade request.
	AgentNameHeader = "X-Agent-Name"
	// AgentCAHeader carries the calling agent's base64-encoded CA
	// certificate on the channel upgrade request.
	AgentCAHeader = "X-Agent-Ca"

	// True is a boolean 'true' value used in label comparisons
	True = "true"

	// HumanDateFormat is a human readable date formatting
	HumanDateFormat = "Mon Jan _2 15:04 UTC"
	// HumanDateFormatSeconds is HumanDateFormat with seconds
	HumanDateFormatSeconds = "Mon Jan _2 15:04:05 UTC"

	// MaxInteractiveSessionTTL bounds how long a tunneled exec-style session may run
	MaxInteractiveSessionTTL = 20 * time.Hour

	// SuccessMark is used in CLI to visually indicate success
	SuccessMark = "✓"
	// FailureMark is used in CLI to visually indicate failure
	FailureMark = "×"
	// InProgressMark is used in CLI to visually indicate progress
	InProgressMark = "→"
	// WarnMark is used in CLI to visually indicate a warning
	WarnMark = "!"
)

var (
	// EncodingJSON is for the JSON encoding format
	EncodingJSON Format = "json"
	// EncodingText is for the plain-text encoding format
	EncodingText Format = "text"
	// EncodingYAML is for the YAML encoding format
	EncodingYAML Format = "yaml"
	// OutputFormats is a list of recognized output formats for porpulsion CLI commands
	OutputFormats = []Format{
		EncodingText,
		EncodingJSON,
		EncodingYAML,
	}
)

// Format is the type for supported output formats
type Format string

// Set sets the format value
func (f *Format) Set(v string) error {
	*f = Format(v)
	return nil
}

// String returns the format string representation
func (f *Format) String() string {
	return string(*f)
}
