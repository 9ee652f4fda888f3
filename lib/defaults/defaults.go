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

package defaults

import (
	"crypto/tls"
	"time"
)

const (
	// RSAPrivateKeyBits is the default bit size for generated RSA private keys
	RSAPrivateKeyBits = 4096

	// CACertificateExpiry is the validity period of the self-signed CA
	// generated for an agent's identity
	CACertificateExpiry = 10 * 365 * 24 * time.Hour // 10 years

	// CertificateExpiry is the validity period of leaf certificates issued
	// off the agent CA
	CertificateExpiry = 1 * 365 * 24 * time.Hour

	// CAPathLength is the max path length constraint on the agent's self-signed CA
	CAPathLength = 0

	// InviteTokenBytes is the length in bytes of the random invite token.
	// 16 bytes is 128 bits of entropy, hex-encoded to 32 characters.
	InviteTokenBytes = 16

	// PeeringCancelPollInterval is a poll interval for cancelling a pending
	// outbound peering. The invite retry loop in lib/peering does not read
	// it: it selects on the entry's cancellation channel, which wakes it as
	// soon as the entry is cancelled
	PeeringCancelPollInterval = 200 * time.Millisecond

	// PeeringInviteRetryAttempts is the max number of times an outbound
	// invite is retried
	PeeringInviteRetryAttempts = 30

	// PeeringInviteRetryInterval is the fixed spacing between invite retries
	PeeringInviteRetryInterval = 1 * time.Second

	// ChannelMinReconnectInterval is the first reconnect delay
	ChannelMinReconnectInterval = 2 * time.Second

	// ChannelMaxReconnectInterval is the steady-state reconnect delay once
	// the ramp is exhausted
	ChannelMaxReconnectInterval = 30 * time.Second

	// ChannelKeepAlivePeriod is how often the channel owner pushes a ping
	ChannelKeepAlivePeriod = 20 * time.Second

	// RPCCallTimeout is the default timeout for a request/reply RPC call
	// when the caller does not specify one
	RPCCallTimeout = 30 * time.Second

	// RPCMaxFrameSize bounds the size of a single wire frame
	RPCMaxFrameSize = 4 * 1024 * 1024

	// StatusCallbackRetryAttempts is how many times an executor retries
	// delivering a remoteapp/status push awaiting acknowledgement
	StatusCallbackRetryAttempts = 3

	// StatusCallbackRetryBaseInterval is the base of the status callback
	// backoff, doubled after each failed attempt (1s, then 2s)
	StatusCallbackRetryBaseInterval = 1 * time.Second

	// ReadinessPollAttempts is the number of readiness polls before a
	// workload is declared Timeout
	ReadinessPollAttempts = 60

	// ReadinessPollInterval is the spacing between readiness polls
	ReadinessPollInterval = 2 * time.Second

	// TunnelRequestTimeout bounds the inner HTTP request issued by the
	// tunnel engine on the executor side
	TunnelRequestTimeout = 30 * time.Second

	// DBOpenTimeout is the default timeout for opening the persistence store
	DBOpenTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful shutdown of the agent process
	ShutdownTimeout = 30 * time.Second

	// SharedReadWriteMask is a mask for a shared file with read/write access
	SharedReadWriteMask = 0666

	// PrivateFileMask is a mask for private files (identity material)
	PrivateFileMask = 0600

	// PrivateDirMask is a mask for private directories
	PrivateDirMask = 0700

	// CredentialsKey is the persistence-layer key holding CA/certs/token/peers
	CredentialsKey = "credentials"

	// StateKey is the persistence-layer key holding local apps/settings/approvals
	StateKey = "state"

	// AppIDBytes is the number of random bytes used to derive an 8-hex app id
	AppIDBytes = 4

	// MaxReplicasPerApp is the default ceiling on replicas for a single
	// submitted workload absent an operator override
	MaxReplicasPerApp = 50

	// MaxTotalDeployments is the default ceiling on active deployments absent
	// an operator override
	MaxTotalDeployments = 100

	// MaxTotalPods is the default ceiling on the sum of replicas across
	// active deployments absent an operator override
	MaxTotalPods = 500

	// LocalAPIListenAddr is the default bind address for the operator-facing
	// HTTP API
	LocalAPIListenAddr = "127.0.0.1:7070"

	// PeerAPIListenAddr is the default bind address for the peer-facing
	// surface (handshake + channel upgrade)
	PeerAPIListenAddr = "0.0.0.0:7443"

	// AgentNamespaceEnv names the environment variable carrying the
	// Kubernetes namespace the agent's own workloads live in
	AgentNamespaceEnv = "PORPULSION_NAMESPACE"

	// AgentNameEnv names the environment variable carrying this agent's
	// peer-visible name
	AgentNameEnv = "AGENT_NAME"

	// SelfURLEnv names the environment variable carrying this agent's
	// externally reachable peer URL
	SelfURLEnv = "SELF_URL"

	// RemoteAppLabelKey is the Kubernetes label used to mark and rediscover
	// objects created on behalf of a RemoteApp
	RemoteAppLabelKey = "porpulsion.io/remote-app-id"

	// SourcePeerLabelKey is the Kubernetes label recording the submitting peer
	SourcePeerLabelKey = "porpulsion.io/source-peer"

	// MaxObjectNameLength is the Kubernetes object name length limit
	MaxObjectNameLength = 63
)

// DefaultTLSConfig returns the baseline TLS configuration for the outbound
// HTTP clients built by lib/httplib. The peer-facing listener in
// cmd/porpulsion builds its own tls.Config.
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
}

// HopByHopHeaders lists the headers that must not be forwarded across a
// tunnelled HTTP hop, in either direction.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}
