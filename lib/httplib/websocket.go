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

package httplib

import (
	"crypto/tls"
	"net/http"
	"net/url"

	"github.com/gravitational/trace"
	"golang.org/x/net/websocket"
)

// DialChannel opens a client-side websocket connection to a peer's channel
// upgrade endpoint using the given TLS configuration and upgrade headers
// (the calling agent's name and base64 CA, per the peer-facing /ws
// contract). The caller is expected to have already set tlsConfig's
// RootCAs to the peer's pinned CA.
func DialChannel(rawURL string, tlsConfig *tls.Config, header http.Header) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if u.Scheme == "http" {
		u.Scheme = "ws"
	} else {
		u.Scheme = "wss"
	}
	conf, err := websocket.NewConfig(u.String(), "https://porpulsion.local")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf.TlsConfig = tlsConfig
	if header != nil {
		conf.Header = header
	}

	conn, err := websocket.DialConfig(conf)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to dial channel at %v", rawURL)
	}
	return conn, nil
}

// ChannelUpgradeHandler wraps a per-connection handler in a websocket.Server
// suitable for mounting at the channel upgrade path of the peer-facing
// listener. It performs no origin check, and the listener requests no
// client certificate; the peer is authenticated after the upgrade by the
// handler passed in (lib/peerapi hands the claimed CA to the Channel
// Manager's fingerprint check).
func ChannelUpgradeHandler(handle func(*websocket.Conn)) http.Handler {
	return &websocket.Server{
		Handler: handle,
	}
}
