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
	"crypto/x509"
	"net"
	"net/http"
	"time"

	"github.com/porpulsion/porpulsion/lib/defaults"
)

// ClientOption sets custom HTTP client option
type ClientOption func(*http.Client)

// WithInsecure sets insecure TLS config. Used by the peering bootstrap
// invite, which is sent before the peer's CA fingerprint has been checked.
func WithInsecure() ClientOption {
	return func(c *http.Client) {
		tlsConfig := c.Transport.(*http.Transport).TLSClientConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{}
		}
		tlsConfig.InsecureSkipVerify = true
		c.Transport.(*http.Transport).TLSClientConfig = tlsConfig
	}
}

// WithTLSClientConfig sets TLS client configuration.
func WithTLSClientConfig(tlsConfig *tls.Config) ClientOption {
	return func(c *http.Client) {
		c.Transport.(*http.Transport).TLSClientConfig = tlsConfig
		// GetClientCertificate is required to force the client to always
		// present the certificate; otherwise it may omit it in some
		// handshake paths. https://github.com/golang/go/issues/23924
		if len(tlsConfig.Certificates) != 0 {
			c.Transport.(*http.Transport).TLSClientConfig.GetClientCertificate = func(_ *tls.CertificateRequestInfo) (*tls.Certificate, error) {
				return &tlsConfig.Certificates[0], nil
			}
		}
	}
}

// WithTimeout sets the overall request timeout.
func WithTimeout(t time.Duration) ClientOption {
	return func(c *http.Client) {
		c.Timeout = t
	}
}

// WithDialTimeout sets the TCP dial timeout.
func WithDialTimeout(t time.Duration) ClientOption {
	return func(c *http.Client) {
		c.Transport.(*http.Transport).DialContext = (&net.Dialer{Timeout: t}).DialContext
	}
}

// WithClientCert attaches the agent's leaf certificate for mTLS.
func WithClientCert(cert tls.Certificate) ClientOption {
	return func(c *http.Client) {
		transport := c.Transport.(*http.Transport)
		transport.TLSClientConfig.Certificates = append(transport.TLSClientConfig.Certificates, cert)
	}
}

// WithPinnedCA restricts server validation to the single CA certificate
// pinned during peering, rather than the system trust store.
func WithPinnedCA(caPEM []byte) ClientOption {
	return func(c *http.Client) {
		transport := c.Transport.(*http.Transport)
		if transport.TLSClientConfig.RootCAs == nil {
			transport.TLSClientConfig.RootCAs = x509.NewCertPool()
		}
		transport.TLSClientConfig.RootCAs.AppendCertsFromPEM(caPEM)
	}
}

// WithIdleConnTimeout overrides the transport connection idle timeout.
func WithIdleConnTimeout(timeout time.Duration) ClientOption {
	return func(c *http.Client) {
		c.Transport.(*http.Transport).IdleConnTimeout = timeout
	}
}

// NewClient creates a new HTTP client with the specified list of configuration
// options. The default transport uses the pinned-CA-aware TLS baseline from
// defaults.DefaultTLSConfig and a conservative dial timeout; callers dialing
// a peer for the first time (before its fingerprint is pinned) opt into
// WithInsecure explicitly for that single bootstrap request.
func NewClient(options ...ClientOption) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: defaults.DefaultTLSConfig(),
		DialContext:     (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
	}
	client := &http.Client{Transport: transport}
	for _, o := range options {
		o(client)
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}
	return client
}

// GetClient returns a secure or insecure client based on settings.
func GetClient(insecure bool, options ...ClientOption) *http.Client {
	if insecure {
		options = append(options, WithInsecure())
	}
	return NewClient(options...)
}
