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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"

	. "gopkg.in/check.v1"
)

type fakeResolver struct {
	name, namespace string
	err             error
}

func (f *fakeResolver) ResolveService(appID string) (string, string, error) {
	return f.name, f.namespace, f.err
}

// fakeRoundTripper redirects every request made against
// "<name>.<namespace>.svc.cluster.local" to an httptest.Server, so the
// engine's hardcoded cluster-DNS URL construction can be exercised
// without a real cluster.
type fakeRoundTripper struct {
	backend *url.URL
}

func (f *fakeRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = f.backend.Scheme
	req.URL.Host = f.backend.Host
	return http.DefaultTransport.RoundTrip(req)
}

func (s *tunnelSuite) TestHandleProxyRoundTrip(c *C) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Assert(r.URL.Path, Equals, "/hello")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Echo", "1")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hi"))
	}))
	defer backend.Close()
	backendURL, err := url.Parse(backend.URL)
	c.Assert(err, IsNil)

	policy := Policy{AllowInboundTunnels: true, TunnelAllowlist: []string{"agent-a/app1"}}
	engine, err := New(ExecutorConfig{
		Settings: func() Policy { return policy },
		Resolver: &fakeResolver{name: "svc", namespace: "porpulsion"},
		Client:   &http.Client{Transport: &fakeRoundTripper{backend: backendURL}},
	})
	c.Assert(err, IsNil)

	port, err := strconv.Atoi(strings.TrimPrefix(backendURL.Port(), ":"))
	c.Assert(err, IsNil)
	payload, err := json.Marshal(ProxyRequest{
		AppID:      "app1",
		Port:       int32(port),
		Method:     "GET",
		Path:       "/hello",
		SourcePeer: "agent-a",
	})
	c.Assert(err, IsNil)

	raw, err := engine.handleProxy(payload)
	c.Assert(err, IsNil)
	var reply ProxyReply
	c.Assert(json.Unmarshal(raw, &reply), IsNil)
	c.Assert(reply.Status, Equals, http.StatusOK)
	c.Assert(string(reply.Body), Equals, "hi")
	_, hasConnection := reply.Headers["Connection"]
	c.Assert(hasConnection, Equals, false)
}

func (s *tunnelSuite) TestHandleProxyRejectsWhenDisabled(c *C) {
	engine, err := New(ExecutorConfig{
		Settings: func() Policy { return Policy{} },
		Resolver: &fakeResolver{},
	})
	c.Assert(err, IsNil)

	payload, err := json.Marshal(ProxyRequest{AppID: "app1", SourcePeer: "agent-a"})
	c.Assert(err, IsNil)
	_, err = engine.handleProxy(payload)
	c.Assert(err, NotNil)
}

func (s *tunnelSuite) TestHandleProxyRejectsUnlistedPeer(c *C) {
	engine, err := New(ExecutorConfig{
		Settings: func() Policy {
			return Policy{AllowInboundTunnels: true, TunnelAllowlist: []string{"agent-z"}}
		},
		Resolver: &fakeResolver{},
	})
	c.Assert(err, IsNil)

	payload, err := json.Marshal(ProxyRequest{AppID: "app1", SourcePeer: "agent-a"})
	c.Assert(err, IsNil)
	_, err = engine.handleProxy(payload)
	c.Assert(err, NotNil)
}
