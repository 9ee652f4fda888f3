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

package agent

import (
	"path/filepath"
	"testing"

	"github.com/porpulsion/porpulsion/lib/admission"

	"k8s.io/client-go/kubernetes/fake"

	. "gopkg.in/check.v1"
)

func TestAgent(t *testing.T) { TestingT(t) }

type agentSuite struct{}

var _ = Suite(&agentSuite{})

func newTestAgent(c *C) *Agent {
	a, err := New(Config{
		SelfName:  "agent-a",
		SelfURL:   "https://agent-a.example.com:7443",
		DataDir:   c.MkDir(),
		Namespace: "default",
		K8sClient: fake.NewSimpleClientset(),
	})
	c.Assert(err, IsNil)
	return a
}

func (s *agentSuite) TestNewWiresEverySubsystem(c *C) {
	a := newTestAgent(c)
	defer a.Close()

	c.Assert(a.Identity, NotNil)
	c.Assert(a.Registry, NotNil)
	c.Assert(a.Channels, NotNil)
	c.Assert(a.Peering, NotNil)
	c.Assert(a.Workload, NotNil)
	c.Assert(a.Executor, NotNil)
	c.Assert(a.Tunnel, NotNil)
	c.Assert(a.Backend, NotNil)
}

func (s *agentSuite) TestStartRehydratesFromEmptyStore(c *C) {
	a := newTestAgent(c)
	defer a.Close()

	c.Assert(a.Start(), IsNil)
	c.Assert(a.Workload.List(), HasLen, 0)
}

func (s *agentSuite) TestSettingsRoundTripThroughPersistence(c *C) {
	dataDir := c.MkDir()
	a, err := New(Config{
		SelfName:  "agent-a",
		SelfURL:   "https://agent-a.example.com:7443",
		DataDir:   dataDir,
		Namespace: "default",
		K8sClient: fake.NewSimpleClientset(),
	})
	c.Assert(err, IsNil)

	settings := admission.DefaultSettings()
	settings.AllowInboundRemoteApps = true
	settings.AllowInboundTunnels = true
	settings.TunnelAllowlist = []string{"agent-b/app1"}
	c.Assert(a.UpdateSettings(settings), IsNil)
	c.Assert(a.Settings().AllowInboundRemoteApps, Equals, true)
	a.Close()

	reopened, err := New(Config{
		SelfName:  "agent-a",
		SelfURL:   "https://agent-a.example.com:7443",
		DataDir:   dataDir,
		Namespace: "default",
		K8sClient: fake.NewSimpleClientset(),
	})
	c.Assert(err, IsNil)
	defer reopened.Close()

	got := reopened.Settings()
	c.Assert(got.AllowInboundRemoteApps, Equals, true)
	c.Assert(got.AllowInboundTunnels, Equals, true)
	c.Assert(got.TunnelAllowlist, DeepEquals, []string{"agent-b/app1"})

	policy := reopened.tunnelPolicy()
	c.Assert(policy.AllowInboundTunnels, Equals, true)
	c.Assert(policy.TunnelAllowlist, DeepEquals, []string{"agent-b/app1"})
}

func (s *agentSuite) TestRemovePeerOfUnknownPeerReturnsNotFound(c *C) {
	a := newTestAgent(c)
	defer a.Close()

	err := a.RemovePeer("nope")
	c.Assert(err, NotNil)
}

func (s *agentSuite) TestDataDirIsCreatedIfMissing(c *C) {
	dataDir := filepath.Join(c.MkDir(), "nested", "porpulsion")
	a, err := New(Config{
		SelfName:  "agent-a",
		SelfURL:   "https://agent-a.example.com:7443",
		DataDir:   dataDir,
		Namespace: "default",
		K8sClient: fake.NewSimpleClientset(),
	})
	c.Assert(err, IsNil)
	defer a.Close()
}
