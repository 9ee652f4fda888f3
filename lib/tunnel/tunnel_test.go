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
	"testing"

	"github.com/porpulsion/porpulsion/lib/defaults"

	. "gopkg.in/check.v1"
)

func TestTunnel(t *testing.T) { TestingT(t) }

type tunnelSuite struct{}

var _ = Suite(&tunnelSuite{})

func (s *tunnelSuite) TestAllowedByBarePeerName(c *C) {
	c.Assert(Allowed([]string{"agent-a"}, "agent-a", "anything"), Equals, true)
}

func (s *tunnelSuite) TestAllowedByPeerAndApp(c *C) {
	c.Assert(Allowed([]string{"agent-a/app1"}, "agent-a", "app1"), Equals, true)
	c.Assert(Allowed([]string{"agent-a/app1"}, "agent-a", "app2"), Equals, false)
}

func (s *tunnelSuite) TestEmptyAllowlistDeniesAll(c *C) {
	c.Assert(Allowed(nil, "agent-a", "app1"), Equals, false)
}

func (s *tunnelSuite) TestStripHopByHopRemovesListedHeaders(c *C) {
	headers := map[string][]string{
		"Connection":   {"keep-alive"},
		"Content-Type": {"application/json"},
		"host":         {"example.com"},
	}
	stripped := StripHopByHop(headers, defaults.HopByHopHeaders)
	_, hasConnection := stripped["Connection"]
	_, hasHost := stripped["host"]
	c.Assert(hasConnection, Equals, false)
	c.Assert(hasHost, Equals, false)
	c.Assert(stripped["Content-Type"], DeepEquals, []string{"application/json"})
}
