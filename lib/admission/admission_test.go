package admission

import (
	"testing"

	"github.com/porpulsion/porpulsion/lib/workload"

	"github.com/gravitational/trace"
	. "gopkg.in/check.v1"
)

func TestAdmission(t *testing.T) { TestingT(t) }

type admissionSuite struct{}

var _ = Suite(&admissionSuite{})

func baseSpec() workload.WorkloadSpec {
	return workload.WorkloadSpec{
		Image:    "registry.local/app:v1",
		Replicas: 2,
		Resources: workload.Resources{
			Requests: workload.ResourceList{"cpu": "100m", "memory": "64Mi"},
			Limits:   workload.ResourceList{"cpu": "200m", "memory": "128Mi"},
		},
	}
}

func (s *admissionSuite) TestInboundDisabledRejectsFirst(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: false}
	err := e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(trace.IsAccessDenied(err), Equals, true)
}

func (s *admissionSuite) TestSourcePeerAllowlist(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, AllowedSourcePeers: []string{"peer-b"}}
	err := e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(trace.IsAccessDenied(err), Equals, true)

	err = e.Check(settings, baseSpec(), "peer-b", nil)
	c.Assert(err, IsNil)
}

func (s *admissionSuite) TestBlockedImagePrefix(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, BlockedImages: []string{"evil.registry/"}}
	spec := baseSpec()
	spec.Image = "evil.registry/app:latest"
	err := e.Check(settings, spec, "peer-a", nil)
	c.Assert(trace.IsAccessDenied(err), Equals, true)
}

func (s *admissionSuite) TestAllowedImagePrefixRequired(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, AllowedImages: []string{"registry.local/"}}
	spec := baseSpec()
	spec.Image = "other.registry/app:latest"
	err := e.Check(settings, spec, "peer-a", nil)
	c.Assert(trace.IsAccessDenied(err), Equals, true)

	err = e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(err, IsNil)
}

func (s *admissionSuite) TestRequireResourceRequests(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, RequireResourceRequests: true}
	spec := workload.WorkloadSpec{Image: "registry.local/app:v1", Replicas: 1}
	err := e.Check(settings, spec, "peer-a", nil)
	c.Assert(trace.IsBadParameter(err), Equals, true)
}

func (s *admissionSuite) TestPerPodCeilingMemoryNotParsedAsMillicores(c *C) {
	e := New()
	// 128Mi must not be parsed as 128 millicores; the ceiling is generous
	// in bytes but tiny in millicores, so a wrong parse would reject this.
	settings := Settings{AllowInboundRemoteApps: true, MaxMemoryRequestPerPod: "256Mi"}
	err := e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(err, IsNil)
}

func (s *admissionSuite) TestPerPodCeilingExceeded(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, MaxCPURequestPerPod: "150m"}
	err := e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(trace.IsBadParameter(err), Equals, true)
}

func (s *admissionSuite) TestMaxReplicasPerApp(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, MaxReplicasPerApp: 1}
	err := e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(trace.IsBadParameter(err), Equals, true)
}

func (s *admissionSuite) TestMaxTotalDeployments(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, MaxTotalDeployments: 1}
	active := []Active{{Replicas: 1}}
	err := e.Check(settings, baseSpec(), "peer-a", active)
	c.Assert(trace.IsBadParameter(err), Equals, true)
}

func (s *admissionSuite) TestMaxTotalPods(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, MaxTotalPods: 2}
	active := []Active{{Replicas: 1}}
	// baseSpec requests 2 replicas, plus 1 active = 3 > 2
	err := e.Check(settings, baseSpec(), "peer-a", active)
	c.Assert(trace.IsBadParameter(err), Equals, true)
}

func (s *admissionSuite) TestAggregateCPUCeiling(c *C) {
	e := New()
	settings := Settings{AllowInboundRemoteApps: true, MaxTotalCPURequests: "150m"}
	// baseSpec requests 100m * 2 replicas = 200m > 150m
	err := e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(trace.IsBadParameter(err), Equals, true)
}

func (s *admissionSuite) TestFullyPermissiveSettingsAdmit(c *C) {
	e := New()
	settings := DefaultSettings()
	settings.AllowInboundRemoteApps = true
	err := e.Check(settings, baseSpec(), "peer-a", nil)
	c.Assert(err, IsNil)
}
