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

package k8sbackend

import (
	"context"
	"testing"

	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/workload"

	. "gopkg.in/check.v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestK8sBackend(t *testing.T) { TestingT(t) }

type backendSuite struct{}

var _ = Suite(&backendSuite{})

func newBackend(c *C) *Backend {
	b, err := New(Config{Client: fake.NewSimpleClientset(), Namespace: "porpulsion"})
	c.Assert(err, IsNil)
	return b
}

func (s *backendSuite) TestApplyCreatesDeployment(c *C) {
	b := newBackend(c)
	app := workload.RemoteApp{
		ID:         "abc123",
		Name:       "web",
		SourcePeer: "agent-a",
		Spec: workload.WorkloadSpec{
			Image:    "nginx:latest",
			Replicas: 3,
			Resources: workload.Resources{
				Requests: workload.ResourceList{"cpu": "100m", "memory": "64Mi"},
			},
		},
	}
	c.Assert(b.Apply(app), IsNil)

	d, err := b.cfg.Client.AppsV1().Deployments("porpulsion").Get(context.TODO(), objectName("abc123", "web"), metav1.GetOptions{})
	c.Assert(err, IsNil)
	c.Assert(*d.Spec.Replicas, Equals, int32(3))
	c.Assert(d.Labels[defaults.RemoteAppLabelKey], Equals, "abc123")
	c.Assert(d.Labels[defaults.SourcePeerLabelKey], Equals, "agent-a")
}

func (s *backendSuite) TestApplyIsIdempotent(c *C) {
	b := newBackend(c)
	app := workload.RemoteApp{ID: "abc123", Name: "web", Spec: workload.WorkloadSpec{Image: "nginx:latest", Replicas: 1}}
	c.Assert(b.Apply(app), IsNil)
	app.Spec.Replicas = 5
	c.Assert(b.Apply(app), IsNil)

	d, err := b.cfg.Client.AppsV1().Deployments("porpulsion").Get(context.TODO(), objectName("abc123", "web"), metav1.GetOptions{})
	c.Assert(err, IsNil)
	c.Assert(*d.Spec.Replicas, Equals, int32(5))
}

func (s *backendSuite) TestStatusReportsReadyReplicas(c *C) {
	b := newBackend(c)
	app := workload.RemoteApp{ID: "abc123", Name: "web", Spec: workload.WorkloadSpec{Image: "nginx:latest", Replicas: 2}}
	c.Assert(b.Apply(app), IsNil)

	name := objectName("abc123", "web")
	client := b.cfg.Client.AppsV1().Deployments("porpulsion")
	d, err := client.Get(context.TODO(), name, metav1.GetOptions{})
	c.Assert(err, IsNil)
	d.Status.ReadyReplicas = 1
	_, err = client.UpdateStatus(context.TODO(), d, metav1.UpdateOptions{})
	c.Assert(err, IsNil)

	ready, desired, err := b.Status("abc123")
	c.Assert(err, IsNil)
	c.Assert(ready, Equals, int32(1))
	c.Assert(desired, Equals, int32(2))
}

func (s *backendSuite) TestDeleteRemovesDeployment(c *C) {
	b := newBackend(c)
	app := workload.RemoteApp{ID: "abc123", Name: "web", Spec: workload.WorkloadSpec{Image: "nginx:latest", Replicas: 1}}
	c.Assert(b.Apply(app), IsNil)
	c.Assert(b.Delete("abc123"), IsNil)

	_, err := b.cfg.Client.AppsV1().Deployments("porpulsion").Get(context.TODO(), objectName("abc123", "web"), metav1.GetOptions{})
	c.Assert(err, NotNil)
}

func (s *backendSuite) TestDeleteOfUnknownIDIsNoop(c *C) {
	b := newBackend(c)
	c.Assert(b.Delete("missing"), IsNil)
}

func (s *backendSuite) TestListBySelectorFindsLabeledDeployments(c *C) {
	b := newBackend(c)
	c.Assert(b.Apply(workload.RemoteApp{ID: "a1", Name: "web", SourcePeer: "agent-a", Spec: workload.WorkloadSpec{Image: "nginx", Replicas: 2}}), IsNil)
	c.Assert(b.Apply(workload.RemoteApp{ID: "a2", Name: "api", SourcePeer: "agent-b", Spec: workload.WorkloadSpec{Image: "nginx", Replicas: 1}}), IsNil)

	apps, err := b.ListBySelector()
	c.Assert(err, IsNil)
	c.Assert(apps, HasLen, 2)

	byID := map[string]workload.BackendApp{}
	for _, a := range apps {
		byID[a.ID] = a
	}
	c.Assert(byID["a1"].SourcePeer, Equals, "agent-a")
	c.Assert(byID["a1"].Desired, Equals, int32(2))
	c.Assert(byID["a2"].SourcePeer, Equals, "agent-b")
}

func (s *backendSuite) TestObjectNameTruncatesToLimit(c *C) {
	long := objectName("abc123", "a-very-long-application-name-that-keeps-going-and-going-and-going")
	c.Assert(len(long) <= defaults.MaxObjectNameLength, Equals, true)
}

func (s *backendSuite) TestToDeploymentAppliesSecurityContextAndProbe(c *C) {
	nonRoot := true
	app := workload.RemoteApp{
		ID:   "abc123",
		Name: "web",
		Spec: workload.WorkloadSpec{
			Image:           "nginx:latest",
			Replicas:        1,
			SecurityContext: &workload.SecurityContext{RunAsNonRoot: &nonRoot},
			ReadinessProbe: &workload.ReadinessProbe{
				HTTPGet: &workload.HTTPGetAction{Path: "/healthz", Port: 8080},
			},
		},
	}
	d, err := toDeployment("ra-abc123-web", "porpulsion", app)
	c.Assert(err, IsNil)
	c.Assert(*d.Spec.Template.Spec.SecurityContext.RunAsNonRoot, Equals, true)
	probe := d.Spec.Template.Spec.Containers[0].ReadinessProbe
	c.Assert(probe.HTTPGet.Path, Equals, "/healthz")
}
