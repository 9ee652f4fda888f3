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

// Package k8sbackend implements workload.Backend against a real cluster,
// translating a WorkloadSpec into a Deployment and reading readiness back
// off it.
package k8sbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/porpulsion/porpulsion/lib/constants"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/workload"

	"github.com/gravitational/rigging"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

// Config configures a Backend.
type Config struct {
	// Client is the cluster API client. kubernetes.Interface rather than
	// the concrete clientset so tests can substitute client-go's fake.
	Client kubernetes.Interface
	// Namespace is where RemoteApp objects are created.
	Namespace string
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.Client == nil {
		return trace.BadParameter("missing Client parameter")
	}
	if c.Namespace == "" {
		return trace.BadParameter("missing Namespace parameter")
	}
	return nil
}

// Backend implements workload.Backend against a real Kubernetes cluster.
type Backend struct {
	cfg Config
	log logrus.FieldLogger

	mu    sync.Mutex
	names map[string]string // id -> object name
}

// New creates a Backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Backend{
		cfg:   cfg,
		log:   logrus.WithField(trace.Component, constants.ComponentExecutor),
		names: make(map[string]string),
	}, nil
}

// objectName builds the "ra-<id>-<name>" identifier, truncated to the
// cluster's object name length limit.
func objectName(id, name string) string {
	full := fmt.Sprintf("ra-%v-%v", id, name)
	if len(full) > defaults.MaxObjectNameLength {
		full = full[:defaults.MaxObjectNameLength]
	}
	return strings.TrimRight(full, "-")
}

func labelSelector(id string) string {
	return fmt.Sprintf("%v=%v", defaults.RemoteAppLabelKey, id)
}

// Apply creates or updates the Deployment backing app, and its Service
// when the spec exposes any ports (the Tunnel Engine resolves apps by
// Service, never by pod IP).
func (b *Backend) Apply(app workload.RemoteApp) error {
	name := objectName(app.ID, app.Name)
	deployment, err := toDeployment(name, b.cfg.Namespace, app)
	if err != nil {
		return trace.Wrap(err)
	}

	client := b.cfg.Client.AppsV1().Deployments(b.cfg.Namespace)
	existing, err := client.Get(context.TODO(), name, metav1.GetOptions{})
	err = rigging.ConvertError(err)
	if err != nil {
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if _, err := client.Create(context.TODO(), deployment, metav1.CreateOptions{}); err != nil {
			return trace.Wrap(rigging.ConvertError(err))
		}
	} else {
		deployment.ResourceVersion = existing.ResourceVersion
		if _, err := client.Update(context.TODO(), deployment, metav1.UpdateOptions{}); err != nil {
			return trace.Wrap(rigging.ConvertError(err))
		}
	}

	if len(app.Spec.Ports) > 0 {
		if err := b.applyService(name, app); err != nil {
			return trace.Wrap(err)
		}
	}

	b.mu.Lock()
	b.names[app.ID] = name
	b.mu.Unlock()
	return nil
}

func (b *Backend) applyService(name string, app workload.RemoteApp) error {
	service := toService(name, b.cfg.Namespace, app)
	client := b.cfg.Client.CoreV1().Services(b.cfg.Namespace)
	existing, err := client.Get(context.TODO(), name, metav1.GetOptions{})
	err = rigging.ConvertError(err)
	if err != nil {
		if !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		_, err = client.Create(context.TODO(), service, metav1.CreateOptions{})
		return trace.Wrap(rigging.ConvertError(err))
	}
	service.ResourceVersion = existing.ResourceVersion
	service.Spec.ClusterIP = existing.Spec.ClusterIP
	_, err = client.Update(context.TODO(), service, metav1.UpdateOptions{})
	return trace.Wrap(rigging.ConvertError(err))
}

// ResolveService returns the Service name and namespace backing id, for
// the Tunnel Engine to compose a cluster-internal URL from.
func (b *Backend) ResolveService(id string) (name, namespace string, err error) {
	objName, ok := b.nameFor(id)
	if !ok {
		return "", "", trace.NotFound("no such remote app %v", id)
	}
	if _, err := b.cfg.Client.CoreV1().Services(b.cfg.Namespace).Get(context.TODO(), objName, metav1.GetOptions{}); err != nil {
		return "", "", trace.Wrap(rigging.ConvertError(err))
	}
	return objName, b.cfg.Namespace, nil
}

// Status returns the ready/desired replica counts for id.
func (b *Backend) Status(id string) (ready, desired int32, err error) {
	name, ok := b.nameFor(id)
	if !ok {
		return 0, 0, trace.NotFound("no such remote app %v", id)
	}
	d, getErr := b.cfg.Client.AppsV1().Deployments(b.cfg.Namespace).Get(context.TODO(), name, metav1.GetOptions{})
	if getErr != nil {
		return 0, 0, trace.Wrap(rigging.ConvertError(getErr))
	}
	desired = int32(1)
	if d.Spec.Replicas != nil {
		desired = *d.Spec.Replicas
	}
	return d.Status.ReadyReplicas, desired, nil
}

// Delete removes the Deployment and, if present, the Service backing id.
func (b *Backend) Delete(id string) error {
	name, ok := b.nameFor(id)
	if !ok {
		return nil
	}
	err := b.cfg.Client.AppsV1().Deployments(b.cfg.Namespace).Delete(context.TODO(), name, metav1.DeleteOptions{})
	err = rigging.ConvertError(err)
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	err = rigging.ConvertError(b.cfg.Client.CoreV1().Services(b.cfg.Namespace).Delete(context.TODO(), name, metav1.DeleteOptions{}))
	if err != nil && !trace.IsNotFound(err) {
		return trace.Wrap(err)
	}
	b.mu.Lock()
	delete(b.names, id)
	b.mu.Unlock()
	return nil
}

// Logs returns tail log output from the first pod matching id's label
// selector.
func (b *Backend) Logs(id string, tailLines int64) (string, error) {
	pods, err := b.cfg.Client.CoreV1().Pods(b.cfg.Namespace).List(context.TODO(), metav1.ListOptions{
		LabelSelector: labelSelector(id),
	})
	if err != nil {
		return "", trace.Wrap(rigging.ConvertError(err))
	}
	if len(pods.Items) == 0 {
		return "", trace.NotFound("no pods found for remote app %v", id)
	}
	opts := &corev1.PodLogOptions{}
	if tailLines > 0 {
		opts.TailLines = &tailLines
	}
	raw, err := b.cfg.Client.CoreV1().Pods(b.cfg.Namespace).GetLogs(pods.Items[0].Name, opts).DoRaw(context.TODO())
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(raw), nil
}

// Detail returns the raw Deployment object for id, for the operator
// surface's /remoteapp/{id}/detail endpoint.
func (b *Backend) Detail(id string) (json.RawMessage, error) {
	name, ok := b.nameFor(id)
	if !ok {
		return nil, trace.NotFound("no such remote app %v", id)
	}
	d, err := b.cfg.Client.AppsV1().Deployments(b.cfg.Namespace).Get(context.TODO(), name, metav1.GetOptions{})
	if err != nil {
		return nil, trace.Wrap(rigging.ConvertError(err))
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return raw, nil
}

// ListBySelector lists every Deployment carrying a RemoteApp label, for
// restart recovery.
func (b *Backend) ListBySelector() ([]workload.BackendApp, error) {
	list, err := b.cfg.Client.AppsV1().Deployments(b.cfg.Namespace).List(context.TODO(), metav1.ListOptions{
		LabelSelector: defaults.RemoteAppLabelKey,
	})
	if err != nil {
		return nil, trace.Wrap(rigging.ConvertError(err))
	}
	out := make([]workload.BackendApp, 0, len(list.Items))
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range list.Items {
		id := d.Labels[defaults.RemoteAppLabelKey]
		if id == "" {
			continue
		}
		b.names[id] = d.Name
		desired := int32(1)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		out = append(out, workload.BackendApp{
			ID:         id,
			Name:       strings.TrimPrefix(d.Name, fmt.Sprintf("ra-%v-", id)),
			SourcePeer: d.Labels[defaults.SourcePeerLabelKey],
			Desired:    desired,
			Ready:      d.Status.ReadyReplicas,
		})
	}
	return out, nil
}

func (b *Backend) nameFor(id string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := b.names[id]
	return name, ok
}

func toService(name, namespace string, app workload.RemoteApp) *corev1.Service {
	labels := map[string]string{
		defaults.RemoteAppLabelKey:  app.ID,
		defaults.SourcePeerLabelKey: app.SourcePeer,
	}
	var ports []corev1.ServicePort
	for _, p := range app.Spec.Ports {
		portName := p.Name
		if portName == "" {
			portName = fmt.Sprintf("p%v", p.Port)
		}
		ports = append(ports, corev1.ServicePort{Name: portName, Port: p.Port, TargetPort: intstr.FromInt(int(p.Port))})
	}
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports:    ports,
		},
	}
}

func toDeployment(name, namespace string, app workload.RemoteApp) (*appsv1.Deployment, error) {
	spec := app.Spec
	labels := map[string]string{
		defaults.RemoteAppLabelKey:  app.ID,
		defaults.SourcePeerLabelKey: app.SourcePeer,
	}

	container := corev1.Container{
		Name:            "app",
		Image:           spec.Image,
		Command:         spec.Command,
		Args:            spec.Args,
		ImagePullPolicy: corev1.PullPolicy(spec.ImagePullPolicy),
	}

	requests, err := toResourceList(spec.Resources.Requests)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	limits, err := toResourceList(spec.Resources.Limits)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	container.Resources = corev1.ResourceRequirements{Requests: requests, Limits: limits}

	for _, p := range spec.Ports {
		container.Ports = append(container.Ports, corev1.ContainerPort{ContainerPort: p.Port, Name: p.Name})
	}
	for _, e := range spec.Env {
		container.Env = append(container.Env, toEnvVar(e))
	}
	if spec.ReadinessProbe != nil {
		container.ReadinessProbe = toProbe(spec.ReadinessProbe)
	}

	var pullSecrets []corev1.LocalObjectReference
	for _, s := range spec.ImagePullSecrets {
		pullSecrets = append(pullSecrets, corev1.LocalObjectReference{Name: s})
	}

	replicas := spec.Replicas
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers:       []corev1.Container{container},
					ImagePullSecrets: pullSecrets,
					SecurityContext:  toPodSecurityContext(spec.SecurityContext),
				},
			},
		},
	}, nil
}

func toResourceList(rl workload.ResourceList) (corev1.ResourceList, error) {
	if len(rl) == 0 {
		return nil, nil
	}
	out := corev1.ResourceList{}
	for k, v := range rl {
		q, err := resource.ParseQuantity(v)
		if err != nil {
			return nil, trace.BadParameter("invalid quantity %v=%v: %v", k, v, err)
		}
		out[corev1.ResourceName(k)] = q
	}
	return out, nil
}

func toEnvVar(e workload.EnvVar) corev1.EnvVar {
	ev := corev1.EnvVar{Name: e.Name, Value: e.Value}
	if e.ValueFrom != nil {
		ev.ValueFrom = &corev1.EnvVarSource{}
		if e.ValueFrom.SecretRef != "" {
			ev.ValueFrom.SecretKeyRef = &corev1.SecretKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: e.ValueFrom.SecretRef},
				Key:                  e.Name,
			}
		}
		if e.ValueFrom.ConfigMapRef != "" {
			ev.ValueFrom.ConfigMapKeyRef = &corev1.ConfigMapKeySelector{
				LocalObjectReference: corev1.LocalObjectReference{Name: e.ValueFrom.ConfigMapRef},
				Key:                  e.Name,
			}
		}
	}
	return ev
}

func toProbe(p *workload.ReadinessProbe) *corev1.Probe {
	probe := &corev1.Probe{
		InitialDelaySeconds: p.InitialDelaySecond,
		PeriodSeconds:       p.PeriodSeconds,
		FailureThreshold:    p.FailureThreshold,
	}
	switch {
	case p.HTTPGet != nil:
		probe.HTTPGet = &corev1.HTTPGetAction{
			Path: p.HTTPGet.Path,
			Port: intstr.FromInt(int(p.HTTPGet.Port)),
		}
	case len(p.Exec) > 0:
		probe.Exec = &corev1.ExecAction{Command: p.Exec}
	}
	return probe
}

func toPodSecurityContext(sc *workload.SecurityContext) *corev1.PodSecurityContext {
	if sc == nil {
		return nil
	}
	return &corev1.PodSecurityContext{
		RunAsNonRoot: sc.RunAsNonRoot,
		RunAsUser:    sc.RunAsUser,
		RunAsGroup:   sc.RunAsGroup,
		FSGroup:      sc.FSGroup,
	}
}
