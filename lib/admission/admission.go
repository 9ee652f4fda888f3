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

package admission

import (
	"github.com/porpulsion/porpulsion/lib/utils"
	"github.com/porpulsion/porpulsion/lib/workload"

	"github.com/gravitational/trace"
	"k8s.io/apimachinery/pkg/api/resource"
)

// Active summarizes one currently-active RemoteApp for the aggregate
// checks (7, 8, 9); it is deliberately narrower than workload.RemoteApp so
// the admission engine has no dependency on how the caller stores apps.
type Active struct {
	Replicas int32
	Requests workload.ResourceList
}

// Engine evaluates WorkloadSpecs against a Settings snapshot. It holds no
// state of its own: the caller supplies the settings and the active-app
// snapshot on every call, which keeps it trivially safe to run from
// multiple goroutines and to unit test without a live agent.
type Engine struct{}

// New creates an Engine.
func New() *Engine {
	return &Engine{}
}

// Check runs the nine-step admission order against spec, stopping at the
// first failure. active is the set of RemoteApps currently occupying
// capacity on this executor (any status not in {Failed, Timeout, Deleted}).
func (e *Engine) Check(settings Settings, spec workload.WorkloadSpec, sourcePeer string, active []Active) error {
	// 1. Inbound enabled.
	if !settings.AllowInboundRemoteApps {
		return trace.AccessDenied("inbound remote apps are disabled")
	}

	// 2. Source-peer allowlist.
	if len(settings.AllowedSourcePeers) > 0 && !utils.StringInSlice(settings.AllowedSourcePeers, sourcePeer) {
		return trace.AccessDenied("source peer %q is not in the allowed_source_peers list", sourcePeer)
	}

	// 3. Image policy.
	if utils.HasOneOfPrefixes(spec.Image, settings.BlockedImages...) {
		return trace.AccessDenied("image %q matches a blocked prefix", spec.Image)
	}
	if len(settings.AllowedImages) > 0 && !utils.HasOneOfPrefixes(spec.Image, settings.AllowedImages...) {
		return trace.AccessDenied("image %q does not match any allowed prefix", spec.Image)
	}

	// 4. Resource presence.
	if settings.RequireResourceRequests {
		for _, key := range []string{"cpu", "memory"} {
			if _, ok := spec.Resources.Requests[key]; !ok {
				return trace.BadParameter("requests.%v is required", key)
			}
			if _, ok := spec.Resources.Limits[key]; !ok {
				return trace.BadParameter("limits.%v is required", key)
			}
		}
	}

	// 5. Per-pod quantities.
	if err := checkPerPodCeiling(spec.Resources.Requests, "cpu", "requests.cpu", settings.MaxCPURequestPerPod); err != nil {
		return err
	}
	if err := checkPerPodCeiling(spec.Resources.Limits, "cpu", "limits.cpu", settings.MaxCPURequestPerPod); err != nil {
		return err
	}
	if err := checkPerPodCeiling(spec.Resources.Requests, "memory", "requests.memory", settings.MaxMemoryRequestPerPod); err != nil {
		return err
	}
	if err := checkPerPodCeiling(spec.Resources.Limits, "memory", "limits.memory", settings.MaxMemoryRequestPerPod); err != nil {
		return err
	}

	// 6. Per-app replicas.
	if settings.MaxReplicasPerApp > 0 && int(spec.Replicas) > settings.MaxReplicasPerApp {
		return trace.BadParameter("replicas %v exceeds max_replicas_per_app %v", spec.Replicas, settings.MaxReplicasPerApp)
	}

	// 7. Aggregate deployments.
	if settings.MaxTotalDeployments > 0 && len(active) >= settings.MaxTotalDeployments {
		return trace.BadParameter("active deployments %v has reached max_total_deployments %v", len(active), settings.MaxTotalDeployments)
	}

	// 8. Aggregate pods.
	if settings.MaxTotalPods > 0 {
		sum := int(spec.Replicas)
		for _, a := range active {
			sum += int(a.Replicas)
		}
		if sum > settings.MaxTotalPods {
			return trace.BadParameter("total pods %v would exceed max_total_pods %v", sum, settings.MaxTotalPods)
		}
	}

	// 9. Aggregate CPU/memory requests.
	if err := checkAggregateCeiling(active, spec, "cpu", settings.MaxTotalCPURequests); err != nil {
		return err
	}
	if err := checkAggregateCeiling(active, spec, "memory", settings.MaxTotalMemoryRequests); err != nil {
		return err
	}

	return nil
}

func checkPerPodCeiling(resources workload.ResourceList, key, label, ceiling string) error {
	if ceiling == "" {
		return nil
	}
	raw, ok := resources[key]
	if !ok {
		return nil
	}
	got, err := resource.ParseQuantity(raw)
	if err != nil {
		return trace.BadParameter("%v: invalid quantity %q: %v", label, raw, err)
	}
	max, err := resource.ParseQuantity(ceiling)
	if err != nil {
		return trace.Wrap(err, "invalid configured ceiling %q", ceiling)
	}
	if got.Cmp(max) > 0 {
		return trace.BadParameter("%v %v exceeds the configured ceiling %v", label, raw, ceiling)
	}
	return nil
}

func checkAggregateCeiling(active []Active, spec workload.WorkloadSpec, key, ceiling string) error {
	if ceiling == "" {
		return nil
	}
	max, err := resource.ParseQuantity(ceiling)
	if err != nil {
		return trace.Wrap(err, "invalid configured ceiling %q", ceiling)
	}
	sum, err := quantitySum(spec.Resources.Requests, key, spec.Replicas)
	if err != nil {
		return err
	}
	for _, a := range active {
		perPod, err := quantitySum(a.Requests, key, a.Replicas)
		if err != nil {
			continue
		}
		sum.Add(perPod)
	}
	if sum.Cmp(max) > 0 {
		return trace.BadParameter("aggregate requests.%v %v would exceed the configured ceiling %v", key, sum.String(), ceiling)
	}
	return nil
}

func quantitySum(resources workload.ResourceList, key string, replicas int32) (resource.Quantity, error) {
	raw, ok := resources[key]
	if !ok {
		return resource.Quantity{}, nil
	}
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return resource.Quantity{}, trace.BadParameter("requests.%v: invalid quantity %q: %v", key, raw, err)
	}
	total := resource.Quantity{}
	for i := int32(0); i < replicas; i++ {
		total.Add(q)
	}
	return total, nil
}
