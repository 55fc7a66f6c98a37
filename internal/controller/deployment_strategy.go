/*
Copyright 2026.

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

package controller

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/csirt-muni/monitoring-controller/pkg/conditions"
	monitoringtypes "github.com/csirt-muni/monitoring-controller/pkg/types"
)

// DeploymentStrategy monitors deployments. The pod template of a deployment is
// mutable, so every change is a single replace of the deployment and the
// rollout does the rest.
type DeploymentStrategy struct {
	ops        clusterOps
	templates  TemplateResolver
	pullSecret string
}

var _ Strategy[*appsv1.Deployment] = &DeploymentStrategy{}

// NewDeploymentStrategy returns the deployment strategy.
func NewDeploymentStrategy(d Deps) *DeploymentStrategy {
	return &DeploymentStrategy{
		ops:        newClusterOps("deployment", d),
		templates:  d.Templates,
		pullSecret: d.pullSecret(),
	}
}

func (s *DeploymentStrategy) Preconditions(d *appsv1.Deployment) (bool, string) {
	return notTerminating(d)
}

func (s *DeploymentStrategy) HasSidecar(d *appsv1.Deployment) bool {
	return hasSidecar(&d.Spec.Template.Spec)
}

// InitMonitoring injects the sidecar into the pod template. A pod template
// named by the podTemplate annotation is merged in; otherwise the single
// container named by containerTemplate is appended.
func (s *DeploymentStrategy) InitMonitoring(ctx context.Context, d *appsv1.Deployment) error {
	log := logf.FromContext(ctx)

	updated := d.DeepCopy()
	spec := &updated.Spec.Template.Spec

	var source string
	if podSpec, ok := s.templates.ResolvePodTemplate(ctx, d); ok {
		mergePodSpec(spec, podSpec)
		source = monitoringtypes.AnnotationPodTemplate
	} else if container, ok := s.templates.ResolveContainer(ctx, d); ok {
		spec.Containers = append(spec.Containers, *container)
		source = monitoringtypes.AnnotationContainerTemplate
	} else {
		s.ops.event(d, corev1.EventTypeWarning, conditions.ReasonTemplateUnavailable,
			"No monitoring template resolved from annotations %q or %q",
			monitoringtypes.AnnotationPodTemplate, monitoringtypes.AnnotationContainerTemplate)
		return ErrNoTemplate
	}

	// Without a sidecar the next event would initialize again, forever.
	if !hasSidecar(spec) {
		s.ops.event(d, corev1.EventTypeWarning, conditions.ReasonTemplateUnavailable,
			"Template from annotation %q contains no container named *%s*", source, monitoringtypes.SidecarNameMarker)
		return fmt.Errorf("%w: template from %s has no %s container", ErrNoTemplate, source, monitoringtypes.SidecarNameMarker)
	}

	spec.ImagePullSecrets = withPullSecret(spec.ImagePullSecrets, s.pullSecret)
	setLabel(updated, monitoringtypes.LabelMonitoringState, monitoringtypes.MonitoringStateInit)

	log.Info("initialization of monitoring", "template", source)
	if err := s.ops.replace(ctx, updated); err != nil {
		s.ops.event(d, corev1.EventTypeWarning, conditions.ReasonReplacementFailed, "Cannot initialize deployment monitoring: %v", err)
		return fmt.Errorf("initializing deployment monitoring: %w", err)
	}
	s.ops.event(updated, corev1.EventTypeNormal, conditions.ReasonMonitoringInitialized,
		"Monitoring container added to pod template from %s", source)
	return nil
}

// CheckAndUpdate moves the deployment from init to monitoring once the rollout
// of the monitored template has finished.
func (s *DeploymentStrategy) CheckAndUpdate(ctx context.Context, d *appsv1.Deployment) error {
	log := logf.FromContext(ctx)

	if !rolloutComplete(d) {
		log.V(1).Info("waiting for rollout",
			"replicas", d.Status.Replicas, "readyReplicas", d.Status.ReadyReplicas,
			"generation", d.Generation, "observedGeneration", d.Status.ObservedGeneration)
		return nil
	}
	if monitoringState(d) != monitoringtypes.MonitoringStateInit {
		log.V(1).Info("monitoring state up to date", "state", monitoringState(d))
		return nil
	}

	updated := d.DeepCopy()
	setLabel(updated, monitoringtypes.LabelMonitoringState, monitoringtypes.MonitoringStateMonitoring)
	if err := s.ops.replace(ctx, updated); err != nil {
		return fmt.Errorf("updating %s label: %w", monitoringtypes.LabelMonitoringState, err)
	}
	s.ops.event(updated, corev1.EventTypeNormal, conditions.ReasonMonitoringActive,
		"All %d replicas ready with monitoring container", d.Status.ReadyReplicas)
	return nil
}

// DeinitMonitoring strips the progress label, sidecars and pull secret.
// Volumes merged from a pod template stay in place.
func (s *DeploymentStrategy) DeinitMonitoring(ctx context.Context, d *appsv1.Deployment) error {
	updated := d.DeepCopy()
	labels := updated.GetLabels()
	delete(labels, monitoringtypes.LabelMonitoringState)
	updated.SetLabels(labels)

	spec := &updated.Spec.Template.Spec
	spec.Containers = withoutSidecars(spec.Containers)
	spec.ImagePullSecrets = withoutPullSecret(spec.ImagePullSecrets, s.pullSecret)

	if err := s.ops.replace(ctx, updated); err != nil {
		s.ops.event(d, corev1.EventTypeWarning, conditions.ReasonReplacementFailed, "Cannot finish deinitialization of deployment monitoring: %v", err)
		return fmt.Errorf("deinitializing deployment monitoring: %w", err)
	}
	s.ops.event(updated, corev1.EventTypeNormal, conditions.ReasonMonitoringRemoved, "Monitoring container removed from pod template")
	return nil
}

// rolloutComplete reports whether every replica of the current template is
// ready. The generation check keeps the status of the previous template from
// passing the gate right after a replace.
func rolloutComplete(d *appsv1.Deployment) bool {
	return d.Status.ObservedGeneration >= d.Generation &&
		d.Status.Replicas == d.Status.ReadyReplicas
}
