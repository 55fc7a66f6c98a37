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
	"maps"
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/csirt-muni/monitoring-controller/pkg/conditions"
	monitoringtypes "github.com/csirt-muni/monitoring-controller/pkg/types"
)

// PodStrategy monitors standalone pods. A running pod's container list cannot
// be edited, so adding or removing the sidecar replaces the pod: a modified
// copy is created under a new name and only then is the original deleted.
type PodStrategy struct {
	ops        clusterOps
	templates  TemplateResolver
	pullSecret string
}

var _ Strategy[*corev1.Pod] = &PodStrategy{}

// NewPodStrategy returns the pod strategy.
func NewPodStrategy(d Deps) *PodStrategy {
	return &PodStrategy{
		ops:        newClusterOps("pod", d),
		templates:  d.Templates,
		pullSecret: d.pullSecret(),
	}
}

// Preconditions skips terminating pods, pods that are not Running, and pods
// with a controlling owner: the owner would recreate a replaced pod and fight
// the replacement.
func (s *PodStrategy) Preconditions(pod *corev1.Pod) (bool, string) {
	if ok, reason := notTerminating(pod); !ok {
		return false, reason
	}
	if pod.Status.Phase != corev1.PodRunning {
		return false, fmt.Sprintf("pod is not in stable Running phase (%s)", pod.Status.Phase)
	}
	if owner := metav1.GetControllerOf(pod); owner != nil {
		return false, fmt.Sprintf("pod is controlled by %s/%s", owner.Kind, owner.Name)
	}
	return true, ""
}

func (s *PodStrategy) HasSidecar(pod *corev1.Pod) bool {
	return hasSidecar(&pod.Spec)
}

// InitMonitoring replaces pod with "<name>-monitored" carrying the sidecar.
func (s *PodStrategy) InitMonitoring(ctx context.Context, pod *corev1.Pod) error {
	sidecar, ok := s.templates.ResolveContainer(ctx, pod)
	if !ok {
		s.ops.event(pod, corev1.EventTypeWarning, conditions.ReasonTemplateUnavailable,
			"No monitoring container template resolved from annotation %q", monitoringtypes.AnnotationContainerTemplate)
		return ErrNoTemplate
	}

	candidate := applicablePod(pod)
	candidate.Name = pod.Name + monitoringtypes.MonitoredSuffix
	candidate.Labels[monitoringtypes.LabelMonitoringState] = monitoringtypes.MonitoringStateInit
	candidate.Labels[monitoringtypes.LabelOriginPodName] = pod.Name
	candidate.Spec.ImagePullSecrets = withPullSecret(candidate.Spec.ImagePullSecrets, s.pullSecret)
	candidate.Spec.Containers = append(candidate.Spec.Containers, *sidecar)

	if err := validateCandidate(candidate); err != nil {
		return err
	}

	isReplacement := func(existing *corev1.Pod) bool {
		return existing.Labels[monitoringtypes.LabelOriginPodName] == pod.Name && hasSidecar(&existing.Spec)
	}
	if err := s.replacePod(ctx, pod, candidate, isReplacement); err != nil {
		return fmt.Errorf("could not finish pod monitoring initialization: %w", err)
	}
	s.ops.event(candidate, corev1.EventTypeNormal, conditions.ReasonMonitoringInitialized,
		"Replaced pod %s with monitored pod %s", pod.Name, candidate.Name)
	return nil
}

// CheckAndUpdate moves a running pod from init to monitoring.
func (s *PodStrategy) CheckAndUpdate(ctx context.Context, pod *corev1.Pod) error {
	log := logf.FromContext(ctx)

	if monitoringState(pod) != monitoringtypes.MonitoringStateInit {
		log.V(1).Info("monitoring state up to date", "state", monitoringState(pod))
		return nil
	}
	if pod.Status.Phase != corev1.PodRunning {
		log.V(1).Info("waiting for pod to run", "phase", pod.Status.Phase)
		return nil
	}

	updated := pod.DeepCopy()
	setLabel(updated, monitoringtypes.LabelMonitoringState, monitoringtypes.MonitoringStateMonitoring)
	if err := s.ops.replace(ctx, updated); err != nil {
		return fmt.Errorf("updating %s label: %w", monitoringtypes.LabelMonitoringState, err)
	}
	s.ops.event(updated, corev1.EventTypeNormal, conditions.ReasonMonitoringActive, "Monitoring container is running")
	return nil
}

// DeinitMonitoring replaces pod with a copy that has no sidecar, restoring the
// pre-injection name when it is known.
func (s *PodStrategy) DeinitMonitoring(ctx context.Context, pod *corev1.Pod) error {
	candidate := applicablePod(pod)
	if origin := pod.Labels[monitoringtypes.LabelOriginPodName]; origin != "" {
		candidate.Name = origin
	} else {
		candidate.Name = pod.Name + monitoringtypes.NotMonitoredSuffix
	}
	delete(candidate.Labels, monitoringtypes.LabelMonitoringState)
	delete(candidate.Labels, monitoringtypes.LabelOriginPodName)
	candidate.Spec.Containers = withoutSidecars(candidate.Spec.Containers)
	candidate.Spec.ImagePullSecrets = withoutPullSecret(candidate.Spec.ImagePullSecrets, s.pullSecret)

	if err := validateCandidate(candidate); err != nil {
		return err
	}

	isReplacement := func(existing *corev1.Pod) bool {
		return isCleanedCopy(existing, candidate)
	}
	if err := s.replacePod(ctx, pod, candidate, isReplacement); err != nil {
		return fmt.Errorf("could not finish pod monitoring deinitialization: %w", err)
	}
	s.ops.event(candidate, corev1.EventTypeNormal, conditions.ReasonMonitoringRemoved,
		"Replaced monitored pod %s with pod %s", pod.Name, candidate.Name)
	return nil
}

// replacePod creates candidate, then deletes original. The original is never
// touched unless the candidate exists, so a failed create leaves the workload
// as it was.
//
// An existing object with the candidate's name counts as an earlier attempt
// when isReplacement accepts it; the protocol then resumes at the delete step.
// If the delete fails after a successful create, both pods run until an event
// for the original retries the delete. That window is not atomic.
func (s *PodStrategy) replacePod(ctx context.Context, original, candidate *corev1.Pod, isReplacement func(*corev1.Pod) bool) error {
	log := logf.FromContext(ctx)

	existing := &corev1.Pod{}
	err := s.ops.get(ctx, client.ObjectKeyFromObject(candidate), existing)
	switch {
	case err == nil:
		if !isReplacement(existing) {
			s.ops.event(original, corev1.EventTypeWarning, conditions.ReasonReplacementFailed,
				"Pod %s already exists and was not created by the monitoring controller", candidate.Name)
			return fmt.Errorf("pod %s already exists and is not a replacement of %s", candidate.Name, original.Name)
		}
		log.Info("replacement pod already exists, resuming at delete", "replacement", candidate.Name)
	case apierrors.IsNotFound(err):
		if err := s.ops.create(ctx, candidate); err != nil {
			s.ops.event(original, corev1.EventTypeWarning, conditions.ReasonReplacementFailed,
				"Cannot create pod %s: %v", candidate.Name, err)
			return fmt.Errorf("creating pod %s: %w", candidate.Name, err)
		}
	default:
		return fmt.Errorf("looking up pod %s: %w", candidate.Name, err)
	}

	current := &corev1.Pod{}
	if err := s.ops.get(ctx, client.ObjectKeyFromObject(original), current); err != nil {
		if apierrors.IsNotFound(err) {
			log.V(1).Info("original pod already deleted")
			return nil
		}
		return fmt.Errorf("looking up pod %s: %w", original.Name, err)
	}
	if original.UID != "" && current.UID != original.UID {
		log.Info("pod name now belongs to a newer pod, leaving it alone", "uid", current.UID)
		return nil
	}

	if err := s.ops.delete(ctx, original); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		s.ops.event(original, corev1.EventTypeWarning, conditions.ReasonReplacementFailed,
			"Created pod %s but cannot delete pod %s: %v", candidate.Name, original.Name, err)
		return fmt.Errorf("deleting pod %s after creating %s, both pods exist: %w", original.Name, candidate.Name, err)
	}
	return nil
}

// applicablePod copies only the fields a create request accepts. Server-set
// metadata (uid, resourceVersion, creationTimestamp, ...) and status would
// make the request invalid.
func applicablePod(original *corev1.Pod) *corev1.Pod {
	labels := maps.Clone(original.Labels)
	if labels == nil {
		labels = make(map[string]string)
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        original.Name,
			Namespace:   original.Namespace,
			Labels:      labels,
			Annotations: maps.Clone(original.Annotations),
		},
		Spec: *original.Spec.DeepCopy(),
	}
}

// isCleanedCopy reports whether existing is candidate as an earlier
// deinitialization created it: same labels, same containers by name and image.
// A pod that merely lacks a sidecar may belong to someone else.
func isCleanedCopy(existing, candidate *corev1.Pod) bool {
	return maps.Equal(existing.Labels, candidate.Labels) &&
		slices.EqualFunc(existing.Spec.Containers, candidate.Spec.Containers, func(a, b corev1.Container) bool {
			return a.Name == b.Name && a.Image == b.Image
		})
}

// validateCandidate rejects names and label values the API server would
// refuse, before any call is made.
func validateCandidate(pod *corev1.Pod) error {
	if errs := validation.IsDNS1123Subdomain(pod.Name); len(errs) > 0 {
		return fmt.Errorf("invalid pod name %q: %s", pod.Name, strings.Join(errs, "; "))
	}
	if origin, ok := pod.Labels[monitoringtypes.LabelOriginPodName]; ok {
		if errs := validation.IsValidLabelValue(origin); len(errs) > 0 {
			return fmt.Errorf("pod name %q cannot be stored in label %s: %s",
				origin, monitoringtypes.LabelOriginPodName, strings.Join(errs, "; "))
		}
	}
	return nil
}
