package controller

import (
	"slices"
	"strings"

	"github.com/samber/lo"
	corev1 "k8s.io/api/core/v1"

	monitoringtypes "github.com/csirt-muni/monitoring-controller/pkg/types"
)

// isSidecar reports whether c is a monitoring container managed here.
func isSidecar(c corev1.Container) bool {
	return strings.Contains(c.Name, monitoringtypes.SidecarNameMarker)
}

// hasSidecar reports whether any container in spec is a monitoring sidecar.
func hasSidecar(spec *corev1.PodSpec) bool {
	return lo.ContainsBy(spec.Containers, isSidecar)
}

// withoutSidecars returns containers with every monitoring sidecar removed.
func withoutSidecars(containers []corev1.Container) []corev1.Container {
	return lo.Reject(containers, func(c corev1.Container, _ int) bool {
		return isSidecar(c)
	})
}

// withPullSecret returns refs with name attached, unless already present.
func withPullSecret(refs []corev1.LocalObjectReference, name string) []corev1.LocalObjectReference {
	if lo.ContainsBy(refs, func(r corev1.LocalObjectReference) bool { return r.Name == name }) {
		return refs
	}
	return append(refs, corev1.LocalObjectReference{Name: name})
}

// withoutPullSecret returns refs with every reference to name removed.
func withoutPullSecret(refs []corev1.LocalObjectReference, name string) []corev1.LocalObjectReference {
	return lo.Reject(refs, func(r corev1.LocalObjectReference, _ int) bool {
		return r.Name == name
	})
}

// mergePodSpec adds the containers, image pull secrets and volumes of src to
// dst. Entries are identified by name; entries already in dst win.
func mergePodSpec(dst, src *corev1.PodSpec) {
	dst.Containers = unionByName(dst.Containers, src.Containers, func(c corev1.Container) string { return c.Name })
	dst.ImagePullSecrets = unionByName(dst.ImagePullSecrets, src.ImagePullSecrets, func(r corev1.LocalObjectReference) string { return r.Name })
	dst.Volumes = unionByName(dst.Volumes, src.Volumes, func(v corev1.Volume) string { return v.Name })
}

func unionByName[T any](dst, src []T, name func(T) string) []T {
	if len(src) == 0 {
		return dst
	}
	return lo.UniqBy(append(slices.Clone(dst), src...), name)
}
