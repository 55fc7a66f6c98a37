package controller

import (
	"context"
	"errors"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"

	monitoringtypes "github.com/csirt-muni/monitoring-controller/pkg/types"
)

// ErrNoTemplate aborts an initialization cycle before any mutation because no
// sidecar template could be resolved. It is retried on the next event.
var ErrNoTemplate = errors.New("no monitoring template available")

// Strategy holds the kind-specific monitoring rules for one watched resource
// kind. Every method receives a read-only snapshot; mutations are made on a
// copy and sent to the cluster.
type Strategy[T client.Object] interface {
	// Preconditions reports whether the resource may be reconciled at all,
	// with a human-readable reason when it may not.
	Preconditions(obj T) (bool, string)
	// HasSidecar reports whether a monitoring sidecar is present.
	HasSidecar(obj T) bool
	// InitMonitoring injects the sidecar and sets monitoringState=init.
	InitMonitoring(ctx context.Context, obj T) error
	// CheckAndUpdate advances monitoringState from init to monitoring once
	// the resource is healthy.
	CheckAndUpdate(ctx context.Context, obj T) error
	// DeinitMonitoring removes sidecars, the pull secret and progress labels.
	DeinitMonitoring(ctx context.Context, obj T) error
}

// TemplateResolver resolves the sidecar templates a resource selects.
type TemplateResolver interface {
	ResolveContainer(ctx context.Context, obj metav1.Object) (*corev1.Container, bool)
	ResolvePodTemplate(ctx context.Context, obj metav1.Object) (*corev1.PodSpec, bool)
}

// Deps are the collaborators shared by the strategies.
type Deps struct {
	Client    client.Client
	Templates TemplateResolver
	Recorder  record.EventRecorder // may be nil
	// PullSecret is attached for the sidecar image. Defaults to regcred.
	PullSecret string
	// Timeout bounds every cluster call. Zero means no deadline.
	Timeout time.Duration
}

func (d Deps) pullSecret() string {
	if d.PullSecret == "" {
		return monitoringtypes.DefaultPullSecretName
	}
	return d.PullSecret
}

// notTerminating is the precondition shared by every kind.
func notTerminating(obj client.Object) (bool, string) {
	if obj.GetDeletionTimestamp() != nil {
		return false, "resource is terminating"
	}
	return true, ""
}

// isMonitored reports whether the monitoring label requests monitoring.
func isMonitored(obj client.Object) bool {
	return obj.GetLabels()[monitoringtypes.LabelMonitoring] == monitoringtypes.MonitoringEnabled
}

// monitoringState returns the progress label. Only meaningful when isMonitored.
func monitoringState(obj client.Object) string {
	return obj.GetLabels()[monitoringtypes.LabelMonitoringState]
}

// setLabel sets a label on obj, allocating the map when needed.
func setLabel(obj client.Object, key, value string) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	labels[key] = value
	obj.SetLabels(labels)
}
