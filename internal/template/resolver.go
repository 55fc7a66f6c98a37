package template

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	monitoringtypes "github.com/csirt-muni/monitoring-controller/pkg/types"
)

// Resolver looks up the templates a resource selects through its annotations.
// Resolution never fails hard: a missing annotation or a broken template both
// yield ok=false, and the caller waits for the next event.
type Resolver struct {
	Store Store
	// Timeout bounds a single template load. Zero means no deadline.
	Timeout time.Duration
}

// ResolveContainer returns the container template named by the containerTemplate annotation.
func (r *Resolver) ResolveContainer(ctx context.Context, obj metav1.Object) (*corev1.Container, bool) {
	name, ok := r.annotation(ctx, obj, monitoringtypes.AnnotationContainerTemplate)
	if !ok {
		return nil, false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	c, err := r.Store.Container(ctx, name)
	if err != nil {
		r.logLoadError(ctx, obj, monitoringtypes.AnnotationContainerTemplate, name, err)
		return nil, false
	}
	return c, true
}

// ResolvePodTemplate returns the pod spec named by the podTemplate annotation.
func (r *Resolver) ResolvePodTemplate(ctx context.Context, obj metav1.Object) (*corev1.PodSpec, bool) {
	name, ok := r.annotation(ctx, obj, monitoringtypes.AnnotationPodTemplate)
	if !ok {
		return nil, false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	spec, err := r.Store.PodSpec(ctx, name)
	if err != nil {
		r.logLoadError(ctx, obj, monitoringtypes.AnnotationPodTemplate, name, err)
		return nil, false
	}
	return spec, true
}

func (r *Resolver) annotation(ctx context.Context, obj metav1.Object, key string) (string, bool) {
	name := obj.GetAnnotations()[key]
	if name == "" {
		logger(ctx, obj).V(1).Info("template annotation not set", "annotation", key)
		return "", false
	}
	return name, true
}

func (r *Resolver) logLoadError(ctx context.Context, obj metav1.Object, key, template string, err error) {
	msg := "could not load template"
	if errors.Is(err, ErrNotFound) {
		msg = "template does not exist"
	}
	logger(ctx, obj).Error(err, msg, "annotation", key, "template", template)
}

func logger(ctx context.Context, obj metav1.Object) logr.Logger {
	return logf.FromContext(ctx).WithName("template").WithValues("name", obj.GetName(), "namespace", obj.GetNamespace())
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.Timeout)
}
