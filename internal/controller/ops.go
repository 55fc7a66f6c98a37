package controller

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

// clusterOps wraps the create, delete and replace calls the strategies issue.
// Every call gets its own deadline, is logged as request and response, and
// is counted in api_requests_total. Errors are returned unchanged.
type clusterOps struct {
	kind     string
	client   client.Client
	recorder record.EventRecorder
	timeout  time.Duration
}

func newClusterOps(kind string, d Deps) clusterOps {
	return clusterOps{kind: kind, client: d.Client, recorder: d.Recorder, timeout: d.Timeout}
}

func (o *clusterOps) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func (o *clusterOps) get(ctx context.Context, key client.ObjectKey, obj client.Object) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	err := o.client.Get(ctx, key, obj)
	if err != nil && !apierrors.IsNotFound(err) {
		observeAPIRequest(o.kind, opGet, err)
	}
	return err
}

func (o *clusterOps) create(ctx context.Context, obj client.Object) error {
	log := logf.FromContext(ctx).WithValues("operation", opCreate, "target", obj.GetName())
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	log.Info("API request: creating " + o.kind)
	err := o.client.Create(ctx, obj)
	observeAPIRequest(o.kind, opCreate, err)
	if err != nil {
		log.Error(err, "create failed")
		return err
	}
	log.Info("API response: " + o.kind + " created")
	return nil
}

// delete removes obj immediately (grace period 0). The UID precondition keeps
// a stale snapshot from deleting a newer object that reuses the name.
func (o *clusterOps) delete(ctx context.Context, obj client.Object) error {
	log := logf.FromContext(ctx).WithValues("operation", opDelete, "target", obj.GetName())
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	opts := []client.DeleteOption{client.GracePeriodSeconds(0)}
	if uid := obj.GetUID(); uid != "" {
		opts = append(opts, client.Preconditions{UID: &uid})
	}

	log.Info("API request: deleting " + o.kind)
	err := o.client.Delete(ctx, obj, opts...)
	observeAPIRequest(o.kind, opDelete, err)
	if err != nil {
		log.Error(err, "delete failed")
		return err
	}
	log.Info("API response: " + o.kind + " deleted")
	return nil
}

// replace sends the full object back. Optimistic-concurrency conflicts are
// returned to the caller like any other failure.
func (o *clusterOps) replace(ctx context.Context, obj client.Object) error {
	log := logf.FromContext(ctx).WithValues("operation", opReplace, "target", obj.GetName())
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	log.Info("API request: replacing " + o.kind)
	err := o.client.Update(ctx, obj)
	observeAPIRequest(o.kind, opReplace, err)
	if err != nil {
		if apierrors.IsConflict(err) {
			log.Info("replace conflicted with a newer version, waiting for next event", "error", err.Error())
		} else {
			log.Error(err, "replace failed")
		}
		return err
	}
	log.Info("API response: " + o.kind + " replaced")
	return nil
}

func (o *clusterOps) event(obj runtime.Object, eventType, reason, messageFmt string, args ...any) {
	if o.recorder == nil {
		return
	}
	o.recorder.Eventf(obj, eventType, reason, messageFmt, args...)
}
