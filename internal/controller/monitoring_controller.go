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
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/csirt-muni/monitoring-controller/internal/watch"
)

// MonitoringController drives one watched kind toward the state its monitoring
// label asks for. It is level-triggered: every event is decided from the
// resource as observed, with no memory of earlier events, so handling the
// same state twice is harmless and a failed step is retried by whatever
// event arrives next.
type MonitoringController[T client.Object] struct {
	Kind     string
	Strategy Strategy[T]
}

// NewMonitoringController returns a controller for kind dispatching to s.
func NewMonitoringController[T client.Object](kind string, s Strategy[T]) *MonitoringController[T] {
	return &MonitoringController[T]{Kind: kind, Strategy: s}
}

// +kubebuilder:rbac:groups="",resources=pods,verbs=get;list;watch;create;update;delete
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;update
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Handle processes one watch event. It never returns an error or panics: a
// failure is logged and the stream moves on to the next event.
func (c *MonitoringController[T]) Handle(ctx context.Context, eventType watch.EventType, obj T) {
	log := logf.FromContext(ctx).WithValues("kind", c.Kind, "event", eventType)

	start := time.Now()
	defer observeHandleDuration(c.Kind, start)
	defer func() {
		if r := recover(); r != nil {
			log.Error(fmt.Errorf("panic: %v", r), "error during event handling", "stack", string(debug.Stack()))
			observeReconcile(c.Kind, actionPanic, resultError)
		}
	}()

	// Reading metadata from a nil object panics; the recover above covers it.
	log = log.WithValues("namespace", obj.GetNamespace(), "name", obj.GetName())
	ctx = logf.IntoContext(ctx, log)

	if eventType != watch.Added && eventType != watch.Modified {
		log.V(1).Info("ignoring event")
		observeReconcile(c.Kind, actionIgnored, resultSuccess)
		return
	}

	action, err := c.reconcile(ctx, obj)
	switch {
	case err == nil:
		observeReconcile(c.Kind, action, resultSuccess)
	case errors.Is(err, ErrNoTemplate):
		log.Info("monitoring template unavailable, waiting for next event", "action", action)
		observeReconcile(c.Kind, action, resultNoTemplate)
	default:
		log.Error(err, "reconciliation failed, waiting for next event", "action", action)
		observeReconcile(c.Kind, action, resultError)
	}
}

// reconcile picks and runs the single action the observed state calls for.
func (c *MonitoringController[T]) reconcile(ctx context.Context, obj T) (string, error) {
	log := logf.FromContext(ctx)

	if ok, reason := c.Strategy.Preconditions(obj); !ok {
		log.V(1).Info("initial conditions are not met", "reason", reason)
		return actionSkipped, nil
	}

	if isMonitored(obj) {
		if c.Strategy.HasSidecar(obj) {
			log.V(1).Info("already has monitoring container")
			return actionUpdate, c.Strategy.CheckAndUpdate(ctx, obj)
		}
		log.Info("initializing monitoring")
		return actionInit, c.Strategy.InitMonitoring(ctx, obj)
	}

	if c.Strategy.HasSidecar(obj) {
		log.Info("monitoring disabled, removing monitoring container")
		return actionDeinit, c.Strategy.DeinitMonitoring(ctx, obj)
	}
	log.V(1).Info("not monitored")
	return actionNone, nil
}
