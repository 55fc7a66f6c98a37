package controller

import (
	"context"
	"errors"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/csirt-muni/monitoring-controller/internal/watch"
	"github.com/csirt-muni/monitoring-controller/pkg/conditions"
	monitoringtypes "github.com/csirt-muni/monitoring-controller/pkg/types"
)

var _ = Describe("PodStrategy", func() {
	var (
		ctx       context.Context
		recorder  *record.FakeRecorder
		templates *fakeTemplates
	)

	enabled := func() map[string]string {
		return map[string]string{
			"app":                           "web",
			monitoringtypes.LabelMonitoring: monitoringtypes.MonitoringEnabled,
		}
	}
	annotated := func() map[string]string {
		return map[string]string{monitoringtypes.AnnotationContainerTemplate: "ipfix"}
	}

	BeforeEach(func() {
		ctx = context.Background()
		recorder = record.NewFakeRecorder(50)
		templates = &fakeTemplates{container: probeContainer()}
	})

	setup := func(objects ...*corev1.Pod) (*fakeCluster, *PodStrategy, *MonitoringController[*corev1.Pod]) {
		var objs []client.Object
		for _, o := range objects {
			objs = append(objs, o)
		}
		cluster := newFakeCluster(objs...)
		strategy := NewPodStrategy(newDeps(cluster, templates, recorder))
		return cluster, strategy, NewMonitoringController[*corev1.Pod]("pod", strategy)
	}

	Describe("Preconditions", func() {
		var strategy *PodStrategy

		BeforeEach(func() {
			_, strategy, _ = setup()
		})

		It("accepts a running standalone pod", func() {
			ok, _ := strategy.Preconditions(runningPod("web-1", nil, nil))
			Expect(ok).To(BeTrue())
		})

		It("rejects a pod that is not running", func() {
			p := runningPod("web-1", nil, nil)
			p.Status.Phase = corev1.PodPending
			ok, reason := strategy.Preconditions(p)
			Expect(ok).To(BeFalse())
			Expect(reason).To(ContainSubstring("Pending"))
		})

		It("rejects a terminating pod", func() {
			p := runningPod("web-1", nil, nil)
			now := metav1.Now()
			p.DeletionTimestamp = &now
			ok, _ := strategy.Preconditions(p)
			Expect(ok).To(BeFalse())
		})

		It("rejects a pod with a controlling owner", func() {
			p := runningPod("web-1", nil, nil)
			p.OwnerReferences = []metav1.OwnerReference{{
				APIVersion: "apps/v1",
				Kind:       "ReplicaSet",
				Name:       "web-5d8f",
				UID:        "rs-uid",
				Controller: ptr.To(true),
			}}
			ok, reason := strategy.Preconditions(p)
			Expect(ok).To(BeFalse())
			Expect(reason).To(ContainSubstring("ReplicaSet/web-5d8f"))
		})

		It("accepts a pod with a non-controlling owner", func() {
			p := runningPod("web-1", nil, nil)
			p.OwnerReferences = []metav1.OwnerReference{{
				APIVersion: "v1",
				Kind:       "ConfigMap",
				Name:       "cfg",
				UID:        "cm-uid",
			}}
			ok, _ := strategy.Preconditions(p)
			Expect(ok).To(BeTrue())
		})
	})

	Describe("initialization", func() {
		It("replaces web-1 with web-1-monitored carrying the sidecar", func() {
			cluster, _, ctrl := setup(runningPod("web-1", enabled(), annotated()))

			ctrl.Handle(ctx, watch.Modified, cluster.mustGetPod("web-1"))

			_, err := cluster.getPod("web-1")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			monitored := cluster.mustGetPod("web-1-monitored")
			Expect(monitored.Labels).To(HaveKeyWithValue(monitoringtypes.LabelMonitoring, monitoringtypes.MonitoringEnabled))
			Expect(monitored.Labels).To(HaveKeyWithValue(monitoringtypes.LabelMonitoringState, monitoringtypes.MonitoringStateInit))
			Expect(monitored.Labels).To(HaveKeyWithValue(monitoringtypes.LabelOriginPodName, "web-1"))
			Expect(monitored.Labels).To(HaveKeyWithValue("app", "web"))
			Expect(monitored.Annotations).To(HaveKeyWithValue(monitoringtypes.AnnotationContainerTemplate, "ipfix"))
			Expect(containerNames(&monitored.Spec)).To(Equal([]string{"app", probeName}))
			Expect(pullSecretNames(&monitored.Spec)).To(Equal([]string{monitoringtypes.DefaultPullSecretName}))

			creates, deletes, _ := cluster.mutations()
			Expect(creates).To(Equal(1))
			Expect(deletes).To(Equal(1))
			Expect(drainEvents(recorder)).To(ContainElement(ContainSubstring(conditions.ReasonMonitoringInitialized)))
		})

		It("uses a configured pull secret and keeps existing ones", func() {
			original := runningPod("web-1", enabled(), annotated())
			original.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: "private"}}
			cluster := newFakeCluster(original)
			deps := newDeps(cluster, templates, recorder)
			deps.PullSecret = "probe-registry"
			strategy := NewPodStrategy(deps)

			Expect(strategy.InitMonitoring(ctx, cluster.mustGetPod("web-1"))).To(Succeed())
			monitored := cluster.mustGetPod("web-1-monitored")
			Expect(pullSecretNames(&monitored.Spec)).To(Equal([]string{"private", "probe-registry"}))
		})

		It("aborts without mutation when no template resolves", func() {
			cluster, strategy, _ := setup(runningPod("web-1", enabled(), nil))

			err := strategy.InitMonitoring(ctx, cluster.mustGetPod("web-1"))
			Expect(err).To(MatchError(ErrNoTemplate))

			creates, deletes, _ := cluster.mutations()
			Expect(creates + deletes).To(BeZero())
			Expect(cluster.mustGetPod("web-1").Spec.Containers).To(HaveLen(1))
			Expect(drainEvents(recorder)).To(ContainElement(ContainSubstring(conditions.ReasonTemplateUnavailable)))
		})

		It("leaves the original alone when the create fails", func() {
			cluster, strategy, _ := setup(runningPod("web-1", enabled(), annotated()))
			cluster.createErr = apierrors.NewForbidden(corev1.Resource("pods"), "web-1-monitored", errors.New("quota exceeded"))

			err := strategy.InitMonitoring(ctx, cluster.mustGetPod("web-1"))
			Expect(err).To(HaveOccurred())

			_, deletes, _ := cluster.mutations()
			Expect(deletes).To(BeZero())
			Expect(cluster.mustGetPod("web-1").Spec.Containers).To(HaveLen(1))
			_, err = cluster.getPod("web-1-monitored")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("reports both pods when the delete fails and finishes on the next event", func() {
			cluster, strategy, _ := setup(runningPod("web-1", enabled(), annotated()))
			cluster.deleteErr = errors.New("etcdserver: request timed out")

			err := strategy.InitMonitoring(ctx, cluster.mustGetPod("web-1"))
			Expect(err).To(MatchError(ContainSubstring("both pods exist")))
			cluster.mustGetPod("web-1")
			cluster.mustGetPod("web-1-monitored")

			cluster.deleteErr = nil
			cluster.resetCounts()
			Expect(strategy.InitMonitoring(ctx, cluster.mustGetPod("web-1"))).To(Succeed())

			creates, deletes, _ := cluster.mutations()
			Expect(creates).To(BeZero())
			Expect(deletes).To(Equal(1))
			_, err = cluster.getPod("web-1")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("is idempotent when the same snapshot is handled twice", func() {
			cluster, _, ctrl := setup(runningPod("web-1", enabled(), annotated()))
			snapshot := cluster.mustGetPod("web-1")

			ctrl.Handle(ctx, watch.Modified, snapshot)
			cluster.resetCounts()
			ctrl.Handle(ctx, watch.Modified, snapshot)

			creates, deletes, _ := cluster.mutations()
			Expect(creates).To(BeZero())
			Expect(deletes).To(BeZero())
			cluster.mustGetPod("web-1-monitored")
		})

		It("refuses to touch a pod that already owns the replacement name", func() {
			foreign := runningPod("web-1-monitored", map[string]string{"app": "other"}, nil)
			cluster, strategy, _ := setup(runningPod("web-1", enabled(), annotated()), foreign)

			err := strategy.InitMonitoring(ctx, cluster.mustGetPod("web-1"))
			Expect(err).To(MatchError(ContainSubstring("not a replacement")))

			creates, deletes, _ := cluster.mutations()
			Expect(creates + deletes).To(BeZero())
			cluster.mustGetPod("web-1")
			Expect(cluster.mustGetPod("web-1-monitored").Labels).To(HaveKeyWithValue("app", "other"))
			Expect(drainEvents(recorder)).To(ContainElement(ContainSubstring(conditions.ReasonReplacementFailed)))
		})

		It("does not delete a newer pod that reuses the original name", func() {
			current := runningPod("web-1", enabled(), annotated())
			current.UID = "uid-new"
			cluster, strategy, _ := setup(current)

			stale := cluster.mustGetPod("web-1")
			stale.UID = "uid-old"
			Expect(strategy.InitMonitoring(ctx, stale)).To(Succeed())

			_, deletes, _ := cluster.mutations()
			Expect(deletes).To(BeZero())
			Expect(cluster.mustGetPod("web-1").UID).To(BeEquivalentTo("uid-new"))
		})

		It("rejects names that cannot be stored in the origin label", func() {
			name := "web-" + strings.Repeat("a", 60)
			cluster, strategy, _ := setup(runningPod(name, enabled(), annotated()))

			err := strategy.InitMonitoring(ctx, cluster.mustGetPod(name))
			Expect(err).To(MatchError(ContainSubstring(monitoringtypes.LabelOriginPodName)))
			creates, deletes, _ := cluster.mutations()
			Expect(creates + deletes).To(BeZero())
		})
	})

	Describe("CheckAndUpdate", func() {
		It("moves a running pod from init to monitoring", func() {
			labels := enabled()
			labels[monitoringtypes.LabelMonitoringState] = monitoringtypes.MonitoringStateInit
			labels[monitoringtypes.LabelOriginPodName] = "web-1"
			cluster, _, ctrl := setup(monitoredPod("web-1", labels))

			ctrl.Handle(ctx, watch.Modified, cluster.mustGetPod("web-1-monitored"))

			_, _, updates := cluster.mutations()
			Expect(updates).To(Equal(1))
			Expect(cluster.mustGetPod("web-1-monitored").Labels).To(
				HaveKeyWithValue(monitoringtypes.LabelMonitoringState, monitoringtypes.MonitoringStateMonitoring))
			Expect(drainEvents(recorder)).To(ContainElement(ContainSubstring(conditions.ReasonMonitoringActive)))
		})

		It("leaves a pod already in monitoring state alone", func() {
			labels := enabled()
			labels[monitoringtypes.LabelMonitoringState] = monitoringtypes.MonitoringStateMonitoring
			cluster, _, ctrl := setup(monitoredPod("web-1", labels))

			ctrl.Handle(ctx, watch.Modified, cluster.mustGetPod("web-1-monitored"))
			ctrl.Handle(ctx, watch.Modified, cluster.mustGetPod("web-1-monitored"))

			creates, deletes, updates := cluster.mutations()
			Expect(creates + deletes + updates).To(BeZero())
		})

		It("surfaces a conflicting update as an error", func() {
			labels := enabled()
			labels[monitoringtypes.LabelMonitoringState] = monitoringtypes.MonitoringStateInit
			cluster, strategy, _ := setup(monitoredPod("web-1", labels))
			cluster.updateErr = apierrors.NewConflict(corev1.Resource("pods"), "web-1-monitored", errors.New("object was modified"))

			err := strategy.CheckAndUpdate(ctx, cluster.mustGetPod("web-1-monitored"))
			Expect(apierrors.IsConflict(err)).To(BeTrue())
		})
	})

	Describe("deinitialization", func() {
		It("restores the original pod when monitoring is disabled", func() {
			labels := map[string]string{
				"app":                                "web",
				monitoringtypes.LabelMonitoring:      "disabled",
				monitoringtypes.LabelMonitoringState: monitoringtypes.MonitoringStateMonitoring,
				monitoringtypes.LabelOriginPodName:   "web-1",
			}
			cluster, _, ctrl := setup(monitoredPod("web-1", labels))

			ctrl.Handle(ctx, watch.Modified, cluster.mustGetPod("web-1-monitored"))

			_, err := cluster.getPod("web-1-monitored")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())

			restored := cluster.mustGetPod("web-1")
			Expect(containerNames(&restored.Spec)).To(Equal([]string{"app"}))
			Expect(restored.Spec.ImagePullSecrets).To(BeEmpty())
			Expect(restored.Labels).To(Equal(map[string]string{
				"app":                           "web",
				monitoringtypes.LabelMonitoring: "disabled",
			}))
			Expect(drainEvents(recorder)).To(ContainElement(ContainSubstring(conditions.ReasonMonitoringRemoved)))
		})

		It("refuses to delete the monitored pod when a foreign pod owns the restored name", func() {
			labels := map[string]string{
				monitoringtypes.LabelMonitoring:    "disabled",
				monitoringtypes.LabelOriginPodName: "web-1",
			}
			foreign := runningPod("web-1", map[string]string{"app": "unrelated"}, nil)
			foreign.Spec.Containers = []corev1.Container{{Name: "shell", Image: "busybox:1.37"}}
			cluster, _, ctrl := setup(monitoredPod("web-1", labels), foreign)

			ctrl.Handle(ctx, watch.Modified, cluster.mustGetPod("web-1-monitored"))

			creates, deletes, _ := cluster.mutations()
			Expect(creates + deletes).To(BeZero())
			Expect(containerNames(&cluster.mustGetPod("web-1-monitored").Spec)).To(Equal([]string{"app", probeName}))
			Expect(cluster.mustGetPod("web-1").Labels).To(HaveKeyWithValue("app", "unrelated"))
			Expect(drainEvents(recorder)).To(ContainElement(ContainSubstring(conditions.ReasonReplacementFailed)))
		})

		It("resumes at delete when the cleaned copy was already created", func() {
			labels := map[string]string{
				monitoringtypes.LabelMonitoring:    "disabled",
				monitoringtypes.LabelOriginPodName: "web-1",
			}
			cluster, strategy, _ := setup(monitoredPod("web-1", labels))
			cluster.deleteErr = errors.New("etcdserver: request timed out")

			err := strategy.DeinitMonitoring(ctx, cluster.mustGetPod("web-1-monitored"))
			Expect(err).To(MatchError(ContainSubstring("both pods exist")))
			cluster.mustGetPod("web-1")

			cluster.deleteErr = nil
			cluster.resetCounts()
			Expect(strategy.DeinitMonitoring(ctx, cluster.mustGetPod("web-1-monitored"))).To(Succeed())

			creates, deletes, _ := cluster.mutations()
			Expect(creates).To(BeZero())
			Expect(deletes).To(Equal(1))
			_, err = cluster.getPod("web-1-monitored")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("uses the -not-monitored suffix when the origin is unknown", func() {
			p := runningPod("probe-by-hand", nil, nil)
			p.Spec.Containers = append(p.Spec.Containers, *probeContainer())
			cluster, _, ctrl := setup(p)

			ctrl.Handle(ctx, watch.Added, cluster.mustGetPod("probe-by-hand"))

			restored := cluster.mustGetPod("probe-by-hand-not-monitored")
			Expect(containerNames(&restored.Spec)).To(Equal([]string{"app"}))
			_, err := cluster.getPod("probe-by-hand")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})

		It("round-trips enable then disable back to an unmonitored pod", func() {
			cluster, _, ctrl := setup(runningPod("web-1", enabled(), annotated()))
			ctrl.Handle(ctx, watch.Modified, cluster.mustGetPod("web-1"))

			monitored := cluster.mustGetPod("web-1-monitored")
			monitored.Labels[monitoringtypes.LabelMonitoring] = "disabled"
			Expect(cluster.Update(ctx, monitored)).To(Succeed())

			// The API server would report the recreated pod as running.
			monitored.Status.Phase = corev1.PodRunning
			ctrl.Handle(ctx, watch.Modified, monitored)

			restored := cluster.mustGetPod("web-1")
			Expect(containerNames(&restored.Spec)).To(Equal([]string{"app"}))
			Expect(restored.Labels).NotTo(HaveKey(monitoringtypes.LabelMonitoringState))
			Expect(restored.Labels).NotTo(HaveKey(monitoringtypes.LabelOriginPodName))
			_, err := cluster.getPod("web-1-monitored")
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})
	})
})
