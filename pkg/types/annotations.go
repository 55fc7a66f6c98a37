package types

const (
	// Labels. LabelMonitoring is set by users, the rest by the controller.
	// The controller keeps no memory between events; these labels are the only
	// durable record of where a resource is in the monitoring lifecycle.

	// LabelMonitoring expresses the desired state. Only LabelMonitoringEnabled
	// requests monitoring; any other value, or absence, requests removal.
	LabelMonitoring = "monitoring"

	// LabelMonitoringState records progress while monitoring is enabled.
	// It must not be trusted when LabelMonitoring is not enabled.
	LabelMonitoringState = "monitoringState"

	// LabelOriginPodName is set on replacement pods only. It holds the name of
	// the pod that was deleted when the sidecar was injected, so removal can
	// restore that name.
	LabelOriginPodName = "originPodName"

	// Annotations set by users to select injected templates.

	// AnnotationContainerTemplate names a single sidecar container template.
	AnnotationContainerTemplate = "containerTemplate"

	// AnnotationPodTemplate names a pod template whose containers, pull secrets
	// and volumes are merged into a deployment. Wins over AnnotationContainerTemplate.
	AnnotationPodTemplate = "podTemplate"
)

// Label values.
const (
	MonitoringEnabled = "enabled"

	MonitoringStateInit       = "init"
	MonitoringStateMonitoring = "monitoring"
)

const (
	// SidecarNameMarker identifies containers owned by this controller:
	// any container whose name contains it is a monitoring sidecar.
	SidecarNameMarker = "csirt-probe"

	// DefaultPullSecretName is the image pull secret attached for the sidecar image.
	DefaultPullSecretName = "regcred"

	// MonitoredSuffix is appended to a pod name when it is replaced with a monitored copy.
	MonitoredSuffix = "-monitored"

	// NotMonitoredSuffix is appended when a monitored pod without LabelOriginPodName is restored.
	NotMonitoredSuffix = "-not-monitored"
)
