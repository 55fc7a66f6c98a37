package conditions

// Event reasons recorded on reconciled pods and deployments.
const (
	// ReasonMonitoringInitialized means the sidecar was injected and monitoringState=init was set.
	ReasonMonitoringInitialized = "MonitoringInitialized"

	// ReasonMonitoringActive means the resource moved from init to monitoring.
	ReasonMonitoringActive = "MonitoringActive"

	// ReasonMonitoringRemoved means sidecars, pull secret and progress labels were removed.
	ReasonMonitoringRemoved = "MonitoringRemoved"

	// ReasonTemplateUnavailable means no container or pod template could be resolved.
	ReasonTemplateUnavailable = "TemplateUnavailable"

	// ReasonReplacementFailed means a create, delete or replace call was rejected.
	ReasonReplacementFailed = "ReplacementFailed"
)
