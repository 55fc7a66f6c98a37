package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// TemplateSource selects where sidecar templates are loaded from.
type TemplateSource string

const (
	TemplateSourceFile      TemplateSource = "file"
	TemplateSourceConfigMap TemplateSource = "configmap"
)

// Config holds the controller runtime configuration loaded from env vars.
type Config struct {
	// Namespace to watch. Empty watches all namespaces.
	Namespace        string `envconfig:"WATCH_NAMESPACE" default:"default"`
	WatchPods        bool   `envconfig:"WATCH_PODS" default:"true"`
	WatchDeployments bool   `envconfig:"WATCH_DEPLOYMENTS" default:"true"`

	TemplateSource       TemplateSource `envconfig:"TEMPLATE_SOURCE" default:"file"`
	ContainerTemplateDir string         `envconfig:"CONTAINER_TEMPLATE_DIR" default:"ContainerTemplates"`
	PodTemplateDir       string         `envconfig:"POD_TEMPLATE_DIR" default:"PodTemplates"`
	// TemplateConfigMap is the name prefix of the "<name>-containers" and
	// "<name>-pods" ConfigMaps used by the configmap source.
	TemplateConfigMap          string `envconfig:"TEMPLATE_CONFIGMAP"`
	TemplateConfigMapNamespace string `envconfig:"TEMPLATE_CONFIGMAP_NAMESPACE"`

	PullSecretName string `envconfig:"PULL_SECRET_NAME" default:"regcred"`

	APITimeout            time.Duration `envconfig:"API_TIMEOUT" default:"30s"`
	WatchRetryMaxInterval time.Duration `envconfig:"WATCH_RETRY_MAX_INTERVAL" default:"30s"`

	MetricsAddr     string `envconfig:"METRICS_BIND_ADDRESS" default:":8080"`
	HealthProbeAddr string `envconfig:"HEALTH_PROBE_BIND_ADDRESS" default:":8081"`
	LeaderElect     bool   `envconfig:"LEADER_ELECT" default:"false"`
}

// FromEnv reads the configuration from environment variables and validates it.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("processing env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field combinations envconfig cannot express.
func (c *Config) Validate() error {
	switch c.TemplateSource {
	case TemplateSourceFile:
		if c.ContainerTemplateDir == "" && c.PodTemplateDir == "" {
			return fmt.Errorf("file template source needs CONTAINER_TEMPLATE_DIR or POD_TEMPLATE_DIR")
		}
	case TemplateSourceConfigMap:
		if c.TemplateConfigMap == "" {
			return fmt.Errorf("TEMPLATE_CONFIGMAP is required for template source %q", c.TemplateSource)
		}
	default:
		return fmt.Errorf("unknown TEMPLATE_SOURCE %q", c.TemplateSource)
	}
	if !c.WatchPods && !c.WatchDeployments {
		return fmt.Errorf("nothing to watch: WATCH_PODS and WATCH_DEPLOYMENTS are both false")
	}
	if c.APITimeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be positive, got %s", c.APITimeout)
	}
	if c.PullSecretName == "" {
		return fmt.Errorf("PULL_SECRET_NAME must not be empty")
	}
	return nil
}

// TemplateNamespace returns the namespace holding the template ConfigMaps,
// defaulting to the watched namespace.
func (c *Config) TemplateNamespace() string {
	if c.TemplateConfigMapNamespace != "" {
		return c.TemplateConfigMapNamespace
	}
	return c.Namespace
}
