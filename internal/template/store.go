package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"
)

// ErrNotFound is returned by a Store when no template of the given name exists.
var ErrNotFound = errors.New("template not found")

// Store loads named container and pod templates.
type Store interface {
	Container(ctx context.Context, name string) (*corev1.Container, error)
	PodSpec(ctx context.Context, name string) (*corev1.PodSpec, error)
}

// FileStore reads templates from "<dir>/<name>.yaml".
type FileStore struct {
	ContainerDir string
	PodDir       string
}

func (s *FileStore) Container(_ context.Context, name string) (*corev1.Container, error) {
	data, err := readTemplateFile(s.ContainerDir, name)
	if err != nil {
		return nil, err
	}
	return decodeContainer(name, data)
}

func (s *FileStore) PodSpec(_ context.Context, name string) (*corev1.PodSpec, error) {
	data, err := readTemplateFile(s.PodDir, name)
	if err != nil {
		return nil, err
	}
	return decodePodSpec(name, data)
}

func readTemplateFile(dir, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: no template directory configured for %q", ErrNotFound, name)
	}
	path := filepath.Join(dir, name+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", path, err)
	}
	return data, nil
}

// ConfigMapStore reads templates from the "<name>.yaml" keys of two ConfigMaps.
type ConfigMapStore struct {
	Client             client.Reader
	Namespace          string
	ContainerConfigMap string
	PodConfigMap       string
}

// ContainerConfigMapName returns the ConfigMap holding container templates.
func ContainerConfigMapName(prefix string) string {
	return prefix + "-containers"
}

// PodConfigMapName returns the ConfigMap holding pod templates.
func PodConfigMapName(prefix string) string {
	return prefix + "-pods"
}

func (s *ConfigMapStore) Container(ctx context.Context, name string) (*corev1.Container, error) {
	data, err := s.read(ctx, s.ContainerConfigMap, name)
	if err != nil {
		return nil, err
	}
	return decodeContainer(name, data)
}

func (s *ConfigMapStore) PodSpec(ctx context.Context, name string) (*corev1.PodSpec, error) {
	data, err := s.read(ctx, s.PodConfigMap, name)
	if err != nil {
		return nil, err
	}
	return decodePodSpec(name, data)
}

func (s *ConfigMapStore) read(ctx context.Context, cmName, name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	cm := &corev1.ConfigMap{}
	key := client.ObjectKey{Name: cmName, Namespace: s.Namespace}
	if err := s.Client.Get(ctx, key, cm); err != nil {
		if client.IgnoreNotFound(err) == nil {
			return nil, fmt.Errorf("%w: ConfigMap %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("reading template ConfigMap %s: %w", key, err)
	}
	data, ok := cm.Data[name+".yaml"]
	if !ok {
		return nil, fmt.Errorf("%w: key %s.yaml in ConfigMap %s", ErrNotFound, name, key)
	}
	return []byte(data), nil
}

func decodeContainer(name string, data []byte) (*corev1.Container, error) {
	var c corev1.Container
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding container template %q: %w", name, err)
	}
	if c.Name == "" || c.Image == "" {
		return nil, fmt.Errorf("container template %q: name and image are required", name)
	}
	return &c, nil
}

// decodePodSpec accepts a Pod manifest, or a PodTemplate manifest whose spec
// sits under template.spec. Only the pod spec is used.
func decodePodSpec(name string, data []byte) (*corev1.PodSpec, error) {
	var typeMeta metav1.TypeMeta
	if err := yaml.Unmarshal(data, &typeMeta); err != nil {
		return nil, fmt.Errorf("decoding pod template %q: %w", name, err)
	}

	var spec corev1.PodSpec
	switch typeMeta.Kind {
	case "PodTemplate":
		var tmpl corev1.PodTemplate
		if err := yaml.Unmarshal(data, &tmpl); err != nil {
			return nil, fmt.Errorf("decoding pod template %q: %w", name, err)
		}
		spec = tmpl.Template.Spec
	case "", "Pod":
		var pod corev1.Pod
		if err := yaml.Unmarshal(data, &pod); err != nil {
			return nil, fmt.Errorf("decoding pod template %q: %w", name, err)
		}
		spec = pod.Spec
	default:
		return nil, fmt.Errorf("pod template %q: unsupported kind %q", name, typeMeta.Kind)
	}

	if len(spec.Containers) == 0 {
		return nil, fmt.Errorf("pod template %q: no containers in pod spec", name)
	}
	return &spec, nil
}

// validateName rejects names that would escape the template directory.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty template name")
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) ||
		slices.Contains(strings.Split(filepath.ToSlash(name), "/"), "..") || name == "." {
		return fmt.Errorf("invalid template name %q", name)
	}
	return nil
}
