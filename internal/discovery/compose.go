package discovery

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/siteflow/siteflow/internal/model"
)

// composeFile is the subset of a compose file the pipeline cares about.
type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

// composeService tolerates both map and list forms for environment, labels,
// and ports, since site compose files are hand-written.
type composeService struct {
	ContainerName string     `yaml:"container_name"`
	Image         string     `yaml:"image"`
	Ports         stringList `yaml:"ports"`
	Labels        kvMap      `yaml:"labels"`
	Environment   kvMap      `yaml:"environment"`
}

// stringList decodes a YAML sequence of scalars into strings.
type stringList []string

func (l *stringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("expected sequence, got %v", value.Kind)
	}
	out := make([]string, 0, len(value.Content))
	for _, n := range value.Content {
		out = append(out, strings.TrimSpace(n.Value))
	}
	*l = out
	return nil
}

// kvMap decodes either a mapping or a sequence of "KEY=VALUE" strings.
type kvMap map[string]string

func (m *kvMap) UnmarshalYAML(value *yaml.Node) error {
	out := map[string]string{}
	switch value.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			out[value.Content[i].Value] = value.Content[i+1].Value
		}
	case yaml.SequenceNode:
		for _, n := range value.Content {
			k, v, _ := strings.Cut(n.Value, "=")
			out[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	default:
		return fmt.Errorf("expected mapping or sequence, got %v", value.Kind)
	}
	*m = out
	return nil
}

// parseCompose extracts the declared services from compose text, sorted by
// service name for stable output.
func parseCompose(text []byte) ([]model.Service, error) {
	var cf composeFile
	if err := yaml.Unmarshal(text, &cf); err != nil {
		return nil, fmt.Errorf("parse compose: %w", err)
	}
	if len(cf.Services) == 0 {
		return nil, fmt.Errorf("parse compose: no services declared")
	}

	names := make([]string, 0, len(cf.Services))
	for name := range cf.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]model.Service, 0, len(names))
	for _, name := range names {
		svc := cf.Services[name]
		out = append(out, model.Service{
			Name:          name,
			ContainerName: svc.ContainerName,
			Image:         svc.Image,
			Ports:         svc.Ports,
			Labels:        svc.Labels,
			Environment:   svc.Environment,
		})
	}
	return out, nil
}
