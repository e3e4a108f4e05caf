package plan

import (
	_ "embed"
	"fmt"
	"io"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed template.yaml
var defaultTemplateYAML []byte

var defaultTemplate = sync.OnceValues(func() (Document, error) {
	return ParseTemplate(defaultTemplateYAML)
})

// DefaultTemplate returns a fresh copy of the built-in plan template.
// It panics if the embedded template is invalid, which can only happen
// through a broken build.
func DefaultTemplate() Document {
	d, err := defaultTemplate()
	if err != nil {
		panic(fmt.Sprintf("plan: embedded template: %v", err))
	}
	return d.Clone()
}

// LoadTemplate reads a YAML template, for deployments that seed the
// store with their own plan.
func LoadTemplate(r io.Reader) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading template: %w", err)
	}
	return ParseTemplate(data)
}

// ParseTemplate parses and validates a YAML template. Unlike stored
// documents, templates are rejected outright on duplicate ids.
func ParseTemplate(data []byte) (Document, error) {
	var d Document
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}
	for _, p := range d {
		if p != nil && p.Phases == nil {
			p.Phases = map[string]*Phase{}
		}
	}
	if err := Validate(d); err != nil {
		return nil, fmt.Errorf("invalid template: %w", err)
	}
	return d, nil
}
