package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// GraphDefinition is the serializable form of a Graph
type GraphDefinition struct {
	ID          string                 `json:"id" yaml:"id"`
	Name        string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Description string                 `json:"description,omitempty" yaml:"description,omitempty"`
	Activities  []ActivityDefinition   `json:"activities" yaml:"activities"`
	Transitions []TransitionDefinition `json:"transitions" yaml:"transitions"`
}

// ActivityDefinition is the serializable form of an Activity
type ActivityDefinition struct {
	ID       string         `json:"id" yaml:"id"`
	Kind     ActivityKind   `json:"kind" yaml:"kind"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Handler  string         `json:"handler,omitempty" yaml:"handler,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TransitionDefinition is the serializable form of a Transition
type TransitionDefinition struct {
	ID   string `json:"id,omitempty" yaml:"id,omitempty"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// ToJSON converts a GraphDefinition to JSON string
func (d *GraphDefinition) ToJSON() (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal to JSON: %w", err)
	}
	return string(data), nil
}

// ToYAML converts a GraphDefinition to YAML string
func (d *GraphDefinition) ToYAML() (string, error) {
	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal to YAML: %w", err)
	}
	return string(data), nil
}

// DefinitionFromJSON parses and validates a JSON definition
func DefinitionFromJSON(jsonStr string) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := json.Unmarshal([]byte(jsonStr), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from JSON: %w", err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &def, nil
}

// DefinitionFromYAML parses and validates a YAML definition
func DefinitionFromYAML(yamlStr string) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := yaml.Unmarshal([]byte(yamlStr), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal from YAML: %w", err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return &def, nil
}

// LoadDefinitionFile loads a definition, choosing the format by extension
func LoadDefinitionFile(filename string) (*GraphDefinition, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		return DefinitionFromJSON(string(data))
	case ".yaml", ".yml":
		return DefinitionFromYAML(string(data))
	default:
		return nil, fmt.Errorf("unsupported definition format: %s", filename)
	}
}

// SaveToFile writes the definition, choosing the format by extension
func (d *GraphDefinition) SaveToFile(filename string) error {
	var (
		out string
		err error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		out, err = d.ToJSON()
	case ".yaml", ".yml":
		out, err = d.ToYAML()
	default:
		return fmt.Errorf("unsupported definition format: %s", filename)
	}
	if err != nil {
		return err
	}

	if err := os.WriteFile(filename, []byte(out), 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// ValidateDefinition checks a definition and the graph it describes
func ValidateDefinition(def *GraphDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("graph id is required")
	}
	if len(def.Activities) == 0 {
		return fmt.Errorf("graph %s must have at least one activity", def.ID)
	}
	_, err := def.Build()
	return err
}

// Build creates the Graph described by the definition
func (d *GraphDefinition) Build() (*Graph, error) {
	g := NewGraph(d.ID)
	for _, a := range d.Activities {
		switch a.Kind {
		case "", ActivityStart, ActivityTask, ActivityGateway, ActivityEnd:
		default:
			return nil, fmt.Errorf("activity %s: unknown kind %q", a.ID, a.Kind)
		}
		if err := g.AddActivity(&Activity{
			ID:       a.ID,
			Kind:     a.Kind,
			Name:     a.Name,
			Handler:  a.Handler,
			Metadata: a.Metadata,
		}); err != nil {
			return nil, err
		}
	}
	for _, t := range d.Transitions {
		if err := g.AddTransition(&Transition{ID: t.ID, Source: t.From, Target: t.To}); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// DefinitionOf exports a graph
func DefinitionOf(g *Graph) *GraphDefinition {
	def := &GraphDefinition{ID: g.ID()}
	for _, a := range g.Activities() {
		def.Activities = append(def.Activities, ActivityDefinition{
			ID:       a.ID,
			Kind:     a.Kind,
			Name:     a.Name,
			Handler:  a.Handler,
			Metadata: a.Metadata,
		})
	}
	for _, t := range g.Transitions() {
		def.Transitions = append(def.Transitions, TransitionDefinition{ID: t.ID, From: t.Source, To: t.Target})
	}
	return def
}
