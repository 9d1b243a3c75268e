// Package models loads workflow definitions from YAML files so a deployment
// can ship its standard workflows alongside the binary and have them
// registered at startup.
package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	v1 "github.com/swarmd/swarmd/pkg/api/v1"
)

// fileWorkflow mirrors v1.Workflow for YAML decoding. Step config blocks and
// input defaults arrive as free-form YAML and are re-encoded to JSON.
type fileWorkflow struct {
	Name       string               `yaml:"name"`
	Inputs     map[string]fileInput `yaml:"inputs"`
	Steps      []fileStep           `yaml:"steps"`
	TimeoutMs  int64                `yaml:"timeout_ms"`
	OnComplete string               `yaml:"on_complete"`
	OnFailure  string               `yaml:"on_failure"`
}

type fileInput struct {
	Required bool `yaml:"required"`
	Default  any  `yaml:"default"`
}

type fileStep struct {
	Key        string         `yaml:"key"`
	Name       string         `yaml:"name"`
	Type       v1.StepType    `yaml:"type"`
	DependsOn  []string       `yaml:"depends_on"`
	Config     map[string]any `yaml:"config"`
	Guard      *v1.Guard      `yaml:"guard"`
	OnFailure  v1.OnFailure   `yaml:"on_failure"`
	MaxRetries int            `yaml:"max_retries"`
	TimeoutMs  int64          `yaml:"timeout_ms"`
}

// LoadDir parses every .yaml/.yml file in dir into workflow definitions.
// A missing directory is not an error; it just yields nothing.
func LoadDir(dir string) ([]*v1.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read definition dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var workflows []*v1.Workflow
	for _, name := range names {
		wf, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// LoadFile parses one YAML workflow definition.
func LoadFile(path string) (*v1.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return wf, nil
}

// Parse decodes a YAML workflow definition into the API representation.
func Parse(data []byte) (*v1.Workflow, error) {
	var fw fileWorkflow
	if err := yaml.Unmarshal(data, &fw); err != nil {
		return nil, err
	}
	if fw.Name == "" {
		return nil, fmt.Errorf("workflow name is required")
	}
	if len(fw.Steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", fw.Name)
	}

	wf := &v1.Workflow{
		Name:       fw.Name,
		TimeoutMs:  fw.TimeoutMs,
		OnComplete: fw.OnComplete,
		OnFailure:  fw.OnFailure,
	}

	for _, fs := range fw.Steps {
		if fs.Key == "" {
			return nil, fmt.Errorf("workflow %q: step without a key", fw.Name)
		}
		step := v1.StepDefinition{
			Key:        fs.Key,
			Name:       fs.Name,
			Type:       fs.Type,
			DependsOn:  fs.DependsOn,
			Guard:      fs.Guard,
			OnFailure:  fs.OnFailure,
			MaxRetries: fs.MaxRetries,
			TimeoutMs:  fs.TimeoutMs,
		}
		if len(fs.Config) > 0 {
			raw, err := json.Marshal(fs.Config)
			if err != nil {
				return nil, fmt.Errorf("workflow %q step %q: config: %w", fw.Name, fs.Key, err)
			}
			step.Config = raw
		}
		wf.Steps = append(wf.Steps, step)
	}

	if len(fw.Inputs) > 0 {
		wf.Inputs = make(map[string]v1.InputDefinition, len(fw.Inputs))
		for name, fi := range fw.Inputs {
			def := v1.InputDefinition{Required: fi.Required}
			if fi.Default != nil {
				raw, err := json.Marshal(fi.Default)
				if err != nil {
					return nil, fmt.Errorf("workflow %q input %q: default: %w", fw.Name, name, err)
				}
				def.Default = raw
			}
			wf.Inputs[name] = def
		}
	}

	return wf, nil
}
