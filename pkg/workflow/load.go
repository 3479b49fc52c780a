// SPDX-License-Identifier: Apache-2.0

package workflow

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
	"github.com/pcanales/ensemble/pkg/registry"
)

// File is the on-disk workflow definition document.
type File struct {
	Workflows map[string]Definition `yaml:"workflows"`
}

// Definition is one declarative workflow entry.
type Definition struct {
	DisplayName string    `yaml:"display_name"`
	Description string    `yaml:"description"`
	Steps       []StepDef `yaml:"steps"`
}

// StepDef is one declarative workflow step. Params maps target payload keys
// to source parameter names; Transform optionally names a built-in value
// transform applied to every mapped value of the step.
type StepDef struct {
	Intent    string            `yaml:"intent"`
	Params    map[string]string `yaml:"params"`
	Transform string            `yaml:"transform"`
}

// transforms are the named value transforms a definition may reference.
var transforms = map[string]core.Transform{
	"trim": func(v any) any {
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
		return v
	},
	"upper": func(v any) any {
		if s, ok := v.(string); ok {
			return strings.ToUpper(s)
		}
		return v
	},
	"lower": func(v any) any {
		if s, ok := v.(string); ok {
			return strings.ToLower(s)
		}
		return v
	},
}

// Load reads a workflow definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.New(errors.CodeValidation, "read workflows file", err)
	}
	return Parse(data)
}

// Parse decodes a workflow definition document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.New(errors.CodeValidation, "parse workflows file", err)
	}
	return &f, nil
}

// Build converts a definition into a registrable workflow.
func Build(name string, def Definition) (core.Workflow, error) {
	wf := core.Workflow{
		Name:        name,
		DisplayName: def.DisplayName,
		Description: def.Description,
	}
	if wf.DisplayName == "" {
		wf.DisplayName = name
	}
	if len(def.Steps) == 0 {
		return core.Workflow{}, errors.Newf(errors.CodeValidation,
			"workflow %q has no steps", name)
	}
	for i, sd := range def.Steps {
		if sd.Intent == "" {
			return core.Workflow{}, errors.Newf(errors.CodeValidation,
				"workflow %q step %d names no intent", name, i+1)
		}
		step := core.WorkflowStep{Intent: sd.Intent, ParamMap: sd.Params}
		if sd.Transform != "" {
			fn, ok := transforms[sd.Transform]
			if !ok {
				return core.Workflow{}, errors.Newf(errors.CodeValidation,
					"workflow %q step %d: unknown transform %q", name, i+1, sd.Transform)
			}
			step.Transform = fn
		}
		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

// RegisterAll builds every definition and adds it to the registry. One bad
// definition never blocks the rest; diagnostics are returned for the caller
// to surface.
func RegisterAll(reg *registry.Registry, f *File) (registered []string, diagnostics []string) {
	for _, name := range sortedNames(f.Workflows) {
		wf, err := Build(name, f.Workflows[name])
		if err != nil {
			diagnostics = append(diagnostics, err.Error())
			continue
		}
		if err := reg.AddWorkflow(wf); err != nil {
			diagnostics = append(diagnostics, fmt.Sprintf("workflow %q: %v", name, err))
			continue
		}
		registered = append(registered, name)
	}
	return registered, diagnostics
}

func sortedNames(m map[string]Definition) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
