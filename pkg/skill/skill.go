// Package skill compiles user-authored declarative skills into executable
// intents. A skill is an ordered list of steps, each either a call to a
// registered intent with templated parameters or a raw shell command; the
// compiler turns the whole list into one handler bound to positional
// parameters, defaults and trigger aliases.
package skill

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pcanales/ensemble/pkg/errors"
)

// File is the top-level structure of a skill definitions document.
type File struct {
	Skills map[string]Definition `yaml:"skills"`
}

// Definition is one declarative skill as authored by the user.
type Definition struct {
	Description string     `yaml:"description"`
	Category    string     `yaml:"category"`
	Confirm     bool       `yaml:"confirm"`
	Parameters  []ParamDef `yaml:"parameters"`
	Triggers    []string   `yaml:"triggers"`
	Steps       []StepDef  `yaml:"steps"`
}

// ParamDef declares one skill parameter. Default may be any YAML scalar; it
// is rendered to a string at compile time.
type ParamDef struct {
	Name        string `yaml:"name"`
	Required    bool   `yaml:"required"`
	Description string `yaml:"description"`
	Default     any    `yaml:"default"`
}

// StepDef is a tagged variant: exactly one of Intent or Command is set.
type StepDef struct {
	Intent  string            `yaml:"intent"`
	Params  map[string]string `yaml:"params"`
	Command string            `yaml:"command"`
}

// Load parses a skill definitions file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a skill definitions document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.New(errors.CodeValidation, "parse skill definitions", err)
	}
	return &f, nil
}

// validate checks one definition before compilation.
func validate(name string, def Definition) error {
	if len(def.Steps) == 0 {
		return errors.Newf(errors.CodeValidation, "skill %q has no steps", name)
	}
	for i, step := range def.Steps {
		hasIntent := step.Intent != ""
		hasCommand := step.Command != ""
		if hasIntent == hasCommand {
			return errors.Newf(errors.CodeValidation,
				"skill %q step %d must set exactly one of intent or command", name, i+1)
		}
		if hasCommand && len(step.Params) > 0 {
			return errors.Newf(errors.CodeValidation,
				"skill %q step %d: command steps take no params map", name, i+1)
		}
	}
	seen := make(map[string]bool, len(def.Parameters))
	for _, p := range def.Parameters {
		if p.Name == "" {
			return errors.Newf(errors.CodeValidation, "skill %q has an unnamed parameter", name)
		}
		if seen[p.Name] {
			return errors.Newf(errors.CodeValidation, "skill %q repeats parameter %q", name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

func renderDefault(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	return fmt.Sprint(v), true
}
