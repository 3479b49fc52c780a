package skill

import (
	"fmt"
	"strings"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
	"github.com/pcanales/ensemble/pkg/registry"
)

// StepKind discriminates the two step variants.
type StepKind int

const (
	// StepIntent calls a registered intent with templated parameters.
	StepIntent StepKind = iota

	// StepCommand runs a raw shell command template.
	StepCommand
)

// Step is one compiled skill step.
type Step struct {
	Kind    StepKind
	Intent  string
	Params  map[string]string
	Command string
}

// Compiled is a skill after compilation: a plain value holding everything
// invocation needs. Keeping the steps and bindings in a value instead of a
// closure removes any loop-capture hazard from the handler factory.
type Compiled struct {
	Name       string
	Category   string
	Confirm    bool
	ParamNames []string
	Defaults   map[string]string
	Triggers   []string
	Steps      []Step
}

// Compile turns one declarative definition into a Compiled skill.
func Compile(name string, def Definition) (*Compiled, error) {
	if err := validate(name, def); err != nil {
		return nil, err
	}
	c := &Compiled{
		Name:     name,
		Category: def.Category,
		Confirm:  def.Confirm,
		Defaults: make(map[string]string),
		Triggers: append([]string(nil), def.Triggers...),
	}
	if c.Category == "" {
		c.Category = "skills"
	}
	for _, p := range def.Parameters {
		c.ParamNames = append(c.ParamNames, p.Name)
		if v, ok := renderDefault(p.Default); ok {
			c.Defaults[p.Name] = v
		}
	}
	for _, sd := range def.Steps {
		if sd.Intent != "" {
			params := make(map[string]string, len(sd.Params))
			for k, v := range sd.Params {
				params[k] = v
			}
			c.Steps = append(c.Steps, Step{Kind: StepIntent, Intent: sd.Intent, Params: params})
		} else {
			c.Steps = append(c.Steps, Step{Kind: StepCommand, Command: sd.Command})
		}
	}
	return c, nil
}

// Metadata builds the registry metadata for the compiled skill.
func (c *Compiled) Metadata(def Definition) core.Metadata {
	meta := core.Metadata{
		Category:    c.Category,
		Description: def.Description,
	}
	for _, p := range def.Parameters {
		meta.Parameters = append(meta.Parameters, core.Parameter{
			Name:        p.Name,
			Required:    p.Required,
			Description: p.Description,
		})
	}
	if c.Confirm {
		meta.Safety = core.SafetyRequiresConfirmation
	}
	return meta
}

// Handler binds the compiled skill to a registry and command runner. The
// returned handler is the single registry entry for the skill; triggers
// alias it.
func (c *Compiled) Handler(reg *registry.Registry, runner CommandRunner) core.Handler {
	return func(payload core.Payload) core.Result {
		return invoke(c, reg, runner, payload)
	}
}

// invoke is a pure function over the compiled value and the incoming
// payload: positional args map onto declared parameter names, defaults fill
// the gaps, then steps run strictly in order, aborting on first failure.
func invoke(c *Compiled, reg *registry.Registry, runner CommandRunner, payload core.Payload) core.Result {
	bound := bindArguments(c, payload)

	var outputs []string
	for i, step := range c.Steps {
		switch step.Kind {
		case StepIntent:
			stepPayload := core.Payload{
				core.KeyIntent:      step.Intent,
				core.KeyAutoConfirm: true,
			}
			for target, tmpl := range step.Params {
				stepPayload[target] = substitute(tmpl, bound)
			}
			res := reg.Dispatch(step.Intent, stepPayload)
			if !res.Success {
				return core.Fail(errors.Newf(errors.CodeStepFailed,
					"skill %q step %d (intent %s) failed: %s",
					c.Name, i+1, step.Intent, res.Error).Error())
			}
			if res.Output != "" {
				outputs = append(outputs, res.Output)
			}
		case StepCommand:
			command := substitute(step.Command, bound)
			out, err := runner.Run(command)
			if err != nil {
				return core.Fail(errors.Newf(errors.CodeStepFailed,
					"skill %q step %d (command) failed: %v",
					c.Name, i+1, err).Error())
			}
			if out != "" {
				outputs = append(outputs, out)
			}
		}
	}

	if len(outputs) == 0 {
		return core.Ok(fmt.Sprintf("skill %q completed", c.Name))
	}
	return core.Ok(strings.Join(outputs, "\n"))
}

// bindArguments maps positional payload args onto declared parameter names,
// then named payload values, then declared defaults.
func bindArguments(c *Compiled, payload core.Payload) map[string]string {
	bound := make(map[string]string, len(c.ParamNames))
	for name, value := range c.Defaults {
		bound[name] = value
	}

	var args []string
	switch v := payload[core.KeyArgs].(type) {
	case []string:
		args = v
	case []any:
		for _, item := range v {
			args = append(args, fmt.Sprint(item))
		}
	}
	for i, name := range c.ParamNames {
		if i < len(args) {
			bound[name] = args[i]
		}
	}
	for _, name := range c.ParamNames {
		if v, ok := payload[name]; ok {
			bound[name] = fmt.Sprint(v)
		}
	}
	return bound
}

// substitute replaces every {param} occurrence in template with its bound
// value. Unbound placeholders are left untouched.
func substitute(template string, bound map[string]string) string {
	out := template
	for name, value := range bound {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	return out
}
