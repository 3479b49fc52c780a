package plugin

import (
	"fmt"
	"sort"

	"github.com/pcanales/ensemble/pkg/core"
	"github.com/pcanales/ensemble/pkg/errors"
)

// contribution is the validated form of a plugin's exported bindings. The
// raw exports are loosely typed; everything is checked eagerly at load time
// so failures surface as VALIDATION_ERROR instead of call-time surprises.
type contribution struct {
	intents    map[string]core.Handler
	metadata   map[string]core.Metadata
	workflows  map[string]core.Workflow
	categories map[string]core.Category

	version     string
	author      string
	description string
}

// pluginFunc is the handler signature a plugin exports: a payload map in, a
// Result-shaped map out.
type pluginFunc = func(map[string]any) map[string]any

func convertIntents(raw any) (map[string]core.Handler, error) {
	out := make(map[string]core.Handler)
	switch v := raw.(type) {
	case map[string]pluginFunc:
		for name, fn := range v {
			out[name] = wrapHandler(fn)
		}
	case map[string]any:
		var bad []string
		for name, entry := range v {
			fn, ok := entry.(pluginFunc)
			if !ok {
				bad = append(bad, name)
				continue
			}
			out[name] = wrapHandler(fn)
		}
		if len(bad) > 0 {
			sort.Strings(bad)
			return nil, errors.Newf(errors.CodeValidation,
				"intents %v are not callable", bad)
		}
	default:
		return nil, errors.Newf(errors.CodeValidation,
			"Intents must be a map of name to handler, got %T", raw)
	}
	if len(out) == 0 {
		return nil, errors.Newf(errors.CodeValidation, "Intents map is empty")
	}
	return out, nil
}

// wrapHandler adapts a plugin's map-based handler to the core Handler
// contract.
func wrapHandler(fn pluginFunc) core.Handler {
	return func(p core.Payload) core.Result {
		return resultFromMap(fn(map[string]any(p)))
	}
}

func resultFromMap(m map[string]any) core.Result {
	if m == nil {
		return core.Fail("plugin handler returned nil")
	}
	var res core.Result
	if v, ok := m["success"].(bool); ok {
		res.Success = v
	}
	if v, ok := m["output"].(string); ok {
		res.Output = v
	}
	if v, ok := m["error"].(string); ok {
		res.Error = v
	}
	switch v := m["error_code"].(type) {
	case int:
		res.ErrorCode = v
	case float64:
		res.ErrorCode = int(v)
	}
	return res
}

func convertMetadata(raw any) (map[string]core.Metadata, error) {
	entries, err := toStringMapMap(raw, "Metadata")
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.Metadata, len(entries))
	for name, fields := range entries {
		meta := core.Metadata{}
		if v, ok := fields["category"].(string); ok {
			meta.Category = v
		}
		if v, ok := fields["description"].(string); ok {
			meta.Description = v
		}
		if v, ok := fields["confirm"].(bool); ok && v {
			meta.Safety = core.SafetyRequiresConfirmation
		}
		params, err := convertParameters(fields["parameters"])
		if err != nil {
			return nil, errors.Newf(errors.CodeValidation,
				"metadata for %q: %v", name, err)
		}
		meta.Parameters = params
		out[name] = meta
	}
	return out, nil
}

func convertParameters(raw any) ([]core.Parameter, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("parameters must be a list, got %T", raw)
	}
	out := make([]core.Parameter, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter %d must be a map, got %T", i, item)
		}
		p := core.Parameter{}
		if v, ok := fields["name"].(string); ok {
			p.Name = v
		}
		if p.Name == "" {
			return nil, fmt.Errorf("parameter %d has no name", i)
		}
		if v, ok := fields["required"].(bool); ok {
			p.Required = v
		}
		if v, ok := fields["description"].(string); ok {
			p.Description = v
		}
		out = append(out, p)
	}
	return out, nil
}

func convertCategories(raw any) (map[string]core.Category, error) {
	entries, err := toStringMapMap(raw, "Categories")
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.Category, len(entries))
	for key, fields := range entries {
		cat := core.Category{Key: key, Name: key}
		if v, ok := fields["name"].(string); ok && v != "" {
			cat.Name = v
		}
		if v, ok := fields["description"].(string); ok {
			cat.Description = v
		}
		out[key] = cat
	}
	return out, nil
}

func convertWorkflows(raw any) (map[string]core.Workflow, error) {
	entries, err := toStringMapMap(raw, "Workflows")
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.Workflow, len(entries))
	for name, fields := range entries {
		wf := core.Workflow{Name: name, DisplayName: name}
		if v, ok := fields["display_name"].(string); ok && v != "" {
			wf.DisplayName = v
		}
		if v, ok := fields["description"].(string); ok {
			wf.Description = v
		}
		steps, err := convertWorkflowSteps(fields["steps"])
		if err != nil {
			return nil, errors.Newf(errors.CodeValidation,
				"workflow %q: %v", name, err)
		}
		if len(steps) == 0 {
			return nil, errors.Newf(errors.CodeValidation,
				"workflow %q has no steps", name)
		}
		wf.Steps = steps
		out[name] = wf
	}
	return out, nil
}

func convertWorkflowSteps(raw any) ([]core.WorkflowStep, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("steps must be a list, got %T", raw)
	}
	out := make([]core.WorkflowStep, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %d must be a map, got %T", i, item)
		}
		step := core.WorkflowStep{}
		if v, ok := fields["intent"].(string); ok {
			step.Intent = v
		}
		if step.Intent == "" {
			return nil, fmt.Errorf("step %d names no intent", i)
		}
		if rawParams, present := fields["params"]; present {
			params, ok := rawParams.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("step %d params must be a map", i)
			}
			step.ParamMap = make(map[string]string, len(params))
			for target, source := range params {
				s, ok := source.(string)
				if !ok {
					return nil, fmt.Errorf("step %d param %q must map to a source name", i, target)
				}
				step.ParamMap[target] = s
			}
		}
		if rawTransform, present := fields["transform"]; present && rawTransform != nil {
			fn, ok := rawTransform.(func(any) any)
			if !ok {
				return nil, fmt.Errorf("step %d transform must be func(any) any, got %T", i, rawTransform)
			}
			step.Transform = fn
		}
		out = append(out, step)
	}
	return out, nil
}

func toStringMapMap(raw any, binding string) (map[string]map[string]any, error) {
	switch v := raw.(type) {
	case map[string]map[string]any:
		return v, nil
	case map[string]any:
		out := make(map[string]map[string]any, len(v))
		for key, entry := range v {
			fields, ok := entry.(map[string]any)
			if !ok {
				return nil, errors.Newf(errors.CodeValidation,
					"%s entry %q must be a map, got %T", binding, key, entry)
			}
			out[key] = fields
		}
		return out, nil
	default:
		return nil, errors.Newf(errors.CodeValidation,
			"%s must be a map, got %T", binding, raw)
	}
}
