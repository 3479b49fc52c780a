// Package core defines the shared vocabulary of the Ensemble runtime:
// intents, categories, workflows and the universal Result shape every
// handler returns.
package core

// Payload is the argument bag passed to every intent handler. It always
// carries the intent name under KeyIntent; orchestrators add mapped
// parameters alongside it.
type Payload map[string]any

// Well-known payload keys.
const (
	// KeyIntent holds the name of the intent being invoked.
	KeyIntent = "intent"

	// KeyAutoConfirm marks an invocation as pre-confirmed. Handlers whose
	// metadata declares SafetyRequiresConfirmation must not prompt when
	// this key is true; confirmation policy itself lives outside the core.
	KeyAutoConfirm = "auto_confirm"

	// KeyArgs carries positional arguments for compiled skills.
	KeyArgs = "args"
)

// Result is the universal return shape for intent invocations, skill and
// workflow steps, and protocol calls. Errors are values: a failed Result
// is data, never a panic.
type Result struct {
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
}

// Ok builds a successful Result with the given output.
func Ok(output string) Result {
	return Result{Success: true, Output: output}
}

// Fail builds a failed Result with the given error message.
func Fail(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Handler executes an intent against a payload.
type Handler func(payload Payload) Result

// Safety classifies how an intent may be invoked.
type Safety int

const (
	// SafetyNone means the intent runs without confirmation.
	SafetyNone Safety = iota

	// SafetyRequiresConfirmation means the intent must be confirmed unless
	// the payload carries KeyAutoConfirm.
	SafetyRequiresConfirmation
)

// Parameter describes one declared intent parameter, in declaration order.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Required    bool   `json:"required" yaml:"required"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Metadata describes a registered intent.
type Metadata struct {
	Category    string      `json:"category"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters,omitempty"`
	Safety      Safety      `json:"safety"`
}

// Category groups intents for listings. The intent membership is a derived
// view owned by the registry index, not stored here.
type Category struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Transform optionally rewrites a workflow parameter value before it is
// placed into a step payload.
type Transform func(value any) any

// WorkflowStep invokes one intent with workflow parameters mapped into its
// payload. ParamMap maps target payload keys to source workflow parameters.
type WorkflowStep struct {
	Intent    string
	ParamMap  map[string]string
	Transform Transform
}

// Workflow is a static, ordered composition of existing intents.
type Workflow struct {
	Name        string
	DisplayName string
	Description string
	Steps       []WorkflowStep
}
