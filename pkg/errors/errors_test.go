package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	err := New(CodeNotFound, "intent missing", nil)
	if got := err.Error(); got != "[NOT_FOUND] intent missing" {
		t.Fatalf("unexpected message: %s", got)
	}

	wrapped := New(CodeTimeout, "call timed out", stderrors.New("deadline"))
	if !strings.Contains(wrapped.Error(), "deadline") {
		t.Fatalf("cause missing from message: %s", wrapped.Error())
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := New(CodeInternal, "wrapper", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
}

func TestWithContextChaining(t *testing.T) {
	err := Newf(CodeStepFailed, "step %d failed", 2).
		WithContext("intent", "create_doc").
		WithContext("step", 2)
	if err.Context["intent"] != "create_doc" {
		t.Fatalf("context not recorded: %v", err.Context)
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(CodeProtocol, "server error", nil).WithRPCCode(-32601)
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	var decoded map[string]any
	if jerr := json.Unmarshal(data, &decoded); jerr != nil {
		t.Fatalf("unmarshal: %v", jerr)
	}
	if decoded["code"] != "PROTOCOL_ERROR" {
		t.Fatalf("unexpected code: %v", decoded["code"])
	}
	if decoded["rpc_code"].(float64) != -32601 {
		t.Fatalf("unexpected rpc_code: %v", decoded["rpc_code"])
	}
}

func TestAsCoercion(t *testing.T) {
	if As(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	plain := stderrors.New("plain")
	ee := As(plain)
	if ee.Code != CodeInternal {
		t.Fatalf("expected internal wrap, got %s", ee.Code)
	}
	typed := New(CodeDuplicateName, "taken", nil)
	if As(typed) != typed {
		t.Fatal("typed error must pass through unchanged")
	}
}

func TestHasCode(t *testing.T) {
	err := New(CodeEmptyResponse, "blank line", nil)
	if !HasCode(err, CodeEmptyResponse) {
		t.Fatal("expected HasCode match")
	}
	if HasCode(err, CodeTimeout) {
		t.Fatal("unexpected HasCode match")
	}
}

func TestCoercionTraversesWrappedChains(t *testing.T) {
	typed := New(CodeTimeout, "call timed out", nil)
	wrapped := fmt.Errorf("dialing server: %w", typed)

	if !HasCode(wrapped, CodeTimeout) {
		t.Fatal("HasCode must see through fmt.Errorf wrapping")
	}
	if As(wrapped) != typed {
		t.Fatal("As must unwrap to the original typed error")
	}
}
