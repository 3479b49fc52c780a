package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/pcanales/ensemble/pkg/core"
)

func TestParseGlobalFlags(t *testing.T) {
	flags, rest, err := parseGlobalFlags([]string{
		"--json", "--config", "ensemble.yaml", "--timeout=5s", "run", "greet",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !flags.JSON || flags.ConfigPath != "ensemble.yaml" || flags.Timeout != 5*time.Second {
		t.Fatalf("flags = %+v", flags)
	}
	if !reflect.DeepEqual(rest, []string{"run", "greet"}) {
		t.Fatalf("rest = %v", rest)
	}
}

func TestParseGlobalFlagsRejectsUnknown(t *testing.T) {
	if _, _, err := parseGlobalFlags([]string{"--verbose"}); err == nil {
		t.Fatal("unknown flag must be rejected")
	}
}

func TestParsePayload(t *testing.T) {
	payload, yes, err := parsePayload([]string{"topic=rust", "Ada", "hello", "--yes"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !yes {
		t.Fatal("--yes not detected")
	}
	if payload["topic"] != "rust" {
		t.Fatalf("named parameter missing: %v", payload)
	}
	args, ok := payload[core.KeyArgs].([]string)
	if !ok || !reflect.DeepEqual(args, []string{"Ada", "hello"}) {
		t.Fatalf("positional args = %v", payload[core.KeyArgs])
	}
}

func TestParsePayloadRejectsUnknownFlags(t *testing.T) {
	if _, _, err := parsePayload([]string{"--force"}); err == nil {
		t.Fatal("unknown flag must be rejected")
	}
}
