package messagequeue

import (
	"strings"
	"testing"
)

func TestValidatePolicyChanged(t *testing.T) {
	data := []byte(`{"version":3,"previous_version":2,"kind":"toggle","enabled":false,"changed_by":"ops","changed_at":"2026-01-02T03:04:05Z","origin":"a"}`)
	if err := Validate(SubjectPolicyChanged, data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidatePolicyChangedRequiresVersion(t *testing.T) {
	data := []byte(`{"kind":"replace"}`)
	err := Validate(SubjectPolicyChanged, data)
	if err == nil {
		t.Fatal("expected error for missing version")
	}
	if !strings.Contains(err.Error(), "version") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateOrchestrationCompleted(t *testing.T) {
	data := []byte(`{"orchestration_id":"o1","outcome":"degraded","degraded":true,"pipeline":["reasoning","synthesis"],"handoffs":1,"cost_usd":0.002}`)
	if err := Validate(CompletedSubject("degraded"), data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateWrongType(t *testing.T) {
	data := []byte(`{"orchestration_id":"o1","handoffs":"many"}`)
	err := Validate(SubjectOrchestrationCompleted, data)
	if err == nil {
		t.Fatal("expected schema error for wrong field type")
	}
	if !strings.Contains(err.Error(), "schema validation failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateUnknownSubject(t *testing.T) {
	data := []byte(`{"foo":"bar"}`)
	if err := Validate("unknown.subject", data); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateInvalidJSON(t *testing.T) {
	data := []byte(`{not valid json`)
	err := Validate(SubjectPolicyChanged, data)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
	if !strings.Contains(err.Error(), "invalid JSON") {
		t.Errorf("unexpected error: %v", err)
	}
}
