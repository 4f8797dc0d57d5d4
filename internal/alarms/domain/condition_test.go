package alarms

import (
	"errors"
	"testing"
)

func TestValidateConfigThreshold(t *testing.T) {
	missing, err := ValidateConfig(ConditionThreshold, map[string]any{"threshold": 80.0})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected complete config, missing %v", missing)
	}

	missing, err = ValidateConfig(ConditionThreshold, map[string]any{"deadband": 0.5})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 1 || missing[0] != "threshold" {
		t.Fatalf("expected threshold missing, got %v", missing)
	}

	missing, err = ValidateConfig(ConditionThreshold, map[string]any{"threshold": 80.0, "deadband": "wide"})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 1 || missing[0] != "deadband" {
		t.Fatalf("expected deadband flagged for wrong type, got %v", missing)
	}
}

func TestValidateConfigRange(t *testing.T) {
	missing, err := ValidateConfig(ConditionRange, map[string]any{"minValue": 1.0, "maxValue": 9.0})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("min/max pair should be complete, missing %v", missing)
	}

	missing, err = ValidateConfig(ConditionRange, map[string]any{
		"highHighLimit": 100.0,
		"highLimit":     90.0,
		"lowLimit":      10.0,
		"lowLowLimit":   0.0,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("four-limit set should be complete, missing %v", missing)
	}

	missing, err = ValidateConfig(ConditionRange, map[string]any{
		"highHighLimit": 100.0,
		"highLimit":     90.0,
		"lowLimit":      10.0,
	})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 1 || missing[0] != "lowLowLimit" {
		t.Fatalf("expected lowLowLimit missing, got %v", missing)
	}

	missing, err = ValidateConfig(ConditionRange, map[string]any{})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("empty range config should miss the min/max pair, got %v", missing)
	}
}

func TestValidateConfigDigitalPatternScript(t *testing.T) {
	missing, err := ValidateConfig(ConditionDigital, map[string]any{"triggerState": "on"})
	if err != nil || len(missing) != 0 {
		t.Fatalf("digital: missing=%v err=%v", missing, err)
	}

	missing, err = ValidateConfig(ConditionPattern, map[string]any{"triggerState": "on", "holdTime": 30.0})
	if err != nil || len(missing) != 0 {
		t.Fatalf("pattern: missing=%v err=%v", missing, err)
	}

	missing, err = ValidateConfig(ConditionPattern, map[string]any{"triggerState": "on", "holdTime": -1.0})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 1 || missing[0] != "holdTime" {
		t.Fatalf("negative holdTime should be flagged, got %v", missing)
	}

	missing, err = ValidateConfig(ConditionScript, map[string]any{"expression": "value > limit"})
	if err != nil || len(missing) != 0 {
		t.Fatalf("script: missing=%v err=%v", missing, err)
	}

	missing, err = ValidateConfig(ConditionScript, map[string]any{"expression": ""})
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(missing) != 1 || missing[0] != "expression" {
		t.Fatalf("empty expression should be flagged, got %v", missing)
	}
}

func TestValidateConfigUnknownType(t *testing.T) {
	_, err := ValidateConfig(ConditionType("spectral"), map[string]any{})
	if !errors.Is(err, ErrUnknownConditionType) {
		t.Fatalf("expected ErrUnknownConditionType, got %v", err)
	}
}
