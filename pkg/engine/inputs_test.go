package engine

import (
	"context"
	"fmt"
	"testing"
)

func pingLikeMetadata() ActionMetadata {
	return ActionMetadata{
		Name: "probe",
		Inputs: []InputSpec{
			{ID: "host", Kind: KindString, Required: true},
			{ID: "port", Kind: KindInt, Default: IntValue(80)},
			{ID: "verbose", Kind: KindBool},
		},
	}
}

func TestResolveInputs_AppliesDefaults(t *testing.T) {
	inputs, err := ResolveInputs(pingLikeMetadata(), map[string]interface{}{"host": "example.com"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if inputs.String("host") != "example.com" {
		t.Errorf("Expected host example.com, got %q", inputs.String("host"))
	}
	if inputs.Int("port") != 80 {
		t.Errorf("Expected default port 80, got %d", inputs.Int("port"))
	}
	if inputs.Has("verbose") {
		t.Error("Expected optional input without default to be absent")
	}
}

func TestResolveInputs_UnconvertibleFallsBackToDefault(t *testing.T) {
	inputs, err := ResolveInputs(pingLikeMetadata(), map[string]interface{}{
		"host":    "example.com",
		"port":    "not-a-number",
		"verbose": "maybe",
	})
	if err != nil {
		t.Fatalf("Conversion failure must not surface, got: %v", err)
	}

	if inputs.Int("port") != 80 {
		t.Errorf("Expected declared default 80, got %d", inputs.Int("port"))
	}
	if inputs.Has("verbose") {
		t.Error("Expected unconvertible input without default to be absent")
	}
}

func TestResolveInputs_MissingRequired(t *testing.T) {
	_, err := ResolveInputs(pingLikeMetadata(), map[string]interface{}{"port": 22})
	if err == nil {
		t.Fatal("Expected error for missing required input")
	}
	if !IsMissingInput(err) {
		t.Errorf("Expected MISSING_REQUIRED_INPUT, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("Expected missing input to be permanent")
	}
}

func TestResolveInputs_RequiredWithDefault(t *testing.T) {
	meta := ActionMetadata{
		Name:   "fmt",
		Inputs: []InputSpec{{ID: "style", Kind: KindString, Required: true, Default: StringValue("snake")}},
	}

	inputs, err := ResolveInputs(meta, nil)
	if err != nil {
		t.Fatalf("Expected default to satisfy required input, got: %v", err)
	}
	if inputs.String("style") != "snake" {
		t.Errorf("Expected snake, got %q", inputs.String("style"))
	}
}

func TestResolveInputs_DropsUndeclared(t *testing.T) {
	inputs, err := ResolveInputs(pingLikeMetadata(), map[string]interface{}{"host": "h", "extra": 1})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := inputs["extra"]; ok {
		t.Error("Expected undeclared input to be dropped")
	}
}

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("no secret %s", key)
	}
	return v, nil
}

func TestExpandInputs(t *testing.T) {
	vars := NewVariableStore()
	vars.Add("name", StringValue("world"))
	vars.Add("count", IntValue(3))

	raw := map[string]interface{}{
		"greet":   "hello ${name} x${count}",
		"n":       "${count}",
		"token":   "secret://api-key",
		"unknown": "${missing}",
		"list":    []interface{}{"${name}", 4},
		"number":  7,
	}

	out, err := ExpandInputs(context.Background(), raw, vars, mapSecrets{"api-key": "shh"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if out["greet"] != "hello world x3" {
		t.Errorf("Expected interpolated string, got %v", out["greet"])
	}
	if v, ok := out["n"].(Value); !ok || !v.Equal(IntValue(3)) {
		t.Errorf("Expected whole reference to keep int type, got %#v", out["n"])
	}
	if out["token"] != "shh" {
		t.Errorf("Expected resolved secret, got %v", out["token"])
	}
	if out["unknown"] != "${missing}" {
		t.Errorf("Expected unknown reference untouched, got %v", out["unknown"])
	}
	if out["number"] != 7 {
		t.Errorf("Expected non-string untouched, got %v", out["number"])
	}

	list, ok := out["list"].([]interface{})
	if !ok || len(list) != 2 {
		t.Fatalf("Expected 2-item list, got %#v", out["list"])
	}
	if v, ok := list[0].(Value); !ok || !v.Equal(StringValue("world")) {
		t.Errorf("Expected list item expanded, got %#v", list[0])
	}
}

func TestExpandInputs_SecretErrors(t *testing.T) {
	raw := map[string]interface{}{"token": "secret://nope"}

	if _, err := ExpandInputs(context.Background(), raw, nil, nil); ErrorCode(err) != ErrCodeSecret {
		t.Errorf("Expected %s without resolver, got %v", ErrCodeSecret, err)
	}
	if _, err := ExpandInputs(context.Background(), raw, nil, mapSecrets{}); ErrorCode(err) != ErrCodeSecret {
		t.Errorf("Expected %s for unknown key, got %v", ErrCodeSecret, err)
	}
}
