package tools

import (
	"context"
	"errors"
	"testing"
)

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes",
		Execute: func(_ context.Context, _ map[string]any) (string, error) {
			return "ok", nil
		},
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	if reg == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if reg.Count() != 0 {
		t.Errorf("new registry should be empty, got %d tools", reg.Count())
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("calculate_emissions")); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got := reg.Get("calculate_emissions")
	if got == nil {
		t.Fatal("Get returned nil for registered tool")
	}
	if got.Name != "calculate_emissions" {
		t.Errorf("got name %q, want %q", got.Name, "calculate_emissions")
	}
	if reg.Get("unknown") != nil {
		t.Error("Get should return nil for unregistered name")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool("dupe")); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	if err := reg.Register(echoTool("dupe")); !errors.Is(err, ErrToolAlreadyRegistered) {
		t.Fatalf("want ErrToolAlreadyRegistered, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	exec := func(_ context.Context, _ map[string]any) (string, error) { return "", nil }

	tests := []struct {
		name    string
		tool    *Tool
		wantErr error
	}{
		{
			name:    "empty name",
			tool:    &Tool{Name: "", Execute: exec},
			wantErr: ErrToolNameEmpty,
		},
		{
			name:    "nil execute",
			tool:    &Tool{Name: "broken"},
			wantErr: ErrToolExecuteNil,
		},
		{
			name: "required names undeclared property",
			tool: &Tool{
				Name:    "mismatched",
				Execute: exec,
				Schema: Schema{
					Required:   []string{"activity"},
					Properties: map[string]Property{"value": {Type: "number"}},
				},
			},
			wantErr: ErrSchemaMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			err := reg.Register(tt.tool)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("want %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestDefinitionsMatchSchema(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&Tool{
		Name:        "make_pledge",
		Description: "creates a pledge",
		Schema: Schema{
			Required: []string{"pledge_name"},
			Properties: map[string]Property{
				"pledge_name": {Type: "string", Description: "unique name"},
				"pledge_frequency": {
					Type: "string",
					Enum: []any{"day", "week", "month", "year"},
				},
			},
		},
		Execute: func(_ context.Context, _ map[string]any) (string, error) { return "", nil },
	})
	reg.MustRegister(echoTool("get_active_pledges"))

	defs := reg.Definitions()
	if len(defs) != 2 {
		t.Fatalf("want 2 definitions, got %d", len(defs))
	}
	// Stable name ordering.
	if defs[0].Name != "get_active_pledges" || defs[1].Name != "make_pledge" {
		t.Errorf("definitions not sorted by name: %s, %s", defs[0].Name, defs[1].Name)
	}

	params := defs[1].Parameters
	if params["type"] != "object" {
		t.Errorf("parameters type = %v, want object", params["type"])
	}
	required, ok := params["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "pledge_name" {
		t.Errorf("required = %v, want [pledge_name]", params["required"])
	}
}
