// Package tools provides the action registry and dispatcher for the
// dialogue engine.
//
// Every action the model may request is registered up front as a Tool with a
// JSON-schema description of its parameters. The same schema drives both the
// catalog published to the language-model provider and the dispatcher's
// argument validation, so the two cannot drift apart.
package tools

import (
	"context"

	"verdant/internal/provider"
)

// DescribeViewTool is the expensive action that runs a vision completion.
// The dispatcher reports when it executed so the engine can keep offering
// the catalog on the following round.
const DescribeViewTool = "describe_user_view"

// Property describes a single parameter in a tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
	// Items describes array element schema (required for type="array").
	Items *PropertyItems `json:"items,omitempty"`
}

// PropertyItems describes the schema for array elements.
type PropertyItems struct {
	Type string `json:"type"`
}

// Schema defines the JSON schema for tool arguments.
type Schema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required,omitempty"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// ExecuteFunc is the signature for tool execution. The returned string is
// fed back to the model verbatim as the tool-result content.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool maps an action name to a callable. Side effects (persisting a
// calculation, creating a pledge) belong to Execute, never to the
// dispatcher.
type Tool struct {
	// Name is the unique action identifier published to the model.
	Name string

	// Description explains what the action does, for the model.
	Description string

	// Schema declares the expected arguments.
	Schema Schema

	// Execute runs the action.
	Execute ExecuteFunc
}

// Validate checks that the tool definition is internally consistent.
// Required entries must name declared properties; this is what keeps the
// published catalog in sync with dispatch-time validation.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	for _, req := range t.Schema.Required {
		if _, ok := t.Schema.Properties[req]; !ok {
			return ErrSchemaMismatch
		}
	}
	return nil
}

// Definition returns the provider-facing catalog entry for this tool.
func (t *Tool) Definition() provider.ToolDefinition {
	properties := make(map[string]any, len(t.Schema.Properties))
	for name, prop := range t.Schema.Properties {
		properties[name] = prop
	}
	params := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(t.Schema.Required) > 0 {
		params["required"] = t.Schema.Required
	}
	return provider.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  params,
	}
}
