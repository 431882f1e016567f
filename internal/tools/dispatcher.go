package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"verdant/internal/logging"
	"verdant/internal/provider"
)

// DispatchReport summarizes one dispatch round for the engine.
type DispatchReport struct {
	// ViewDescribed is true when the expensive view-description action ran
	// successfully this round. The engine re-offers the full catalog on the
	// next round when set.
	ViewDescribed bool

	// Failed counts requests that produced a failure message.
	Failed int
}

// Dispatch executes the round's tool-call requests in order and returns one
// tool-result message per request, in the same order. Failures — unknown
// action, malformed or missing arguments, the action's own error, even a
// panic inside the callable — become model-directed clarification messages;
// Dispatch never raises to the engine.
func (r *Registry) Dispatch(ctx context.Context, calls []provider.ToolCall) ([]provider.ChatMessage, DispatchReport) {
	log := logging.Named("tools")
	results := make([]provider.ChatMessage, 0, len(calls))
	var report DispatchReport

	for _, call := range calls {
		name := call.Function.Name
		start := time.Now()

		content, err := r.dispatchOne(ctx, call)
		if err != nil {
			report.Failed++
			content = failureContent(err)
			log.Warn("tool call failed",
				zap.String("tool", name),
				zap.String("call_id", call.ID),
				zap.Error(err))
		} else {
			if name == DescribeViewTool {
				report.ViewDescribed = true
			}
			log.Debug("tool call completed",
				zap.String("tool", name),
				zap.String("call_id", call.ID),
				zap.Duration("elapsed", time.Since(start)))
		}

		results = append(results, provider.ChatMessage{
			Role:       provider.RoleTool,
			Name:       name,
			ToolCallID: call.ID,
			Content:    content,
		})
	}
	return results, report
}

// dispatchOne resolves, validates, and runs a single request.
func (r *Registry) dispatchOne(ctx context.Context, call provider.ToolCall) (result string, err error) {
	tool := r.Get(call.Function.Name)
	if tool == nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, call.Function.Name)
	}

	args := map[string]any{}
	if raw := call.Function.Arguments; raw != "" {
		if jsonErr := json.Unmarshal([]byte(raw), &args); jsonErr != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedArguments, jsonErr)
		}
	}
	for _, required := range tool.Schema.Required {
		if _, ok := args[required]; !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingRequiredArg, required)
		}
	}

	// Contain panics inside a callable to this one request.
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, rec)
		}
	}()
	return tool.Execute(ctx, args)
}

// failureContent is what the model sees when a request fails. It names the
// failure and tells the model to ask the user before continuing.
func failureContent(err error) string {
	return fmt.Sprintf("Error: %v. Ask the user for more information before continuing.", err)
}
