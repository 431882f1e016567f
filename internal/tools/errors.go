package tools

import "errors"

// Registry and dispatch errors.
var (
	// ErrToolNotFound is returned when an action name is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrSchemaMismatch is returned when a schema requires an undeclared
	// parameter.
	ErrSchemaMismatch = errors.New("schema requires undeclared parameter")

	// ErrMissingRequiredArg is returned when a required argument is missing.
	ErrMissingRequiredArg = errors.New("missing required argument")

	// ErrMalformedArguments is returned when the argument payload is not
	// valid JSON.
	ErrMalformedArguments = errors.New("malformed tool arguments")
)
