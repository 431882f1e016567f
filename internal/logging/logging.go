// Package logging owns the process-wide zap logger.
//
// Every subsystem gets a named child logger (engine, tools, pledge, store,
// provider) so log lines can be filtered per concern. Before Initialize is
// called all loggers are no-ops, which keeps tests quiet by default.
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu   sync.RWMutex
	base = zap.NewNop()
)

// Initialize builds the process logger. Debug mode switches to the
// development encoder and enables debug-level output.
func Initialize(debug bool) error {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return err
	}

	mu.Lock()
	base = logger
	mu.Unlock()
	zap.ReplaceGlobals(logger)
	return nil
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Named returns a child logger for the given subsystem.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

// Sync flushes buffered log entries. Safe to call on a no-op logger.
func Sync() {
	_ = L().Sync()
}
