// Package logging builds the process's structured logger. It hands back a
// *zap.Logger once, from cmd/fleetd/main.go; every other package takes a
// *zap.SugaredLogger as a constructor argument rather than reaching for a
// package-level global, the way linkflow-ai's internal/platform/logger
// builds one logger at startup and passes it down.
package logging

import "go.uber.org/zap"

// New builds the root logger. development selects a human-readable
// console encoder in place of the default JSON encoder.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Nop returns a logger that discards everything, for callers (mainly
// tests) that don't want log output wired up.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
