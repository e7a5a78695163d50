// Package telemetry wires the process's structured-logging and tracing
// backends. Every other component threads a logr.Logger through its
// constructor and never imports zap or otel directly; only this package and
// cmd/ own the concrete backends.
package telemetry

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger builds the process-wide logr.Logger backed by zap. Callers pass
// the result down through component constructors via WithName/WithValues.
func NewLogger(development bool) (logr.Logger, *zap.Logger, error) {
	var zl *zap.Logger
	var err error
	if development {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl), zl, nil
}
