// Package obs wires up process-wide observability: today just structured
// logging, but it is the one place a metrics/tracing exporter would be
// added without touching every component.
package obs

import "go.uber.org/zap"

// NewLogger builds the process-wide logger. Production environments get
// JSON output and sampling; anything else gets the human-readable
// development encoder.
func NewLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
