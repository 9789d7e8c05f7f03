package orchestrator

import (
	"github.com/ShayCichocki/foreman/internal/logging"
)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration.
type orchestratorOptions struct {
	logger           *logging.DebugLogger
	events           *EventEmitter
	escalateCritical bool
	defaultChain     bool
}

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		escalateCritical: true,
		defaultChain:     true,
	}
}

// WithLogger sets the debug logger.
func WithLogger(l *logging.DebugLogger) Option {
	return func(o *orchestratorOptions) { o.logger = l }
}

// WithEvents publishes orchestrator events on e.
func WithEvents(e *EventEmitter) Option {
	return func(o *orchestratorOptions) { o.events = e }
}

// WithCriticalEscalation controls whether critical budget alerts are routed
// into the escalation chain of the coordinator bound to the node. On by default.
func WithCriticalEscalation(enabled bool) Option {
	return func(o *orchestratorOptions) { o.escalateCritical = enabled }
}

// WithDefaultChains controls whether spawned sub-coordinators get a chain
// escalating to the master. On by default.
func WithDefaultChains(enabled bool) Option {
	return func(o *orchestratorOptions) { o.defaultChain = enabled }
}
