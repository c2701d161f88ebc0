package analyzer

import (
	"context"
)

// Analyzer is a long-running worker of the daemon.
type Analyzer interface {
	// Start runs the analyzer until ctx is cancelled.
	Start(ctx context.Context)

	// Name returns the name of the analyzer.
	Name() string
}

// Ticker is one unit of periodic work, run to completion or failure.
type Ticker interface {
	// Tick runs the work once.
	Tick(ctx context.Context) error

	// Name returns the name of the task.
	Name() string
}
