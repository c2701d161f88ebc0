// Package scheduled implements the cron driven analyzer.
//
// A scheduled analyzer runs a Ticker on a cron schedule. Ticks of the same
// analyzer never overlap: a trigger that fires while the previous tick is
// still running is skipped.
package scheduled

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/restakefi/keyguard/analyzer"
	"github.com/restakefi/keyguard/log"
	"github.com/restakefi/keyguard/metrics"
)

// Timeout of a single tick.
const defaultTickTimeout = 10 * time.Minute

type scheduledAnalyzer struct {
	schedule    cron.Schedule
	spec        string
	runOnStart  bool
	tickTimeout time.Duration

	ticker  analyzer.Ticker
	logger  *log.Logger
	metrics metrics.TaskMetrics
}

var _ analyzer.Analyzer = (*scheduledAnalyzer)(nil)

// NewAnalyzer returns an analyzer that runs ticker on the cron spec, which
// accepts standard five-field expressions and descriptors like "@every 1m".
// With runOnStart the first tick runs immediately.
func NewAnalyzer(spec string, runOnStart bool, ticker analyzer.Ticker, logger *log.Logger) (analyzer.Analyzer, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("analyzer %s: invalid schedule '%s': %w", ticker.Name(), spec, err)
	}
	return &scheduledAnalyzer{
		schedule:    schedule,
		spec:        spec,
		runOnStart:  runOnStart,
		tickTimeout: defaultTickTimeout,
		ticker:      ticker,
		logger:      logger.WithModule(ticker.Name()),
		metrics:     metrics.NewDefaultTaskMetrics(ticker.Name()),
	}, nil
}

func (a *scheduledAnalyzer) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	tickID := uuid.NewString()
	logger := a.logger.With("tick_id", tickID)
	logger.Info("tick started")

	ctx, cancel := context.WithTimeout(ctx, a.tickTimeout)
	defer cancel()

	timer := a.metrics.TickLatencies()
	err := a.ticker.Tick(ctx)
	elapsed := timer.ObserveDuration()
	if err != nil {
		a.metrics.Ticks("failure").Inc()
		logger.Error("tick failed", "err", err, "elapsed", elapsed)
		return
	}
	a.metrics.Ticks("success").Inc()
	logger.Info("tick finished", "elapsed", elapsed)
}

// Start runs the schedule until ctx is cancelled, then waits for a running
// tick to return.
func (a *scheduledAnalyzer) Start(ctx context.Context) {
	cronLogger := log.NewCronLogger(a.logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	job := c.Schedule(a.schedule, cron.FuncJob(func() { a.tick(ctx) }))

	a.logger.Info("starting scheduled analyzer", "schedule", a.spec)
	var initial sync.WaitGroup
	if a.runOnStart {
		// Goes through the job chain so it cannot overlap the first trigger.
		initial.Add(1)
		go func() {
			defer initial.Done()
			c.Entry(job).WrappedJob.Run()
		}()
	}
	c.Start()

	<-ctx.Done()
	a.logger.Warn("shutting down scheduled analyzer", "reason", ctx.Err())
	<-c.Stop().Done()
	initial.Wait()
}

func (a *scheduledAnalyzer) Name() string {
	return a.ticker.Name()
}
