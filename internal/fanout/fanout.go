// Package fanout implements the batch fanout layer (C8): splitting a large
// (symbols x resolutions) job into pool-sized batches, streaming progress,
// and aggregating results.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/chartgate/chartgate/internal/chart"
)

// BatchSize is the observed sweet spot for a 5-connection pool (spec §4.8).
const BatchSize = 18

// ChartGetter is the per-chart operation C8 calls repeatedly in bounded
// parallelism — satisfied in cmd/chartgate by an adapter over the
// orchestrator's GetChart (C9).
type ChartGetter interface {
	GetChart(ctx context.Context, req ChartRequest) (chart.Payload, error)
}

// ChartRequest is one (symbol, resolution) unit of work.
type ChartRequest struct {
	Symbol          string
	Resolution      chart.Resolution
	BarCount        int
	CVDEnabled      bool
	CVDAnchorPeriod string
	CVDTimeframe    chart.Resolution
	Credentials     any // opaque, forwarded to the orchestrator unchanged
}

// ChartResult is the outcome of one (symbol, resolution) fetch.
type ChartResult struct {
	Symbol     string
	Resolution chart.Resolution
	Payload    chart.Payload
	Err        error
}

// BatchProgress is delivered to the progress callback after each batch
// completes.
type BatchProgress struct {
	Symbols  []string
	Results  []ChartResult
	Errors   []error
	Duration time.Duration
}

// Aggregate is the final result of a fanout run.
type Aggregate struct {
	TotalCharts      int
	SuccessfulCharts int
	AverageDuration  time.Duration
	Results          []ChartResult
}

// ProgressFunc receives each completed batch's outcome.
type ProgressFunc func(BatchProgress)

// Fanout is C8.
type Fanout struct {
	getter      ChartGetter
	parallelism int
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// New constructs a Fanout. parallelism should match the pool size (spec
// §4.8: "bounded by pool size"). ratePerSecond paces dispatch to avoid
// bursting the vendor beyond what the pool can actually serve; 0 disables
// pacing.
func New(getter ChartGetter, parallelism int, ratePerSecond float64, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), parallelism)
	}
	return &Fanout{getter: getter, parallelism: parallelism, limiter: limiter, logger: logger}
}

// Run splits symbols into batches of size BatchSize, fetches every
// (symbol, resolution) combination per batch with parallelism bounded by
// the pool size, and reports progress after each batch completes. Batches
// are processed sequentially; within a batch, work is parallel.
func (f *Fanout) Run(ctx context.Context, symbols []string, resolutions []chart.Resolution, template ChartRequest, progress ProgressFunc) Aggregate {
	var all []ChartResult
	var totalDuration time.Duration
	var batchCount int

	for start := 0; start < len(symbols); start += BatchSize {
		end := start + BatchSize
		if end > len(symbols) {
			end = len(symbols)
		}
		batchSymbols := symbols[start:end]

		batchStart := time.Now()
		results := f.runBatch(ctx, batchSymbols, resolutions, template)
		duration := time.Since(batchStart)

		var errs []error
		for _, r := range results {
			if r.Err != nil {
				errs = append(errs, r.Err)
			}
		}

		all = append(all, results...)
		totalDuration += duration
		batchCount++

		if progress != nil {
			progress(BatchProgress{Symbols: batchSymbols, Results: results, Errors: errs, Duration: duration})
		}
	}

	agg := Aggregate{TotalCharts: len(all), Results: all}
	for _, r := range all {
		if r.Err == nil {
			agg.SuccessfulCharts++
		}
	}
	if batchCount > 0 {
		agg.AverageDuration = totalDuration / time.Duration(batchCount)
	}
	return agg
}

func (f *Fanout) runBatch(ctx context.Context, symbols []string, resolutions []chart.Resolution, template ChartRequest) []ChartResult {
	type unit struct {
		symbol     string
		resolution chart.Resolution
	}
	var units []unit
	for _, s := range symbols {
		for _, r := range resolutions {
			units = append(units, unit{s, r})
		}
	}

	results := make([]ChartResult, len(units))
	sem := make(chan struct{}, f.parallelism)
	var wg sync.WaitGroup

	for i, u := range units {
		wg.Add(1)
		go func(i int, u unit) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if f.limiter != nil {
				if err := f.limiter.Wait(ctx); err != nil {
					results[i] = ChartResult{Symbol: u.symbol, Resolution: u.resolution, Err: chart.ErrTimeout()}
					return
				}
			}

			req := template
			req.Symbol = u.symbol
			req.Resolution = u.resolution

			payload, err := f.getter.GetChart(ctx, req)
			results[i] = ChartResult{Symbol: u.symbol, Resolution: u.resolution, Payload: payload, Err: err}
		}(i, u)
	}

	wg.Wait()
	return results
}
