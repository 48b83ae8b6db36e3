// Package core implements the orchestrator (C9): the end-to-end flow for a
// single chart request — validate, resolve session, resolve JWT, check
// cache, dispatch via the pool, and cache the result.
package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/chartgate/chartgate/internal/cache"
	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/config"
	"github.com/chartgate/chartgate/internal/metrics"
	"github.com/chartgate/chartgate/internal/pool"
	"github.com/chartgate/chartgate/internal/session"
)

// Request is a single incoming chart request, as the HTTP layer would build
// it from query parameters.
type Request struct {
	Symbol          string
	Resolution      chart.Resolution
	BarCount        int
	CVDEnabled      bool
	CVDAnchorPeriod string
	CVDTimeframe    chart.Resolution
	Credentials     session.Credentials
}

// Orchestrator is C9.
type Orchestrator struct {
	sessionCache *cache.SessionCache
	jwtCache     *cache.JWTCache
	resultCache  *cache.ResultCache
	resolver     *session.Resolver
	pool         *pool.Pool
	cfg          *config.Config
	metrics      *metrics.Registry
	logger       *slog.Logger
}

// New constructs the orchestrator from its collaborators. metrics may be
// nil, in which case instrumentation is skipped.
func New(sessionCache *cache.SessionCache, jwtCache *cache.JWTCache, resultCache *cache.ResultCache, resolver *session.Resolver, p *pool.Pool, cfg *config.Config, m *metrics.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		sessionCache: sessionCache,
		jwtCache:     jwtCache,
		resultCache:  resultCache,
		resolver:     resolver,
		pool:         p,
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
	}
}

// GetChart is the orchestrator's single exposed operation (spec §6).
func (o *Orchestrator) GetChart(ctx context.Context, req Request) (chart.Payload, error) {
	start := time.Now()
	payload, err := o.getChart(ctx, req)

	if o.metrics != nil {
		outcome := "success"
		if err != nil {
			if cerr, ok := err.(*chart.Error); ok {
				outcome = string(cerr.Kind)
			} else {
				outcome = "internal"
			}
		}
		o.metrics.RequestsTotal.WithLabelValues(outcome).Inc()
		cacheHit := "false"
		o.metrics.RequestDuration.WithLabelValues(string(req.Resolution), cacheHit).Observe(time.Since(start).Seconds())
	}
	return payload, err
}

func (o *Orchestrator) getChart(ctx context.Context, req Request) (chart.Payload, error) {
	if err := validate(req); err != nil {
		return chart.Payload{}, err
	}

	sess, err := o.resolveSession(ctx, req.Credentials)
	if err != nil {
		return chart.Payload{}, err
	}

	jwt, err := o.resolveJWT(ctx, sess)
	if err != nil {
		return chart.Payload{}, err
	}

	fp := fingerprint(req)

	if cached, ok := o.resultCache.Get(fp); ok {
		o.observeCache("result", true)
		return cached, nil
	}
	o.observeCache("result", false)

	budget := o.cfg.RequestBudget(req.BarCount)
	dispatchCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	payload, err := o.pool.FetchChart(dispatchCtx, pool.Request{
		JWT:             jwt.Token,
		Symbol:          req.Symbol,
		Resolution:      req.Resolution,
		BarCount:        req.BarCount,
		CVDEnabled:      req.CVDEnabled,
		CVDAnchorPeriod: req.CVDAnchorPeriod,
		CVDTimeframe:    req.CVDTimeframe,
	})
	if err != nil {
		return chart.Payload{}, err
	}

	// Never cache a payload where CVD was requested but missing (spec §4.9
	// step 5, §8 property 8).
	if !req.CVDEnabled || payload.Indicators.CVD != nil {
		o.resultCache.Put(fp, payload)
	}

	return payload, nil
}

func (o *Orchestrator) resolveSession(ctx context.Context, creds session.Credentials) (session.Record, error) {
	if sess, ok := o.sessionCache.Get(creds.Platform, creds.Email, creds.Password); ok {
		o.observeCache("session", true)
		return sess, nil
	}
	o.observeCache("session", false)

	sess, warning, err := o.resolver.ResolveSession(ctx, creds)
	if err != nil {
		return session.Record{}, err
	}
	if warning != "" {
		o.logger.Warn("getChart: session resolved with warning", "warning", warning)
	}
	o.sessionCache.Put(creds.Platform, creds.Email, creds.Password, sess)
	return sess, nil
}

func (o *Orchestrator) resolveJWT(ctx context.Context, sess session.Record) (session.JWT, error) {
	if jwt, ok := o.jwtCache.Get(sess.SessionCookie); ok {
		o.observeCache("jwt", true)
		return jwt, nil
	}
	o.observeCache("jwt", false)

	jwt, err := o.resolver.ResolveJWT(ctx, sess)
	if err != nil {
		return session.JWT{}, err
	}
	o.jwtCache.Put(sess.SessionCookie, jwt)
	return jwt, nil
}

func (o *Orchestrator) observeCache(name string, hit bool) {
	if o.metrics == nil {
		return
	}
	if hit {
		o.metrics.CacheHits.WithLabelValues(name).Inc()
	} else {
		o.metrics.CacheMisses.WithLabelValues(name).Inc()
	}
}

func fingerprint(req Request) chart.Fingerprint {
	return chart.Fingerprint{
		Symbol:          req.Symbol,
		Resolution:      req.Resolution,
		BarCount:        req.BarCount,
		CVDEnabled:      req.CVDEnabled,
		CVDAnchorPeriod: req.CVDAnchorPeriod,
		CVDTimeframe:    req.CVDTimeframe,
	}
}

// validate checks the request against spec §4.9 step 1: symbol non-empty,
// resolution in the closed set, bar count in [1,2000], and CVD consistency
// (delta timeframe strictly finer than the chart resolution).
func validate(req Request) error {
	if req.Symbol == "" {
		return chart.ErrValidation("symbol must not be empty")
	}
	if !chart.KnownResolution(req.Resolution) {
		return chart.ErrValidation("unsupported resolution: " + string(req.Resolution))
	}
	if req.BarCount < 1 || req.BarCount > 2000 {
		return chart.ErrValidation("barCount must be in [1,2000]")
	}
	if req.CVDEnabled && req.CVDTimeframe != "" {
		if !chart.Finer(req.CVDTimeframe, req.Resolution) {
			return chart.ErrValidation("cvdTimeframe must be strictly finer than resolution")
		}
	}
	return nil
}
