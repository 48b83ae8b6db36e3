// Package coordinator implements the request coordinator (C7): building
// series/study requests on a loaned connection, correlating asynchronous
// protocol responses, assembling the final chart payload, and enforcing the
// per-request wall-clock budget.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/conn"
	"github.com/chartgate/chartgate/internal/pool"
	"github.com/chartgate/chartgate/internal/protocol"
	"github.com/chartgate/chartgate/internal/vendorhttp"
)

// StudyConfigProvider returns the pool-lifetime-cached CVD study descriptor,
// or an error if CVD has been disabled after a failed fetch (spec §6).
type StudyConfigProvider func(ctx context.Context) (vendorhttp.StudyConfig, error)

// Handler is C7. It satisfies pool.Coordinator.
type Handler struct {
	studyConfig        StudyConfigProvider
	studyArrivalWindow time.Duration // spec §4.7: StudyNotReturned if CVD absent within this long of bars
	logger             *slog.Logger
}

// New constructs a request coordinator.
func New(studyConfig StudyConfigProvider, studyArrivalWindow time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{studyConfig: studyConfig, studyArrivalWindow: studyArrivalWindow, logger: logger}
}

// Handle services one chart request on a loaned, Ready connection. It is
// invoked by the pool as the "coordinate" step of acquire -> coordinate ->
// release (spec §4.6).
func (h *Handler) Handle(ctx context.Context, c *conn.Connection, req pool.Request) (chart.Payload, error) {
	engine := c.Engine()
	if engine == nil {
		return chart.Payload{}, chart.ErrTransport(nil)
	}

	seriesID, _, err := c.EnsureSeriesSlot(engine, req.Symbol, req.Resolution, req.BarCount)
	if err != nil {
		return chart.Payload{}, err
	}

	var studyID string
	if req.CVDEnabled {
		cfg, err := h.studyConfig(ctx)
		if err != nil {
			return chart.Payload{}, chart.ErrStudyConfigUnavailable()
		}
		params := []any{req.CVDAnchorPeriod}
		if req.CVDTimeframe != "" {
			params = append(params, req.CVDTimeframe)
		}
		studyID, err = c.EnsureStudySlot(engine, seriesID, cfg.TemplateID, params)
		if err != nil {
			return chart.Payload{}, err
		}
	}

	bars, studyData, err := h.await(ctx, c, seriesID, studyID, req)
	if err != nil {
		return chart.Payload{}, err
	}

	payload := chart.Payload{
		Symbol:     req.Symbol,
		Resolution: req.Resolution,
		Bars:       bars,
	}
	if studyData != nil {
		payload.Indicators.CVD = studyData
	}
	return payload, nil
}

// await waits, in parallel, for the series' first complete frame covering
// the requested bar count and (if requested) the study's data, honoring
// ctx's deadline as the per-request wall-clock budget (spec §4.7 point 5).
//
// The connection's serve loop is the only goroutine that ever reads
// engine.Events() (two concurrent readers on that one channel would each
// silently steal events from the other); await attaches its own sink and
// reads events re-forwarded through it instead.
func (h *Handler) await(ctx context.Context, c *conn.Connection, seriesID, studyID string, req pool.Request) ([]chart.Bar, *chart.StudyData, error) {
	sink := c.AttachEventSink()
	defer c.DetachEventSink()

	var bars []chart.Bar
	var study *chart.StudyData

	studyDeadlineSet := false
	var studyDeadline <-chan time.Time

	for {
		if bars != nil && (!req.CVDEnabled || study != nil) {
			return bars, study, nil
		}
		if bars != nil && req.CVDEnabled && !studyDeadlineSet {
			timer := time.NewTimer(h.studyArrivalWindow)
			defer timer.Stop()
			studyDeadline = timer.C
			studyDeadlineSet = true
		}

		select {
		case <-ctx.Done():
			if bars == nil {
				return nil, nil, chart.ErrTimeout()
			}
			// Bars arrived but the study never did within budget: never
			// return a partial CVD payload (spec §4.9 step 5 "never cache
			// ... missing"); surface StudyNotReturned instead of bars.
			return nil, nil, chart.ErrStudyNotReturned()

		case <-studyDeadline:
			return nil, nil, chart.ErrStudyNotReturned()

		case evt, ok := <-sink:
			if !ok {
				return nil, nil, chart.ErrTransport(nil)
			}
			switch evt.Tag {
			case protocol.EventTimescaleUpdate:
				if evt.SeriesID != seriesID || bars != nil {
					continue
				}
				b, err := convertBars(evt.TimescaleUpdate.Bars, req.BarCount)
				if err != nil {
					return nil, nil, err
				}
				bars = b

			case protocol.EventDataUpdate:
				if evt.SeriesID != seriesID || bars != nil || evt.DataUpdate == nil {
					continue
				}
				b, err := convertBars(evt.DataUpdate.Bars, req.BarCount)
				if err != nil {
					continue // incremental partial update, keep waiting
				}
				bars = b

			case protocol.EventStudyCompleted:
				if studyID == "" || evt.StudyID != studyID || evt.StudyUpdate == nil {
					continue
				}
				study = convertStudy(evt.StudyUpdate)

			case protocol.EventSymbolError:
				if evt.SeriesID == seriesID {
					return nil, nil, chart.ErrSymbolNotResolved()
				}

			case protocol.EventStudyError:
				if evt.StudyID == studyID {
					return nil, nil, chart.ErrStudyNotReturned()
				}

			case protocol.EventCriticalError:
				return nil, nil, chart.ErrProtocolError(nil)
			}
		}
	}
}

// convertBars validates and converts raw bars, rejecting null/NaN OHLCV
// values, and checks the vendor-tolerance bar count (spec §8 property 6:
// ±2 bars). An empty frame or one outside that tolerance returns NoBars; a
// null/NaN field or non-increasing times return InvalidBarData. await fails
// the request on either error from a timescale_update and keeps waiting on
// either error from a du.
func convertBars(raw []protocol.RawBar, wantCount int) ([]chart.Bar, error) {
	if len(raw) == 0 {
		return nil, chart.ErrNoBars()
	}

	bars := make([]chart.Bar, 0, len(raw))
	for _, rb := range raw {
		if !rb.Valid() {
			return nil, chart.ErrInvalidBarData()
		}
		bars = append(bars, chart.Bar{
			Time: int64(*rb.Time), Open: *rb.Open, High: *rb.High,
			Low: *rb.Low, Close: *rb.Close, Volume: *rb.Volume,
		})
	}

	if abs(len(bars)-wantCount) > 2 {
		return nil, chart.ErrNoBars()
	}

	for i := 1; i < len(bars); i++ {
		if bars[i].Time <= bars[i-1].Time {
			return nil, chart.ErrInvalidBarData()
		}
	}

	return bars, nil
}

func convertStudy(su *protocol.StudyUpdate) *chart.StudyData {
	points := make([]chart.StudyPoint, 0, len(su.Points))
	for _, p := range su.Points {
		points = append(points, chart.StudyPoint{Time: int64(p.Time), Values: p.Values})
	}
	return &chart.StudyData{StudyID: su.StudyID, Values: points}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

var _ pool.Coordinator = (*Handler)(nil)
