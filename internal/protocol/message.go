package protocol

import "encoding/json"

// envelope is the vendor's common wire shape: {"m": method, "p": params}.
type envelope struct {
	Method string `json:"m"`
	Params []any  `json:"p"`
}

func marshalEnvelope(method string, params []any) ([]byte, error) {
	return json.Marshal(envelope{Method: method, Params: params})
}

// Outbound methods this core sends, per spec §6.
const (
	MethodSetAuthToken     = "set_auth_token"
	MethodChartCreateSess  = "chart_create_session"
	MethodResolveSymbol    = "resolve_symbol"
	MethodCreateSeries     = "create_series"
	MethodModifySeries     = "modify_series"
	MethodRemoveSeries     = "remove_series"
	MethodCreateStudy      = "create_study"
	MethodRemoveStudy      = "remove_study"
)

// Inbound event tags this core recognizes, per spec §6.
const (
	EventSeriesLoading    = "series_loading"
	EventSeriesCompleted  = "series_completed"
	EventTimescaleUpdate  = "timescale_update"
	EventDataUpdate       = "du"
	EventStudyLoading     = "study_loading"
	EventStudyCompleted   = "study_completed"
	EventStudyError       = "study_error"
	EventSymbolResolved   = "symbol_resolved"
	EventSymbolError      = "symbol_error"
	EventCriticalError    = "critical_error"
)

// Event is the tagged-variant model of one inbound vendor event (spec §9,
// "Dynamic message shapes"). Only Tag plus the fields relevant to that tag
// are populated; unrecognized tags are represented with Tag set to the raw
// method name and Unknown set to true so the caller can log-and-drop.
type Event struct {
	Tag     string
	Unknown bool

	SeriesID string // series_loading / series_completed / timescale_update / du / symbol_resolved / symbol_error
	StudyID  string // study_loading / study_completed / study_error

	TimescaleUpdate *TimescaleUpdate // timescale_update payload
	DataUpdate      *DataUpdate      // du payload
	StudyUpdate     *StudyUpdate     // study_completed payload
	ErrorMessage    string           // symbol_error / study_error / critical_error
}

// TimescaleUpdate carries the vendor's initial full-window bar payload for a
// series slot.
type TimescaleUpdate struct {
	SeriesID string
	Bars     []RawBar
}

// DataUpdate carries an incremental bar update for a series slot.
type DataUpdate struct {
	SeriesID string
	Bars     []RawBar
}

// StudyUpdate carries a study's data points (e.g. CVD).
type StudyUpdate struct {
	StudyID string
	Points  []RawStudyPoint
}

// RawBar is the wire shape of one bar before validation/conversion into
// chart.Bar. Fields are pointers so a JSON null is distinguishable from a
// present zero value, per spec §4.7's null-rejection rule.
type RawBar struct {
	Time   *float64 `json:"i"`
	Open   *float64 `json:"o"`
	High   *float64 `json:"h"`
	Low    *float64 `json:"l"`
	Close  *float64 `json:"c"`
	Volume *float64 `json:"v"`
}

// Valid reports whether every OHLCV field of the bar is present (non-null)
// and not NaN.
func (b RawBar) Valid() bool {
	fields := []*float64{b.Time, b.Open, b.High, b.Low, b.Close, b.Volume}
	for _, f := range fields {
		if f == nil || isNaN(*f) {
			return false
		}
	}
	return true
}

func isNaN(f float64) bool { return f != f }

// RawStudyPoint is the wire shape of one study sample.
type RawStudyPoint struct {
	Time   float64    `json:"i"`
	Values [4]float64 `json:"v"`
}

// ParseEvent decodes a JSON payload into a tagged Event. Malformed JSON
// yields an error; unrecognized method names yield an Event with
// Unknown=true rather than an error, per spec §9.
func ParseEvent(payload []byte) (Event, error) {
	var raw struct {
		Method string            `json:"m"`
		Params []json.RawMessage `json:"p"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, err
	}

	switch raw.Method {
	case EventSeriesLoading, EventSeriesCompleted:
		seriesID := stringParam(raw.Params, 1)
		return Event{Tag: raw.Method, SeriesID: seriesID}, nil

	case EventTimescaleUpdate:
		seriesID := stringParam(raw.Params, 1)
		bars := barsParam(raw.Params, 2)
		return Event{
			Tag:      raw.Method,
			SeriesID: seriesID,
			TimescaleUpdate: &TimescaleUpdate{SeriesID: seriesID, Bars: bars},
		}, nil

	case EventDataUpdate:
		seriesID := stringParam(raw.Params, 1)
		bars := barsParam(raw.Params, 2)
		return Event{
			Tag:      raw.Method,
			SeriesID: seriesID,
			DataUpdate: &DataUpdate{SeriesID: seriesID, Bars: bars},
		}, nil

	case EventStudyLoading:
		studyID := stringParam(raw.Params, 1)
		return Event{Tag: raw.Method, StudyID: studyID}, nil

	case EventStudyCompleted:
		studyID := stringParam(raw.Params, 1)
		points := studyPointsParam(raw.Params, 2)
		return Event{
			Tag:     raw.Method,
			StudyID: studyID,
			StudyUpdate: &StudyUpdate{StudyID: studyID, Points: points},
		}, nil

	case EventStudyError:
		studyID := stringParam(raw.Params, 1)
		return Event{Tag: raw.Method, StudyID: studyID, ErrorMessage: stringParam(raw.Params, 2)}, nil

	case EventSymbolResolved:
		seriesID := stringParam(raw.Params, 1)
		return Event{Tag: raw.Method, SeriesID: seriesID}, nil

	case EventSymbolError:
		seriesID := stringParam(raw.Params, 1)
		return Event{Tag: raw.Method, SeriesID: seriesID, ErrorMessage: stringParam(raw.Params, 2)}, nil

	case EventCriticalError:
		return Event{Tag: raw.Method, ErrorMessage: stringParam(raw.Params, 1)}, nil

	default:
		return Event{Tag: raw.Method, Unknown: true}, nil
	}
}

func stringParam(params []json.RawMessage, idx int) string {
	if idx < 0 || idx >= len(params) {
		return ""
	}
	var s string
	_ = json.Unmarshal(params[idx], &s)
	return s
}

func barsParam(params []json.RawMessage, idx int) []RawBar {
	if idx < 0 || idx >= len(params) {
		return nil
	}
	var container map[string]json.RawMessage
	if err := json.Unmarshal(params[idx], &container); err != nil {
		return nil
	}
	var bars []RawBar
	for _, raw := range container {
		var b RawBar
		if err := json.Unmarshal(raw, &b); err == nil {
			bars = append(bars, b)
		}
	}
	return bars
}

func studyPointsParam(params []json.RawMessage, idx int) []RawStudyPoint {
	if idx < 0 || idx >= len(params) {
		return nil
	}
	var container map[string]json.RawMessage
	if err := json.Unmarshal(params[idx], &container); err != nil {
		return nil
	}
	var points []RawStudyPoint
	for _, raw := range container {
		var p RawStudyPoint
		if err := json.Unmarshal(raw, &p); err == nil {
			points = append(points, p)
		}
	}
	return points
}
