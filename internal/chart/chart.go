// Package chart defines the data model shared by every component of the
// upstream data-acquisition core: bars, symbol metadata, study data, the
// assembled chart payload, the request fingerprint used as a cache key, and
// the structured error type surfaced to callers.
package chart

import "fmt"

// Resolution is a short vendor resolution code such as "1D", "1W", "1M", or
// an intraday minute-count string like "5", "15", "30", "60".
type Resolution string

// Ordering of resolutions from finest to coarsest, per spec §4.9. Used to
// validate that a CVD delta timeframe is strictly finer than the chart's
// main resolution.
var resolutionOrder = map[Resolution]int{
	"15S": 0,
	"30S": 1,
	"1":   2,
	"5":   3,
	"15":  4,
	"30":  5,
	"60":  6,
	"D":   7,
	"1D":  7, // vendor-equivalent spelling of D, same granularity
	"W":   8,
	"1W":  8,
	"M":   9,
	"1M":  9,
}

// Finer reports whether a is strictly finer-grained than b (a < b in the
// resolution ordering). Unknown resolutions are never finer than anything.
func Finer(a, b Resolution) bool {
	ra, ok := resolutionOrder[a]
	if !ok {
		return false
	}
	rb, ok := resolutionOrder[b]
	if !ok {
		return false
	}
	return ra < rb
}

// KnownResolution reports whether r belongs to the closed set of supported
// resolutions.
func KnownResolution(r Resolution) bool {
	_, ok := resolutionOrder[r]
	return ok
}

// Bar is one OHLCV tuple at a fixed point in time on a fixed resolution.
type Bar struct {
	Time   int64 // seconds since epoch, UTC
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// SymbolMetadata carries vendor-supplied instrument description.
type SymbolMetadata struct {
	TickSize      float64
	PriceScale    int
	MinMove       int
	FullSymbolID  string
}

// StudyPoint is one sample of a study series. For CVD the four values are
// the anchored cumulative delta's open/high/low/close.
type StudyPoint struct {
	Time   int64
	Values [4]float64
}

// StudyData is the full result of one study (e.g. CVD) attached to a series.
type StudyData struct {
	StudyID   string
	StudyName string
	Values    []StudyPoint
}

// Indicators holds the optional derived series attached to a chart payload.
type Indicators struct {
	CVD *StudyData
}

// Fingerprint is the tuple of request parameters used as the result-cache
// key. Two requests with an identical fingerprint are considered the same
// request for caching purposes.
type Fingerprint struct {
	Symbol          string
	Resolution      Resolution
	BarCount        int
	CVDEnabled      bool
	CVDAnchorPeriod string
	CVDTimeframe    Resolution
}

// Payload is the completed chart result returned by the orchestrator.
type Payload struct {
	Symbol     string
	Resolution Resolution
	Bars       []Bar
	Metadata   SymbolMetadata
	Indicators Indicators
}

// Clone returns a deep copy of the payload so cached entries can be handed
// to callers without exposing a reference to the cache's own storage.
func (p Payload) Clone() Payload {
	out := p
	out.Bars = append([]Bar(nil), p.Bars...)
	if p.Indicators.CVD != nil {
		cvd := *p.Indicators.CVD
		cvd.Values = append([]StudyPoint(nil), p.Indicators.CVD.Values...)
		out.Indicators.CVD = &cvd
	}
	return out
}

// Kind classifies an Error into the taxonomy of spec §7.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindTransport  Kind = "transport"
	KindProtocol   Kind = "protocol"
	KindTimeout    Kind = "timeout"
	KindData       Kind = "data"
	KindResource   Kind = "resource"
)

// Error is the structured error the orchestrator returns to its caller.
type Error struct {
	Kind      Kind
	Message   string
	Retriable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// retriableFor mirrors spec §7: retriable is true for Timeout, Transport,
// and pool-exhausted resource errors; false otherwise.
func retriableFor(kind Kind, message string) bool {
	switch kind {
	case KindTimeout, KindTransport:
		return true
	case KindResource:
		return message == "PoolExhausted"
	default:
		return false
	}
}

// NewError builds a structured Error, deriving Retriable from Kind/Message
// per the taxonomy in spec §7.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retriable: retriableFor(kind, message),
		cause:     cause,
	}
}

// Named error constructors for the specific failure modes spec §4.7 and §4.1
// name explicitly.
func ErrValidation(message string) *Error { return NewError(KindValidation, message, nil) }
func ErrTimeout() *Error                  { return NewError(KindTimeout, "Timeout", nil) }
func ErrNoBars() *Error                   { return NewError(KindData, "NoBars", nil) }
func ErrInvalidBarData() *Error           { return NewError(KindData, "InvalidBarData", nil) }
func ErrStudyNotReturned() *Error         { return NewError(KindData, "StudyNotReturned", nil) }
func ErrSymbolNotResolved() *Error        { return NewError(KindProtocol, "SymbolNotResolved", nil) }
func ErrAuthRejected() *Error             { return NewError(KindAuth, "AuthRejected", nil) }
func ErrProtocolError(cause error) *Error { return NewError(KindProtocol, "ProtocolError", cause) }
func ErrPoolExhausted() *Error            { return NewError(KindResource, "PoolExhausted", nil) }
func ErrTransport(cause error) *Error     { return NewError(KindTransport, "Transport", cause) }
func ErrNoSessionForUser() *Error         { return NewError(KindAuth, "NoSessionForUser", nil) }
func ErrMissingSignature() *Error         { return NewError(KindAuth, "MissingSignature", nil) }
func ErrBootstrapUnreachable(cause error) *Error {
	return NewError(KindAuth, "BootstrapUnreachable", cause)
}
func ErrTokenNotFound() *Error  { return NewError(KindAuth, "TokenNotFound", nil) }
func ErrTokenExpired() *Error   { return NewError(KindAuth, "TokenExpired", nil) }
func ErrStudyConfigUnavailable() *Error {
	return NewError(KindResource, "StudyConfigUnavailable", nil)
}

// HTTPStatus maps an error Kind onto the numeric status codes of spec §6.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return 400
	case KindAuth:
		return 401
	case KindTimeout:
		return 504
	case KindTransport, KindProtocol:
		return 502
	case KindData:
		return 422
	case KindResource:
		return 503
	default:
		return 500
	}
}
