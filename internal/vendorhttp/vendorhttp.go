// Package vendorhttp implements the two plain-HTTP calls the core makes to
// the charting vendor outside of the WebSocket protocol: the session-to-JWT
// bootstrap exchange (C1) and the once-per-pool CVD study-config fetch
// (spec §6).
package vendorhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chartgate/chartgate/internal/chart"
)

// Client performs the vendor's plain-HTTP side calls.
type Client struct {
	httpClient       *http.Client
	bootstrapURL     string
	studyConfigURL   string
}

// New constructs a vendorhttp.Client.
func New(bootstrapURL, studyConfigURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient:     &http.Client{Timeout: timeout},
		bootstrapURL:   bootstrapURL,
		studyConfigURL: studyConfigURL,
	}
}

// accessClaims is the subset of the vendor JWT's claims this core reads. The
// token's signature is never verified: the vendor issued it, so it is
// trusted as-is; only the exp claim is needed.
type accessClaims struct {
	jwt.RegisteredClaims
}

var tokenPattern = regexp.MustCompile(`"(?:auth_token|access_token)"\s*:\s*"([^"]+)"`)

// FetchAccessToken performs the single bootstrap HTTP call that exchanges a
// vendor session for a data-access JWT, carrying the session cookies, and
// extracts the access token from the returned HTML/JSON bootstrap body.
func (c *Client) FetchAccessToken(ctx context.Context, sessionCookie, sessionCookieSignature string) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bootstrapURL, nil)
	if err != nil {
		return "", time.Time{}, chart.ErrBootstrapUnreachable(err)
	}
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: sessionCookie})
	if sessionCookieSignature != "" {
		req.AddCookie(&http.Cookie{Name: "sessionid_sign", Value: sessionCookieSignature})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, chart.ErrBootstrapUnreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", time.Time{}, chart.ErrBootstrapUnreachable(fmt.Errorf("bootstrap returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, chart.ErrBootstrapUnreachable(err)
	}

	match := tokenPattern.FindSubmatch(body)
	if match == nil {
		return "", time.Time{}, chart.ErrTokenNotFound()
	}
	token := string(match[1])

	claims := &accessClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, chart.ErrTokenNotFound()
	}
	if claims.ExpiresAt == nil {
		return "", time.Time{}, chart.ErrTokenNotFound()
	}
	exp := claims.ExpiresAt.Time
	if !exp.After(time.Now()) {
		return "", time.Time{}, chart.ErrTokenExpired()
	}

	return token, exp, nil
}

// StudyConfig is the vendor's CVD study descriptor: a template id plus its
// parameter schema, fetched once per pool and cached indefinitely until
// pool restart (spec §6, §9 Open Questions).
type StudyConfig struct {
	TemplateID     string
	ParameterNames []string
}

// FetchStudyConfig fetches the vendor's current CVD study descriptor. On a
// 4xx response the caller is expected to retry once per spec §6; this
// method performs a single attempt.
func (c *Client) FetchStudyConfig(ctx context.Context) (StudyConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.studyConfigURL, nil)
	if err != nil {
		return StudyConfig{}, chart.ErrStudyConfigUnavailable()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return StudyConfig{}, chart.ErrStudyConfigUnavailable()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return StudyConfig{}, studyConfigHTTPError{status: resp.StatusCode}
	}

	var payload struct {
		TemplateID     string   `json:"templateId"`
		ParameterNames []string `json:"parameterNames"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return StudyConfig{}, chart.ErrStudyConfigUnavailable()
	}

	return StudyConfig{TemplateID: payload.TemplateID, ParameterNames: payload.ParameterNames}, nil
}

// studyConfigHTTPError distinguishes a 4xx study-config response (eligible
// for one retry) from a network-level failure.
type studyConfigHTTPError struct {
	status int
}

func (e studyConfigHTTPError) Error() string {
	return fmt.Sprintf("study config fetch returned status %d", e.status)
}

// IsRetriable4xx reports whether err represents a 4xx response from the
// study-config endpoint, eligible for exactly one retry per spec §6.
func IsRetriable4xx(err error) bool {
	e, ok := err.(studyConfigHTTPError)
	return ok && e.status >= 400 && e.status < 500
}

// FetchStudyConfigWithRetry fetches the study config, retrying once on a
// 4xx response before giving up, per spec §6.
func (c *Client) FetchStudyConfigWithRetry(ctx context.Context) (StudyConfig, error) {
	cfg, err := c.FetchStudyConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !IsRetriable4xx(err) {
		return StudyConfig{}, chart.ErrStudyConfigUnavailable()
	}
	cfg, err = c.FetchStudyConfig(ctx)
	if err != nil {
		return StudyConfig{}, chart.ErrStudyConfigUnavailable()
	}
	return cfg, nil
}
