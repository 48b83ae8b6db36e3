// Package session implements the session & token resolver (C1): given user
// credentials it resolves a vendor session from the key-value collaborator
// and exchanges it for a short-lived data-access JWT. Records are modeled as
// immutable value structs passed by copy, never exposing mutable references
// across this boundary (spec §9, "Credential objects").
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/kvstore"
	"github.com/chartgate/chartgate/internal/vendorhttp"
)

// Record is a captured vendor session, produced by the credential-capture
// collaborator and read-only inside the core.
type Record struct {
	SessionCookie          string
	SessionCookieSignature string // may be empty; absence is a recoverable warning
	UserNumericID          string
	UserEmail              string
	CapturedAt             time.Time
}

// HasSignature reports whether the session carries a cookie signature.
func (r Record) HasSignature() bool { return r.SessionCookieSignature != "" }

// JWT is an opaque vendor-issued access token plus its decoded expiration.
type JWT struct {
	Token     string
	ExpiresAt time.Time
}

// Credentials identifies the vendor user whose session should be resolved.
type Credentials struct {
	Platform string // always "vendor" for this core
	Email    string
	Password string
}

// Resolver is C1: it resolves vendor sessions from the KV collaborator and
// exchanges them for data-access JWTs via the vendor's bootstrap endpoint.
type Resolver struct {
	store  kvstore.Store
	vendor *vendorhttp.Client
	logger *slog.Logger
}

// New constructs a Resolver.
func New(store kvstore.Store, vendor *vendorhttp.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, vendor: vendor, logger: logger}
}

// ResolveSession consults the KV collaborator for the newest session
// matching the given credentials. Absence fails with NoSessionForUser.
// A session present but missing its signature succeeds; the caller is
// expected to log the returned warning.
func (r *Resolver) ResolveSession(ctx context.Context, creds Credentials) (Record, string, error) {
	rec, err := r.store.GetLatestSessionForUser(ctx, creds.Platform, creds.Email, creds.Password)
	if err != nil {
		return Record{}, "", chart.NewError(chart.KindAuth, "session lookup failed", err)
	}
	if rec == nil {
		return Record{}, "", chart.ErrNoSessionForUser()
	}

	out := Record{
		SessionCookie:          rec.SessionCookie,
		SessionCookieSignature: rec.SessionCookieSignature,
		UserNumericID:          rec.UserNumericID,
		UserEmail:              rec.UserEmail,
		CapturedAt:             rec.CapturedAt,
	}

	var warning string
	if !out.HasSignature() {
		warning = "session missing cookie signature"
		r.logger.Warn("session resolved without signature", "user_email", creds.Email)
	}
	return out, warning, nil
}

// ResolveJWT performs the single bootstrap HTTP call that exchanges a vendor
// session for a data-access JWT, decoding (without signature verification —
// the vendor is trusted) only far enough to read the exp claim.
func (r *Resolver) ResolveJWT(ctx context.Context, sess Record) (JWT, error) {
	if !sess.HasSignature() {
		r.logger.Warn("resolving JWT for session without signature", "session_cookie_prefix", prefixOf(sess.SessionCookie))
	}

	tok, exp, err := r.vendor.FetchAccessToken(ctx, sess.SessionCookie, sess.SessionCookieSignature)
	if err != nil {
		return JWT{}, err
	}
	return JWT{Token: tok, ExpiresAt: exp}, nil
}

func prefixOf(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}
