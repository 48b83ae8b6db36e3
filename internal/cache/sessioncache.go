package cache

import (
	"time"

	"github.com/chartgate/chartgate/internal/session"
)

// SessionCache is C2's session half: a 5-minute TTL cache keyed by the
// credential tuple used to look the session up.
type SessionCache struct {
	ttl time.Duration
	m   *TTLMap[string, session.Record]
}

// NewSessionCache creates a SessionCache with the given TTL (default 5 min
// per spec §4.2). now defaults to time.Now when nil, for test injection.
func NewSessionCache(ttl time.Duration, now func() time.Time) *SessionCache {
	return &SessionCache{ttl: ttl, m: NewTTLMap[string, session.Record](time.Minute, now)}
}

func sessionKey(platform, email, password string) string {
	return platform + "\x00" + email + "\x00" + password
}

// Get returns the cached session for the credential tuple, if present and
// not yet expired.
func (c *SessionCache) Get(platform, email, password string) (session.Record, bool) {
	return c.m.Get(sessionKey(platform, email, password))
}

// Put stores rec under the credential tuple's key, resetting the TTL.
func (c *SessionCache) Put(platform, email, password string, rec session.Record) {
	c.m.Set(sessionKey(platform, email, password), rec, c.ttl)
}

// Close stops the cache's background janitor.
func (c *SessionCache) Close() { c.m.Close() }

// JWTCache is C2's JWT half: entries are valid only while
// now + bufferSec < exp (spec §4.2, §8 property 2).
type JWTCache struct {
	buffer time.Duration
	now    func() time.Time
	m      *TTLMap[string, session.JWT]
}

// NewJWTCache creates a JWTCache with the given expiry buffer (default
// 10 min per spec §4.2).
func NewJWTCache(buffer time.Duration, now func() time.Time) *JWTCache {
	if now == nil {
		now = time.Now
	}
	return &JWTCache{buffer: buffer, now: now, m: NewTTLMap[string, session.JWT](time.Minute, now)}
}

// Put stores tok under sessionCookie. Its effective TTL is
// exp - now - buffer, per spec §4.2; a token already within the buffer of
// expiry is not stored at all.
func (c *JWTCache) Put(sessionCookie string, tok session.JWT) {
	remaining := tok.ExpiresAt.Sub(c.now()) - c.buffer
	if remaining <= 0 {
		return
	}
	c.m.Set(sessionCookie, tok, remaining)
}

// Get returns the cached JWT for sessionCookie iff now + buffer < exp. Put
// stores the entry with ttl = exp - now - buffer, so the entry's expiry
// instant is exp - buffer; Get treats that instant itself as a miss.
func (c *JWTCache) Get(sessionCookie string) (session.JWT, bool) {
	tok, cutoff, ok := c.m.GetWithExpiry(sessionCookie)
	if !ok || !c.now().Before(cutoff) {
		return session.JWT{}, false
	}
	return tok, true
}

// Close stops the cache's background janitor.
func (c *JWTCache) Close() { c.m.Close() }
