package kvstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chartgate.db")
	store, err := OpenSQLStore(t.Context(), path)
	if err != nil {
		t.Fatalf("OpenSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLStoreRoundTripsLatestSession(t *testing.T) {
	store := openTestSQLStore(t)
	ctx := t.Context()

	older := StoredSession{
		Platform: "vendor", UserEmail: "a@example.com", UserPassword: "pw",
		SessionCookie: "old", CapturedAt: time.Now().Add(-time.Hour),
	}
	newer := StoredSession{
		Platform: "vendor", UserEmail: "a@example.com", UserPassword: "pw",
		SessionCookie: "new", SessionCookieSignature: "sig", CapturedAt: time.Now(),
	}
	if err := store.Put(ctx, older); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, newer); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.GetLatestSessionForUser(ctx, "vendor", "a@example.com", "pw")
	if err != nil {
		t.Fatalf("GetLatestSessionForUser: %v", err)
	}
	if got == nil || got.SessionCookie != "new" {
		t.Fatalf("expected newest session, got %+v", got)
	}
}

func TestSQLStoreGetLatestSessionForUserAbsent(t *testing.T) {
	store := openTestSQLStore(t)

	got, err := store.GetLatestSessionForUser(t.Context(), "vendor", "nobody@example.com", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for an absent user, got %+v", got)
	}
}

func TestSQLStoreSessionStats(t *testing.T) {
	store := openTestSQLStore(t)
	ctx := t.Context()

	for _, s := range []StoredSession{
		{Platform: "vendor", UserEmail: "a@example.com", UserPassword: "pw", CapturedAt: time.Now()},
		{Platform: "vendor", UserEmail: "b@example.com", UserPassword: "pw", CapturedAt: time.Now()},
		{Platform: "other", UserEmail: "c@example.com", UserPassword: "pw", CapturedAt: time.Now()},
	} {
		if err := store.Put(ctx, s); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	stats, err := store.GetSessionStats(ctx)
	if err != nil {
		t.Fatalf("GetSessionStats: %v", err)
	}
	if stats.TotalSessions != 3 {
		t.Errorf("expected 3 total sessions, got %d", stats.TotalSessions)
	}
	if stats.PerPlatformCounts["vendor"] != 2 {
		t.Errorf("expected 2 vendor sessions, got %d", stats.PerPlatformCounts["vendor"])
	}
}
