package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chartgate/chartgate/internal/chart"
	"github.com/chartgate/chartgate/internal/kvstore"
	"github.com/chartgate/chartgate/internal/vendorhttp"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("failed to build fixture token: %v", err)
	}
	return s
}

func TestResolveSessionNotFound(t *testing.T) {
	store := kvstore.NewMemoryStore()
	r := New(store, vendorhttp.New("", "", time.Second), nil)

	_, _, err := r.ResolveSession(t.Context(), Credentials{Platform: "vendor", Email: "nobody@example.com", Password: "x"})
	cerr, ok := err.(*chart.Error)
	if !ok || cerr.Message != "NoSessionForUser" {
		t.Fatalf("expected NoSessionForUser, got %v", err)
	}
}

func TestResolveSessionReturnsWarningWithoutSignature(t *testing.T) {
	store := kvstore.NewMemoryStore()
	store.Put(kvstore.StoredSession{
		Platform: "vendor", UserEmail: "trader@example.com", UserPassword: "hunter2",
		SessionCookie: "cookie-1", CapturedAt: time.Now(),
	})
	r := New(store, vendorhttp.New("", "", time.Second), nil)

	sess, warning, err := r.ResolveSession(t.Context(), Credentials{Platform: "vendor", Email: "trader@example.com", Password: "hunter2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warning == "" {
		t.Fatal("expected a warning for a session missing its cookie signature")
	}
	if sess.SessionCookie != "cookie-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestResolveSessionPicksLatestCapture(t *testing.T) {
	store := kvstore.NewMemoryStore()
	store.Put(kvstore.StoredSession{
		Platform: "vendor", UserEmail: "trader@example.com", UserPassword: "hunter2",
		SessionCookie: "old", CapturedAt: time.Now().Add(-time.Hour),
	})
	store.Put(kvstore.StoredSession{
		Platform: "vendor", UserEmail: "trader@example.com", UserPassword: "hunter2",
		SessionCookie: "new", SessionCookieSignature: "sig", CapturedAt: time.Now(),
	})
	r := New(store, vendorhttp.New("", "", time.Second), nil)

	sess, warning, err := r.ResolveSession(t.Context(), Credentials{Platform: "vendor", Email: "trader@example.com", Password: "hunter2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if warning != "" {
		t.Fatalf("unexpected warning: %q", warning)
	}
	if sess.SessionCookie != "new" {
		t.Fatalf("expected the most recently captured session, got %q", sess.SessionCookie)
	}
}

func TestResolveJWTExchangesSessionForToken(t *testing.T) {
	tok := signedToken(t, time.Now().Add(time.Hour))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"auth_token":"` + tok + `"}`))
	}))
	defer srv.Close()

	r := New(kvstore.NewMemoryStore(), vendorhttp.New(srv.URL, srv.URL, time.Second), nil)
	jwtRec, err := r.ResolveJWT(t.Context(), Record{SessionCookie: "cookie-1", SessionCookieSignature: "sig"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jwtRec.Token != tok {
		t.Fatalf("token mismatch")
	}
	if !jwtRec.ExpiresAt.After(time.Now()) {
		t.Fatal("expected a future expiry")
	}
}
