package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "q.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedAccount(t *testing.T, st store.Store, id string) {
	t.Helper()
	err := st.UpsertAccount(context.Background(), &store.Account{
		ID: id, Platform: "instagram", PlatformUserID: "900" + id, PublishMode: store.ModeInstant,
	})
	if err != nil {
		t.Fatalf("upsert account: %v", err)
	}
}

func seedCredential(t *testing.T, st store.Store, accountID, token string, expiresAt time.Time) {
	t.Helper()
	err := st.PutCredential(context.Background(), &store.Credential{
		AccountID: accountID, AccessToken: token, ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("put credential: %v", err)
	}
}

// fakeRefreshServer emulates the token refresh endpoint.
type fakeRefreshServer struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *fakeRefreshServer) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls++
		fail := f.fail
		f.mu.Unlock()

		if r.URL.Path != "/refresh_access_token" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("grant_type") != "ig_refresh_token" {
			http.Error(w, "bad grant_type", http.StatusBadRequest)
			return
		}
		if fail {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"message": "token invalid", "code": 190},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-refreshed",
			"token_type":   "bearer",
			"expires_in":   int64(60 * 24 * 3600),
		})
	})
}

func newTestManager(t *testing.T, st store.Store, fake *fakeRefreshServer) *Manager {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	client := NewGraphRefreshClient(srv.URL, time.Second)
	return NewManager(Config{RatePerSec: 1000}, st, client, logx.Nop())
}

func TestTokenValidity(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	m := NewManager(Config{}, st, nil, logx.Nop())
	ctx := context.Background()
	seedAccount(t, st, "a1")
	seedAccount(t, st, "a2")
	seedCredential(t, st, "a1", "tok-live", time.Now().Add(time.Hour))
	seedCredential(t, st, "a2", "tok-dead", time.Now().Add(-time.Minute))

	if tok, ok := m.Token(ctx, "a1"); !ok || tok != "tok-live" {
		t.Fatalf("Token(a1) = %q/%v", tok, ok)
	}
	if _, ok := m.Token(ctx, "a2"); ok {
		t.Fatal("expired credential produced a token")
	}
	if _, ok := m.Token(ctx, "nobody"); ok {
		t.Fatal("missing credential produced a token")
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	m := NewManager(Config{}, st, nil, logx.Nop())
	ctx := context.Background()
	seedAccount(t, st, "a1")
	seedCredential(t, st, "a1", "tok", time.Now().Add(48*time.Hour))

	res, err := m.Check(ctx, "a1")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Valid || res.DaysRemaining < 1.9 || res.DaysRemaining > 2.1 {
		t.Fatalf("check = %+v", res)
	}
}

func TestRefreshSuccess(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	fake := &fakeRefreshServer{}
	m := newTestManager(t, st, fake)
	ctx := context.Background()
	seedAccount(t, st, "a1")
	seedCredential(t, st, "a1", "tok-old", time.Now().Add(24*time.Hour))

	res := m.Refresh(ctx, "a1")
	if !res.Success {
		t.Fatalf("refresh failed: %s", res.Error)
	}

	c, err := st.Credential(ctx, "a1")
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if c.AccessToken != "tok-refreshed" {
		t.Fatalf("token = %q, want rotated", c.AccessToken)
	}
	if c.ExpiresAt.Before(time.Now().Add(59 * 24 * time.Hour)) {
		t.Fatalf("expiry not extended: %v", c.ExpiresAt)
	}
	if c.LastRefreshAt.IsZero() || c.LastError != "" {
		t.Fatalf("bookkeeping: refresh_at=%v last_error=%q", c.LastRefreshAt, c.LastError)
	}
}

func TestRefreshFailureRecorded(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	fake := &fakeRefreshServer{fail: true}
	m := newTestManager(t, st, fake)
	ctx := context.Background()
	seedAccount(t, st, "a1")
	seedCredential(t, st, "a1", "tok-old", time.Now().Add(24*time.Hour))

	res := m.Refresh(ctx, "a1")
	if res.Success {
		t.Fatal("refresh reported success against failing endpoint")
	}
	if res.Error == "" {
		t.Fatal("failure carries no message")
	}

	c, err := st.Credential(ctx, "a1")
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if c.AccessToken != "tok-old" {
		t.Fatalf("failed refresh rotated the token to %q", c.AccessToken)
	}
	if c.LastError == "" || c.LastErrorAt.IsZero() {
		t.Fatalf("failure not recorded: %q %v", c.LastError, c.LastErrorAt)
	}
}

func TestAutoRefreshSweep(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	fake := &fakeRefreshServer{}
	m := newTestManager(t, st, fake)
	ctx := context.Background()

	// a1 expires soon, a2 is comfortably valid, a3 has no token material.
	seedAccount(t, st, "a1")
	seedAccount(t, st, "a2")
	seedAccount(t, st, "a3")
	seedCredential(t, st, "a1", "tok-1", time.Now().Add(24*time.Hour))
	seedCredential(t, st, "a2", "tok-2", time.Now().Add(90*24*time.Hour))
	seedCredential(t, st, "a3", "", time.Now().Add(time.Hour))

	res := m.AutoRefreshSweep(ctx)
	if res.Refreshed != 1 || res.Failed != 0 || res.Skipped != 1 {
		t.Fatalf("sweep = %+v, want 1 refreshed / 1 skipped", res)
	}

	fake.mu.Lock()
	calls := fake.calls
	fake.mu.Unlock()
	if calls != 1 {
		t.Fatalf("refresh endpoint hit %d times, want 1", calls)
	}

	c, err := st.Credential(ctx, "a2")
	if err != nil {
		t.Fatalf("read credential: %v", err)
	}
	if c.AccessToken != "tok-2" {
		t.Fatal("healthy credential was refreshed")
	}
}
