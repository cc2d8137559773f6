package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hasirciogluhq/xcipher/internal/core"
)

type fixedStats core.Stats

func (f fixedStats) Stats() core.Stats { return core.Stats(f) }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	hs := NewHealthServer(":0", nil)
	rec := get(t, hs.Handler(), "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("/health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestReady(t *testing.T) {
	hs := NewHealthServer(":0", nil)

	if rec := get(t, hs.Handler(), "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready before SetReady = %d", rec.Code)
	}
	hs.SetReady(true)
	if rec := get(t, hs.Handler(), "/ready"); rec.Code != http.StatusOK {
		t.Fatalf("/ready after SetReady = %d", rec.Code)
	}
	hs.SetReady(false)
	if rec := get(t, hs.Handler(), "/ready"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready after shutdown = %d", rec.Code)
	}
}

func TestStats(t *testing.T) {
	hs := NewHealthServer(":0", fixedStats{Accepted: 5, Rejected: 1, Closed: 2, Active: 3, Replies: 9})
	rec := get(t, hs.Handler(), "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("/stats = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got core.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := core.Stats{Accepted: 5, Rejected: 1, Closed: 2, Active: 3, Replies: 9}
	if got != want {
		t.Fatalf("stats = %+v, want %+v", got, want)
	}

	if rec := get(t, NewHealthServer(":0", nil).Handler(), "/stats"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/stats without provider = %d", rec.Code)
	}
}
