package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimitersAllowUnboundedWhenDisabled(t *testing.T) {
	rl := newRateLimiters(0, 0)
	for i := 0; i < 100; i++ {
		if !rl.allow("any-key") {
			t.Fatal("a zero-rps limiter pool must never reject")
		}
	}
}

func TestRateLimitersEnforcePerKeyBurst(t *testing.T) {
	rl := newRateLimiters(1, 2)
	if !rl.allow("system-a") || !rl.allow("system-a") {
		t.Fatal("expected the first burst-sized batch of requests to be allowed")
	}
	if rl.allow("system-a") {
		t.Fatal("expected the request beyond the burst to be rejected")
	}
	// A distinct key gets its own independent bucket.
	if !rl.allow("system-b") {
		t.Fatal("expected a distinct key to have its own limiter")
	}
}

func TestRateLimitedPassesPostsThroughWhenDisabled(t *testing.T) {
	s := &Server{limiters: newRateLimiters(0, 0)}
	called := false
	handler := s.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if !called {
		t.Fatal("expected the wrapped handler to run when rate limiting is disabled")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestRateLimitedBlocksPostsOverCapacity(t *testing.T) {
	s := &Server{limiters: newRateLimiters(1, 1)}
	handler := s.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/tasks", nil)
	req.Header.Set("X-Source-System", "billing-api")

	first := httptest.NewRecorder()
	handler(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", first.Code, http.StatusOK)
	}

	second := httptest.NewRecorder()
	handler(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}
}

func TestRateLimitedIgnoresNonPostMethods(t *testing.T) {
	s := &Server{limiters: newRateLimiters(1, 1)}
	handler := s.rateLimited(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("GET request %d: status = %d, want %d (GET must not be rate limited)", i, rec.Code, http.StatusOK)
		}
	}
}

func TestWriteJSONSetsContentTypeAndStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]string{"task_id": "7"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["task_id"] != "7" {
		t.Errorf("body = %#v, want task_id=7", body)
	}
}

func TestWriteErrorWrapsMessage(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusBadRequest, "missing context")

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["error"] != "missing context" {
		t.Errorf("body = %#v, want error=missing context", body)
	}
}

func TestQueryIntParsesOrFallsBack(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/tasks?limit=25&offset=bad", nil)

	if got := queryInt(req, "limit", 10); got != 25 {
		t.Errorf("limit = %d, want 25", got)
	}
	if got := queryInt(req, "offset", 0); got != 0 {
		t.Errorf("offset = %d, want fallback 0 for an unparseable value", got)
	}
	if got := queryInt(req, "missing", 99); got != 99 {
		t.Errorf("missing = %d, want fallback 99", got)
	}
}

func TestSanitizeSortFallsBackOnInvalidInput(t *testing.T) {
	cases := []struct {
		sortBy, sortOrder string
		wantBy, wantOrder string
	}{
		{"requested_at", "desc", "requested_at", "desc"},
		{"current_status", "asc", "current_status", "asc"},
		{"", "", "task_id", "asc"},
		{"identity_hash; DROP TABLE tasks", "desc", "task_id", "desc"},
		{"task_id", "sideways", "task_id", "asc"},
	}
	for _, c := range cases {
		gotBy, gotOrder := sanitizeSort(c.sortBy, c.sortOrder)
		if gotBy != c.wantBy || gotOrder != c.wantOrder {
			t.Errorf("sanitizeSort(%q, %q) = (%q, %q), want (%q, %q)",
				c.sortBy, c.sortOrder, gotBy, gotOrder, c.wantBy, c.wantOrder)
		}
	}
}
