package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeValidator struct {
	tenantID string
	err      error
	tokens   []string
}

func (v *fakeValidator) ValidateToken(_ context.Context, token string) (string, error) {
	v.tokens = append(v.tokens, token)
	if v.err != nil {
		return "", v.err
	}
	return v.tenantID, nil
}

func newAuthedRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestBearerAuthSetsTenantContext(t *testing.T) {
	validator := &fakeValidator{tenantID: "acme"}

	var gotTenant, gotKeyID string
	handler := BearerAuth(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = TenantIDFromContext(r.Context())
		gotKeyID, _ = APIKeyIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newAuthedRequest("key-1.supersecret"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotTenant != "acme" {
		t.Fatalf("tenant in context = %q, want acme", gotTenant)
	}
	if gotKeyID != "key-1" {
		t.Fatalf("api key id in context = %q, want key-1", gotKeyID)
	}
	if len(validator.tokens) != 1 || validator.tokens[0] != "key-1.supersecret" {
		t.Fatalf("validator saw tokens %v", validator.tokens)
	}
}

func TestBearerAuthRejections(t *testing.T) {
	tests := []struct {
		name      string
		header    string
		validator *fakeValidator
	}{
		{name: "missing header", header: "", validator: &fakeValidator{tenantID: "acme"}},
		{name: "wrong scheme", header: "Basic abc", validator: &fakeValidator{tenantID: "acme"}},
		{name: "empty token", header: "Bearer ", validator: &fakeValidator{tenantID: "acme"}},
		{name: "validator error", header: "Bearer k.s", validator: &fakeValidator{err: errors.New("no such key")}},
		{name: "empty tenant", header: "Bearer k.s", validator: &fakeValidator{tenantID: "  "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := BearerAuth(tt.validator)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run for rejected requests")
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/flags", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
			}
			if rec.Header().Get("WWW-Authenticate") != "Bearer" {
				t.Fatalf("WWW-Authenticate = %q", rec.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestBearerAuthFailureCallbackAndRateLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rl := NewRateLimiter(ctx, 2)
	defer rl.Stop()

	failures := 0
	handler := BearerAuth(&fakeValidator{err: errors.New("bad key")},
		WithOnAuthFailure(func() { failures++ }),
		WithRateLimiter(rl),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	statuses := make([]int, 0, 4)
	for range 4 {
		req := newAuthedRequest("k.bad")
		req.RemoteAddr = "203.0.113.7:4821"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}

	if failures != 4 {
		t.Fatalf("failure callback ran %d times, want 4", failures)
	}
	if statuses[0] != http.StatusUnauthorized || statuses[1] != http.StatusUnauthorized {
		t.Fatalf("first attempts = %v, want 401s", statuses[:2])
	}
	if statuses[3] != http.StatusTooManyRequests {
		t.Fatalf("final attempt = %d, want %d", statuses[3], http.StatusTooManyRequests)
	}
}

func TestParseBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "Bearer token123", want: "token123"},
		{header: "bearer token123", want: "token123"},
		{header: "Bearer", wantErr: true},
		{header: "Bearer a b", wantErr: true},
		{header: "token123", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseBearerToken(tt.header)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseBearerToken(%q) error = nil, want error", tt.header)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseBearerToken(%q) = %q, %v, want %q", tt.header, got, err, tt.want)
		}
	}
}

func TestAPIKeyHashRoundTrip(t *testing.T) {
	hash, err := HashAPIKey("s3cret")
	if err != nil {
		t.Fatalf("HashAPIKey() error = %v", err)
	}
	if !APIKeyMatchesHash(hash, "s3cret") {
		t.Fatal("APIKeyMatchesHash() = false for matching secret")
	}
	if APIKeyMatchesHash(hash, "other") {
		t.Fatal("APIKeyMatchesHash() = true for wrong secret")
	}
}

func TestExtractIP(t *testing.T) {
	if got := ExtractIP("192.0.2.1:8080"); got != "192.0.2.1" {
		t.Fatalf("ExtractIP() = %q", got)
	}
	if got := ExtractIP("192.0.2.1"); got != "192.0.2.1" {
		t.Fatalf("ExtractIP() without port = %q", got)
	}
}
