package web

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHealthzEndpoint(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", body)
	}
	if !strings.Contains(body, `"connections":0`) {
		t.Fatalf("expected health response to contain connections, got: %s", body)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestWSMethodNotAllowed(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	req := httptest.NewRequest(http.MethodPost, "/ws", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "METHOD_NOT_ALLOWED") {
		t.Fatalf("expected api error body, got: %s", rr.Body.String())
	}
}

func TestDefaultListenAddr(t *testing.T) {
	srv := NewServer(Config{})
	if srv.Addr() != DefaultListenAddr {
		t.Fatalf("expected %s, got %s", DefaultListenAddr, srv.Addr())
	}
	if !strings.Contains(srv.String(), "auth=false") {
		t.Fatalf("unexpected String(): %s", srv.String())
	}
	if srv.AuthRequired() {
		t.Fatal("expected no auth without a token")
	}
	if !NewServer(Config{Token: "t"}).AuthRequired() {
		t.Fatal("expected auth with a token")
	}
}

func TestWithRecoverHandlesPanic(t *testing.T) {
	handler := withRecover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                   "",
		"Basic abc":          "",
		"Bearer ":            "",
		"Bearer  secret ":    "secret",
		"  Bearer secret-2 ": "secret-2",
	}
	for header, want := range cases {
		if got := bearerToken(header); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
