package pbx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dialdesk/dialdesk/internal/call"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func relayCfg(endpoint string) call.RelayConfig {
	return call.RelayConfig{
		EndpointURL: endpoint,
		TenantPBXID: "pbx-9",
		APIKey:      "key",
	}
}

func TestStartCallStripsWhitespaceAndSendsWireFormat(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/calls/start" {
			t.Errorf("path = %q, want /v1/calls/start", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"call_id": "abc-123"})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	callID, err := c.StartCall(context.Background(), relayCfg(srv.URL), "204", "0555 123 45 67")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if callID != "abc-123" {
		t.Errorf("call id = %q, want abc-123", callID)
	}

	if got["phone_number"] != "05551234567" {
		t.Errorf("phone_number = %q, want whitespace stripped", got["phone_number"])
	}
	if got["extension"] != "204" || got["santral_id"] != "pbx-9" || got["api_key"] != "key" {
		t.Errorf("wire fields = %v", got)
	}
	if got["api_endpoint"] != srv.URL {
		t.Errorf("api_endpoint = %q, want %q", got["api_endpoint"], srv.URL)
	}
}

func TestStartCallAcceptsEnvelopedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"call_id": "env-9"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	callID, err := c.StartCall(context.Background(), relayCfg(srv.URL), "204", "05551234567")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if callID != "env-9" {
		t.Errorf("call id = %q, want env-9", callID)
	}
}

func TestStartCallMissingCallID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	if _, err := c.StartCall(context.Background(), relayCfg(srv.URL), "204", "05551234567"); err == nil {
		t.Fatal("expected error for response without call_id")
	}
}

func TestStartCallSurfacesRelayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "pbx rejected call"})
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	_, err := c.StartCall(context.Background(), relayCfg(srv.URL), "204", "05551234567")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "pbx rejected call") {
		t.Errorf("error %q does not carry the relay message", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error %q does not carry the status code", err)
	}
}

func TestStartCallAuthenticatesWithRelaySecret(t *testing.T) {
	var tokenCalls, startCalls int
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["tenant"] != "acme" || req["secret"] != "relay-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid credentials"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"token":      "tok-1",
				"expires_at": time.Now().Add(time.Hour),
			},
		})
	})
	mux.HandleFunc("/v1/calls/start", func(w http.ResponseWriter, r *http.Request) {
		startCalls++
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
			return
		}
		var got map[string]string
		json.NewDecoder(r.Body).Decode(&got)
		if got["api_endpoint"] != "" {
			t.Errorf("api_endpoint = %q, want blank in authenticated mode", got["api_endpoint"])
		}
		if got["api_key"] != "" {
			t.Errorf("api_key = %q, want blank in authenticated mode", got["api_key"])
		}
		json.NewEncoder(w).Encode(map[string]string{"call_id": "auth-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	cfg := call.RelayConfig{
		EndpointURL: srv.URL,
		TenantSlug:  "acme",
		RelaySecret: "relay-secret",
	}

	callID, err := c.StartCall(context.Background(), cfg, "204", "05551234567")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if callID != "auth-1" {
		t.Errorf("call id = %q, want auth-1", callID)
	}

	// The cached token carries the second call; no second exchange.
	if _, err := c.StartCall(context.Background(), cfg, "204", "05551234568"); err != nil {
		t.Fatalf("second StartCall: %v", err)
	}
	if tokenCalls != 1 {
		t.Errorf("token endpoint hit %d times, want 1", tokenCalls)
	}
	if startCalls != 2 {
		t.Errorf("start endpoint hit %d times, want 2", startCalls)
	}
}

func TestStartCallRefreshesRejectedToken(t *testing.T) {
	issued := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		issued++
		json.NewEncoder(w).Encode(map[string]any{
			"token":      fmt.Sprintf("tok-%d", issued),
			"expires_at": time.Now().Add(time.Hour),
		})
	})
	mux.HandleFunc("/v1/calls/start", func(w http.ResponseWriter, r *http.Request) {
		// The first token is already expired from the relay's view.
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid or expired token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"call_id": "fresh-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	cfg := call.RelayConfig{
		EndpointURL: srv.URL,
		TenantSlug:  "acme",
		RelaySecret: "relay-secret",
	}

	callID, err := c.StartCall(context.Background(), cfg, "204", "05551234567")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if callID != "fresh-1" {
		t.Errorf("call id = %q, want fresh-1", callID)
	}
	if issued != 2 {
		t.Errorf("tokens issued = %d, want 2", issued)
	}
}

func TestEndCallSendsCallID(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/calls/end" {
			t.Errorf("path = %q, want /v1/calls/end", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), testLogger())
	if err := c.EndCall(context.Background(), relayCfg(srv.URL), "abc-123"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if got["call_id"] != "abc-123" {
		t.Errorf("call_id = %q, want abc-123", got["call_id"])
	}
}

func TestEndCallUnreachableRelay(t *testing.T) {
	c := NewClient(&http.Client{}, testLogger())
	err := c.EndCall(context.Background(), relayCfg("http://127.0.0.1:1"), "abc-123")
	if err == nil {
		t.Fatal("expected error for unreachable relay")
	}
}
