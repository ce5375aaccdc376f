// Package pbx implements the proxied control-plane calling strategy: call
// start/stop commands sent to the tenant's same-origin relay, which
// forwards them to the third-party PBX REST API. No media is negotiated by
// this process; the PBX bridges the audio path out of band.
package pbx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dialdesk/dialdesk/internal/call"
)

// defaultTimeout bounds a single relay round trip.
const defaultTimeout = 10 * time.Second

// tokenSkew is how long before expiry a cached access token is treated as
// stale, so a command never rides a token the relay is about to reject.
const tokenSkew = 30 * time.Second

// Client issues relay-fronted call commands. When the relay config carries
// a tenant slug and relay secret, the client exchanges them for a bearer
// token and the relay injects the PBX credentials it stores; otherwise the
// credentials travel in the command body.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	tokenKey string
	token    string
	tokenExp time.Time
}

// NewClient creates a relay control-plane client. httpClient may be nil to
// use a default with a 10s timeout.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger.With("subsystem", "pbx-relay"),
	}
}

// startCallRequest is the relay wire format for originating a call.
type startCallRequest struct {
	APIEndpoint string `json:"api_endpoint"`
	SantralID   string `json:"santral_id"`
	APIKey      string `json:"api_key"`
	Extension   string `json:"extension"`
	PhoneNumber string `json:"phone_number"`
}

// endCallRequest is the relay wire format for hanging up a call.
type endCallRequest struct {
	APIEndpoint string `json:"api_endpoint"`
	SantralID   string `json:"santral_id"`
	APIKey      string `json:"api_key"`
	CallID      string `json:"call_id"`
}

// relayResponse covers both the bare and the enveloped relay response
// shapes: {"call_id": ...} or {"data": {"call_id": ...}, "error": ...}.
type relayResponse struct {
	CallID string `json:"call_id"`
	Error  string `json:"error"`
	Msg    string `json:"message"`
	Data   *struct {
		CallID string `json:"call_id"`
	} `json:"data"`
}

// tokenRequest is the relay token endpoint wire format.
type tokenRequest struct {
	Tenant string `json:"tenant"`
	Secret string `json:"secret"`
}

// tokenResponse accepts the bare and the enveloped token shape.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Error     string    `json:"error"`
	Data      *struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	} `json:"data"`
}

// StartCall asks the relay to originate a call from extension to number and
// returns the PBX-assigned call id. Whitespace in number is stripped; no
// other normalization happens.
func (c *Client) StartCall(ctx context.Context, cfg call.RelayConfig, extension, number string) (string, error) {
	number = strings.Join(strings.Fields(number), "")

	body := startCallRequest{
		APIEndpoint: upstreamEndpoint(cfg),
		SantralID:   cfg.TenantPBXID,
		APIKey:      cfg.APIKey,
		Extension:   extension,
		PhoneNumber: number,
	}

	res, err := c.post(ctx, cfg, "/v1/calls/start", body)
	if err != nil {
		return "", err
	}

	callID := res.CallID
	if callID == "" && res.Data != nil {
		callID = res.Data.CallID
	}
	if callID == "" {
		return "", fmt.Errorf("relay response contains no call_id")
	}

	c.logger.Info("relay call started",
		"extension", extension,
		"number", number,
		"call_id", callID,
	)
	return callID, nil
}

// EndCall asks the relay to hang up the call identified by remoteCallID.
// The caller logs and swallows errors: local teardown must succeed even
// when the relay is unreachable.
func (c *Client) EndCall(ctx context.Context, cfg call.RelayConfig, remoteCallID string) error {
	body := endCallRequest{
		APIEndpoint: upstreamEndpoint(cfg),
		SantralID:   cfg.TenantPBXID,
		APIKey:      cfg.APIKey,
		CallID:      remoteCallID,
	}

	if _, err := c.post(ctx, cfg, "/v1/calls/end", body); err != nil {
		return err
	}

	c.logger.Info("relay call ended", "call_id", remoteCallID)
	return nil
}

// upstreamEndpoint is the api_endpoint value for the command body. In
// token-authenticated mode EndpointURL addresses the relay itself, so the
// field is left blank and the relay fills in the PBX endpoint it stores
// for the tenant.
func upstreamEndpoint(cfg call.RelayConfig) string {
	if cfg.RelaySecret != "" {
		return ""
	}
	return cfg.EndpointURL
}

// post sends one JSON command to the relay, authenticating first when the
// config carries a relay secret. A command rejected with 401 gets exactly
// one retry on a fresh token. A non-2xx status surfaces the relay-reported
// message when present, else the HTTP status text.
func (c *Client) post(ctx context.Context, cfg call.RelayConfig, path string, body any) (*relayResponse, error) {
	token, err := c.bearerToken(ctx, cfg)
	if err != nil {
		return nil, err
	}

	decoded, status, err := c.send(ctx, cfg.EndpointURL, path, body, token)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && cfg.RelaySecret != "" {
		c.invalidateToken()
		if token, err = c.bearerToken(ctx, cfg); err != nil {
			return nil, err
		}
		if decoded, status, err = c.send(ctx, cfg.EndpointURL, path, body, token); err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		msg := decoded.Error
		if msg == "" {
			msg = decoded.Msg
		}
		if msg == "" {
			msg = http.StatusText(status)
		}
		return nil, fmt.Errorf("relay returned %d: %s", status, msg)
	}

	return decoded, nil
}

// send performs one round trip and decodes the body. The status code is
// returned separately so the caller can decide on retries.
func (c *Client) send(ctx context.Context, endpoint, path string, body any, token string) (*relayResponse, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding relay request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("building relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("relay request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading relay response: %w", err)
	}

	var decoded relayResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode < 300 {
			return nil, 0, fmt.Errorf("decoding relay response: %w", err)
		}
	}

	return &decoded, resp.StatusCode, nil
}

// bearerToken returns an access token for cfg's relay, reusing the cached
// one until it nears expiry. Returns "" when cfg carries no relay secret.
func (c *Client) bearerToken(ctx context.Context, cfg call.RelayConfig) (string, error) {
	if cfg.RelaySecret == "" {
		return "", nil
	}

	key := cfg.EndpointURL + "|" + cfg.TenantSlug

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokenKey == key && time.Until(c.tokenExp) > tokenSkew {
		return c.token, nil
	}

	payload, err := json.Marshal(tokenRequest{Tenant: cfg.TenantSlug, Secret: cfg.RelaySecret})
	if err != nil {
		return "", fmt.Errorf("encoding token request: %w", err)
	}

	url := strings.TrimSuffix(cfg.EndpointURL, "/") + "/v1/auth/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("relay token request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	var decoded tokenResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil && resp.StatusCode == http.StatusOK {
			return "", fmt.Errorf("decoding token response: %w", err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		msg := decoded.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", fmt.Errorf("relay token exchange failed: %s", msg)
	}

	token, expiresAt := decoded.Token, decoded.ExpiresAt
	if token == "" && decoded.Data != nil {
		token, expiresAt = decoded.Data.Token, decoded.Data.ExpiresAt
	}
	if token == "" {
		return "", fmt.Errorf("token response contains no token")
	}

	c.tokenKey = key
	c.token = token
	c.tokenExp = expiresAt
	c.logger.Debug("relay token acquired", "tenant", cfg.TenantSlug, "expires_at", expiresAt)
	return token, nil
}

// invalidateToken drops the cached token so the next command fetches a
// fresh one.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.tokenKey = ""
	c.token = ""
	c.mu.Unlock()
}
