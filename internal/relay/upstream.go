package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Upstream talks to the third-party PBX REST API on behalf of tenants. The
// API key never travels back to relay clients.
type Upstream interface {
	Originate(ctx context.Context, endpoint, pbxID, apiKey, extension, number string) (string, error)
	Hangup(ctx context.Context, endpoint, pbxID, apiKey, callID string) error
}

// upstreamClient is the HTTP implementation of Upstream.
type upstreamClient struct {
	httpClient *http.Client
}

// NewUpstream creates an Upstream. httpClient may be nil to use a default
// with a 10s timeout.
func NewUpstream(httpClient *http.Client) Upstream {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &upstreamClient{httpClient: httpClient}
}

type originateRequest struct {
	PBXID       string `json:"pbx_id"`
	Extension   string `json:"extension"`
	Destination string `json:"destination"`
}

type originateResponse struct {
	CallID string `json:"call_id"`
	Error  string `json:"error"`
}

type hangupRequest struct {
	PBXID  string `json:"pbx_id"`
	CallID string `json:"call_id"`
}

// Originate asks the PBX to bridge extension to number and returns the
// PBX-assigned call id.
func (c *upstreamClient) Originate(ctx context.Context, endpoint, pbxID, apiKey, extension, number string) (string, error) {
	body := originateRequest{PBXID: pbxID, Extension: extension, Destination: number}

	var res originateResponse
	if err := c.post(ctx, endpoint, "/calls/originate", apiKey, body, &res); err != nil {
		return "", err
	}
	if res.CallID == "" {
		return "", fmt.Errorf("pbx response contains no call_id")
	}
	return res.CallID, nil
}

// Hangup asks the PBX to tear down the call identified by callID.
func (c *upstreamClient) Hangup(ctx context.Context, endpoint, pbxID, apiKey, callID string) error {
	body := hangupRequest{PBXID: pbxID, CallID: callID}
	return c.post(ctx, endpoint, "/calls/hangup", apiKey, body, &struct{}{})
}

func (c *upstreamClient) post(ctx context.Context, endpoint, path, apiKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding pbx request: %w", err)
	}

	url := strings.TrimSuffix(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building pbx request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pbx request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading pbx response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e originateResponse
		msg := resp.Status
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return fmt.Errorf("pbx returned %d: %s", resp.StatusCode, msg)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding pbx response: %w", err)
		}
	}
	return nil
}
