package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dialdesk/dialdesk/internal/database"
	"github.com/dialdesk/dialdesk/internal/database/models"
)

// CommandStats tracks cumulative command counts for metrics.
type CommandStats struct {
	starts   atomic.Uint64
	ends     atomic.Uint64
	failures atomic.Uint64
}

func (s *CommandStats) StartsTotal() uint64   { return s.starts.Load() }
func (s *CommandStats) EndsTotal() uint64     { return s.ends.Load() }
func (s *CommandStats) FailuresTotal() uint64 { return s.failures.Load() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type tokenRequest struct {
	Tenant string `json:"tenant"`
	Secret string `json:"secret"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken exchanges a tenant slug and relay secret for a bearer token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Tenant == "" || req.Secret == "" {
		s.writeError(w, http.StatusBadRequest, "tenant and secret are required")
		return
	}

	tenant, err := s.tenants.GetBySlug(r.Context(), req.Tenant)
	if err != nil {
		s.logger.Error("loading tenant failed", "tenant", req.Tenant, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if tenant == nil || !tenant.Enabled {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ok, err := database.VerifySecret(req.Secret, tenant.RelaySecretHash)
	if err != nil {
		s.logger.Error("verifying relay secret failed", "tenant", req.Tenant, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := GenerateToken(s.jwtSecret, tenant.ID, tenant.Slug, s.tokenTTL)
	if err != nil {
		s.logger.Error("signing token failed", "tenant", req.Tenant, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("token issued", "tenant", tenant.Slug)
	s.writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// startCallRequest mirrors the client wire format. Credential fields are
// optional; absent ones are filled from the tenant record so clients never
// need to hold the API key.
type startCallRequest struct {
	APIEndpoint string `json:"api_endpoint"`
	SantralID   string `json:"santral_id"`
	APIKey      string `json:"api_key"`
	Extension   string `json:"extension"`
	PhoneNumber string `json:"phone_number"`
}

type endCallRequest struct {
	APIEndpoint string `json:"api_endpoint"`
	SantralID   string `json:"santral_id"`
	APIKey      string `json:"api_key"`
	CallID      string `json:"call_id"`
}

type startCallResponse struct {
	CallID string `json:"call_id"`
}

// handleStartCall forwards a call origination command to the tenant's PBX.
func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req startCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.PhoneNumber = strings.Join(strings.Fields(req.PhoneNumber), "")
	if req.Extension == "" || req.PhoneNumber == "" {
		s.writeError(w, http.StatusBadRequest, "extension and phone_number are required")
		return
	}

	tenant, endpoint, pbxID, apiKey, ok := s.resolveCredentials(w, r, req.APIEndpoint, req.SantralID, req.APIKey)
	if !ok {
		return
	}

	callID, err := s.upstream.Originate(r.Context(), endpoint, pbxID, apiKey, req.Extension, req.PhoneNumber)
	if err != nil {
		s.stats.failures.Add(1)
		s.logger.Error("originate failed",
			"tenant", tenant.Slug,
			"extension", req.Extension,
			"error", err,
		)
		s.writeError(w, http.StatusBadGateway, "pbx rejected call: "+err.Error())
		return
	}

	record := &models.RelayCall{
		TenantID:    tenant.ID,
		CallID:      callID,
		Extension:   req.Extension,
		PhoneNumber: req.PhoneNumber,
	}
	if err := s.calls.Create(r.Context(), record); err != nil {
		s.logger.Error("recording relay call failed", "call_id", callID, "error", err)
	}

	s.stats.starts.Add(1)
	s.logger.Info("call started",
		"tenant", tenant.Slug,
		"extension", req.Extension,
		"call_id", callID,
	)
	s.writeJSON(w, http.StatusOK, startCallResponse{CallID: callID})
}

// handleEndCall forwards a hangup command to the tenant's PBX.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	var req endCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallID == "" {
		s.writeError(w, http.StatusBadRequest, "call_id is required")
		return
	}

	tenant, endpoint, pbxID, apiKey, ok := s.resolveCredentials(w, r, req.APIEndpoint, req.SantralID, req.APIKey)
	if !ok {
		return
	}

	if err := s.upstream.Hangup(r.Context(), endpoint, pbxID, apiKey, req.CallID); err != nil {
		s.stats.failures.Add(1)
		s.logger.Error("hangup failed",
			"tenant", tenant.Slug,
			"call_id", req.CallID,
			"error", err,
		)
		s.writeError(w, http.StatusBadGateway, "pbx rejected hangup: "+err.Error())
		return
	}

	if err := s.calls.MarkEnded(r.Context(), tenant.ID, req.CallID); err != nil {
		s.logger.Error("marking relay call ended failed", "call_id", req.CallID, "error", err)
	}

	s.stats.ends.Add(1)
	s.logger.Info("call ended", "tenant", tenant.Slug, "call_id", req.CallID)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

// handleListCalls returns the tenant's recent relay calls.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	tenantID := TenantIDFromContext(r.Context())

	calls, err := s.calls.ListByTenant(r.Context(), tenantID, 50)
	if err != nil {
		s.logger.Error("listing relay calls failed", "tenant_id", tenantID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, calls)
}

// resolveCredentials loads the authenticated tenant and fills in any
// credential field the request left blank. Explicit request values win so
// callers may target an ad-hoc PBX account.
func (s *Server) resolveCredentials(w http.ResponseWriter, r *http.Request, endpoint, pbxID, apiKey string) (*models.Tenant, string, string, string, bool) {
	tenant, err := s.tenants.GetByID(r.Context(), TenantIDFromContext(r.Context()))
	if err != nil {
		s.logger.Error("loading tenant failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return nil, "", "", "", false
	}
	if tenant == nil || !tenant.Enabled {
		s.writeError(w, http.StatusUnauthorized, "tenant disabled")
		return nil, "", "", "", false
	}

	if endpoint == "" {
		endpoint = tenant.APIEndpoint
	}
	if pbxID == "" {
		pbxID = tenant.PBXID
	}
	if apiKey == "" {
		apiKey, err = s.encryptor.Decrypt(tenant.APIKeyEncrypted)
		if err != nil {
			s.logger.Error("decrypting api key failed", "tenant", tenant.Slug, "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return nil, "", "", "", false
		}
	}

	if endpoint == "" || pbxID == "" || apiKey == "" {
		s.writeError(w, http.StatusBadRequest, "tenant has no pbx credentials configured")
		return nil, "", "", "", false
	}
	return tenant, endpoint, pbxID, apiKey, true
}
