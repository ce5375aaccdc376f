package call

import (
	"errors"
	"strings"
)

// EmployeeSettings is the per-employee direct-signaling settings record,
// handed to the manager in memory by the account layer.
type EmployeeSettings struct {
	Username           string
	Password           string
	Extension          string
	ServerHost         string
	ServerPort         int
	UseSecureTransport bool
}

// TenantSettings is the tenant-level control-plane relay settings record.
// PBX credentials may be carried directly (TenantPBXID and APIKey) or left
// to the relay: with TenantSlug and RelaySecret set, the client
// authenticates against the relay's token endpoint and the relay injects
// the credentials it holds for the tenant.
type TenantSettings struct {
	EndpointURL string
	TenantPBXID string
	APIKey      string
	TenantSlug  string
	RelaySecret string
}

// RelayConfig is the resolved configuration for the proxied control-plane
// strategy.
type RelayConfig struct {
	EndpointURL string
	TenantPBXID string
	APIKey      string
	TenantSlug  string
	RelaySecret string
}

// DirectConfig is the resolved configuration for the direct signaling
// strategy.
type DirectConfig struct {
	Username           string
	Password           string
	Extension          string
	ServerHost         string
	ServerPort         int
	UseSecureTransport bool
}

// ErrNotConfigured is returned by SelectStrategy when neither strategy can
// be resolved from the given settings.
var ErrNotConfigured = errors.New("no calling strategy configured")

// Strategy is the tagged variant held by the manager after initialization:
// either *RelayStrategy or *DirectStrategy.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string
}

// RelayStrategy places calls through the control-plane relay.
type RelayStrategy struct {
	Config RelayConfig
}

func (*RelayStrategy) Name() string { return "relay" }

// DirectStrategy places calls by direct signaling to a telephony server.
type DirectStrategy struct {
	Config DirectConfig
}

func (*DirectStrategy) Name() string { return "direct" }

// SelectStrategy resolves which calling strategy to use. A complete relay
// config always wins, even when a direct signaling config is also present;
// otherwise a direct config is used when a server host is set. Pure
// decision, no I/O.
func SelectStrategy(employee EmployeeSettings, tenant *TenantSettings) (Strategy, error) {
	if tenant != nil && relayComplete(*tenant) {
		return &RelayStrategy{Config: relayConfigFor(*tenant)}, nil
	}

	if strings.TrimSpace(employee.ServerHost) != "" {
		return &DirectStrategy{Config: DirectConfig{
			Username:           employee.Username,
			Password:           employee.Password,
			Extension:          employee.Extension,
			ServerHost:         strings.TrimSpace(employee.ServerHost),
			ServerPort:         employee.ServerPort,
			UseSecureTransport: employee.UseSecureTransport,
		}}, nil
	}

	return nil, ErrNotConfigured
}

// relayComplete reports whether the settings can drive the relay strategy:
// an endpoint plus either the full PBX credential pair or a tenant slug and
// relay secret for token authentication.
func relayComplete(t TenantSettings) bool {
	if strings.TrimSpace(t.EndpointURL) == "" {
		return false
	}
	if strings.TrimSpace(t.TenantSlug) != "" && t.RelaySecret != "" {
		return true
	}
	return strings.TrimSpace(t.TenantPBXID) != "" &&
		strings.TrimSpace(t.APIKey) != ""
}

func relayConfigFor(t TenantSettings) RelayConfig {
	return RelayConfig{
		EndpointURL: strings.TrimSpace(t.EndpointURL),
		TenantPBXID: strings.TrimSpace(t.TenantPBXID),
		APIKey:      strings.TrimSpace(t.APIKey),
		TenantSlug:  strings.TrimSpace(t.TenantSlug),
		RelaySecret: t.RelaySecret,
	}
}
