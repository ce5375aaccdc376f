// Package models defines the persisted entities of the relay store.
package models

import "time"

// Tenant is one customer account whose PBX credentials the relay holds.
// APIKeyEncrypted stores the third-party PBX API key sealed with the
// daemon's encryption key; RelaySecretHash stores the Argon2id hash of the
// secret clients exchange for access tokens.
type Tenant struct {
	ID                 int64
	Slug               string
	Name               string
	PBXID              string
	APIEndpoint        string
	APIKeyEncrypted    string
	RelaySecretHash    string
	RateLimitPerMinute int
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RelayCall is one call originated through the relay, kept for audit.
type RelayCall struct {
	ID          int64
	TenantID    int64
	CallID      string
	Extension   string
	PhoneNumber string
	StartedAt   time.Time
	EndedAt     *time.Time
}
