package database

import (
	"context"
	"strings"
	"testing"

	"github.com/dialdesk/dialdesk/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRunsMigrationsIdempotently(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	db.Close()

	// Re-opening must not re-apply migrations.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("querying migrations: %v", err)
	}
	if count == 0 {
		t.Error("no migrations recorded")
	}
}

func TestTenantRepositoryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewTenantRepository(db)
	ctx := context.Background()

	tenant := &models.Tenant{
		Slug:               "acme",
		Name:               "Acme Telecom",
		PBXID:              "pbx-9",
		APIEndpoint:        "https://pbx.example.com",
		APIKeyEncrypted:    "sealed",
		RelaySecretHash:    "hash",
		RateLimitPerMinute: 120,
		Enabled:            true,
	}
	if err := repo.Create(ctx, tenant); err != nil {
		t.Fatalf("create: %v", err)
	}
	if tenant.ID == 0 {
		t.Fatal("create did not backfill the id")
	}

	got, err := repo.GetBySlug(ctx, "acme")
	if err != nil {
		t.Fatalf("get by slug: %v", err)
	}
	if got == nil {
		t.Fatal("tenant not found")
	}
	if got.PBXID != "pbx-9" || got.RateLimitPerMinute != 120 || !got.Enabled {
		t.Errorf("loaded tenant = %+v", got)
	}

	got.Name = "Acme Telecom GmbH"
	got.Enabled = false
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded, err := repo.GetByID(ctx, got.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if reloaded.Name != "Acme Telecom GmbH" || reloaded.Enabled {
		t.Errorf("update not persisted: %+v", reloaded)
	}

	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	if err := repo.Delete(ctx, got.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gone, _ := repo.GetBySlug(ctx, "acme"); gone != nil {
		t.Error("tenant still present after delete")
	}
}

func TestGetBySlugMissingReturnsNil(t *testing.T) {
	db := openTestDB(t)
	repo := NewTenantRepository(db)

	got, err := repo.GetBySlug(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestRelayCallLifecycle(t *testing.T) {
	db := openTestDB(t)
	tenants := NewTenantRepository(db)
	calls := NewRelayCallRepository(db)
	ctx := context.Background()

	tenant := &models.Tenant{Slug: "acme", Name: "Acme", PBXID: "p", APIEndpoint: "e", APIKeyEncrypted: "k", RelaySecretHash: "h", RateLimitPerMinute: 60, Enabled: true}
	if err := tenants.Create(ctx, tenant); err != nil {
		t.Fatalf("creating tenant: %v", err)
	}

	rec := &models.RelayCall{TenantID: tenant.ID, CallID: "c-1", Extension: "204", PhoneNumber: "05551234567"}
	if err := calls.Create(ctx, rec); err != nil {
		t.Fatalf("creating call: %v", err)
	}

	active, err := calls.CountActive(ctx)
	if err != nil {
		t.Fatalf("counting active: %v", err)
	}
	if active != 1 {
		t.Errorf("active = %d, want 1", active)
	}

	if err := calls.MarkEnded(ctx, tenant.ID, "c-1"); err != nil {
		t.Fatalf("marking ended: %v", err)
	}
	// Ending the same call again is a no-op.
	if err := calls.MarkEnded(ctx, tenant.ID, "c-1"); err != nil {
		t.Fatalf("repeated mark ended: %v", err)
	}

	active, _ = calls.CountActive(ctx)
	if active != 0 {
		t.Errorf("active after end = %d, want 0", active)
	}

	listed, err := calls.ListByTenant(ctx, tenant.ID, 10)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(listed) != 1 || listed[0].EndedAt == nil {
		t.Errorf("listed = %+v, want one ended call", listed)
	}
}

func TestHashAndVerifySecret(t *testing.T) {
	encoded, err := HashSecret("relay-secret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Errorf("encoded hash %q has wrong prefix", encoded)
	}

	ok, err := VerifySecret("relay-secret", encoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("correct secret rejected")
	}

	ok, err = VerifySecret("wrong", encoded)
	if err != nil {
		t.Fatalf("verify wrong: %v", err)
	}
	if ok {
		t.Error("wrong secret accepted")
	}

	if _, err := VerifySecret("x", "not-a-hash"); err == nil {
		t.Error("malformed hash accepted")
	}
}

func TestEncryptorRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("creating encryptor: %v", err)
	}

	sealed, err := enc.Encrypt("super-secret-api-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if sealed == "super-secret-api-key" {
		t.Fatal("ciphertext equals plaintext")
	}

	plain, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "super-secret-api-key" {
		t.Errorf("round trip = %q", plain)
	}

	if _, err := enc.Decrypt("bm90LXZhbGlk"); err == nil {
		t.Error("tampered ciphertext accepted")
	}

	if _, err := NewEncryptor(key[:16]); err == nil {
		t.Error("short key accepted")
	}
}
