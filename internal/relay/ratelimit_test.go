package relay

import (
	"io"
	"log/slog"
	"testing"
)

func newTestLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimiterConfigFor(600), slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowAppliesProvisionedRate(t *testing.T) {
	rl := newTestLimiter(t)

	if !rl.Allow("tiny", 1) {
		t.Fatal("first command denied")
	}
	if rl.Allow("tiny", 1) {
		t.Error("second command allowed despite one-per-minute provisioning")
	}

	for i := 0; i < 10; i++ {
		if !rl.Allow("big", 600) {
			t.Fatalf("command %d denied for high-rate key", i)
		}
	}
}

func TestAllowPicksUpRateChange(t *testing.T) {
	rl := newTestLimiter(t)

	if !rl.Allow("acme", 600) {
		t.Fatal("first command denied")
	}

	// The provisioned rate dropped to one per minute; the existing entry
	// must follow. The shrunken burst leaves one token.
	if !rl.Allow("acme", 1) {
		t.Fatal("command denied right after the rate change")
	}
	if rl.Allow("acme", 1) {
		t.Error("command allowed beyond the reduced burst")
	}
}

func TestAllowFallsBackToDefaultRate(t *testing.T) {
	// A slow default rate so the refill cannot race the assertions.
	rl := NewRateLimiter(RateLimiterConfigFor(1), slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer rl.Stop()

	// Keys with no provisioned rate get the default burst of 10.
	for i := 0; i < 10; i++ {
		if !rl.Allow("ip:192.0.2.1:4000", 0) {
			t.Fatalf("command %d denied within default burst", i)
		}
	}
	if rl.Allow("ip:192.0.2.1:4000", 0) {
		t.Error("command allowed beyond the default burst")
	}
}
