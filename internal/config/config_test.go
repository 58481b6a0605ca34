package config

import (
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ServerPort != "8080" {
		t.Errorf("expected default port 8080, got %q", cfg.ServerPort)
	}
	if cfg.EventsExchange != "promo.events" {
		t.Errorf("expected default exchange promo.events, got %q", cfg.EventsExchange)
	}
	if cfg.DisbursementQueue != "disbursements" {
		t.Errorf("expected default queue disbursements, got %q", cfg.DisbursementQueue)
	}
	if cfg.DisbursementDLQ != "disbursements.dlq" {
		t.Errorf("expected default DLQ disbursements.dlq, got %q", cfg.DisbursementDLQ)
	}
	if cfg.USSDSignatureHeader != "X-Ussd-Signature" {
		t.Errorf("expected default signature header, got %q", cfg.USSDSignatureHeader)
	}
	if cfg.USSDRateLimit != 5 || cfg.USSDRateLimitWindowSeconds != 60 {
		t.Errorf("expected default rate limit 5/60s, got %d/%ds", cfg.USSDRateLimit, cfg.USSDRateLimitWindowSeconds)
	}
	if cfg.LockTTLSeconds != 300 {
		t.Errorf("expected default lock TTL 300s, got %d", cfg.LockTTLSeconds)
	}
	if cfg.WorkerConcurrency != 5 {
		t.Errorf("expected default concurrency 5, got %d", cfg.WorkerConcurrency)
	}
	if cfg.JobMaxAttempts != 3 || cfg.JobBackoffBaseMs != 2000 {
		t.Errorf("expected default retry policy 3/2000ms, got %d/%dms", cfg.JobMaxAttempts, cfg.JobBackoffBaseMs)
	}
	if cfg.MomoReferencePrefix != "MBELYCO" {
		t.Errorf("expected default reference prefix MBELYCO, got %q", cfg.MomoReferencePrefix)
	}
	if cfg.MomoTargetEnv != "sandbox" {
		t.Errorf("expected default target environment sandbox, got %q", cfg.MomoTargetEnv)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("USSD_SIGNING_SECRET", "  secret  ")
	t.Setenv("USSD_RATE_LIMIT", "10")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("expected port 9090, got %q", cfg.ServerPort)
	}
	if cfg.USSDSigningSecret != "secret" {
		t.Errorf("expected trimmed secret, got %q", cfg.USSDSigningSecret)
	}
	if cfg.USSDRateLimit != 10 {
		t.Errorf("expected rate limit 10, got %d", cfg.USSDRateLimit)
	}
	if !cfg.SignatureVerificationEnabled() {
		t.Error("a non-empty secret must enable signature verification")
	}
}

func TestLiveModeRequiresAllCredentials(t *testing.T) {
	cfg := Config{}
	if cfg.LiveMode() {
		t.Error("no credentials must select sandbox mode")
	}

	cfg = Config{MomoAPIUser: "user", MomoAPIKey: "key"}
	if cfg.LiveMode() {
		t.Error("partial credentials must select sandbox mode")
	}

	cfg = Config{MomoAPIUser: "user", MomoAPIKey: "key", MomoSubscriptionKey: "sub"}
	if !cfg.LiveMode() {
		t.Error("complete credentials must select live mode")
	}
}

func TestSplitAllowlist(t *testing.T) {
	got := SplitAllowlist(" 10.0.0.1 , 192.168.0.0/24 ,, ")
	if len(got) != 2 || got[0] != "10.0.0.1" || got[1] != "192.168.0.0/24" {
		t.Fatalf("unexpected allowlist %v", got)
	}
	if len(SplitAllowlist("")) != 0 {
		t.Error("the empty string must produce an empty allowlist")
	}
}
