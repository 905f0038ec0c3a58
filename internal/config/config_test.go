package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	settings, err := Load(GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"), Retries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.OutputMode != "json" {
		t.Fatalf("expected json output, got %s", settings.OutputMode)
	}
	if settings.PollInterval != 15*time.Second {
		t.Fatalf("unexpected poll interval: %v", settings.PollInterval)
	}
	if settings.QuoteTTL != time.Minute {
		t.Fatalf("unexpected quote ttl: %v", settings.QuoteTTL)
	}
	if settings.HomeChainID != 100 {
		t.Fatalf("unexpected home chain: %d", settings.HomeChainID)
	}
}

func TestLoadFileConfig(t *testing.T) {
	path := writeConfig(t, `
middleware:
  url: http://localhost:9000/
polling:
  interval: 5s
  quote_ttl: 30s
home_chain_id: 8453
rpc:
  100: https://rpc.example.org
wallets:
  100:
    - address: "0x1111111111111111111111111111111111111111"
      kind: eoa
      owner: master
services:
  - chain_id: 100
    service_id: 42
    operator: "0x2222222222222222222222222222222222222222"
    staking_program: pearl_beta
    staking_address: "0x3333333333333333333333333333333333333333"
funding_targets:
  - chain_id: 100
    owner: agent
    symbol: XDAI
    expected: "2.5"
`)

	settings, err := Load(GlobalFlags{ConfigPath: path, Retries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.MiddlewareURL != "http://localhost:9000" {
		t.Fatalf("trailing slash not trimmed: %s", settings.MiddlewareURL)
	}
	if settings.PollInterval != 5*time.Second || settings.QuoteTTL != 30*time.Second {
		t.Fatalf("polling not applied: %v %v", settings.PollInterval, settings.QuoteTTL)
	}
	if settings.HomeChainID != 8453 {
		t.Fatalf("home chain not applied: %d", settings.HomeChainID)
	}
	if settings.RPCOverrides[100] != "https://rpc.example.org" {
		t.Fatalf("rpc override not applied")
	}
	if len(settings.Wallets[100]) != 1 || settings.Wallets[100][0].Owner != "master" {
		t.Fatalf("wallets not applied: %+v", settings.Wallets)
	}
	if len(settings.Services) != 1 || settings.Services[0].ServiceID != 42 {
		t.Fatalf("services not applied: %+v", settings.Services)
	}
	if len(settings.FundingTargets) != 1 || settings.FundingTargets[0].Expected != "2.5" {
		t.Fatalf("funding targets not applied: %+v", settings.FundingTargets)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "middleware:\n  url: http://localhost:9000\n")
	t.Setenv("AGENTFUND_MIDDLEWARE_URL", "http://localhost:9999/")
	t.Setenv("AGENTFUND_POLL_INTERVAL", "3s")

	settings, err := Load(GlobalFlags{ConfigPath: path, Retries: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.MiddlewareURL != "http://localhost:9999" {
		t.Fatalf("env override not applied: %s", settings.MiddlewareURL)
	}
	if settings.PollInterval != 3*time.Second {
		t.Fatalf("env poll interval not applied: %v", settings.PollInterval)
	}
}

func TestLoadFlagConflicts(t *testing.T) {
	if _, err := Load(GlobalFlags{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml"), JSON: true, Plain: true, Retries: -1}); err == nil {
		t.Fatalf("expected error for --json with --plain")
	}
}
