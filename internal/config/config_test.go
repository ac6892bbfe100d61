package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")

	cfgYAML := `
version: 1
chains:
  - name: Arbitrum
    chain_id: 42161
    rpc_url: ${ARB_RPC}
    contract_address: "0xB0B07055F214Ce59ccb968663d3435B9f3294998"
notifiers:
  - id: ops
    type: slack
    webhook_url: ${SLACK_HOOK}
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ARB_RPC", "wss://example-rpc")
	t.Setenv("SLACK_HOOK", "https://hooks.slack.test")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Chains[0].RPCURL; got != "wss://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
	if !cfg.Chains[0].Streaming() {
		t.Fatalf("wss endpoint should stream")
	}
	if cfg.Global.DBDriver != "sqlite" || cfg.Global.DBDSN == "" {
		t.Fatalf("db defaults not applied: %+v", cfg.Global)
	}
	if cfg.Chains[0].PollInterval.Std() != defaultPollInterval {
		t.Fatalf("poll interval default not applied: %v", cfg.Chains[0].PollInterval.Std())
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")

	cfgYAML := `
version: 1
chains:
  - name: Arbitrum
    chain_id: 42161
    rpc_url: ${MISSING_RPC_URL}
    contract_address: "0xB0B07055F214Ce59ccb968663d3435B9f3294998"
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "MISSING_RPC_URL") {
		t.Fatalf("expected missing env to fail, got %v", err)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	tmp := t.TempDir()
	cfgPath := filepath.Join(tmp, "config.yaml")
	cfgYAML := `
version: 1
chains:
  - name: Base
    chain_id: 8453
    rpc_url: ${DOTENV_BASE_RPC}
    contract_address: "0x4afb570AC68BfFc26Bb02FdA3D801728B0f93C9E"
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, ".env"), []byte("DOTENV_BASE_RPC=https://base.example\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("DOTENV_BASE_RPC") })

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chains[0].Streaming() {
		t.Fatalf("https endpoint should poll")
	}
}

func TestValidateRejects(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Version: 1,
			Chains: []Chain{
				{Name: "Arbitrum", ChainID: 42161, RPCURL: "wss://a", ContractAddress: "0xB0B07055F214Ce59ccb968663d3435B9f3294998"},
				{Name: "Base", ChainID: 8453, RPCURL: "https://b", ContractAddress: "0x4afb570AC68BfFc26Bb02FdA3D801728B0f93C9E"},
			},
		}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no_version", func(c *Config) { c.Version = 0 }},
		{"no_chains", func(c *Config) { c.Chains = nil }},
		{"dup_name", func(c *Config) { c.Chains[1].Name = "arbitrum" }},
		{"dup_chain_id", func(c *Config) { c.Chains[1].ChainID = 42161 }},
		{"bad_scheme", func(c *Config) { c.Chains[0].RPCURL = "ftp://x" }},
		{"bad_address", func(c *Config) { c.Chains[0].ContractAddress = "0x123" }},
		{"bad_driver", func(c *Config) { c.Global.DBDriver = "mysql" }},
		{"bad_backoff", func(c *Config) { c.Global.Backoff.Multiplier = 0.5 }},
		{"bad_notifier", func(c *Config) { c.Notifiers = []Notifier{{ID: "n", Type: "pager"}}}},
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestParseDurations(t *testing.T) {
	cfg, err := Parse([]byte(`
version: 1
global:
  drain_timeout: 3s
  backoff:
    initial: 250ms
    max: 2s
chains:
  - name: Base
    chain_id: 8453
    rpc_url: https://base.example
    contract_address: "0x4afb570AC68BfFc26Bb02FdA3D801728B0f93C9E"
    poll_interval: 1m
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Global.DrainTimeout.Std() != 3*time.Second {
		t.Fatalf("drain_timeout = %v", cfg.Global.DrainTimeout.Std())
	}
	if cfg.Global.Backoff.Initial.Std() != 250*time.Millisecond {
		t.Fatalf("backoff.initial = %v", cfg.Global.Backoff.Initial.Std())
	}
	if cfg.Chains[0].PollInterval.Std() != time.Minute {
		t.Fatalf("poll_interval = %v", cfg.Chains[0].PollInterval.Std())
	}

	if _, err := Parse([]byte("version: 1\nglobal:\n  drain_timeout: soon\n")); err == nil {
		t.Fatalf("expected invalid duration error")
	}
}

func TestSampleIsValid(t *testing.T) {
	cfg, err := Parse([]byte(Sample))
	if err != nil {
		t.Fatalf("sample config invalid: %v", err)
	}
	if len(cfg.Chains) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(cfg.Chains))
	}
}
