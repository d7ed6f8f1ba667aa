package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lattice.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
gateway:
  port: 9100
  tickIntervalMs: 15000
  auth:
    mode: token
    token: secret
model_routing:
  tier_1_reasoning:
    model: claude-opus-4-20250514
    max_tokens: 16384
    temperature: 0.2
    fallback:
      - claude-sonnet-4-20250514
  tier_2_action:
    model: claude-sonnet-4-20250514
    max_tokens: 4096
    fallback:
      - gpt-4o
  complexity_classifier:
    enabled: true
    model: claude-3-5-haiku-20241022
  complexity_threshold: 3
safety_gate:
  enabled: true
  confirmation_required:
    file_write: true
heartbeat:
  interval_minutes: 15
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Port != 9100 || cfg.Gateway.Auth.Token != "secret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Gateway.TickIntervalMs != 15000 {
		t.Errorf("tickIntervalMs = %d", cfg.Gateway.TickIntervalMs)
	}
	reasoning := cfg.Routing.Tier1Reasoning
	if reasoning.Model != "claude-opus-4-20250514" || reasoning.MaxTokens != 16384 || reasoning.Temperature != 0.2 {
		t.Errorf("tier_1_reasoning = %+v", reasoning)
	}
	if len(reasoning.Fallback) != 1 || reasoning.Fallback[0] != "claude-sonnet-4-20250514" {
		t.Errorf("tier_1_reasoning fallback = %v", reasoning.Fallback)
	}
	action := cfg.Routing.Tier2Action
	if action.Model != "claude-sonnet-4-20250514" || action.MaxTokens != 4096 {
		t.Errorf("tier_2_action = %+v", action)
	}
	if len(action.Fallback) != 1 || action.Fallback[0] != "gpt-4o" {
		t.Errorf("tier_2_action fallback = %v", action.Fallback)
	}
	if !cfg.Routing.Classifier.Enabled || cfg.Routing.Classifier.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("complexity_classifier = %+v", cfg.Routing.Classifier)
	}
	if cfg.Routing.ComplexityThreshold != 3 {
		t.Errorf("complexity_threshold = %d", cfg.Routing.ComplexityThreshold)
	}
	if !cfg.Safety.Enabled || !cfg.Safety.ConfirmationRequired["file_write"] {
		t.Errorf("safety = %+v", cfg.Safety)
	}
	if cfg.Heartbeat.IntervalMinutes != 15 {
		t.Errorf("heartbeat = %+v", cfg.Heartbeat)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Bind != "127.0.0.1" || cfg.Gateway.Port != 8787 {
		t.Errorf("gateway defaults = %+v", cfg.Gateway)
	}
	if cfg.Gateway.Auth.Mode != "token" {
		t.Errorf("auth mode default = %q", cfg.Gateway.Auth.Mode)
	}
	if cfg.Routing.MaxIterations != 10 || cfg.Routing.ComplexityThreshold != 4 {
		t.Errorf("routing defaults = %+v", cfg.Routing)
	}
	if cfg.Routing.Tier2Action.Model == "" || cfg.Routing.Tier2Action.MaxTokens != 4096 {
		t.Errorf("action tier defaults = %+v", cfg.Routing.Tier2Action)
	}
	if cfg.Routing.Tier1Reasoning.Model != cfg.Routing.Tier2Action.Model {
		t.Errorf("reasoning tier should default to the action tier: %+v", cfg.Routing)
	}
	if cfg.Agent.HistoryLimit != 20 {
		t.Errorf("agent defaults = %+v", cfg.Agent)
	}
	if cfg.Approvals.Shell != "/bin/sh" {
		t.Errorf("approvals defaults = %+v", cfg.Approvals)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("LATTICE_TEST_TOKEN", "from-env")
	cfg, err := Load(writeConfig(t, "gateway:\n  auth:\n    token: ${LATTICE_TEST_TOKEN}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Auth.Token != "from-env" {
		t.Errorf("auth token = %q", cfg.Gateway.Auth.Token)
	}
}

func TestLoadPasswordMode(t *testing.T) {
	cfg, err := Load(writeConfig(t, "gateway:\n  auth:\n    mode: password\n    token: hunter2\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Gateway.Auth.Mode != "password" || cfg.Gateway.Auth.Token != "hunter2" {
		t.Errorf("auth = %+v", cfg.Gateway.Auth)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"model_routing", "tier_1_reasoning", "tier_2_action", "complexity_classifier", "tickIntervalMs"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("schema missing %s", key)
		}
	}
}

func TestTickInterval(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.TickInterval().Seconds() != 30 {
		t.Errorf("tick interval = %s", cfg.Gateway.TickInterval())
	}
}
