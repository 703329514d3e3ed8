package config

import (
	"strings"
	"testing"
)

func TestGenerateDefaultIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("demo")))
	if err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Project.ID != "demo" {
		t.Fatalf("project id = %s", cfg.Project.ID)
	}
	if cfg.Governance.Namespace != "governed" {
		t.Fatalf("namespace = %s", cfg.Governance.Namespace)
	}
	tier, ok := cfg.SLA.Tiers["p1"]
	if !ok || tier.MaxStatusSeconds != 14400 || tier.CriticalMultiplier != 2 {
		t.Fatalf("p1 tier wrong: %+v", tier)
	}
	if cfg.Scheduler.LeaseTTLSeconds != 3600 {
		t.Fatalf("lease ttl = %d", cfg.Scheduler.LeaseTTLSeconds)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	yaml := strings.Replace(GenerateDefault("demo"), "namespace: governed", "namespace: \"\"", 1)
	if _, err := FromYAML([]byte(yaml)); err == nil {
		t.Fatal("empty namespace should not validate")
	}
	if _, err := FromYAML([]byte("project:\n  id: \"\"\n")); err == nil {
		t.Fatal("missing project id should not validate")
	}
	if _, err := FromYAML([]byte("{{not yaml")); err == nil {
		t.Fatal("garbage yaml should not parse")
	}
}

func TestTierValidation(t *testing.T) {
	yaml := strings.Replace(GenerateDefault("demo"), "critical_multiplier: 2", "critical_multiplier: 0.5", 1)
	if _, err := FromYAML([]byte(yaml)); err == nil {
		t.Fatal("sub-1 critical multiplier should not validate")
	}
}
