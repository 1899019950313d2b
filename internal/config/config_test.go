package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
supportedArchitectures: [arm64, amd64]
tolerations:
  key: kubernetes.io/arch
  operator: Equal
  effect: NoSchedule
registryCredentialPath: /secrets/registries
failurePolicy: closed
includeInitContainers: false
excludeNamespaces: ["kube-*"]
registryTimeout: 5s
cache:
  ttl: 1h
  failureTTL: 30s
imageRewrites:
  - from: mirror.internal/
    to: docker.io/
  - from: ^cluster\.local/(.*)$
    to: ghcr.io/acme/$1
    regex: true
ecr:
  enabled: true
  region: eu-central-1
logLevel: debug
`)

	cfg, ok, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected ok=true when file exists")
	}
	if len(cfg.SupportedArchitectures) != 2 || cfg.SupportedArchitectures[0] != "arm64" {
		t.Fatalf("unexpected architectures %v", cfg.SupportedArchitectures)
	}
	if cfg.Tolerations["key"] != "kubernetes.io/arch" || cfg.Tolerations["effect"] != "NoSchedule" {
		t.Fatalf("unexpected tolerations %v", cfg.Tolerations)
	}
	if cfg.IncludeInitContainers == nil || *cfg.IncludeInitContainers {
		t.Fatalf("expected includeInitContainers=false, got %v", cfg.IncludeInitContainers)
	}
	if cfg.RegistryTimeout == nil || cfg.RegistryTimeout.Duration != 5*time.Second {
		t.Fatalf("unexpected registry timeout %v", cfg.RegistryTimeout)
	}
	if cfg.Cache.TTL == nil || cfg.Cache.TTL.Duration != time.Hour {
		t.Fatalf("unexpected cache ttl %v", cfg.Cache.TTL)
	}
	if cfg.Cache.FailureTTL == nil || cfg.Cache.FailureTTL.Duration != 30*time.Second {
		t.Fatalf("unexpected failure ttl %v", cfg.Cache.FailureTTL)
	}
	if len(cfg.ImageRewrites) != 2 || !cfg.ImageRewrites[1].Regex {
		t.Fatalf("unexpected rewrites %+v", cfg.ImageRewrites)
	}
	if cfg.ECR.Enabled == nil || !*cfg.ECR.Enabled || cfg.ECR.Region != "eu-central-1" {
		t.Fatalf("unexpected ecr config %+v", cfg.ECR)
	}
	if cfg.FailurePolicy != "closed" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected policy/log level %q/%q", cfg.FailurePolicy, cfg.LogLevel)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "supportedArchitecture: [arm64]\n")
	if _, _, err := Load(path); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeConfig(t, "registryTimeout: soon\n")
	if _, _, err := Load(path); err == nil {
		t.Fatalf("expected invalid duration to be rejected")
	}
}

func TestLoadNoFile(t *testing.T) {
	cfg, ok, err := Load("/non/existent/path.yaml")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false when file missing")
	}
	if cfg.IncludeInitContainers != nil || cfg.SupportedArchitectures != nil {
		t.Fatalf("expected zero config for missing file, got %+v", cfg)
	}
}
