package config

import (
	"strings"
	"testing"
	"time"
)

// setRequiredEnv sets the minimum environment for LoadEnvConfig to succeed.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("SITEFLOW_ADMIN_TOKEN", "")
	t.Setenv("SITEFLOW_SSH_HOST", "203.0.113.10")
	t.Setenv("SITEFLOW_SSH_KEY_PATH", "/etc/siteflow/id_ed25519")
	t.Setenv("SITEFLOW_BASE_DOMAIN", "example.com")
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}

	if cfg.APIPort != 8600 {
		t.Errorf("APIPort = %d, want 8600", cfg.APIPort)
	}
	if cfg.SSHPoolSize != 4 {
		t.Errorf("SSHPoolSize = %d, want 4", cfg.SSHPoolSize)
	}
	if cfg.StateCacheTTL != 20*time.Second {
		t.Errorf("StateCacheTTL = %v, want 20s", cfg.StateCacheTTL)
	}
	if cfg.BackupDBThreshold != 26*time.Hour {
		t.Errorf("BackupDBThreshold = %v, want 26h", cfg.BackupDBThreshold)
	}
	if cfg.WSQueueCapacity != 32 {
		t.Errorf("WSQueueCapacity = %d, want 32", cfg.WSQueueCapacity)
	}
	if got := cfg.DiscoveryDeny; len(got) != 2 || got[0] != "gateway" || got[1] != "dashboard" {
		t.Errorf("DiscoveryDeny = %v", got)
	}
}

func TestLoadEnvConfigMissingRequired(t *testing.T) {
	t.Setenv("SITEFLOW_SSH_HOST", "")
	t.Setenv("SITEFLOW_BASE_DOMAIN", "")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing required settings")
	}
	for _, want := range []string{"SITEFLOW_ADMIN_TOKEN", "SITEFLOW_SSH_HOST", "SITEFLOW_BASE_DOMAIN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestLoadEnvConfigAccumulatesErrors(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SITEFLOW_PORT", "not-a-port")
	t.Setenv("SITEFLOW_STATE_CACHE_TTL", "-5s")
	t.Setenv("SITEFLOW_RETENTION_SCHEDULE", "every day at noon")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"SITEFLOW_PORT", "SITEFLOW_STATE_CACHE_TTL", "SITEFLOW_RETENTION_SCHEDULE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestLoadEnvConfigCaddyPathFollowsGatewayRoot(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SITEFLOW_GATEWAY_ROOT", "/srv/gw")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.CaddyConfigPath != "/srv/gw/Caddyfile" {
		t.Errorf("CaddyConfigPath = %q, want /srv/gw/Caddyfile", cfg.CaddyConfigPath)
	}

	// An explicit path wins over the derived default.
	t.Setenv("SITEFLOW_CADDY_CONFIG_PATH", "/etc/caddy/Caddyfile")
	cfg, err = LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.CaddyConfigPath != "/etc/caddy/Caddyfile" {
		t.Errorf("CaddyConfigPath = %q, want explicit override", cfg.CaddyConfigPath)
	}

	t.Setenv("SITEFLOW_GATEWAY_ROOT", "relative/gw")
	if _, err := LoadEnvConfig(); err == nil || !strings.Contains(err.Error(), "SITEFLOW_GATEWAY_ROOT") {
		t.Errorf("relative gateway root accepted: %v", err)
	}
}

func TestLoadEnvConfigCustomThresholds(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SITEFLOW_BACKUP_DB_THRESHOLD", "12h")
	t.Setenv("SITEFLOW_DISCOVERY_DENY", "gateway, internal-tools ,")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.BackupDBThreshold != 12*time.Hour {
		t.Errorf("BackupDBThreshold = %v, want 12h", cfg.BackupDBThreshold)
	}
	if got := cfg.DiscoveryDeny; len(got) != 2 || got[1] != "internal-tools" {
		t.Errorf("DiscoveryDeny = %v", got)
	}
}
