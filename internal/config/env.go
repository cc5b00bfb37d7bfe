// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Network
	ListenAddress   string
	APIPort         int
	APIMaxBodyBytes int

	// Remote host
	SSHHost           string
	SSHPort           int
	SSHUser           string
	SSHKeyPath        string
	SSHPassword       string
	SSHPoolSize       int
	SSHConnectTimeout time.Duration
	SSHIdleTimeout    time.Duration

	// Remote layout
	SitesRoot       string
	GatewayRoot     string
	CaddyConfigPath string
	CaddyContainer  string
	DiscoveryDeny   []string

	// Public naming
	BaseDomain string

	// Cloudflare
	CloudflareAPIToken  string
	CloudflareAccountID string
	CloudflareTunnelID  string

	// Uptime monitor
	UptimeKumaURL      string
	UptimeKumaUser     string
	UptimeKumaPassword string
	HeartbeatWindow    int

	// Persistence
	DBPath             string
	AuditRetentionDays int
	AuditMaxOutputLen  int
	RetentionSchedule  string

	// State / monitor
	StateCacheTTL       time.Duration
	MonitorPollInterval time.Duration
	MonitorPollJitter   time.Duration
	MetricsCacheTTL     time.Duration

	// WebSocket hub
	WSQueueCapacity int
	WSIdleTimeout   time.Duration

	// Backup freshness thresholds
	BackupDBThreshold       time.Duration
	BackupUploadsThreshold  time.Duration
	BackupVerifyThreshold   time.Duration
	BackupSnapshotThreshold time.Duration
	BackupRepoPath          string

	// Auth
	AdminToken string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("SITEFLOW_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.APIPort = envInt("SITEFLOW_PORT", 8600, &errs)
	cfg.APIMaxBodyBytes = envInt("SITEFLOW_API_MAX_BODY_BYTES", 256<<20, &errs)

	// --- Remote host ---
	cfg.SSHHost = strings.TrimSpace(envStr("SITEFLOW_SSH_HOST", ""))
	cfg.SSHPort = envInt("SITEFLOW_SSH_PORT", 22, &errs)
	cfg.SSHUser = envStr("SITEFLOW_SSH_USER", "root")
	cfg.SSHKeyPath = envStr("SITEFLOW_SSH_KEY_PATH", "")
	cfg.SSHPassword = envStr("SITEFLOW_SSH_PASSWORD", "")
	cfg.SSHPoolSize = envInt("SITEFLOW_SSH_POOL_SIZE", 4, &errs)
	cfg.SSHConnectTimeout = envDuration("SITEFLOW_SSH_CONNECT_TIMEOUT", 10*time.Second, &errs)
	cfg.SSHIdleTimeout = envDuration("SITEFLOW_SSH_IDLE_TIMEOUT", 5*time.Minute, &errs)

	// --- Remote layout ---
	cfg.SitesRoot = envStr("SITEFLOW_SITES_ROOT", "/opt/sites")
	cfg.GatewayRoot = envStr("SITEFLOW_GATEWAY_ROOT", "/opt/gateway")
	cfg.CaddyConfigPath = envStr("SITEFLOW_CADDY_CONFIG_PATH", cfg.GatewayRoot+"/Caddyfile")
	cfg.CaddyContainer = envStr("SITEFLOW_CADDY_CONTAINER", "caddy")
	cfg.DiscoveryDeny = envCSV("SITEFLOW_DISCOVERY_DENY", []string{"gateway", "dashboard"})

	// --- Public naming ---
	cfg.BaseDomain = strings.TrimSpace(envStr("SITEFLOW_BASE_DOMAIN", ""))

	// --- Cloudflare ---
	cfg.CloudflareAPIToken = envStr("SITEFLOW_CF_API_TOKEN", "")
	cfg.CloudflareAccountID = envStr("SITEFLOW_CF_ACCOUNT_ID", "")
	cfg.CloudflareTunnelID = envStr("SITEFLOW_CF_TUNNEL_ID", "")

	// --- Uptime monitor ---
	cfg.UptimeKumaURL = envStr("SITEFLOW_KUMA_URL", "")
	cfg.UptimeKumaUser = envStr("SITEFLOW_KUMA_USER", "")
	cfg.UptimeKumaPassword = envStr("SITEFLOW_KUMA_PASSWORD", "")
	cfg.HeartbeatWindow = envInt("SITEFLOW_HEARTBEAT_WINDOW", 30, &errs)

	// --- Persistence ---
	cfg.DBPath = envStr("SITEFLOW_DB_PATH", "/var/lib/siteflow/siteflow.db")
	cfg.AuditRetentionDays = envInt("SITEFLOW_AUDIT_RETENTION_DAYS", 90, &errs)
	cfg.AuditMaxOutputLen = envInt("SITEFLOW_AUDIT_MAX_OUTPUT_LEN", 10000, &errs)
	cfg.RetentionSchedule = envStr("SITEFLOW_RETENTION_SCHEDULE", "30 4 * * *")

	// --- State / monitor ---
	cfg.StateCacheTTL = envDuration("SITEFLOW_STATE_CACHE_TTL", 20*time.Second, &errs)
	cfg.MonitorPollInterval = envDuration("SITEFLOW_MONITOR_POLL_INTERVAL", 10*time.Second, &errs)
	cfg.MonitorPollJitter = envDuration("SITEFLOW_MONITOR_POLL_JITTER", 2*time.Second, &errs)
	cfg.MetricsCacheTTL = envDuration("SITEFLOW_METRICS_CACHE_TTL", 15*time.Second, &errs)

	// --- WebSocket hub ---
	cfg.WSQueueCapacity = envInt("SITEFLOW_WS_QUEUE_CAPACITY", 32, &errs)
	cfg.WSIdleTimeout = envDuration("SITEFLOW_WS_IDLE_TIMEOUT", 90*time.Second, &errs)

	// --- Backup thresholds ---
	cfg.BackupDBThreshold = envDuration("SITEFLOW_BACKUP_DB_THRESHOLD", 26*time.Hour, &errs)
	cfg.BackupUploadsThreshold = envDuration("SITEFLOW_BACKUP_UPLOADS_THRESHOLD", 30*time.Hour, &errs)
	cfg.BackupVerifyThreshold = envDuration("SITEFLOW_BACKUP_VERIFY_THRESHOLD", 7*24*time.Hour, &errs)
	cfg.BackupSnapshotThreshold = envDuration("SITEFLOW_BACKUP_SNAPSHOT_THRESHOLD", 8*24*time.Hour, &errs)
	cfg.BackupRepoPath = envStr("SITEFLOW_BACKUP_REPO_PATH", "/mnt/nas/restic")

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("SITEFLOW_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "SITEFLOW_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "SITEFLOW_LISTEN_ADDRESS must not be empty")
	}
	if cfg.SSHHost == "" {
		errs = append(errs, "SITEFLOW_SSH_HOST must not be empty")
	}
	if cfg.SSHKeyPath == "" && cfg.SSHPassword == "" {
		errs = append(errs, "one of SITEFLOW_SSH_KEY_PATH or SITEFLOW_SSH_PASSWORD must be set")
	}
	if cfg.BaseDomain == "" {
		errs = append(errs, "SITEFLOW_BASE_DOMAIN must not be empty")
	}
	if !strings.HasPrefix(cfg.SitesRoot, "/") {
		errs = append(errs, fmt.Sprintf("SITEFLOW_SITES_ROOT must be absolute, got %q", cfg.SitesRoot))
	}
	if !strings.HasPrefix(cfg.GatewayRoot, "/") {
		errs = append(errs, fmt.Sprintf("SITEFLOW_GATEWAY_ROOT must be absolute, got %q", cfg.GatewayRoot))
	}
	if !strings.HasPrefix(cfg.CaddyConfigPath, "/") {
		errs = append(errs, fmt.Sprintf("SITEFLOW_CADDY_CONFIG_PATH must be absolute, got %q", cfg.CaddyConfigPath))
	}

	validatePort("SITEFLOW_PORT", cfg.APIPort, &errs)
	validatePort("SITEFLOW_SSH_PORT", cfg.SSHPort, &errs)
	validatePositive("SITEFLOW_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("SITEFLOW_SSH_POOL_SIZE", cfg.SSHPoolSize, &errs)
	validatePositive("SITEFLOW_HEARTBEAT_WINDOW", cfg.HeartbeatWindow, &errs)
	validatePositive("SITEFLOW_AUDIT_RETENTION_DAYS", cfg.AuditRetentionDays, &errs)
	validatePositive("SITEFLOW_AUDIT_MAX_OUTPUT_LEN", cfg.AuditMaxOutputLen, &errs)
	validatePositive("SITEFLOW_WS_QUEUE_CAPACITY", cfg.WSQueueCapacity, &errs)

	validatePositiveDuration("SITEFLOW_SSH_CONNECT_TIMEOUT", cfg.SSHConnectTimeout, &errs)
	validatePositiveDuration("SITEFLOW_SSH_IDLE_TIMEOUT", cfg.SSHIdleTimeout, &errs)
	validatePositiveDuration("SITEFLOW_STATE_CACHE_TTL", cfg.StateCacheTTL, &errs)
	validatePositiveDuration("SITEFLOW_MONITOR_POLL_INTERVAL", cfg.MonitorPollInterval, &errs)
	validatePositiveDuration("SITEFLOW_METRICS_CACHE_TTL", cfg.MetricsCacheTTL, &errs)
	validatePositiveDuration("SITEFLOW_WS_IDLE_TIMEOUT", cfg.WSIdleTimeout, &errs)
	validatePositiveDuration("SITEFLOW_BACKUP_DB_THRESHOLD", cfg.BackupDBThreshold, &errs)
	validatePositiveDuration("SITEFLOW_BACKUP_UPLOADS_THRESHOLD", cfg.BackupUploadsThreshold, &errs)
	validatePositiveDuration("SITEFLOW_BACKUP_VERIFY_THRESHOLD", cfg.BackupVerifyThreshold, &errs)
	validatePositiveDuration("SITEFLOW_BACKUP_SNAPSHOT_THRESHOLD", cfg.BackupSnapshotThreshold, &errs)
	if cfg.MonitorPollJitter < 0 {
		errs = append(errs, "SITEFLOW_MONITOR_POLL_JITTER must not be negative")
	}

	if _, err := cron.ParseStandard(cfg.RetentionSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SITEFLOW_RETENTION_SCHEDULE: invalid cron expression %q: %v", cfg.RetentionSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envCSV(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if out == nil {
		return []string{}
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %v", name, value))
	}
}
