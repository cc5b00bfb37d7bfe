// Package model defines domain structs shared across the discovery,
// topology, and persistence layers.
package model

import (
	"strings"
	"time"
)

// SiteStatus is the derived operational status of a site.
type SiteStatus string

const (
	SiteRunning  SiteStatus = "running"
	SiteStopped  SiteStatus = "stopped"
	SiteDegraded SiteStatus = "degraded"
	SiteUnknown  SiteStatus = "unknown"
)

// Service is a service declared in a site's compose file.
type Service struct {
	Name          string            `json:"name"`
	ContainerName string            `json:"container_name,omitempty"`
	Image         string            `json:"image,omitempty"`
	Ports         []string          `json:"ports,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
}

// Container is a live container correlated to a site.
type Container struct {
	Name       string `json:"name"`
	StatusText string `json:"status"`
	State      string `json:"state,omitempty"`
	Image      string `json:"image,omitempty"`
	Ports      string `json:"ports,omitempty"`
}

// Up reports whether the container's status line indicates a running container.
func (c Container) Up() bool {
	return strings.HasPrefix(c.StatusText, "Up")
}

// Site is one discovered site on the remote host.
type Site struct {
	Name        string            `json:"name"`
	Path        string            `json:"path"`
	ComposeFile string            `json:"compose_file"`
	Services    []Service         `json:"services"`
	Containers  []Container       `json:"containers"`
	Domains     []string          `json:"domains"`
	Targets     []string          `json:"targets"`
	Status      SiteStatus        `json:"status"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// DeriveStatus computes a site's status from its live containers:
// no containers means unknown, any "Up" means running, all "Exited"
// means stopped, anything else is degraded.
func DeriveStatus(containers []Container) SiteStatus {
	if len(containers) == 0 {
		return SiteUnknown
	}
	up := 0
	exited := 0
	for _, c := range containers {
		switch {
		case c.Up():
			up++
		case strings.HasPrefix(c.StatusText, "Exited"):
			exited++
		}
	}
	switch {
	case up > 0:
		return SiteRunning
	case exited == len(containers):
		return SiteStopped
	default:
		return SiteDegraded
	}
}

// Route maps a public domain to a reverse-proxy target.
type Route struct {
	Domain    string `json:"domain"`
	Target    string `json:"target"`
	Container string `json:"container,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// NodeType classifies a graph node.
type NodeType string

const (
	NodeTunnel    NodeType = "tunnel"
	NodeDomain    NodeType = "domain"
	NodeGateway   NodeType = "gateway"
	NodeContainer NodeType = "container"
	NodeSite      NodeType = "site"
	NodeNAS       NodeType = "nas"
)

// NodeMetrics is the resource overlay attached to container nodes.
type NodeMetrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsageMB float64 `json:"memory_usage_mb"`
	MemoryLimitMB float64 `json:"memory_limit_mb"`
}

// GraphNode is one node in the topology projection.
type GraphNode struct {
	ID      string            `json:"id"`
	Label   string            `json:"label"`
	Type    NodeType          `json:"type"`
	Status  string            `json:"status"`
	Meta    map[string]string `json:"meta,omitempty"`
	Metrics *NodeMetrics      `json:"metrics,omitempty"`
	Backup  *SiteBackupStatus `json:"backup,omitempty"`
}

// GraphEdge is one edge in the topology projection.
type GraphEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Graph is the full topology projection.
type Graph struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// BackupJobType identifies which backup job produced a run.
type BackupJobType string

const (
	JobDB       BackupJobType = "db"
	JobUploads  BackupJobType = "uploads"
	JobVerify   BackupJobType = "verify"
	JobSnapshot BackupJobType = "snapshot"
	JobSite     BackupJobType = "site"
	JobSystem   BackupJobType = "system"
)

// ValidJobType reports whether t is a known backup job type.
func ValidJobType(t BackupJobType) bool {
	switch t {
	case JobDB, JobUploads, JobVerify, JobSnapshot, JobSite, JobSystem:
		return true
	}
	return false
}

// RunStatus is the outcome of a backup run.
type RunStatus string

const (
	RunOK   RunStatus = "ok"
	RunWarn RunStatus = "warn"
	RunFail RunStatus = "fail"
)

// ValidRunStatus reports whether s is a known run status.
func ValidRunStatus(s RunStatus) bool {
	return s == RunOK || s == RunWarn || s == RunFail
}

// BackupRun is one recorded execution of an external backup job.
type BackupRun struct {
	ID           int64         `json:"id"`
	Site         string        `json:"site"`
	JobType      BackupJobType `json:"job_type"`
	Status       RunStatus     `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
	BytesWritten *int64        `json:"bytes_written,omitempty"`
	BackupID     string        `json:"backup_id,omitempty"`
	Repo         string        `json:"repo,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// JobFreshness is the per-job view inside a site backup status.
type JobFreshness struct {
	Status     RunStatus  `json:"status"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	AgeSeconds *int64     `json:"age_seconds,omitempty"`
	Stale      bool       `json:"stale"`
}

// SiteBackupStatus aggregates the latest run per job type for one site.
// RPO is tracked separately for the two data-bearing jobs; a whole-site
// run counts toward both.
type SiteBackupStatus struct {
	Site              string                         `json:"site"`
	OverallStatus     RunStatus                      `json:"overall_status"`
	RPOSecondsDB      *int64                         `json:"rpo_seconds_db,omitempty"`
	RPOSecondsUploads *int64                         `json:"rpo_seconds_uploads,omitempty"`
	Jobs              map[BackupJobType]JobFreshness `json:"jobs"`
}

// AuditStatus is the lifecycle status of an audit entry.
type AuditStatus string

const (
	AuditPending AuditStatus = "pending"
	AuditSuccess AuditStatus = "success"
	AuditFailure AuditStatus = "failure"
)

// AuditEntry is one append-only record of an executed action.
type AuditEntry struct {
	ID           int64             `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	ActionType   string            `json:"action_type"`
	TargetType   string            `json:"target_type"`
	TargetName   string            `json:"target_name"`
	Status       AuditStatus       `json:"status"`
	Output       string            `json:"output,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DurationMS   *int64            `json:"duration_ms,omitempty"`
}

// MonitorState is the projected status of one uptime monitor.
type MonitorState struct {
	Up         bool    `json:"up"`
	Ping       *int    `json:"ping,omitempty"`
	Uptime     float64 `json:"uptime"`
	Heartbeats []int   `json:"heartbeats"`
}
