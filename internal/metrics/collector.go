// Package metrics collects per-container resource usage from the remote
// docker daemon and memoizes it briefly so graph builds do not hammer the
// host.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/remote"
)

const cacheKey = "docker-stats"

// Collector runs `docker stats` on the remote host with a TTL-bounded cache.
type Collector struct {
	runner remote.Runner
	cache  otter.Cache[string, map[string]model.NodeMetrics]
}

// NewCollector creates a collector whose snapshots live for ttl.
func NewCollector(runner remote.Runner, ttl time.Duration) *Collector {
	cache, err := otter.MustBuilder[string, map[string]model.NodeMetrics](16).
		WithTTL(ttl).
		Build()
	if err != nil {
		panic("metrics: failed to create stats cache: " + err.Error())
	}
	return &Collector{runner: runner, cache: cache}
}

// statsLine is one line of `docker stats --no-stream --format json` output.
type statsLine struct {
	Name     string `json:"Name"`
	CPUPerc  string `json:"CPUPerc"`
	MemPerc  string `json:"MemPerc"`
	MemUsage string `json:"MemUsage"`
}

// Collect returns usage keyed by container name. Failures degrade to an
// empty map; metrics are an overlay and never fail a graph build.
func (c *Collector) Collect(ctx context.Context) map[string]model.NodeMetrics {
	if cached, ok := c.cache.Get(cacheKey); ok {
		return cached
	}

	res, err := c.runner.Run(ctx, "docker stats --no-stream --format json")
	if err != nil || res.ExitCode != 0 {
		log.Printf("[metrics] docker stats failed: err=%v exit=%d", err, res.ExitCode)
		return map[string]model.NodeMetrics{}
	}

	out := map[string]model.NodeMetrics{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var sl statsLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			continue
		}
		m, err := sl.toMetrics()
		if err != nil {
			log.Printf("[metrics] skip stats line for %s: %v", sl.Name, err)
			continue
		}
		out[sl.Name] = m
	}

	c.cache.Set(cacheKey, out)
	return out
}

// Invalidate drops the cached snapshot so the next Collect re-polls.
func (c *Collector) Invalidate() {
	c.cache.Delete(cacheKey)
}

func (s statsLine) toMetrics() (model.NodeMetrics, error) {
	cpu, err := parsePercent(s.CPUPerc)
	if err != nil {
		return model.NodeMetrics{}, fmt.Errorf("cpu: %w", err)
	}
	memPct, err := parsePercent(s.MemPerc)
	if err != nil {
		return model.NodeMetrics{}, fmt.Errorf("mem%%: %w", err)
	}
	usage, limit, err := parseMemUsage(s.MemUsage)
	if err != nil {
		return model.NodeMetrics{}, fmt.Errorf("mem: %w", err)
	}
	return model.NodeMetrics{
		CPUPercent:    cpu,
		MemoryPercent: memPct,
		MemoryUsageMB: usage,
		MemoryLimitMB: limit,
	}, nil
}

func parsePercent(s string) (float64, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	if s == "" || s == "--" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

// parseMemUsage parses the "10.5MiB / 1.944GiB" form into megabytes.
func parseMemUsage(s string) (usageMB, limitMB float64, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("unexpected mem usage %q", s)
	}
	usageMB, err = parseSizeMB(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	limitMB, err = parseSizeMB(strings.TrimSpace(parts[1]))
	return usageMB, limitMB, err
}

var sizeUnits = []struct {
	suffix string
	mb     float64
}{
	{"TiB", 1024 * 1024}, {"GiB", 1024}, {"MiB", 1}, {"KiB", 1.0 / 1024},
	{"TB", 1e6}, {"GB", 1000}, {"MB", 1}, {"kB", 1.0 / 1000},
	{"B", 1.0 / (1000 * 1000)},
}

func parseSizeMB(s string) (float64, error) {
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, u.suffix)), 64)
			if err != nil {
				return 0, fmt.Errorf("size %q: %w", s, err)
			}
			return v * u.mb, nil
		}
	}
	return 0, fmt.Errorf("size %q: unknown unit", s)
}
