// Package monitor polls the remote host and publishes change events.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/siteflow/siteflow/internal/hub"
	"github.com/siteflow/siteflow/internal/model"
	"github.com/siteflow/siteflow/internal/scanloop"
	"github.com/siteflow/siteflow/internal/state"
)

// Publisher receives change events. Satisfied by *hub.Hub.
type Publisher interface {
	Publish(topic string, data any)
}

// GraphFunc assembles the topology graph for a snapshot.
type GraphFunc func(ctx context.Context, snap state.Snapshot) (model.Graph, error)

// Config tunes the poll cadence.
type Config struct {
	PollInterval time.Duration
	PollJitter   time.Duration
	// PollTimeout bounds a single poll cycle.
	PollTimeout time.Duration
}

// Monitor drives the discovery cycle: force-refresh the state cache, build
// the graph, and publish an event per topic whose fingerprint changed.
type Monitor struct {
	cache *state.Cache
	graph GraphFunc
	pub   Publisher
	cfg   Config

	mu        sync.Mutex
	sitesFP   Fingerprint
	graphFP   Fingerprint
	lastError string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a monitor. Run must be called to start polling.
func New(cache *state.Cache, graph GraphFunc, pub Publisher, cfg Config) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = scanloop.DefaultMinInterval
	}
	if cfg.PollJitter < 0 {
		cfg.PollJitter = scanloop.DefaultJitterRange
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Minute
	}
	return &Monitor{
		cache:  cache,
		graph:  graph,
		pub:    pub,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run polls until Stop is called. Blocks; run it on its own goroutine.
func (m *Monitor) Run() {
	defer close(m.doneCh)
	m.Poll()
	scanloop.Run(m.stopCh, m.cfg.PollInterval, m.cfg.PollJitter, m.Poll)
}

// Stop halts polling and waits for the in-flight cycle to finish.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Poll runs one cycle. A failed cycle keeps the previous fingerprints so
// the next successful cycle diffs against real state, not an error blip.
func (m *Monitor) Poll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollTimeout)
	defer cancel()

	snap, err := m.cache.Get(ctx, true)
	if err != nil {
		m.recordError(err)
		return
	}

	m.publishSites(snap)
	m.publishGraph(ctx, snap)

	m.mu.Lock()
	m.lastError = ""
	m.mu.Unlock()
}

// LastError returns the most recent poll failure, empty after a clean cycle.
func (m *Monitor) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func (m *Monitor) recordError(err error) {
	log.Printf("[monitor] poll: %v", err)
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

func (m *Monitor) publishSites(snap state.Snapshot) {
	fp, err := fingerprintOf(snap.Sites)
	if err != nil {
		m.recordError(err)
		return
	}

	m.mu.Lock()
	changed := fp != m.sitesFP
	if changed {
		m.sitesFP = fp
	}
	m.mu.Unlock()

	if changed {
		m.pub.Publish(hub.TopicSites, snap.Sites)
	}
}

func (m *Monitor) publishGraph(ctx context.Context, snap state.Snapshot) {
	graph, err := m.graph(ctx, snap)
	if err != nil {
		m.recordError(err)
		return
	}
	fp, err := fingerprintOf(graph)
	if err != nil {
		m.recordError(err)
		return
	}

	m.mu.Lock()
	changed := fp != m.graphFP
	if changed {
		m.graphFP = fp
	}
	m.mu.Unlock()

	if changed {
		m.pub.Publish(hub.TopicGraph, graph)
	}
}
