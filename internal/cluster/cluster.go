// Package cluster maintains this node's registration in the shared store,
// watches peer heartbeats, and announces departures so presence failover can
// release the sessions a dead node never closed.
package cluster

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/voxhall/voxhall/internal/bus"
	"github.com/voxhall/voxhall/internal/metrics"
	"github.com/voxhall/voxhall/internal/store"
)

const (
	keyPrefix = "cluster.node."

	// HeartbeatInterval refreshes the registration; RegistrationTTL lets the
	// store expire nodes that die without deregistering.
	HeartbeatInterval = 15 * time.Second
	RegistrationTTL   = 60 * time.Second
	ScanInterval      = 30 * time.Second

	// UnhealthyAfter excludes a node from routing; RemoveAfter declares it
	// dead and triggers failover.
	UnhealthyAfter = 60 * time.Second
	RemoveAfter    = 120 * time.Second
)

// NodeInfo is one node's registration record.
type NodeInfo struct {
	NodeID          string    `json:"node_id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Version         string    `json:"version"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	SessionCount    int       `json:"session_count"`
	LoadScore       float64   `json:"load_score"`
}

// Config holds manager construction parameters.
type Config struct {
	NodeID  string
	Host    string
	Port    int
	Version string
	Store   store.Store
	Bus     *bus.Bus
	// SessionCount samples the live session count for heartbeats.
	SessionCount func() int
	// OnNodeLeft runs when a peer is declared dead; the supervisor wires it
	// to presence failover.
	OnNodeLeft func(ctx context.Context, nodeID string)
	Logger     zerolog.Logger
}

// Manager owns this node's cluster membership.
type Manager struct {
	cfg       Config
	logger    zerolog.Logger
	startedAt time.Time

	mu    sync.Mutex
	peers map[string]*NodeInfo // healthy view from the last scan

	heartbeatEvery time.Duration
	scanEvery      time.Duration
	now            func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the manager; call Run to register and start the loops.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:            cfg,
		logger:         cfg.Logger.With().Str("component", "cluster").Logger(),
		peers:          make(map[string]*NodeInfo),
		heartbeatEvery: HeartbeatInterval,
		scanEvery:      ScanInterval,
		now:            time.Now,
	}
}

// Run registers the node and starts the heartbeat and health-scan loops.
func (m *Manager) Run(ctx context.Context) error {
	m.startedAt = m.now()
	if err := m.Register(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx)
	return nil
}

// Register writes this node's record. Idempotent; the heartbeat refreshes it.
func (m *Manager) Register(ctx context.Context) error {
	return m.writeSelf(ctx)
}

// AnnounceLeaving tells peers this is a graceful exit, so nobody runs
// failover for sessions we are draining ourselves. Called before the drain
// starts; Deregister follows once it finishes.
func (m *Manager) AnnounceLeaving() {
	m.cfg.Bus.Publish("cluster.node.leaving", "cluster.node.leaving", map[string]string{
		"node_id": m.cfg.NodeID,
	}, bus.PublishOptions{Priority: bus.PriorityHigh, Broadcast: true})
}

// Deregister stops the loops and removes this node's record.
func (m *Manager) Deregister(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	if err := m.cfg.Store.Delete(ctx, keyPrefix+m.cfg.NodeID); err != nil {
		m.logger.Warn().Err(err).Msg("Cluster deregistration failed")
	}
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)
	heartbeat := time.NewTicker(m.heartbeatEvery)
	scan := time.NewTicker(m.scanEvery)
	defer heartbeat.Stop()
	defer scan.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := m.writeSelf(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Heartbeat write failed")
			}
		case <-scan.C:
			m.scanPeers(ctx)
		}
	}
}

func (m *Manager) writeSelf(ctx context.Context) error {
	info := &NodeInfo{
		NodeID:          m.cfg.NodeID,
		Host:            m.cfg.Host,
		Port:            m.cfg.Port,
		Version:         m.cfg.Version,
		StartedAt:       m.startedAt,
		LastHeartbeatAt: m.now(),
		LoadScore:       loadScore(),
	}
	if m.cfg.SessionCount != nil {
		info.SessionCount = m.cfg.SessionCount()
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.cfg.Store.Set(writeCtx, keyPrefix+info.NodeID, string(raw), RegistrationTTL)
}

// scanPeers refreshes the healthy-peer view and declares nodes dead when
// their heartbeat is older than RemoveAfter.
func (m *Manager) scanPeers(ctx context.Context) {
	keys, err := m.cfg.Store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		m.logger.Warn().Err(err).Msg("Cluster scan failed")
		return
	}

	now := m.now()
	healthy := make(map[string]*NodeInfo, len(keys))
	for _, key := range keys {
		raw, err := m.cfg.Store.Get(ctx, key)
		if err != nil {
			continue // expired between Keys and Get
		}
		var info NodeInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil || info.NodeID == "" {
			continue
		}
		age := now.Sub(info.LastHeartbeatAt)
		switch {
		case age > RemoveAfter:
			m.declareDead(ctx, &info)
		case age > UnhealthyAfter:
			m.logger.Warn().Str("node_id", info.NodeID).Dur("heartbeat_age", age).Msg("Peer unhealthy")
		default:
			healthy[info.NodeID] = &info
		}
	}

	m.mu.Lock()
	m.peers = healthy
	m.mu.Unlock()
	metrics.ClusterNodes.Set(float64(len(healthy)))
}

func (m *Manager) declareDead(ctx context.Context, info *NodeInfo) {
	// Delete first so only one scanner wins the announcement.
	if err := m.cfg.Store.Delete(ctx, keyPrefix+info.NodeID); err != nil {
		return
	}
	m.logger.Warn().Str("node_id", info.NodeID).Time("last_heartbeat", info.LastHeartbeatAt).Msg("Peer declared dead")
	m.cfg.Bus.Publish("cluster.node.left", "cluster.node.left", map[string]string{
		"node_id": info.NodeID,
	}, bus.PublishOptions{Priority: bus.PriorityCritical, Broadcast: true})
	if m.cfg.OnNodeLeft != nil {
		m.cfg.OnNodeLeft(ctx, info.NodeID)
	}
}

// Nodes returns the healthy peer view from the last scan, self included,
// sorted by node id.
func (m *Manager) Nodes() []NodeInfo {
	m.mu.Lock()
	out := make([]NodeInfo, 0, len(m.peers))
	for _, info := range m.peers {
		out = append(out, *info)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// PreferredNode picks the rendezvous winner for a client key over the
// healthy view. Every node computes the same answer for the same key, so
// clients bounce to a stable home without any coordination. Falls back to
// this node when the view is empty.
func (m *Manager) PreferredNode(clientKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := m.cfg.NodeID
	var bestScore uint64
	first := true
	for nodeID := range m.peers {
		score := rendezvousScore(nodeID, clientKey)
		if first || score > bestScore {
			best, bestScore, first = nodeID, score, false
		}
	}
	return best
}

func loadScore() float64 {
	avg, err := load.Avg()
	if err != nil {
		return 0
	}
	return avg.Load1 / float64(runtime.NumCPU())
}
