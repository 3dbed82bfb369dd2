package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freitascorp/meridian/pkg/audit"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// numShards bounds lock contention under frequent heartbeats: the
// registry is a sharded map rather than one global lock, and reads
// return copies taken under the shard's read lock, so callers holding a
// result never block writers. A node's
// shard is fixed by a hash of its ID, matching
// pkg/fleet/node_manager.go's single-mutex register/heartbeat/drain
// shape but splayed across shards.
const numShards = 16

type shard struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
}

// Watcher receives node lifecycle events, mirroring
// pkg/fleet/node_manager.go's NodeWatcher.
type Watcher interface {
	OnNodeRegistered(n *Node)
	OnNodeDeregistered(id NodeID)
	OnNodeStatusChanged(id NodeID, old, new Status)
}

// Registry is the control plane's live, authoritative view of every
// engine node. It is the hot-path authority; Store is durability for
// restarts, written best-effort after every mutation.
type Registry struct {
	shards [numShards]*shard

	store         Store
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	metrics       *telemetry.ClusterMetrics
	audit         *audit.Logger

	watchersMu sync.RWMutex
	watchers   []Watcher
}

// Config configures a new Registry.
type Config struct {
	Store         Store
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *slog.Logger
	Metrics       *telemetry.ClusterMetrics
	Audit         *audit.Logger
}

// New returns a Registry backed by cfg.Store, applying the default
// 30s TTL and sweep interval if unset.
func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	r := &Registry{
		store:         cfg.Store,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		audit:         cfg.Audit,
	}
	for i := range r.shards {
		r.shards[i] = &shard{nodes: make(map[NodeID]*Node)}
	}
	return r
}

func (r *Registry) shardFor(id NodeID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%numShards]
}

// AddWatcher registers a node lifecycle event listener.
func (r *Registry) AddWatcher(w Watcher) {
	r.watchersMu.Lock()
	r.watchers = append(r.watchers, w)
	r.watchersMu.Unlock()
}

func (r *Registry) notifyRegistered(n *Node) {
	r.watchersMu.RLock()
	defer r.watchersMu.RUnlock()
	for _, w := range r.watchers {
		w.OnNodeRegistered(n)
	}
}

func (r *Registry) notifyDeregistered(id NodeID) {
	r.watchersMu.RLock()
	defer r.watchersMu.RUnlock()
	for _, w := range r.watchers {
		w.OnNodeDeregistered(id)
	}
}

func (r *Registry) notifyStatusChanged(id NodeID, old, new Status) {
	if old == new {
		return
	}
	r.watchersMu.RLock()
	defer r.watchersMu.RUnlock()
	for _, w := range r.watchers {
		w.OnNodeStatusChanged(id, old, new)
	}
}

// Register admits a new node, assigning it a fresh NodeID.
func (r *Registry) Register(ctx context.Context, info NodeInfo) (NodeID, error) {
	now := time.Now()
	n := &Node{
		ID:               NodeID(uuid.NewString()),
		AdvertiseAddress: info.AdvertiseAddress,
		Capacity:         info.Capacity,
		Status:           StatusHealthy,
		LastHeartbeatAt:  now,
		RegisteredAt:     now,
	}

	s := r.shardFor(n.ID)
	s.mu.Lock()
	s.nodes[n.ID] = n
	s.mu.Unlock()

	if err := r.store.Put(ctx, n); err != nil {
		r.logger.Warn("node registry: failed to persist registration", "node_id", n.ID, "error", err)
	}
	r.logAudit(ctx, audit.EventNodeRegister, string(n.ID), true, nil)
	r.logger.Info("node registered", "node_id", n.ID, "advertise_address", n.AdvertiseAddress)
	r.notifyRegistered(n)
	r.refreshGauges()
	return n.ID, nil
}

// Heartbeat records a node's liveness and current capacity. A node
// returning from EXPIRED/DEGRADED transitions back to HEALTHY.
func (r *Registry) Heartbeat(ctx context.Context, id NodeID, metrics Metrics) error {
	s := r.shardFor(id)
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return errNodeNotFound(id)
	}
	old := n.Status
	n.LastHeartbeatAt = time.Now()
	n.Capacity = metrics.Capacity
	n.Status = StatusHealthy
	snapshot := n.clone()
	s.mu.Unlock()

	if r.metrics != nil {
		r.metrics.HeartbeatsSeen.Inc()
	}
	if err := r.store.Put(ctx, snapshot); err != nil {
		r.logger.Warn("node registry: failed to persist heartbeat", "node_id", id, "error", err)
	}
	r.notifyStatusChanged(id, old, StatusHealthy)
	r.refreshGauges()
	return nil
}

// Deregister removes a node immediately.
func (r *Registry) Deregister(ctx context.Context, id NodeID) error {
	s := r.shardFor(id)
	s.mu.Lock()
	if _, ok := s.nodes[id]; !ok {
		s.mu.Unlock()
		return errNodeNotFound(id)
	}
	delete(s.nodes, id)
	s.mu.Unlock()

	if err := r.store.Delete(ctx, id); err != nil {
		r.logger.Warn("node registry: failed to persist deregistration", "node_id", id, "error", err)
	}
	r.logAudit(ctx, audit.EventNodeDeregister, string(id), true, nil)
	r.notifyDeregistered(id)
	r.refreshGauges()
	return nil
}

// Drain marks a node DEGRADED so the Scheduler stops placing new
// containers on it, without evicting in-flight matches on it.
func (r *Registry) Drain(ctx context.Context, id NodeID) error {
	return r.setStatus(ctx, id, StatusDegraded)
}

func (r *Registry) setStatus(ctx context.Context, id NodeID, status Status) error {
	s := r.shardFor(id)
	s.mu.Lock()
	n, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		return errNodeNotFound(id)
	}
	old := n.Status
	n.Status = status
	snapshot := n.clone()
	s.mu.Unlock()

	if err := r.store.Put(ctx, snapshot); err != nil {
		r.logger.Warn("node registry: failed to persist status change", "node_id", id, "error", err)
	}
	r.notifyStatusChanged(id, old, status)
	r.refreshGauges()
	return nil
}

// Get returns a snapshot copy of node id, or false if unknown.
func (r *Registry) Get(id NodeID) (*Node, bool) {
	s := r.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// List returns a snapshot copy of every registered node, including
// EXPIRED ones (callers that must skip expired nodes, like the
// Scheduler, filter explicitly).
func (r *Registry) List() []*Node {
	var out []*Node
	for _, s := range r.shards {
		s.mu.RLock()
		for _, n := range s.nodes {
			out = append(out, n.clone())
		}
		s.mu.RUnlock()
	}
	return out
}

// Healthy returns every node currently HEALTHY, the Scheduler's
// candidate pool before capacity filtering.
func (r *Registry) Healthy() []*Node {
	all := r.List()
	out := all[:0:0]
	for _, n := range all {
		if n.Status == StatusHealthy {
			out = append(out, n)
		}
	}
	return out
}

// RunSweeper runs the background staleness sweep until ctx is
// cancelled, marking nodes whose last heartbeat exceeds the TTL as
// EXPIRED.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

type expiredNode struct {
	node *Node
	old  Status
}

func (r *Registry) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-r.ttl)
	var anyExpired bool
	for _, s := range r.shards {
		s.mu.Lock()
		var expired []expiredNode
		for _, n := range s.nodes {
			if n.Status != StatusExpired && n.LastHeartbeatAt.Before(cutoff) {
				old := n.Status
				n.Status = StatusExpired
				expired = append(expired, expiredNode{node: n.clone(), old: old})
			}
		}
		s.mu.Unlock()

		for _, e := range expired {
			anyExpired = true
			r.logger.Warn("node expired: missed heartbeat TTL", "node_id", e.node.ID, "last_heartbeat_at", e.node.LastHeartbeatAt)
			if err := r.store.Put(ctx, e.node); err != nil {
				r.logger.Warn("node registry: failed to persist expiry", "node_id", e.node.ID, "error", err)
			}
			r.logAudit(ctx, audit.EventNodeExpired, string(e.node.ID), true, nil)
			r.notifyStatusChanged(e.node.ID, e.old, StatusExpired)
		}
	}
	if anyExpired {
		r.refreshGauges()
	}
}

func (r *Registry) refreshGauges() {
	if r.metrics == nil {
		return
	}
	var total, healthy, degraded, expired int64
	for _, n := range r.List() {
		total++
		switch n.Status {
		case StatusHealthy:
			healthy++
		case StatusDegraded:
			degraded++
		case StatusExpired:
			expired++
		}
	}
	r.metrics.NodesTotal.Set(total)
	r.metrics.NodesHealthy.Set(healthy)
	r.metrics.NodesDegraded.Set(degraded)
	r.metrics.NodesExpired.Set(expired)
}

func (r *Registry) logAudit(ctx context.Context, evt audit.EventType, nodeID string, success bool, cause error) {
	if r.audit == nil {
		return
	}
	result := &audit.EventResult{Status: "success"}
	if !success {
		result.Status = "failure"
		if cause != nil {
			result.Error = cause.Error()
		}
	}
	var err error
	switch evt {
	case audit.EventNodeRegister:
		err = r.audit.LogNodeRegister(ctx, nodeID, result)
	case audit.EventNodeDeregister:
		err = r.audit.LogNodeDeregister(ctx, nodeID, false, result)
	case audit.EventNodeExpired:
		err = r.audit.LogNodeDeregister(ctx, nodeID, true, result)
	}
	if err != nil {
		r.logger.Warn("node registry: failed to write audit event", "event", evt, "node_id", nodeID, "error", err)
	}
}

