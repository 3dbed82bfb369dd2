package matchrouter

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/internal/scheduler"
	"github.com/freitascorp/meridian/pkg/audit"
	"github.com/freitascorp/meridian/pkg/resilience"
)

// CreateRequest is a CreateMatchRequest: {modules, preferredNodeId?, playerLimit?}.
type CreateRequest struct {
	Modules         []string
	PreferredNodeID registry.NodeID
	PlayerLimit     int
}

// DefaultMatchTokenTTL is how long a minted match token remains valid.
const DefaultMatchTokenTTL = 4 * time.Hour

// Router is the Match Router: it places new matches on a node via the
// Scheduler, and owns the authoritative cluster match registry.
type Router struct {
	nodes     *registry.Registry
	sched     *scheduler.Scheduler
	client    NodeClient
	logger    *slog.Logger
	audit     *audit.Logger
	signerKey ed25519.PrivateKey

	mu       sync.RWMutex
	matches  map[string]*Entry
	breakers map[registry.NodeID]*resilience.CircuitBreaker
	brMu     sync.Mutex
}

// Config configures a new Router.
type Config struct {
	Nodes     *registry.Registry
	Scheduler *scheduler.Scheduler
	Client    NodeClient
	Logger    *slog.Logger
	Audit     *audit.Logger
	SignerKey ed25519.PrivateKey // signs minted match tokens
}

// New returns a Router.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		nodes:     cfg.Nodes,
		sched:     cfg.Scheduler,
		client:    cfg.Client,
		logger:    cfg.Logger,
		audit:     cfg.Audit,
		signerKey: cfg.SignerKey,
		matches:   make(map[string]*Entry),
		breakers:  make(map[registry.NodeID]*resilience.CircuitBreaker),
	}
}

func (r *Router) breakerFor(id registry.NodeID) *resilience.CircuitBreaker {
	r.brMu.Lock()
	defer r.brMu.Unlock()
	cb, ok := r.breakers[id]
	if !ok {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})
		r.breakers[id] = cb
	}
	return cb
}

// CreateMatch implements the Scheduler-ask → provision → register
// flow. On a provisioning failure the partial container/match is
// best-effort cleaned up and the registry entry is left in ERROR
// recording the cause; the original error is surfaced to the caller.
func (r *Router) CreateMatch(ctx context.Context, req CreateRequest) (*Entry, error) {
	nodeID, err := r.sched.Pick(scheduler.Request{
		Modules:         req.Modules,
		PreferredNodeID: req.PreferredNodeID,
		PlayerLimit:     req.PlayerLimit,
	})
	if err != nil {
		return nil, err
	}
	node, ok := r.nodes.Get(nodeID)
	if !ok {
		return nil, errs.New(errs.NotFound, "scheduler picked unknown node %s", nodeID)
	}

	breaker := r.breakerFor(nodeID)

	var containerID string
	if cbErr := breaker.Execute(func() error {
		var err error
		containerID, err = r.client.CreateContainer(ctx, node, req.Modules)
		return err
	}); cbErr != nil {
		entry := &Entry{
			ClusterMatchID: clusterMatchID(string(nodeID), "", "failed"),
			NodeID:         string(nodeID),
			ModuleNames:    req.Modules,
			PlayerLimit:    req.PlayerLimit,
		}
		r.recordEntry(entry.failed(cbErr.Error()))
		r.logAudit(ctx, string(nodeID), "", false, cbErr)
		return nil, errs.Wrap(errs.Unavailable, cbErr, "node %s: create container", nodeID)
	}

	var localMatchID string
	if cbErr := breaker.Execute(func() error {
		var err error
		localMatchID, err = r.client.CreateMatch(ctx, node, containerID, req.Modules, req.PlayerLimit)
		return err
	}); cbErr != nil {
		r.cleanupContainer(ctx, node, containerID)
		entry := &Entry{
			ClusterMatchID: clusterMatchID(string(nodeID), containerID, "failed"),
			NodeID:         string(nodeID),
			ContainerID:    containerID,
			ModuleNames:    req.Modules,
			PlayerLimit:    req.PlayerLimit,
		}
		r.recordEntry(entry.failed(cbErr.Error()))
		r.logAudit(ctx, string(nodeID), "", false, cbErr)
		return nil, errs.Wrap(errs.Unavailable, cbErr, "node %s: create match", nodeID)
	}

	id := clusterMatchID(string(nodeID), containerID, localMatchID)
	entry := &Entry{
		ClusterMatchID:   id,
		NodeID:           string(nodeID),
		ContainerID:      containerID,
		ModuleNames:      req.Modules,
		AdvertiseAddress: node.AdvertiseAddress,
		StreamURLs:       streamURLs(node.AdvertiseAddress, localMatchID, false),
		PlayerLimit:      req.PlayerLimit,
		Status:           StatusCreating,
	}
	r.recordEntry(entry)

	// Node-side confirmation already happened synchronously above
	// (CreateMatch returned without error), so the transition to RUNNING
	// follows immediately.
	running := entry.running()
	r.recordEntry(running)
	r.logAudit(ctx, string(nodeID), id, true, nil)
	return running, nil
}

func (r *Router) cleanupContainer(ctx context.Context, node *registry.Node, containerID string) {
	if err := r.client.DeleteContainer(ctx, node, containerID); err != nil {
		r.logger.Warn("match router: best-effort container cleanup failed", "node_id", node.ID, "container_id", containerID, "error", err)
	}
}

func (r *Router) recordEntry(e *Entry) {
	r.mu.Lock()
	r.matches[e.ClusterMatchID] = e
	r.mu.Unlock()
}

// Get returns the registry entry for clusterMatchID.
func (r *Router) Get(clusterMatchID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.matches[clusterMatchID]
	if !ok {
		return nil, false
	}
	cp := *e
	return &cp, true
}

// List returns a snapshot of every match currently in the registry.
func (r *Router) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.matches))
	for _, e := range r.matches {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// DeleteMatch tears down a match on its node and removes the registry
// entry.
func (r *Router) DeleteMatch(ctx context.Context, clusterMatchID, localMatchID string) error {
	entry, ok := r.Get(clusterMatchID)
	if !ok {
		return errs.New(errs.NotFound, "match %s not found", clusterMatchID)
	}
	node, ok := r.nodes.Get(registry.NodeID(entry.NodeID))
	if ok {
		if err := r.client.DeleteMatch(ctx, node, entry.ContainerID, localMatchID); err != nil {
			r.logger.Warn("match router: node-side delete match failed", "cluster_match_id", clusterMatchID, "error", err)
		}
	}
	r.mu.Lock()
	delete(r.matches, clusterMatchID)
	r.mu.Unlock()
	if r.audit != nil {
		if err := r.audit.LogMatchLifecycle(ctx, clusterMatchID, false, &audit.EventResult{Status: "success"}); err != nil {
			r.logger.Warn("match router: failed to write audit event", "node_id", entry.NodeID, "match_id", clusterMatchID, "error", err)
		}
	}
	return nil
}

// JoinResult is what a successful JoinMatch returns to the client.
type JoinResult struct {
	StreamURLs []string
	Token      string
}

// JoinMatch implements the player-join flow: reject if the match is
// full, atomically increment the player count, mint a match token, and
// return stream URLs plus the token.
func (r *Router) JoinMatch(ctx context.Context, clusterMatchID, playerID string) (*JoinResult, error) {
	r.mu.Lock()
	entry, ok := r.matches[clusterMatchID]
	if !ok {
		r.mu.Unlock()
		return nil, errs.New(errs.NotFound, "match %s not found", clusterMatchID)
	}
	if !entry.CanAcceptPlayer() {
		r.mu.Unlock()
		return nil, errs.New(errs.CapacityExceeded, "match %s is full", clusterMatchID)
	}
	updated := entry.withPlayerCount(entry.PlayerCount + 1)
	r.matches[clusterMatchID] = updated
	r.mu.Unlock()

	token, err := r.mintMatchToken(clusterMatchID, playerID)
	if err != nil {
		return nil, err
	}
	return &JoinResult{StreamURLs: updated.StreamURLs, Token: token}, nil
}

// LeaveMatch atomically decrements a match's player count.
func (r *Router) LeaveMatch(ctx context.Context, clusterMatchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.matches[clusterMatchID]
	if !ok {
		return errs.New(errs.NotFound, "match %s not found", clusterMatchID)
	}
	updated := entry.withPlayerCount(entry.PlayerCount - 1)
	if updated == nil {
		return nil
	}
	r.matches[clusterMatchID] = updated
	return nil
}

func (r *Router) mintMatchToken(clusterMatchID, playerID string) (string, error) {
	if r.signerKey == nil {
		return "", errs.New(errs.Internal, "match router has no token signing key configured")
	}
	p := &auth.Principal{
		Subject:   playerID,
		Scopes:    []string{"match." + clusterMatchID},
		MatchID:   clusterMatchID,
		PlayerID:  playerID,
		ExpiresAt: time.Now().Add(DefaultMatchTokenTTL),
	}
	return auth.SignToken(r.signerKey, p)
}

func (r *Router) logAudit(ctx context.Context, nodeID, matchID string, success bool, cause error) {
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
	if matchID == "" {
		matchID = nodeID
	}
	if err := r.audit.LogMatchLifecycle(ctx, matchID, true, result); err != nil {
		r.logger.Warn("match router: failed to write audit event", "node_id", nodeID, "match_id", matchID, "error", err)
	}
}
