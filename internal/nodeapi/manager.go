// Package nodeapi is the engine node's own HTTP+WebSocket façade: it
// hosts one or more containers, exposes their lifecycle/command/stats
// surface over HTTP, streams snapshots/deltas/errors over WebSocket,
// and answers control-plane tunnel commands relayed through
// internal/wsrelay.
package nodeapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/freitascorp/meridian/internal/container"
	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/module"
	"github.com/freitascorp/meridian/internal/snapshot"
	"github.com/freitascorp/meridian/internal/wsrelay"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// entry bundles one hosted container with the fan-out machinery that
// streams its matches to subscribers.
type entry struct {
	container   *container.Container
	builder     *snapshot.Builder
	broadcaster *snapshot.Broadcaster
	errHub      *errorHub
}

// Manager owns every container running on this engine node.
type Manager struct {
	loader  *module.Loader
	logger  *slog.Logger
	metrics *telemetry.ClusterMetrics

	mu      sync.RWMutex
	entries map[string]*entry
}

// Config configures a Manager.
type Config struct {
	Loader  *module.Loader
	Logger  *slog.Logger
	Metrics *telemetry.ClusterMetrics
}

// New returns a Manager.
func New(cfg Config) *Manager {
	if cfg.Loader == nil {
		cfg.Loader = module.NewLoader()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		loader:  cfg.Loader,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		entries: make(map[string]*entry),
	}
}

// CreateContainer provisions a new container with the given modules
// installed and started.
func (m *Manager) CreateContainer(modules []string) (string, error) {
	id := uuid.NewString()
	hub := newErrorHub()
	c, err := container.New(container.Config{
		ID:          id,
		MaxEntities: 65536,
		Loader:      m.loader,
		Logger:      m.logger,
		Metrics:     m.metrics,
		ErrorSink:   hub,
	})
	if err != nil {
		return "", err
	}
	for _, bundlePath := range modules {
		if _, err := c.InstallModule(bundlePath); err != nil {
			return "", errs.Wrap(errs.InvalidArgument, err, "install module %q", bundlePath)
		}
	}
	if err := c.Start(); err != nil {
		return "", err
	}

	builder := snapshot.NewBuilder(c.Factory(), c.Modules())
	broadcaster := snapshot.NewBroadcaster(builder, c.Factory(), c.Modules(), m.metrics, m.logger)
	e := &entry{container: c, builder: builder, broadcaster: broadcaster, errHub: hub}
	c.AddListener(tickNotifier{e: e})

	m.mu.Lock()
	m.entries[id] = e
	m.mu.Unlock()
	return id, nil
}

// get returns the full entry for id, or false if unknown.
func (m *Manager) get(id string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Get returns the container for id, or false if unknown.
func (m *Manager) Get(id string) (*container.Container, bool) {
	e, ok := m.get(id)
	if !ok {
		return nil, false
	}
	return e.container, true
}

// ContainerCount returns the number of containers currently hosted,
// the activeContainers half of this node's heartbeat capacity report.
func (m *Manager) ContainerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// DeleteContainer stops and removes a container.
func (m *Manager) DeleteContainer(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.NotFound, "container %s not found", id)
	}
	return e.container.Stop()
}

// Execute implements wsrelay.Executor, answering tunnel commands from
// the control plane by dispatching to the named container.
func (m *Manager) Execute(ctx context.Context, cmd wsrelay.Command) (*wsrelay.Result, error) {
	switch cmd.Action {
	case "create_container":
		var modules []string
		if cmd.Payload != nil {
			json.Unmarshal(cmd.Payload, &modules)
		}
		id, err := m.CreateContainer(modules)
		if err != nil {
			return &wsrelay.Result{Status: "error", Error: err.Error()}, nil
		}
		payload, _ := json.Marshal(map[string]string{"container_id": id})
		return &wsrelay.Result{Status: "ok", Payload: payload}, nil

	case "create_match":
		c, ok := m.Get(cmd.ContainerID)
		if !ok {
			return &wsrelay.Result{Status: "error", Error: "container not found"}, nil
		}
		var req struct {
			Modules     []string `json:"modules"`
			PlayerLimit int      `json:"player_limit"`
		}
		if cmd.Payload != nil {
			json.Unmarshal(cmd.Payload, &req)
		}
		matchID, err := c.CreateMatch(req.Modules, req.PlayerLimit)
		if err != nil {
			return &wsrelay.Result{Status: "error", Error: err.Error()}, nil
		}
		payload, _ := json.Marshal(map[string]string{"match_id": matchID})
		return &wsrelay.Result{Status: "ok", Payload: payload}, nil

	case "delete_match":
		c, ok := m.Get(cmd.ContainerID)
		if !ok {
			return &wsrelay.Result{Status: "error", Error: "container not found"}, nil
		}
		for _, e := range c.Factory().EntitiesInMatch(cmd.MatchID) {
			if err := c.Factory().DeleteEntity(e); err != nil {
				return &wsrelay.Result{Status: "error", Error: err.Error()}, nil
			}
		}
		if err := c.DeleteMatch(cmd.MatchID); err != nil {
			return &wsrelay.Result{Status: "error", Error: err.Error()}, nil
		}
		return &wsrelay.Result{Status: "ok"}, nil

	case "delete_container":
		if err := m.DeleteContainer(cmd.ContainerID); err != nil {
			return &wsrelay.Result{Status: "error", Error: err.Error()}, nil
		}
		return &wsrelay.Result{Status: "ok"}, nil

	case "stats":
		c, ok := m.Get(cmd.ContainerID)
		if !ok {
			return &wsrelay.Result{Status: "error", Error: "container not found"}, nil
		}
		payload, _ := json.Marshal(c.Stats())
		return &wsrelay.Result{Status: "ok", Payload: payload}, nil

	default:
		return &wsrelay.Result{Status: "error", Error: "unknown action " + cmd.Action}, nil
	}
}

// errorHub fans a container's per-command errors out to every open
// error-stream subscriber for the affected match/player pair.
type errorHub struct {
	mu   sync.Mutex
	subs map[string][]*websocket.Conn
}

func newErrorHub() *errorHub {
	return &errorHub{subs: make(map[string][]*websocket.Conn)}
}

func errorHubKey(matchID, playerID string) string { return matchID + "/" + playerID }

func (h *errorHub) Subscribe(matchID, playerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := errorHubKey(matchID, playerID)
	h.subs[key] = append(h.subs[key], conn)
}

func (h *errorHub) unsubscribe(matchID, playerID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := errorHubKey(matchID, playerID)
	list := h.subs[key]
	for i, c := range list {
		if c == conn {
			h.subs[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// ReportCommandError implements container.ErrorSink.
func (h *errorHub) ReportCommandError(matchID, playerID, commandName string, err error) {
	h.mu.Lock()
	conns := append([]*websocket.Conn(nil), h.subs[errorHubKey(matchID, playerID)]...)
	h.mu.Unlock()

	payload := map[string]string{
		"matchId": matchID,
		"command": commandName,
		"error":   err.Error(),
	}
	for _, conn := range conns {
		if sendErr := conn.WriteJSON(payload); sendErr != nil {
			h.unsubscribe(matchID, playerID, conn)
		}
	}
}

// tickNotifier drives a container's Broadcaster off the container's own
// tick loop: every tick that touched a match triggers exactly one
// fan-out pass for that match, so frames never race ahead of state.
type tickNotifier struct {
	e *entry
}

func (t tickNotifier) Notify(tick uint64, matchID string, dirty *ecs.DirtyInfo) {
	// Fan-out failures (a dropped connection mid-write) are handled by
	// Broadcaster.Tick itself via unsubscribe; nothing here needs to stall
	// the tick loop over a slow or closed subscriber.
	_ = t.e.broadcaster.Tick(context.Background(), matchID, tick)
}
