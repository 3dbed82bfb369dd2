// Package container implements a single container's ECS store, its
// installed modules, and the single-threaded tick loop that drains
// commands and runs systems, behind a mutex-guarded command queue,
// logger and metrics suite.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/module"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// State is a container's lifecycle state.
type State int

const (
	Created State = iota
	Starting
	Running
	Paused
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Paused:
		return "PAUSED"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Command is one queued unit of work: a name, an optional match binding,
// and typed parameters. SubmitterID, if set, is the player whose error
// stream receives rejection/handler errors.
type Command struct {
	Name        string
	MatchID     string
	SubmitterID string
	Payload     map[string]float32
}

// ErrorSink receives per-command failures, attributed to the
// submitting player, for relay onto that player's
// `ws /ws/matches/{mid}/players/{pid}/errors` stream.
type ErrorSink interface {
	ReportCommandError(matchID, playerID, commandName string, err error)
}

// Listener is notified, fire-and-forget, after every tick that touched
// a match.
type Listener interface {
	Notify(tick uint64, matchID string, dirty *ecs.DirtyInfo)
}

// Container owns one ECS store, one module registry, and the tick loop
// that drives both.
type Container struct {
	ID              string
	MaxEntities     int
	MaxCommandsPerTick int

	raw     *ecs.RawStore
	factory *ecs.EntityFactory
	modules *module.Registry

	logger  *slog.Logger
	metrics *telemetry.ClusterMetrics

	mu     sync.RWMutex
	state  State
	tick   atomic.Uint64
	paused atomic.Bool

	commands chan Command
	errSink  ErrorSink

	listenerMu sync.RWMutex
	listeners  []Listener
	listenerSem chan struct{}

	matchesMu sync.Mutex
	matches   map[string]*matchState
	nextHandle float32

	playerMu      sync.Mutex
	playerHandles map[string]float32
	nextPlayerHandle float32

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
}

type matchState struct {
	ID          string
	Modules     []string
	PlayerLimit int
	PlayerCount int
	Handle      float32
	CreatedAt   time.Time
}

// Config configures a new Container.
type Config struct {
	ID                 string
	MaxEntities        int
	MaxCommandsPerTick int
	QueueCapacity      int
	Loader             *module.Loader
	Logger             *slog.Logger
	Metrics            *telemetry.ClusterMetrics
	ErrorSink          ErrorSink
	ListenerWorkers    int
}

// New constructs a Container in the CREATED state.
func New(cfg Config) (*Container, error) {
	if cfg.MaxEntities <= 0 {
		return nil, errs.New(errs.InvalidArgument, "maxEntities must be positive")
	}
	if cfg.MaxCommandsPerTick <= 0 {
		cfg.MaxCommandsPerTick = 256
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.ListenerWorkers <= 0 {
		cfg.ListenerWorkers = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Loader == nil {
		cfg.Loader = module.NewLoader()
	}

	raw := ecs.NewRawStore(cfg.MaxEntities)
	factory, err := ecs.NewEntityFactory(raw)
	if err != nil {
		return nil, err
	}

	return &Container{
		ID:                 cfg.ID,
		MaxEntities:        cfg.MaxEntities,
		MaxCommandsPerTick: cfg.MaxCommandsPerTick,
		raw:                raw,
		factory:            factory,
		modules:            module.NewRegistry(cfg.Loader),
		logger:             cfg.Logger.With("container_id", cfg.ID),
		metrics:            cfg.Metrics,
		state:              Created,
		commands:           make(chan Command, cfg.QueueCapacity),
		errSink:            cfg.ErrorSink,
		listenerSem:        make(chan struct{}, cfg.ListenerWorkers),
		matches:            make(map[string]*matchState),
		playerHandles:      make(map[string]float32),
	}, nil
}

// PlayerHandle returns the float32 handle assigned to playerID, creating
// one on first use. Modules stamp OWNER_ID with this handle so the
// player-scoped snapshot filter can select "entities owned by playerID"
// without a string-valued column.
func (c *Container) PlayerHandle(playerID string) float32 {
	c.playerMu.Lock()
	defer c.playerMu.Unlock()
	if h, ok := c.playerHandles[playerID]; ok {
		return h
	}
	c.nextPlayerHandle++
	c.playerHandles[playerID] = c.nextPlayerHandle
	return c.nextPlayerHandle
}

// Factory exposes the container's entity factory for the snapshot
// pipeline's permission-free column reads.
func (c *Container) Factory() *ecs.EntityFactory { return c.factory }

// State returns the container's current lifecycle state.
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Container) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start transitions CREATED → STARTING → RUNNING.
func (c *Container) Start() error {
	c.mu.Lock()
	if c.state != Created && c.state != Stopped {
		st := c.state
		c.mu.Unlock()
		return errs.New(errs.Conflict, "container %s cannot start from state %s", c.ID, st)
	}
	c.state = Starting
	c.mu.Unlock()

	c.setState(Running)
	return nil
}

// Stop transitions to STOPPING then STOPPED, cancelling any active
// auto-play scheduler and failing queued commands with ContainerStopping.
func (c *Container) Stop() error {
	c.setState(Stopping)
	c.StopAuto()

drain:
	for {
		select {
		case cmd := <-c.commands:
			c.reportError(cmd.MatchID, cmd.SubmitterID, cmd.Name,
				errs.New(errs.Unavailable, "container %s is stopping", c.ID))
		default:
			break drain
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Stopped
	return nil
}

// AddListener registers a fire-and-forget tick listener.
func (c *Container) AddListener(l Listener) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Modules exposes the installed module registry (read path for snapshot
// building and command APIs).
func (c *Container) Modules() *module.Registry { return c.modules }

// InstallModule loads and registers a module bundle into this container.
func (c *Container) InstallModule(bundlePath string) (*module.Descriptor, error) {
	store := ecs.Store(c.raw)
	return c.modules.Install(bundlePath, nil, c.factory, store)
}

// SubmitCommand enqueues cmd for the next drain phase. Fails
// ContainerStopping if the container is stopping or stopped, and
// CapacityExceeded if the queue is full.
func (c *Container) SubmitCommand(cmd Command) error {
	switch c.State() {
	case Stopping, Stopped:
		return errs.New(errs.Unavailable, "container %s is stopping", c.ID)
	}
	select {
	case c.commands <- cmd:
		return nil
	default:
		return errs.New(errs.CapacityExceeded, "container %s command queue is full", c.ID)
	}
}

// Tick returns the last completed tick number.
func (c *Container) Tick() uint64 { return c.tick.Load() }

// Stats reports basic container resource usage for the node HTTP API's
// /stats endpoint.
type Stats struct {
	EntityCount int
	MaxEntities int
	Tick        uint64
	State       string
	MatchCount  int
}

func (c *Container) Stats() Stats {
	c.matchesMu.Lock()
	matchCount := len(c.matches)
	c.matchesMu.Unlock()
	return Stats{
		EntityCount: c.raw.EntityCount(),
		MaxEntities: c.raw.MaxEntities(),
		Tick:        c.Tick(),
		State:       c.State().String(),
		MatchCount:  matchCount,
	}
}

func (c *Container) reportError(matchID, playerID, commandName string, err error) {
	if c.errSink == nil || err == nil {
		return
	}
	c.errSink.ReportCommandError(matchID, playerID, commandName, err)
	c.logger.Warn("command error reported to player error stream",
		"match_id", matchID, "player_id", playerID, "command", commandName, "error", err)
}

var _ fmt.Stringer = State(0)
