package container

import (
	"context"
	"sort"
	"time"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/module"
)

// Advance runs exactly one tick: drain commands, run systems for every
// active match, notify listeners, record metrics. Commands submitted
// before Advance returns are guaranteed observed no later than the
// following tick, since drain always happens first.
func (c *Container) Advance(ctx context.Context) (uint64, error) {
	if c.paused.Load() {
		return c.Tick(), errs.New(errs.Conflict, "container %s is paused", c.ID)
	}

	start := time.Now()
	tick := c.tick.Add(1)

	drained := c.drainCommands(ctx, tick)

	matchIDs := c.sortedMatchIDs()
	for _, matchID := range matchIDs {
		c.runSystems(ctx, tick, matchID)
	}

	for _, matchID := range matchIDs {
		c.notifyListeners(tick, matchID)
	}

	if c.metrics != nil {
		c.metrics.TicksTotal.Inc()
		c.metrics.TickDuration.Observe(time.Since(start).Seconds())
		c.metrics.CommandsDrained.Add(int64(drained))
	}

	return tick, nil
}

func (c *Container) sortedMatchIDs() []string {
	c.matchesMu.Lock()
	defer c.matchesMu.Unlock()
	ids := make([]string, 0, len(c.matches))
	for id := range c.matches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// drainCommands pops at most MaxCommandsPerTick queued commands,
// resolves each to its owning module's handler, and executes it.
// Unknown commands, schema violations, and handler errors are all
// reported to the submitter's error stream; none of them abort the
// tick.
func (c *Container) drainCommands(ctx context.Context, tick uint64) int {
	index := c.buildCommandIndex()

	n := 0
	for n < c.MaxCommandsPerTick {
		select {
		case cmd := <-c.commands:
			c.executeCommand(ctx, index, cmd)
			n++
		default:
			return n
		}
	}
	return n
}

type resolvedCommand struct {
	moduleName string
	spec       module.CommandSpec
}

func (c *Container) buildCommandIndex() map[string]resolvedCommand {
	index := make(map[string]resolvedCommand)
	for _, desc := range c.modules.Ordered() {
		for _, cmd := range desc.Commands {
			if _, exists := index[cmd.Name]; exists {
				c.logger.Warn("duplicate command name across modules, first registration wins", "command", cmd.Name)
				continue
			}
			index[cmd.Name] = resolvedCommand{moduleName: desc.ID.Name, spec: cmd}
		}
	}
	return index
}

func (c *Container) executeCommand(ctx context.Context, index map[string]resolvedCommand, cmd Command) {
	rc, ok := index[cmd.Name]
	if !ok {
		c.reportError(cmd.MatchID, cmd.SubmitterID, cmd.Name, errs.New(errs.NotFound, "unknown command %q", cmd.Name))
		return
	}

	for pname, schema := range rc.spec.Parameters {
		if schema.Required {
			if _, ok := cmd.Payload[pname]; !ok {
				c.reportError(cmd.MatchID, cmd.SubmitterID, cmd.Name,
					errs.New(errs.InvalidArgument, "command %q missing required parameter %q", cmd.Name, pname))
				return
			}
		}
	}

	if rc.spec.Handler == nil {
		return
	}

	handle, err := c.matchHandle(cmd.MatchID)
	if err != nil {
		c.reportError(cmd.MatchID, cmd.SubmitterID, cmd.Name, err)
		return
	}
	view := ecs.NewModuleView(c.raw, c.factory, rc.moduleName, cmd.MatchID, handle)

	err = c.safeExecuteCommand(ctx, rc, view, cmd)
	if err != nil {
		c.reportError(cmd.MatchID, cmd.SubmitterID, cmd.Name, err)
	}
}

func (c *Container) safeExecuteCommand(ctx context.Context, rc resolvedCommand, view ecs.Store, cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.New(errs.Internal, "command %q panicked: %v", cmd.Name, r)
			c.logger.Error("command handler panicked", "command", cmd.Name, "module", rc.moduleName, "panic", r)
		}
	}()
	return rc.spec.Handler(ctx, view, cmd.MatchID, cmd.Payload)
}

// runSystems invokes every installed module's systems, in module order
// then declared order, scoped to matchID. Panics and errors are caught
// and attributed to (module, system); the tick continues regardless.
func (c *Container) runSystems(ctx context.Context, tick uint64, matchID string) {
	handle, err := c.matchHandle(matchID)
	if err != nil {
		return
	}

	for _, desc := range c.modules.Ordered() {
		view := ecs.NewModuleView(c.raw, c.factory, desc.ID.Name, matchID, handle)
		for _, sys := range desc.Systems {
			c.runOneSystem(ctx, tick, desc.ID.Name, sys, view)
		}
	}
}

func (c *Container) runOneSystem(ctx context.Context, tick uint64, moduleName string, sys module.SystemDecl, view ecs.Store) {
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.SystemDuration.Observe(time.Since(start).Seconds())
		}
		if r := recover(); r != nil {
			c.logger.Error("system panicked", "module", moduleName, "system", sys.Name, "panic", r)
		}
	}()

	if err := sys.Fn(ctx, tick, view); err != nil {
		c.logger.Error("system returned error", "module", moduleName, "system", sys.Name, "error", err)
	}
}

// notifyListeners consumes matchID's dirty info and fans it out to every
// registered listener on the bounded worker pool, fire-and-forget.
func (c *Container) notifyListeners(tick uint64, matchID string) {
	dirty := c.factory.ConsumeDirty(matchID)

	c.listenerMu.RLock()
	listeners := append([]Listener(nil), c.listeners...)
	c.listenerMu.RUnlock()

	for _, l := range listeners {
		l := l
		c.listenerSem <- struct{}{}
		go func() {
			defer func() { <-c.listenerSem }()
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("listener panicked", "panic", r)
				}
			}()
			l.Notify(tick, matchID, dirty)
		}()
	}
}

// Play starts a goroutine that calls Advance every intervalMs,
// replacing any previously running auto-play scheduler.
func (c *Container) Play(intervalMs int) {
	c.StopAuto()

	ctx, cancel := context.WithCancel(context.Background())
	c.autoMu.Lock()
	c.autoCancel = cancel
	c.autoMu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.Advance(ctx); err != nil {
					c.logger.Debug("auto-play tick skipped", "error", err)
				}
			}
		}
	}()
}

// StopAuto cancels any running auto-play scheduler. Safe to call when
// none is running.
func (c *Container) StopAuto() {
	c.autoMu.Lock()
	defer c.autoMu.Unlock()
	if c.autoCancel != nil {
		c.autoCancel()
		c.autoCancel = nil
	}
}

// Pause toggles the gate Advance checks; auto-play keeps calling Advance
// but every call is rejected until Resume.
func (c *Container) Pause() { c.paused.Store(true) }

// Resume clears the pause gate.
func (c *Container) Resume() { c.paused.Store(false) }
