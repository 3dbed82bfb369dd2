package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/freitascorp/meridian/internal/ecs"
	"github.com/freitascorp/meridian/internal/module"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// Subscriber is one open stream: either match-scoped (ownerHandle unset)
// or player-scoped. A client sends "reset" to force its next frame to
// be a full snapshot instead of a delta.
type Subscriber struct {
	MatchID      string
	PlayerScoped bool
	OwnerHandle  float32
	Conn         *websocket.Conn

	mu           sync.Mutex
	lastSentTick uint64
	wantsReset   bool
}

// Reset marks the subscriber's next frame as a forced full snapshot.
func (s *Subscriber) Reset() {
	s.mu.Lock()
	s.wantsReset = true
	s.mu.Unlock()
}

// Broadcaster fans out snapshots/deltas to open streams on a fixed
// interval. Grounded on pkg/relay/ws_relay.go's per-connection fan-out
// loop, generalized from fleet-result broadcasting over
// github.com/coder/websocket to player-stream broadcasting over
// github.com/gorilla/websocket.
type Broadcaster struct {
	builder *Builder
	factory *ecs.EntityFactory
	modules *module.Registry
	metrics *telemetry.ClusterMetrics
	logger  *slog.Logger

	mu          sync.Mutex
	subscribers map[*Subscriber]bool
}

// NewBroadcaster returns a Broadcaster over builder/factory/modules.
func NewBroadcaster(builder *Builder, factory *ecs.EntityFactory, modules *module.Registry, metrics *telemetry.ClusterMetrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		builder:     builder,
		factory:     factory,
		modules:     modules,
		metrics:     metrics,
		logger:      logger,
		subscribers: make(map[*Subscriber]bool),
	}
}

// Subscribe registers sub for fan-out. The pipeline drops the
// subscription on the next iteration after the underlying connection
// closes (detected by a failed write).
func (b *Broadcaster) Subscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = true
}

func (b *Broadcaster) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, sub)
	sub.Conn.Close()
}

// Tick computes and sends one frame to every open subscriber of
// matchID, bounded at concurrency 16 so one slow client can't stall the
// rest. Subscribers whose connection has failed are dropped.
func (b *Broadcaster) Tick(ctx context.Context, matchID string, currentTick uint64) error {
	b.mu.Lock()
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		if s.MatchID == matchID {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	if b.metrics != nil {
		b.metrics.StreamFanout.Set(int64(len(targets)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, sub := range targets {
		sub := sub
		g.Go(func() error {
			return b.sendFrame(gctx, sub, matchID, currentTick)
		})
	}
	return g.Wait()
}

func (b *Broadcaster) sendFrame(ctx context.Context, sub *Subscriber, matchID string, currentTick uint64) error {
	sub.mu.Lock()
	reset := sub.wantsReset
	last := sub.lastSentTick
	sub.wantsReset = false
	sub.mu.Unlock()

	var payload any
	if sub.PlayerScoped {
		snap, err := BuildPlayerScoped(b.factory, b.modules, matchID, sub.OwnerHandle, currentTick)
		if err != nil {
			return err
		}
		payload = snap.toWire()
		if b.metrics != nil {
			b.metrics.SnapshotsFull.Inc()
		}
	} else if reset || last == 0 {
		full, err := b.builder.Build(matchID, currentTick)
		if err != nil {
			return err
		}
		// A cache hit returns the snapshot built at an earlier tick;
		// the frame is stamped with the tick it is sent for.
		w := full.toWire()
		w.Tick = currentTick
		payload = w
		if b.metrics != nil {
			b.metrics.SnapshotsFull.Inc()
		}
	} else {
		curr, err := b.builder.Build(matchID, currentTick)
		if err != nil {
			return err
		}
		prev, ok := b.builder.History(matchID, last)
		if !ok {
			// The client's base tick fell out of history (or it never
			// sent one) — deltas are cumulative since last toTick, so
			// without a base a full snapshot is the only correct frame.
			w := curr.toWire()
			w.Tick = currentTick
			payload = w
			if b.metrics != nil {
				b.metrics.SnapshotsFull.Inc()
			}
			sub.mu.Lock()
			sub.lastSentTick = currentTick
			sub.mu.Unlock()
			if err := sub.Conn.WriteJSON(payload); err != nil {
				b.logger.Debug("dropping subscriber after write failure", "match_id", matchID, "error", err)
				b.unsubscribe(sub)
			}
			return nil
		}
		delta := DeltaOf(prev, curr)
		payload = delta.toWire()
		if b.metrics != nil {
			b.metrics.SnapshotsDelta.Inc()
		}
	}

	if err := sub.Conn.WriteJSON(payload); err != nil {
		b.logger.Debug("dropping subscriber after write failure", "match_id", matchID, "error", err)
		b.unsubscribe(sub)
		return nil
	}

	sub.mu.Lock()
	sub.lastSentTick = currentTick
	sub.mu.Unlock()
	return nil
}

// Run starts a goroutine that calls Tick for matchID every interval
// until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context, matchID string, interval time.Duration, currentTick func() uint64) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.Tick(ctx, matchID, currentTick()); err != nil {
					b.logger.Warn("fan-out tick failed", "match_id", matchID, "error", err)
				}
			}
		}
	}()
}
