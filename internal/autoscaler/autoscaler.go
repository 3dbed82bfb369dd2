// Package autoscaler watches cluster-wide node saturation and emits
// scale-up/scale-down recommendations on a timer. It never executes a
// recommendation itself: every external action sits behind a narrow
// interface (pkg/notify, the relay's NodeClient), so executing a
// recommendation is left to an external collaborator; the autoscaler
// only records the event and, if configured, forwards it to an
// operator notification sink.
package autoscaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/pkg/audit"
	"github.com/freitascorp/meridian/pkg/notify"
)

// Direction is a scale recommendation's direction.
type Direction string

const (
	ScaleUp   Direction = "UP"
	ScaleDown Direction = "DOWN"
)

const (
	DefaultScaleUpThreshold   = 0.8
	DefaultScaleDownThreshold = 0.3
	DefaultCooldown           = 300 * time.Second
	DefaultEvalInterval       = 30 * time.Second
)

// Recommendation is one scale decision emitted by the autoscaler.
type Recommendation struct {
	Direction  Direction
	Saturation float64
	At         time.Time
	Reason     string
}

// Config configures an Autoscaler.
type Config struct {
	Nodes *registry.Registry

	// ScaleUpThreshold/ScaleDownThreshold gate the recommendation
	// direction against cluster saturation. Zero values fall back to
	// DefaultScaleUpThreshold/DefaultScaleDownThreshold.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// Cooldown is the minimum gap enforced between two recommendations
	// of the same direction. Zero falls back to DefaultCooldown.
	Cooldown time.Duration

	// EvalInterval is a plain-interval evaluation cadence. Leave zero
	// and set CronExpr instead to evaluate on a cron schedule.
	EvalInterval time.Duration

	// CronExpr, if set, overrides EvalInterval with a cron-expression
	// cadence (e.g. "*/1 * * * *" for once a minute), evaluated via
	// github.com/adhocore/gronx.
	CronExpr string

	Notifier notify.Notifier
	Audit    *audit.Logger
	Logger   *slog.Logger
}

// Autoscaler periodically evaluates cluster saturation and emits
// scale recommendations, subject to a same-direction cooldown.
type Autoscaler struct {
	nodes *registry.Registry

	scaleUpThreshold   float64
	scaleDownThreshold float64
	cooldown           time.Duration
	evalInterval       time.Duration
	cronExpr           string
	cron               gronx.Gronx

	notifier notify.Notifier
	audit    *audit.Logger
	logger   *slog.Logger

	mu           sync.Mutex
	lastByDir    map[Direction]time.Time
	recommended  []Recommendation
}

// New returns an Autoscaler reading live node state from cfg.Nodes.
func New(cfg Config) *Autoscaler {
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = DefaultScaleUpThreshold
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = DefaultScaleDownThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = DefaultEvalInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NoopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Autoscaler{
		nodes:              cfg.Nodes,
		scaleUpThreshold:   cfg.ScaleUpThreshold,
		scaleDownThreshold: cfg.ScaleDownThreshold,
		cooldown:           cfg.Cooldown,
		evalInterval:       cfg.EvalInterval,
		cronExpr:           cfg.CronExpr,
		notifier:           cfg.Notifier,
		audit:              cfg.Audit,
		logger:             cfg.Logger,
		lastByDir:          make(map[Direction]time.Time),
	}
	a.cron = gronx.New()
	return a
}

// ClusterSaturation returns Σ activeContainers / Σ maxContainers across
// every HEALTHY node. A cluster with zero capacity reports saturation 0.
func (a *Autoscaler) ClusterSaturation() float64 {
	nodes := a.nodes.Healthy()
	var active, max int
	for _, n := range nodes {
		active += n.Capacity.ActiveContainers
		max += n.Capacity.MaxContainers
	}
	if max == 0 {
		return 0
	}
	return float64(active) / float64(max)
}

// Run blocks, evaluating saturation on the configured cadence until ctx
// is cancelled.
func (a *Autoscaler) Run(ctx context.Context) error {
	if a.cronExpr != "" {
		return a.runCron(ctx)
	}
	return a.runInterval(ctx)
}

func (a *Autoscaler) runInterval(ctx context.Context) error {
	ticker := time.NewTicker(a.evalInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.evaluate(ctx)
		}
	}
}

func (a *Autoscaler) runCron(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := a.cron.IsDue(a.cronExpr, now)
			if err != nil {
				a.logger.Error("autoscaler: invalid cron expression", "expr", a.cronExpr, "error", err)
				continue
			}
			if due {
				a.evaluate(ctx)
			}
		}
	}
}

// evaluate computes current saturation and, subject to cooldown, emits
// a recommendation when a threshold is crossed.
func (a *Autoscaler) evaluate(ctx context.Context) {
	sat := a.ClusterSaturation()

	var dir Direction
	switch {
	case sat > a.scaleUpThreshold:
		dir = ScaleUp
	case sat < a.scaleDownThreshold:
		dir = ScaleDown
	default:
		return
	}

	a.mu.Lock()
	last, seen := a.lastByDir[dir]
	if seen && time.Since(last) < a.cooldown {
		a.mu.Unlock()
		return
	}
	now := time.Now()
	a.lastByDir[dir] = now
	rec := Recommendation{
		Direction:  dir,
		Saturation: sat,
		At:         now,
		Reason:     fmt.Sprintf("cluster saturation %.2f crossed %s threshold", sat, dir),
	}
	a.recommended = append(a.recommended, rec)
	a.mu.Unlock()

	a.logger.Info("autoscaler recommendation", "direction", dir, "saturation", sat)

	if a.audit != nil {
		delta := 1
		if dir == ScaleDown {
			delta = -1
		}
		if err := a.audit.LogAutoscaleRecommendation(ctx, rec.Reason, delta); err != nil {
			a.logger.Warn("autoscaler: failed to write audit event", "error", err)
		}
	}

	title := fmt.Sprintf("autoscaler: recommend scale %s", dir)
	if err := a.notifier.Notify(ctx, title, rec.Reason); err != nil {
		a.logger.Warn("autoscaler: notification failed", "error", err)
	}
}

// Recommendations returns every recommendation emitted so far, oldest
// first.
func (a *Autoscaler) Recommendations() []Recommendation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Recommendation, len(a.recommended))
	copy(out, a.recommended)
	return out
}
