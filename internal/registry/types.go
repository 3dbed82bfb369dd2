// Package registry is the control plane's node registry: it maintains
// liveness of engine nodes with a TTL, exposes health/capacity for the
// scheduler, and sweeps nodes that have gone quiet into EXPIRED, keyed
// to the saturation fields the scheduler needs.
package registry

import (
	"time"

	"github.com/freitascorp/meridian/internal/errs"
)

// NodeID uniquely identifies a registered engine node.
type NodeID string

// Status is a node's liveness state.
type Status string

const (
	StatusHealthy  Status = "HEALTHY"
	StatusDegraded Status = "DEGRADED"
	StatusExpired  Status = "EXPIRED"
)

// Capacity is a node's container-hosting budget and current load.
type Capacity struct {
	ActiveContainers int `json:"activeContainers"`
	MaxContainers    int `json:"maxContainers"`
}

// Saturation is activeContainers/maxContainers, the Scheduler and
// Autoscaler's load signal. A node with MaxContainers == 0 is fully
// saturated (never a scheduling candidate).
func (c Capacity) Saturation() float64 {
	if c.MaxContainers <= 0 {
		return 1
	}
	return float64(c.ActiveContainers) / float64(c.MaxContainers)
}

// Node is one registered engine process.
type Node struct {
	ID               NodeID    `json:"nodeId"`
	AdvertiseAddress string    `json:"advertiseAddress"`
	Capacity         Capacity  `json:"capacity"`
	LastHeartbeatAt  time.Time `json:"lastHeartbeatAt"`
	RegisteredAt     time.Time `json:"registeredAt"`
	Status           Status    `json:"status"`
}

// clone returns a value copy safe to hand to callers outside the lock
// that guards the live Node. Reads are not lock-free: the copy is taken
// under the shard's read lock.
func (n *Node) clone() *Node {
	cp := *n
	return &cp
}

// Metrics is the payload a node reports on each heartbeat.
type Metrics struct {
	Capacity Capacity
}

// NodeInfo is what a node supplies at registration time.
type NodeInfo struct {
	AdvertiseAddress string
	Capacity         Capacity
}

// DefaultHeartbeatInterval is the interval nodes are expected to
// heartbeat at.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultTTL is how long a node may go silent before the sweeper marks
// it EXPIRED.
const DefaultTTL = 30 * time.Second

// DefaultSweepInterval is how often the background sweeper scans for
// stale nodes.
const DefaultSweepInterval = 5 * time.Second

func errNodeNotFound(id NodeID) error {
	return errs.New(errs.NotFound, "node %s not found", id)
}
