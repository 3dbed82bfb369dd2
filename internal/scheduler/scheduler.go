// Package scheduler picks which engine node should host a new match.
// Grounded on pkg/fleet/types.go's TargetSelector.Resolve filtering
// style, generalized from label/group fan-out targeting to a single
// least-saturated-candidate pick.
package scheduler

import (
	"sort"

	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/registry"
)

// Request describes a placement ask.
type Request struct {
	Modules         []string
	PreferredNodeID registry.NodeID
	PlayerLimit     int
}

// Scheduler picks a node from a Registry.
type Scheduler struct {
	nodes *registry.Registry
}

// New returns a Scheduler reading live node state from nodes.
func New(nodes *registry.Registry) *Scheduler {
	return &Scheduler{nodes: nodes}
}

// Pick implements the placement algorithm:
//  1. candidates = nodes with status HEALTHY and activeContainers < maxContainers
//  2. if req.PreferredNodeID is a candidate, return it
//  3. else return the candidate with lowest saturation, ties broken by
//     most recent lastHeartbeatAt, then lexicographically by nodeId
//  4. if candidates is empty, fail NoCapacity
func (s *Scheduler) Pick(req Request) (registry.NodeID, error) {
	var candidates []*registry.Node
	for _, n := range s.nodes.Healthy() {
		if n.Capacity.ActiveContainers < n.Capacity.MaxContainers {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return "", errs.New(errs.CapacityExceeded, "no capacity: no healthy node has spare container slots")
	}

	if req.PreferredNodeID != "" {
		for _, n := range candidates {
			if n.ID == req.PreferredNodeID {
				return n.ID, nil
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		satA, satB := a.Capacity.Saturation(), b.Capacity.Saturation()
		if satA != satB {
			return satA < satB
		}
		if !a.LastHeartbeatAt.Equal(b.LastHeartbeatAt) {
			return a.LastHeartbeatAt.After(b.LastHeartbeatAt)
		}
		return a.ID < b.ID
	})
	return candidates[0].ID, nil
}
