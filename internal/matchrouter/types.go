// Package matchrouter is the control plane's match router: it asks the
// Scheduler for a node, provisions a container+match there, and keeps
// the authoritative cluster-wide match registry, following a
// validate-then-dispatch-then-record-audit shape narrowed to
// dispatch-to-one-node.
package matchrouter

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Status is a MatchRegistryEntry's lifecycle state.
type Status string

const (
	StatusCreating Status = "CREATING"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusError    Status = "ERROR"
)

// Entry is the control plane's record of one cluster-wide match.
type Entry struct {
	ClusterMatchID   string
	NodeID           string
	ContainerID      string
	ModuleNames      []string
	AdvertiseAddress string
	StreamURLs       []string
	PlayerCount      int
	PlayerLimit      int
	Status           Status
	ErrorReason      string
}

// CanAcceptPlayer is the Entry invariant: canAcceptPlayer ⇔
// playerLimit = 0 ∨ playerCount < playerLimit.
func (e *Entry) CanAcceptPlayer() bool {
	return e.PlayerLimit == 0 || e.PlayerCount < e.PlayerLimit
}

// running returns an immutable copy of e transitioned to RUNNING.
func (e *Entry) running() *Entry {
	cp := *e
	cp.Status = StatusRunning
	return &cp
}

// failed returns an immutable copy of e transitioned to ERROR.
func (e *Entry) failed(reason string) *Entry {
	cp := *e
	cp.Status = StatusError
	cp.ErrorReason = reason
	return &cp
}

// withPlayerCount returns an immutable copy of e with count players,
// or nil if count is negative or exceeds PlayerLimit.
func (e *Entry) withPlayerCount(count int) *Entry {
	if count < 0 {
		return nil
	}
	if e.PlayerLimit > 0 && count > e.PlayerLimit {
		return nil
	}
	cp := *e
	cp.PlayerCount = count
	return &cp
}

// clusterMatchID deterministically and printably composes a
// cluster-wide match id from a node id, container id, and the node's
// own local match id.
func clusterMatchID(nodeID, containerID, localMatchID string) string {
	sum := sha256.Sum256([]byte(nodeID + "\x00" + containerID + "\x00" + localMatchID))
	return "m_" + hex.EncodeToString(sum[:])[:16]
}

// streamURLs rewrites an advertise address (host:port) into the
// ws[s]:// stream URLs a client opens directly against the node.
func streamURLs(advertiseAddress, localMatchID string, tls bool) []string {
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	base := strings.TrimSuffix(advertiseAddress, "/")
	return []string{
		scheme + "://" + base + "/streams/" + localMatchID + "/snapshot",
		scheme + "://" + base + "/streams/" + localMatchID + "/commands",
	}
}
