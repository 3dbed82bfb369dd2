package container

import (
	"fmt"
	"time"

	"github.com/freitascorp/meridian/internal/errs"
)

// CreateMatch allocates a new local match within this container, bound
// to modules and an optional playerLimit (0 = unlimited). Returns the
// container-local match id the node API hands back to the Match Router
// for cluster-match-id composition.
func (c *Container) CreateMatch(modules []string, playerLimit int) (string, error) {
	c.matchesMu.Lock()
	defer c.matchesMu.Unlock()

	id := fmt.Sprintf("m-%d", len(c.matches)+1)
	for {
		if _, exists := c.matches[id]; !exists {
			break
		}
		id = fmt.Sprintf("m-%d-%d", len(c.matches)+1, time.Now().UnixNano()%1000)
	}

	c.nextHandle++
	c.matches[id] = &matchState{
		ID:          id,
		Modules:     append([]string(nil), modules...),
		PlayerLimit: playerLimit,
		Handle:      c.nextHandle,
		CreatedAt:   time.Now(),
	}
	return id, nil
}

// DeleteMatch removes a local match's bookkeeping. It does not delete
// the match's entities; callers that need that call DeleteEntity per
// entity in EntitiesInMatch(id) first (the node manager's delete_match
// action does this before calling DeleteMatch).
func (c *Container) DeleteMatch(id string) error {
	c.matchesMu.Lock()
	defer c.matchesMu.Unlock()
	if _, ok := c.matches[id]; !ok {
		return errs.New(errs.NotFound, "match %q not found in container %s", id, c.ID)
	}
	delete(c.matches, id)
	return nil
}

// CanAcceptPlayer reports whether id has room for one more player.
func (c *Container) CanAcceptPlayer(id string) (bool, error) {
	c.matchesMu.Lock()
	defer c.matchesMu.Unlock()
	m, ok := c.matches[id]
	if !ok {
		return false, errs.New(errs.NotFound, "match %q not found in container %s", id, c.ID)
	}
	if m.PlayerLimit <= 0 {
		return true, nil
	}
	return m.PlayerCount < m.PlayerLimit, nil
}

// WithPlayerCount atomically increments id's player count by delta,
// rejecting if the result would exceed PlayerLimit or go negative.
func (c *Container) WithPlayerCount(id string, delta int) (int, error) {
	c.matchesMu.Lock()
	defer c.matchesMu.Unlock()
	m, ok := c.matches[id]
	if !ok {
		return 0, errs.New(errs.NotFound, "match %q not found in container %s", id, c.ID)
	}
	next := m.PlayerCount + delta
	if next < 0 {
		return 0, errs.New(errs.InvalidArgument, "player count cannot go negative")
	}
	if m.PlayerLimit > 0 && next > m.PlayerLimit {
		return 0, errs.New(errs.CapacityExceeded, "match %q is full", id)
	}
	m.PlayerCount = next
	return next, nil
}

// matchHandle returns the float32 handle assigned to a local match id,
// used to stamp the MATCH_ID component without the store needing a
// string column type.
func (c *Container) matchHandle(matchID string) (float32, error) {
	if matchID == "" {
		return 0, nil
	}
	c.matchesMu.Lock()
	defer c.matchesMu.Unlock()
	m, ok := c.matches[matchID]
	if !ok {
		return 0, errs.New(errs.NotFound, "match %q not found in container %s", matchID, c.ID)
	}
	return m.Handle, nil
}
