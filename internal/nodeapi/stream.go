package nodeapi

import (
	"net/http"
	"strings"

	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/snapshot"
)

// handleStream answers the container-scoped WebSocket streams:
//
//	/ws/containers/{cid}/matches/{mid}/snapshot
//	/ws/containers/{cid}/matches/{mid}/delta
//	/ws/containers/{cid}/matches/{mid}/players/{pid}/snapshot
//	/ws/containers/{cid}/matches/{mid}/players/{pid}/delta
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/ws/containers/")
	parts := strings.Split(rest, "/")
	// cid / "matches" / mid / ("snapshot"|"delta"|"players"/pid/"snapshot"|"delta")
	if len(parts) < 4 || parts[1] != "matches" {
		http.NotFound(w, r)
		return
	}
	cid, mid := parts[0], parts[2]

	e, ok := s.manager.get(cid)
	if !ok {
		writeErr(w, errs.New(errs.NotFound, "container %s not found", cid))
		return
	}

	var playerScoped bool
	var playerID string
	var ownerHandle float32
	switch {
	case len(parts) == 4 && (parts[3] == "snapshot" || parts[3] == "delta"):
		// match-scoped stream, nothing further to parse
	case len(parts) == 6 && parts[3] == "players" && (parts[5] == "snapshot" || parts[5] == "delta"):
		playerScoped = true
		playerID = parts[4]
		ownerHandle = e.container.PlayerHandle(playerID)
	default:
		http.NotFound(w, r)
		return
	}

	principal, err := authenticateWS(s.validator, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := principal.RequireScope(ScopeStreamsRead); err != nil {
		writeErr(w, err)
		return
	}
	// A match-scoped token with no bound playerId may open the full
	// (non-player-scoped) match stream; a match-scoped token carrying a
	// playerId may only open that player's own stream. Cluster-level
	// tokens always pass.
	if err := principal.RequireBinding(mid, playerID); err != nil {
		writeErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &snapshot.Subscriber{
		MatchID:      mid,
		PlayerScoped: playerScoped,
		OwnerHandle:  ownerHandle,
		Conn:         conn,
	}
	e.broadcaster.Subscribe(sub)

	// Block reading client frames (reset requests) until the connection
	// closes; the broadcaster drives all outbound writes off the tick loop.
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if strings.TrimSpace(string(msg)) == "reset" {
			sub.Reset()
		}
	}
}

// handleErrorStream answers /ws/matches/{mid}/players/{pid}/errors. The
// container that owns matchID is not known from the URL alone, so every
// hosted container's error hub is subscribed; only the one that ever
// sees a command for (mid, pid) will write anything.
func (s *Server) handleErrorStream(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/ws/matches/")
	parts := strings.Split(rest, "/")
	if len(parts) != 4 || parts[1] != "players" || parts[3] != "errors" {
		http.NotFound(w, r)
		return
	}
	matchID, playerID := parts[0], parts[2]

	principal, err := authenticateWS(s.validator, r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := principal.RequireScope(ScopeStreamsRead); err != nil {
		writeErr(w, err)
		return
	}
	if err := principal.RequireBinding(matchID, playerID); err != nil {
		writeErr(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.manager.mu.RLock()
	for _, e := range s.manager.entries {
		e.errHub.Subscribe(matchID, playerID, conn)
	}
	s.manager.mu.RUnlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
