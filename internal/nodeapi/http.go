package nodeapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/container"
	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// Server is the HTTP+WebSocket façade an engine node exposes directly
// to callers (and, indirectly, to the control plane's reverse proxy).
// Every route other than /healthz and /metrics requires a bearer token
// the validator accepts; match-scoped tokens are additionally bound to
// the stream's (matchId, playerId) via auth.Principal.RequireBinding.
type Server struct {
	manager   *Manager
	metrics   *telemetry.Registry
	validator auth.Validator
	upgrader  websocket.Upgrader
}

// NewServer wires an HTTP mux around manager, authenticating every
// request against validator.
func NewServer(manager *Manager, metricsRegistry *telemetry.Registry, validator auth.Validator) *Server {
	return &Server{
		manager:   manager,
		metrics:   metricsRegistry,
		validator: validator,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

// Handler returns the assembled mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.HandleFunc("/metrics", telemetry.Handler(s.metrics))
	}

	mux.HandleFunc("/api/containers", requireScope(s.validator, ScopeContainersWrite, s.handleContainers))
	mux.HandleFunc("/api/containers/", requireAuth(s.validator, s.handleContainerSubroute))

	// handleStream and handleErrorStream authenticate themselves: the
	// token rides the WebSocket upgrade (Sec-WebSocket-Protocol or
	// ?token=), not a header a mux-level wrapper could read uniformly
	// with the HTTP routes above.
	mux.HandleFunc("/ws/containers/", s.handleStream)
	mux.HandleFunc("/ws/matches/", s.handleErrorStream)

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(errs.KindOf(err)), map[string]string{"error": err.Error()})
}

// handleContainers answers POST /api/containers.
func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req struct {
		Modules []string `json:"modules"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, errs.Wrap(errs.InvalidArgument, err, "decode request"))
		return
	}
	id, err := s.manager.CreateContainer(req.Modules)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"containerId": id})
}

// handleContainerSubroute dispatches every /api/containers/{cid}/... path.
func (s *Server) handleContainerSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/containers/")
	parts := strings.SplitN(rest, "/", 2)
	cid := parts[0]
	if cid == "" {
		http.NotFound(w, r)
		return
	}
	c, ok := s.manager.Get(cid)
	if !ok {
		writeErr(w, errs.New(errs.NotFound, "container %s not found", cid))
		return
	}
	if len(parts) == 1 {
		if r.Method == http.MethodDelete {
			if !checkScope(w, r, ScopeContainersWrite) {
				return
			}
			if err := s.manager.DeleteContainer(cid); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
		return
	}

	switch parts[1] {
	case "start":
		s.handleLifecycle(w, r, c, c.Start)
	case "stop":
		s.handleLifecycle(w, r, c, c.Stop)
	case "pause":
		s.handleLifecycle(w, r, c, func() error { c.Pause(); return nil })
	case "resume":
		s.handleLifecycle(w, r, c, func() error { c.Resume(); return nil })
	case "tick":
		s.handleTick(w, r, c)
	case "play":
		s.handlePlay(w, r, c)
	case "stop-auto":
		s.handleLifecycle(w, r, c, func() error { c.StopAuto(); return nil })
	case "stats":
		s.handleStats(w, r, c)
	case "matches":
		s.handleCreateMatch(w, r, cid, c)
	case "commands":
		s.handleCommands(w, r, cid, c)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request, c *container.Container, fn func() error) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !checkScope(w, r, ScopeContainersWrite) {
		return
	}
	if err := fn(); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": c.State().String()})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request, c *container.Container) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !checkScope(w, r, ScopeContainersWrite) {
		return
	}
	tick, err := c.Advance(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"tick": tick})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request, c *container.Container) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !checkScope(w, r, ScopeContainersWrite) {
		return
	}
	intervalMs := 50
	if v := r.URL.Query().Get("intervalMs"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			intervalMs = parsed
		}
	}
	c.Play(intervalMs)
	writeJSON(w, http.StatusOK, map[string]int{"intervalMs": intervalMs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, c *container.Container) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	if !checkScope(w, r, ScopeContainersRead) {
		return
	}
	writeJSON(w, http.StatusOK, c.Stats())
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request, cid string, c *container.Container) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	if !checkScope(w, r, ScopeContainersWrite) {
		return
	}
	var req struct {
		Modules     []string `json:"modules"`
		PlayerLimit int      `json:"playerLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, errs.Wrap(errs.InvalidArgument, err, "decode request"))
		return
	}
	matchID, err := c.CreateMatch(req.Modules, req.PlayerLimit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"matchId": matchID})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request, cid string, c *container.Container) {
	switch r.Method {
	case http.MethodPost:
		if !checkScope(w, r, ScopeCommandsWrite) {
			return
		}
		var req struct {
			CommandName string             `json:"commandName"`
			MatchID     string             `json:"matchId"`
			SubmitterID string             `json:"submitterId"`
			Parameters  map[string]float32 `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, errs.Wrap(errs.InvalidArgument, err, "decode request"))
			return
		}
		err := c.SubmitCommand(container.Command{
			Name:        req.CommandName,
			MatchID:     req.MatchID,
			SubmitterID: req.SubmitterID,
			Payload:     req.Parameters,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
	case http.MethodGet:
		if !checkScope(w, r, ScopeContainersRead) {
			return
		}
		var names []string
		for _, d := range c.Modules().Ordered() {
			for _, cmd := range d.Commands {
				names = append(names, cmd.Name)
			}
		}
		writeJSON(w, http.StatusOK, names)
	default:
		http.NotFound(w, r)
	}
}
