package controlplaneapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/autoscaler"
	"github.com/freitascorp/meridian/internal/errs"
	"github.com/freitascorp/meridian/internal/matchrouter"
	"github.com/freitascorp/meridian/internal/proxy"
	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// Scope names required of the bearer token for each operation group.
const (
	ScopeNodesWrite   = "cluster.nodes.write"
	ScopeNodesRead    = "cluster.nodes.read"
	ScopeMatchesWrite = "cluster.matches.write"
	ScopeMatchesRead  = "cluster.matches.read"
	ScopeMatchesJoin  = "cluster.matches.join"
	ScopeProxy        = "cluster.proxy"
)

// Server is the control plane's HTTP façade.
type Server struct {
	nodes      *registry.Registry
	matches    *matchrouter.Router
	autoscaler *autoscaler.Autoscaler
	proxy      *proxy.Proxy
	validator  auth.Validator
	metrics    *telemetry.Registry
}

// Config wires the façade's collaborators.
type Config struct {
	Nodes      *registry.Registry
	Matches    *matchrouter.Router
	Autoscaler *autoscaler.Autoscaler
	Proxy      *proxy.Proxy
	Validator  auth.Validator
	Metrics    *telemetry.Registry
}

// NewServer returns a Server over cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		nodes:      cfg.Nodes,
		matches:    cfg.Matches,
		autoscaler: cfg.Autoscaler,
		proxy:      cfg.Proxy,
		validator:  cfg.Validator,
		metrics:    cfg.Metrics,
	}
}

// Handler assembles the control plane's mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.HandleFunc("/metrics", telemetry.Handler(s.metrics))
	}

	mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
		// Listing needs read scope; registering a node needs write scope.
		scope := ScopeNodesRead
		if r.Method == http.MethodPost {
			scope = ScopeNodesWrite
		}
		requireScope(s.validator, scope, s.handleNodesCollection)(w, r)
	})
	mux.HandleFunc("/api/nodes/", s.handleNodeSubroute)

	mux.HandleFunc("/api/matches", s.handleMatchesCollection)
	mux.HandleFunc("/api/matches/", s.handleMatchSubroute)

	mux.HandleFunc("/proxy/", requireScope(s.validator, ScopeProxy, s.handleProxy))

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(errs.KindOf(err)), map[string]string{"error": err.Error()})
}

// handleNodesCollection answers POST /api/nodes (register) and
// GET /api/nodes (list + metrics).
func (s *Server) handleNodesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var info registry.NodeInfo
		if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
			writeErr(w, errs.Wrap(errs.InvalidArgument, err, "decode request"))
			return
		}
		id, err := s.nodes.Register(r.Context(), info)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"nodeId": string(id)})
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.nodes.List())
	default:
		http.NotFound(w, r)
	}
}

// handleNodeSubroute answers DELETE /api/nodes/{nid} and
// POST /api/nodes/{nid}/heartbeat.
func (s *Server) handleNodeSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/nodes/")
	parts := strings.SplitN(rest, "/", 2)
	nodeID := registry.NodeID(parts[0])
	if nodeID == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		handler := requireScope(s.validator, ScopeNodesWrite, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				http.NotFound(w, r)
				return
			}
			if err := s.nodes.Deregister(r.Context(), nodeID); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		handler(w, r)
		return
	}

	if parts[1] == "heartbeat" {
		handler := requireScope(s.validator, ScopeNodesWrite, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.NotFound(w, r)
				return
			}
			var metrics registry.Metrics
			if err := json.NewDecoder(r.Body).Decode(&metrics); err != nil {
				writeErr(w, errs.Wrap(errs.InvalidArgument, err, "decode request"))
				return
			}
			if err := s.nodes.Heartbeat(r.Context(), nodeID, metrics); err != nil {
				writeErr(w, err)
				return
			}
			w.WriteHeader(http.StatusOK)
		})
		handler(w, r)
		return
	}

	http.NotFound(w, r)
}

// handleMatchesCollection answers POST /api/matches and GET /api/matches.
func (s *Server) handleMatchesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		requireScope(s.validator, ScopeMatchesWrite, s.createMatch)(w, r)
	case http.MethodGet:
		requireScope(s.validator, ScopeMatchesRead, s.listMatches)(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) createMatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Modules         []string        `json:"modules"`
		PreferredNodeID registry.NodeID `json:"preferredNodeId"`
		PlayerLimit     int             `json:"playerLimit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, errs.Wrap(errs.InvalidArgument, err, "decode request"))
		return
	}
	entry, err := s.matches.CreateMatch(r.Context(), matchrouter.CreateRequest{
		Modules:         req.Modules,
		PreferredNodeID: req.PreferredNodeID,
		PlayerLimit:     req.PlayerLimit,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) listMatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.matches.List())
}

// handleMatchSubroute answers GET/DELETE /api/matches/{cmid} and
// POST /api/matches/{cmid}/join.
func (s *Server) handleMatchSubroute(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/matches/")
	parts := strings.SplitN(rest, "/", 2)
	cmid := parts[0]
	if cmid == "" {
		http.NotFound(w, r)
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			requireScope(s.validator, ScopeMatchesRead, func(w http.ResponseWriter, r *http.Request) {
				entry, ok := s.matches.Get(cmid)
				if !ok {
					writeErr(w, errs.New(errs.NotFound, "match %s not found", cmid))
					return
				}
				writeJSON(w, http.StatusOK, entry)
			})(w, r)
		case http.MethodDelete:
			requireScope(s.validator, ScopeMatchesWrite, func(w http.ResponseWriter, r *http.Request) {
				var req struct {
					LocalMatchID string `json:"localMatchId"`
				}
				json.NewDecoder(r.Body).Decode(&req)
				if err := s.matches.DeleteMatch(r.Context(), cmid, req.LocalMatchID); err != nil {
					writeErr(w, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})(w, r)
		default:
			http.NotFound(w, r)
		}
		return
	}

	if parts[1] == "join" {
		requireScope(s.validator, ScopeMatchesJoin, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.NotFound(w, r)
				return
			}
			var req struct {
				PlayerID string `json:"playerId"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErr(w, errs.Wrap(errs.InvalidArgument, err, "decode request"))
				return
			}
			result, err := s.matches.JoinMatch(r.Context(), cmid, req.PlayerID)
			if err != nil {
				writeErr(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		})(w, r)
		return
	}

	http.NotFound(w, r)
}

// handleProxy answers ANY /proxy/{nid}/{path...} by forwarding the
// request verbatim to the named node through internal/proxy.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/proxy/")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	nodeID := registry.NodeID(parts[0])
	path := "/"
	if len(parts) == 2 {
		path = "/" + parts[1]
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, errs.Wrap(errs.InvalidArgument, err, "read request body"))
		return
	}

	resp, err := s.proxy.Forward(r.Context(), nodeID, proxy.Request{
		Method: r.Method,
		Path:   path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
