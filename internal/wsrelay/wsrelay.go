// Package wsrelay is the control-plane↔node tunnel: engine nodes dial
// out to the control plane over WebSocket (no inbound node ports
// required), register, and then receive container commands and answer
// with results/stats over the same connection. Adapted from
// pkg/relay/ws_relay.go's WSServer/WSTunnel/WSAgent shape — the
// fleet-command-and-shell-exec domain generalized to engine-node
// container commands, reusing that package's transport-agnostic mTLS
// helpers (pkg/relay.MTLSConfig/ServerTLSConfig/ClientTLSConfig/
// VerifyClientCert) unchanged.
package wsrelay

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/pkg/relay"
)

// Command is a container-command sent from the control plane to a node
// over the tunnel: create/delete container or match, submit a player
// command, or request stats.
type Command struct {
	Action      string          `json:"action"` // "create_container", "create_match", "delete_container", "delete_match", "submit_command", "stats"
	ContainerID string          `json:"container_id,omitempty"`
	MatchID     string          `json:"match_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Result is a node's answer to a Command.
type Result struct {
	Status  string          `json:"status"` // "ok", "error"
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Executor runs a Command locally on an engine node and returns its
// Result. Implemented by the node-side HTTP façade wiring the
// internal/container manager.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (*Result, error)
}

// wireMessage is the tunnel's wire format.
type wireMessage struct {
	Type      string          `json:"type"` // "register", "registered", "command", "result", "ping", "pong"
	RequestID string          `json:"request_id,omitempty"`
	NodeID    string          `json:"node_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// ServerConfig configures a Server.
type ServerConfig struct {
	ListenAddr   string
	AuthToken    string // shared-secret fallback when MTLS is not configured
	MaxNodes     int
	PingInterval time.Duration
	MTLS         *relay.MTLSConfig
}

// Server accepts inbound tunnel connections from engine nodes and
// relays commands to them.
type Server struct {
	config ServerConfig
	logger *slog.Logger

	mu      sync.RWMutex
	tunnels map[registry.NodeID]*tunnel
	httpSrv *http.Server
}

type tunnel struct {
	nodeID      registry.NodeID
	conn        *websocket.Conn
	connectedAt time.Time
	lastPing    time.Time
	remoteAddr  string

	mu      sync.Mutex
	pending map[string]chan *Result
}

// NewServer creates a tunnel server.
func NewServer(config ServerConfig, logger *slog.Logger) *Server {
	if config.MaxNodes <= 0 {
		config.MaxNodes = 1000
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:  config,
		logger:  logger,
		tunnels: make(map[registry.NodeID]*tunnel),
	}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel/node", s.handleNodeConnect)
	mux.HandleFunc("/tunnel/health", s.handleHealth)
	return mux
}

// Start serves the tunnel endpoint until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.buildMux()
	s.httpSrv = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("tunnel server starting", "addr", s.config.ListenAddr)
	go s.pingLoop(ctx)

	var err error
	if s.config.MTLS != nil && s.config.MTLS.CACertFile != "" {
		tlsCfg, tlsErr := relay.ServerTLSConfig(*s.config.MTLS)
		if tlsErr != nil {
			return fmt.Errorf("mTLS setup: %w", tlsErr)
		}
		s.httpSrv.TLSConfig = tlsCfg
		listener, lisErr := tls.Listen("tcp", s.config.ListenAddr, tlsCfg)
		if lisErr != nil {
			return lisErr
		}
		err = s.httpSrv.Serve(listener)
	} else {
		if !strings.HasPrefix(s.config.ListenAddr, "127.0.0.1") && !strings.HasPrefix(s.config.ListenAddr, "localhost") {
			s.logger.Warn("tunnel server starting WITHOUT TLS on non-localhost address", "addr", s.config.ListenAddr)
		}
		err = s.httpSrv.ListenAndServe()
	}

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the tunnel server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, t := range s.tunnels {
		t.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.tunnels = make(map[registry.NodeID]*tunnel)
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleNodeConnect(w http.ResponseWriter, r *http.Request) {
	var mtlsIdentity *relay.ClientIdentity
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		id, err := relay.VerifyClientCert(r.TLS)
		if err != nil {
			s.logger.Warn("mTLS client cert verification failed", "error", err, "remote", r.RemoteAddr)
			http.Error(w, "certificate verification failed", http.StatusForbidden)
			return
		}
		mtlsIdentity = id
	} else if s.config.AuthToken != "" {
		token := r.Header.Get("Authorization")
		expected := "Bearer " + s.config.AuthToken
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else if s.config.MTLS != nil && s.config.MTLS.RequireClientCert {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}

	ctx := r.Context()
	var regMsg wireMessage
	if err := wsjson.Read(ctx, conn, &regMsg); err != nil {
		s.logger.Error("failed to read registration", "error", err)
		conn.Close(websocket.StatusProtocolError, "registration failed")
		return
	}
	if regMsg.Type != "register" {
		conn.Close(websocket.StatusProtocolError, "expected register message")
		return
	}

	nodeID := registry.NodeID(regMsg.NodeID)
	if nodeID == "" {
		if mtlsIdentity != nil {
			nodeID = registry.NodeID(mtlsIdentity.NodeID)
		} else {
			conn.Close(websocket.StatusProtocolError, "node_id required")
			return
		}
	}
	if mtlsIdentity != nil && string(nodeID) != mtlsIdentity.NodeID {
		conn.Close(websocket.StatusProtocolError, "node_id does not match certificate CN")
		return
	}

	s.mu.Lock()
	if len(s.tunnels) >= s.config.MaxNodes {
		s.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "max nodes reached")
		return
	}
	if existing, ok := s.tunnels[nodeID]; ok {
		existing.conn.Close(websocket.StatusGoingAway, "reconnecting")
	}
	t := &tunnel{
		nodeID:      nodeID,
		conn:        conn,
		connectedAt: time.Now(),
		lastPing:    time.Now(),
		remoteAddr:  r.RemoteAddr,
		pending:     make(map[string]chan *Result),
	}
	s.tunnels[nodeID] = t
	s.mu.Unlock()

	s.logger.Info("node tunnel connected", "node_id", nodeID, "remote_addr", r.RemoteAddr)
	wsjson.Write(ctx, conn, wireMessage{Type: "registered", NodeID: string(nodeID), Timestamp: time.Now()})

	s.processNodeMessages(ctx, t)

	s.mu.Lock()
	if current, ok := s.tunnels[nodeID]; ok && current == t {
		delete(s.tunnels, nodeID)
	}
	s.mu.Unlock()
	s.logger.Info("node tunnel disconnected", "node_id", nodeID)
}

func (s *Server) processNodeMessages(ctx context.Context, t *tunnel) {
	for {
		var msg wireMessage
		if err := wsjson.Read(ctx, t.conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Error("error reading from node", "node_id", t.nodeID, "error", err)
			}
			return
		}
		switch msg.Type {
		case "result":
			var result Result
			if msg.Payload != nil {
				json.Unmarshal(msg.Payload, &result)
			}
			t.mu.Lock()
			if ch, ok := t.pending[msg.RequestID]; ok {
				ch <- &result
				delete(t.pending, msg.RequestID)
			}
			t.mu.Unlock()
		case "pong":
			t.lastPing = time.Now()
		}
	}
}

// SendCommand sends cmd to nodeID and blocks for its Result, or until
// ctx is cancelled.
func (s *Server) SendCommand(ctx context.Context, nodeID registry.NodeID, cmd Command) (*Result, error) {
	s.mu.RLock()
	t, ok := s.tunnels[nodeID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no active tunnel for node %s", nodeID)
	}

	requestID := fmt.Sprintf("cmd-%d", time.Now().UnixNano())
	resultCh := make(chan *Result, 1)
	t.mu.Lock()
	t.pending[requestID] = resultCh
	t.mu.Unlock()

	payload, _ := json.Marshal(cmd)
	msg := wireMessage{Type: "command", RequestID: requestID, NodeID: string(nodeID), Payload: payload, Timestamp: time.Now()}
	if err := wsjson.Write(ctx, t.conn, msg); err != nil {
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
		return nil, fmt.Errorf("send command to %s: %w", nodeID, err)
	}

	select {
	case result := <-resultCh:
		return result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// ConnectedNodeIDs returns the currently tunneled node IDs.
func (s *Server) ConnectedNodeIDs() []registry.NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]registry.NodeID, 0, len(s.tunnels))
	for id := range s.tunnels {
		ids = append(ids, id)
	}
	return ids
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	count := len(s.tunnels)
	s.mu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connected_nodes": count, "max_nodes": s.config.MaxNodes})
}

func (s *Server) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.RLock()
			for nodeID, t := range s.tunnels {
				if err := wsjson.Write(ctx, t.conn, wireMessage{Type: "ping", Timestamp: time.Now()}); err != nil {
					s.logger.Warn("ping failed", "node_id", nodeID, "error", err)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// Client implements matchrouter.NodeClient on top of a tunnel Server,
// so the Match Router's outbound calls travel the same no-inbound-ports
// tunnel as everything else.
type Client struct {
	server *Server
}

// NewClient returns a matchrouter.NodeClient backed by server.
func NewClient(server *Server) *Client { return &Client{server: server} }

func (c *Client) call(ctx context.Context, nodeID registry.NodeID, cmd Command) (*Result, error) {
	result, err := c.server.SendCommand(ctx, nodeID, cmd)
	if err != nil {
		return nil, err
	}
	if result.Status != "ok" {
		return nil, fmt.Errorf("node %s: %s", nodeID, result.Error)
	}
	return result, nil
}

func (c *Client) CreateContainer(ctx context.Context, node *registry.Node, modules []string) (string, error) {
	payload, _ := json.Marshal(modules)
	result, err := c.call(ctx, node.ID, Command{Action: "create_container", Payload: payload})
	if err != nil {
		return "", err
	}
	var out struct {
		ContainerID string `json:"container_id"`
	}
	json.Unmarshal(result.Payload, &out)
	return out.ContainerID, nil
}

func (c *Client) CreateMatch(ctx context.Context, node *registry.Node, containerID string, modules []string, playerLimit int) (string, error) {
	payload, _ := json.Marshal(struct {
		Modules     []string `json:"modules"`
		PlayerLimit int      `json:"player_limit"`
	}{modules, playerLimit})
	result, err := c.call(ctx, node.ID, Command{Action: "create_match", ContainerID: containerID, Payload: payload})
	if err != nil {
		return "", err
	}
	var out struct {
		MatchID string `json:"match_id"`
	}
	json.Unmarshal(result.Payload, &out)
	return out.MatchID, nil
}

func (c *Client) DeleteContainer(ctx context.Context, node *registry.Node, containerID string) error {
	_, err := c.call(ctx, node.ID, Command{Action: "delete_container", ContainerID: containerID})
	return err
}

func (c *Client) DeleteMatch(ctx context.Context, node *registry.Node, containerID, localMatchID string) error {
	_, err := c.call(ctx, node.ID, Command{Action: "delete_match", ContainerID: containerID, MatchID: localMatchID})
	return err
}

// Agent runs on each engine node, dialing out to the control plane and
// executing commands through exec.
type Agent struct {
	nodeID    registry.NodeID
	relayAddr string
	authToken string
	mtls      *relay.MTLSConfig
	heartbeat time.Duration
	reconnect time.Duration
	exec      Executor
	logger    *slog.Logger

	mu        sync.RWMutex
	connected bool
	stopCh    chan struct{}
}

// AgentConfig configures an Agent.
type AgentConfig struct {
	NodeID            registry.NodeID
	RelayAddr         string
	AuthToken         string
	MTLS              *relay.MTLSConfig
	HeartbeatInterval time.Duration
	ReconnectInterval time.Duration
}

// NewAgent creates a node-side tunnel agent.
func NewAgent(cfg AgentConfig, exec Executor, logger *slog.Logger) *Agent {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		nodeID:    cfg.NodeID,
		relayAddr: cfg.RelayAddr,
		authToken: cfg.AuthToken,
		mtls:      cfg.MTLS,
		heartbeat: cfg.HeartbeatInterval,
		reconnect: cfg.ReconnectInterval,
		exec:      exec,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Run connects to the control plane and serves commands, reconnecting
// automatically until ctx is cancelled or Stop is called.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		default:
		}

		if err := a.connectAndServe(ctx); err != nil {
			a.logger.Error("tunnel connection lost, reconnecting", "error", err, "retry_in", a.reconnect)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		case <-time.After(a.reconnect):
		}
	}
}

// Stop gracefully stops the agent.
func (a *Agent) Stop() { close(a.stopCh) }

// IsConnected reports whether the agent currently holds a live tunnel.
func (a *Agent) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Agent) connectAndServe(ctx context.Context) error {
	wsURL := a.relayAddr
	if !strings.HasPrefix(wsURL, "ws://") && !strings.HasPrefix(wsURL, "wss://") {
		wsURL = "wss://" + wsURL
	}
	if !strings.Contains(wsURL, "/tunnel/node") {
		wsURL += "/tunnel/node"
	}

	dialOpts := &websocket.DialOptions{}
	if a.mtls != nil && a.mtls.ClientCertFile != "" {
		tlsCfg, err := relay.ClientTLSConfig(*a.mtls)
		if err != nil {
			return fmt.Errorf("mTLS client setup: %w", err)
		}
		dialOpts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}
	}
	if a.authToken != "" {
		dialOpts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + a.authToken}}
	}

	conn, _, err := websocket.Dial(ctx, wsURL, dialOpts)
	if err != nil {
		return fmt.Errorf("dial tunnel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "agent stopping")

	regMsg := wireMessage{Type: "register", NodeID: string(a.nodeID), Timestamp: time.Now()}
	if err := wsjson.Write(ctx, conn, regMsg); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}
	var ack wireMessage
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("read registration ack: %w", err)
	}
	if ack.Type != "registered" {
		return fmt.Errorf("unexpected ack type: %s", ack.Type)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	}()

	a.logger.Info("connected to control plane", "node_id", a.nodeID)

	errCh := make(chan error, 1)
	go func() { errCh <- a.processMessages(ctx, conn) }()

	ticker := time.NewTicker(a.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopCh:
			return nil
		case err := <-errCh:
			return err
		case <-ticker.C:
			if err := wsjson.Write(ctx, conn, wireMessage{Type: "pong", NodeID: string(a.nodeID), Timestamp: time.Now()}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func (a *Agent) processMessages(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg wireMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		switch msg.Type {
		case "command":
			go a.handleCommand(ctx, conn, msg)
		case "ping":
			wsjson.Write(ctx, conn, wireMessage{Type: "pong", NodeID: string(a.nodeID), Timestamp: time.Now()})
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, conn *websocket.Conn, msg wireMessage) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		wsjson.Write(ctx, conn, wireMessage{Type: "result", RequestID: msg.RequestID, NodeID: string(a.nodeID), Error: fmt.Sprintf("unmarshal command: %v", err), Timestamp: time.Now()})
		return
	}

	result, err := a.exec.Execute(ctx, cmd)
	if err != nil {
		result = &Result{Status: "error", Error: err.Error()}
	}

	payload, _ := json.Marshal(result)
	wsjson.Write(ctx, conn, wireMessage{Type: "result", RequestID: msg.RequestID, NodeID: string(a.nodeID), Payload: payload, Timestamp: time.Now()})
}
