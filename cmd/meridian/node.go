package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/freitascorp/meridian/internal/module"
	"github.com/freitascorp/meridian/internal/nodeapi"
	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/internal/wsrelay"
	"github.com/freitascorp/meridian/pkg/config"
	"github.com/freitascorp/meridian/pkg/health"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// runNodeServe runs an engine node with its container-management HTTP
// API bound to a directly reachable address, registering that address
// with the control plane so internal/proxy can dial it straight
// through.
func runNodeServe(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadNode(configPath)
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}
	if cfg.AdvertiseAddress == "" {
		cfg.AdvertiseAddress = cfg.ListenAddr
	}

	manager, metrics := newNodeManager(cfg, logger)
	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("node auth validator: %w", err)
	}
	api := nodeapi.NewServer(manager, metrics.Registry, validator)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthAddr, healthPort := splitHostPort(cfg.HealthAddr)
	healthSrv := health.NewServer(healthAddr, healthPort)
	if err := healthSrv.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Handler()}
	go func() {
		logger.Info("node HTTP API listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("node HTTP server stopped", "error", err)
		}
	}()

	nodeID, err := registerWithControlPlane(ctx, cfg, logger)
	if err != nil {
		logger.Error("initial control-plane registration failed, continuing unregistered", "error", err)
	} else {
		go heartbeatLoop(ctx, cfg, nodeID, manager, logger)
	}

	healthSrv.SetReady(true)
	<-ctx.Done()
	logger.Info("node shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	healthSrv.Stop(shutdownCtx)
	return nil
}

// runNodeAgent runs an engine node with no directly reachable address:
// all container-management commands arrive over the relay tunnel this
// command dials outbound, a NAT-safe path for nodes that can't accept
// inbound connections.
func runNodeAgent(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadNode(configPath)
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}
	if cfg.RelayURL == "" {
		return fmt.Errorf("node agent requires relay_url")
	}

	manager, _ := newNodeManager(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	healthAddr, healthPort := splitHostPort(cfg.HealthAddr)
	healthSrv := health.NewServer(healthAddr, healthPort)
	if err := healthSrv.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	agent := wsrelay.NewAgent(wsrelay.AgentConfig{
		NodeID:            registry.NodeID(cfg.NodeID),
		RelayAddr:         cfg.RelayURL,
		AuthToken:         cfg.RelayAuthToken,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, manager, logger)

	if _, err := registerWithControlPlane(ctx, cfg, logger); err != nil {
		logger.Error("initial control-plane registration failed, continuing unregistered", "error", err)
	}

	healthSrv.RegisterCheck("relay", func() (bool, string) {
		if agent.IsConnected() {
			return true, "connected"
		}
		return false, "not connected to control plane relay"
	})
	healthSrv.SetReady(true)

	go func() {
		if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("relay agent stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("node agent shutting down")
	agent.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return healthSrv.Stop(shutdownCtx)
}

func newNodeManager(cfg *config.Node, logger *slog.Logger) (*nodeapi.Manager, *telemetry.ClusterMetrics) {
	if len(cfg.Modules) > 0 {
		logger.Info("node configured with module bundles", "modules", cfg.Modules)
	}
	loader := module.NewLoader()
	if err := applyModuleSigningKey(loader, cfg.ModuleSigningKeyB64); err != nil {
		logger.Error("module_signing_key rejected, bundle signatures will not be checked", "error", err)
	}
	metrics := telemetry.NewClusterMetrics()
	manager := nodeapi.New(nodeapi.Config{
		Loader:  loader,
		Logger:  logger,
		Metrics: metrics,
	})
	return manager, metrics
}

// applyModuleSigningKey decodes b64 as an Ed25519 public key and
// configures loader to require every plugin.Open bundle to carry a
// detached signature against it. A blank b64 leaves signature
// verification disabled.
func applyModuleSigningKey(loader *module.Loader, b64 string) error {
	if b64 == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode module_signing_key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return fmt.Errorf("module_signing_key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	loader.SetTrustedKey(ed25519.PublicKey(raw))
	return nil
}

// registerWithControlPlane POSTs this node's advertise address and
// capacity to the control plane's node registry.
func registerWithControlPlane(ctx context.Context, cfg *config.Node, logger *slog.Logger) (registry.NodeID, error) {
	if cfg.ControlPlaneURL == "" {
		return "", fmt.Errorf("control_plane_url not configured")
	}
	body, err := json.Marshal(registry.NodeInfo{
		AdvertiseAddress: cfg.AdvertiseAddress,
		Capacity:         registry.Capacity{MaxContainers: cfg.MaxContainers},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ControlPlaneURL+"/api/nodes", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, cfg)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("control plane rejected registration: HTTP %d", resp.StatusCode)
	}
	var out struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	logger.Info("registered with control plane", "node_id", out.NodeID)
	return registry.NodeID(out.NodeID), nil
}

func heartbeatLoop(ctx context.Context, cfg *config.Node, nodeID registry.NodeID, manager *nodeapi.Manager, logger *slog.Logger) {
	interval := cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendHeartbeat(ctx, cfg, nodeID, manager); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func sendHeartbeat(ctx context.Context, cfg *config.Node, nodeID registry.NodeID, manager *nodeapi.Manager) error {
	body, err := json.Marshal(registry.Metrics{
		Capacity: registry.Capacity{
			ActiveContainers: manager.ContainerCount(),
			MaxContainers:    cfg.MaxContainers,
		},
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/nodes/%s/heartbeat", cfg.ControlPlaneURL, nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	applyAuth(req, cfg)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane rejected heartbeat: HTTP %d", resp.StatusCode)
	}
	return nil
}

func applyAuth(req *http.Request, cfg *config.Node) {
	if cfg.ControlPlaneToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.ControlPlaneToken)
	}
}
