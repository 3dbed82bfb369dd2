package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/freitascorp/meridian/internal/auth"
	"github.com/freitascorp/meridian/internal/autoscaler"
	"github.com/freitascorp/meridian/internal/controlplaneapi"
	"github.com/freitascorp/meridian/internal/matchrouter"
	"github.com/freitascorp/meridian/internal/proxy"
	"github.com/freitascorp/meridian/internal/registry"
	"github.com/freitascorp/meridian/internal/scheduler"
	"github.com/freitascorp/meridian/internal/wsrelay"
	"github.com/freitascorp/meridian/pkg/audit"
	"github.com/freitascorp/meridian/pkg/config"
	"github.com/freitascorp/meridian/pkg/health"
	"github.com/freitascorp/meridian/pkg/notify"
	"github.com/freitascorp/meridian/pkg/telemetry"
)

// runControlPlaneServe wires and runs every control-plane collaborator
// behind one HTTP façade until the process receives SIGINT/SIGTERM.
func runControlPlaneServe(configPath string, logger *slog.Logger) error {
	cfg, err := config.LoadControlPlane(configPath)
	if err != nil {
		return fmt.Errorf("load control-plane config: %w", err)
	}

	metrics := telemetry.NewClusterMetrics()

	auditStore := audit.NewFileStore(cfg.Audit.Dir)
	auditLogger := audit.NewLogger(auditStore, "control-plane")

	store, err := registry.NewStore(toRegistryStoreConfig(cfg.Store), logger)
	if err != nil {
		return fmt.Errorf("build node registry store: %w", err)
	}
	nodes := registry.New(registry.Config{
		Store:         store,
		TTL:           cfg.NodeTTL,
		SweepInterval: cfg.SweepInterval,
		Logger:        logger,
		Metrics:       metrics,
		Audit:         auditLogger,
	})

	sched := scheduler.New(nodes)

	relayServer := wsrelay.NewServer(wsrelay.ServerConfig{
		ListenAddr: cfg.RelayAddr,
		AuthToken:  cfg.RelayAuthToken,
	}, logger)
	relayClient := wsrelay.NewClient(relayServer)

	signerKey, err := loadOrGenerateSigningKey(cfg.Auth.Ed25519PrivateKeyB64, logger)
	if err != nil {
		return fmt.Errorf("control-plane signing key: %w", err)
	}

	matches := matchrouter.New(matchrouter.Config{
		Nodes:     nodes,
		Scheduler: sched,
		Client:    relayClient,
		Logger:    logger,
		Audit:     auditLogger,
		SignerKey: signerKey,
	})

	prx := proxy.New(proxy.Config{Nodes: nodes, Enabled: true})

	notifier := buildNotifier(cfg.Slack, logger)
	scaler := autoscaler.New(autoscaler.Config{
		Nodes:              nodes,
		ScaleUpThreshold:   cfg.Autoscaler.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Autoscaler.ScaleDownThreshold,
		Cooldown:           cfg.Autoscaler.Cooldown,
		EvalInterval:       cfg.Autoscaler.Interval,
		CronExpr:           cfg.Autoscaler.CronExpr,
		Notifier:           notifier,
		Audit:              auditLogger,
		Logger:             logger,
	})

	validator, err := buildValidator(cfg.Auth)
	if err != nil {
		return fmt.Errorf("control-plane auth validator: %w", err)
	}

	api := controlplaneapi.NewServer(controlplaneapi.Config{
		Nodes:      nodes,
		Matches:    matches,
		Autoscaler: scaler,
		Proxy:      prx,
		Validator:  validator,
		Metrics:    metrics.Registry,
	})

	healthAddr, healthPort := splitHostPort(cfg.HealthAddr)
	healthSrv := health.NewServer(healthAddr, healthPort)
	healthSrv.RegisterCheck("relay", func() (bool, string) {
		return true, fmt.Sprintf("%d nodes connected", len(relayServer.ConnectedNodeIDs()))
	})
	if err := healthSrv.Start(); err != nil {
		return fmt.Errorf("start health server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go nodes.RunSweeper(ctx)
	if cfg.Autoscaler.Enabled {
		go func() {
			if err := scaler.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("autoscaler stopped", "error", err)
			}
		}()
	}
	go func() {
		if err := relayServer.Start(ctx); err != nil {
			logger.Error("relay tunnel server stopped", "error", err)
		}
	}()

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: api.Handler()}
	go func() {
		logger.Info("control plane HTTP API listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control plane HTTP server stopped", "error", err)
		}
	}()

	healthSrv.SetReady(true)
	<-ctx.Done()
	logger.Info("control plane shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	relayServer.Stop(shutdownCtx)
	healthSrv.Stop(shutdownCtx)
	return nil
}

func toRegistryStoreConfig(cfg config.StoreConfig) registry.StoreConfig {
	out := registry.StoreConfig{Backend: cfg.Backend}
	switch cfg.Backend {
	case "postgres":
		out.PostgresDSN = cfg.DSN
	case "sqlite":
		out.SQLitePath = cfg.DSN
	}
	return out
}

func buildNotifier(cfg config.SlackConfig, logger *slog.Logger) notify.Notifier {
	if cfg.Enabled {
		return notify.NewSlackNotifier(cfg.BotToken, cfg.ChannelID, logger)
	}
	return notify.NewLoggingNotifier(logger)
}

func buildValidator(cfg config.AuthConfig) (auth.Validator, error) {
	switch cfg.Mode {
	case "remote":
		return auth.NewRemoteValidator(cfg.IntrospectionURL, cfg.ClientID, cfg.ClientSecret, cfg.TokenURL), nil
	default:
		if cfg.Ed25519PublicKeyB64 == "" {
			return nil, fmt.Errorf("auth mode %q requires ed25519_public_key", cfg.Mode)
		}
		return auth.NewLocalValidatorFromBase64(cfg.Ed25519PublicKeyB64)
	}
}

// loadOrGenerateSigningKey decodes the configured private signing key,
// or mints an ephemeral one for a single process lifetime when none is
// configured — enough to run locally, useless across a restart since
// every previously minted match token stops verifying.
func loadOrGenerateSigningKey(b64 string, logger *slog.Logger) (ed25519.PrivateKey, error) {
	if b64 == "" {
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			return nil, err
		}
		logger.Warn("no ed25519_private_key configured; generated an ephemeral signing key for this process only")
		return priv, nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 private key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}
