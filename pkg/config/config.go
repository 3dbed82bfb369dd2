// Package config loads meridian's control-plane and node configuration
// from a YAML file with environment-variable overrides, a layered
// config style built on gopkg.in/yaml.v3 + github.com/caarlos0/env/v11:
// defaults and structure live in the YAML file, operators override
// individual fields per-deployment with environment variables without
// having to maintain a second copy of the whole file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ControlPlane is the configuration for `meridian control-plane serve`.
type ControlPlane struct {
	ListenAddr string `yaml:"listen_addr" env:"MERIDIAN_CP_LISTEN_ADDR" envDefault:"0.0.0.0:8080"`
	RelayAddr  string `yaml:"relay_addr" env:"MERIDIAN_CP_RELAY_ADDR" envDefault:"0.0.0.0:8081"`

	Store StoreConfig `yaml:"store"`

	// Node registry
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"MERIDIAN_HEARTBEAT_INTERVAL" envDefault:"10s"`
	NodeTTL           time.Duration `yaml:"node_ttl" env:"MERIDIAN_NODE_TTL" envDefault:"30s"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"MERIDIAN_SWEEP_INTERVAL" envDefault:"5s"`

	// Autoscaler
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`

	// Auth
	Auth AuthConfig `yaml:"auth"`

	// RelayAuthToken is the shared secret node agents present when
	// dialing the tunnel at RelayAddr. The control-plane configuration
	// carries no mTLS settings for the tunnel.
	RelayAuthToken string `yaml:"relay_auth_token" env:"MERIDIAN_RELAY_AUTH_TOKEN"`

	// Ambient
	Audit AuditConfig `yaml:"audit"`
	Slack SlackConfig `yaml:"slack"`

	HealthAddr string `yaml:"health_addr" env:"MERIDIAN_HEALTH_ADDR" envDefault:"127.0.0.1:9090"`
}

// Node is the configuration for `meridian node serve` and
// `meridian node agent`.
type Node struct {
	ListenAddr   string `yaml:"listen_addr" env:"MERIDIAN_NODE_LISTEN_ADDR" envDefault:"0.0.0.0:9000"`
	ControlPlaneURL string `yaml:"control_plane_url" env:"MERIDIAN_CONTROL_PLANE_URL"`

	// ControlPlaneToken is the pre-provisioned capability token (scopes
	// cluster.nodes.write) this node presents when it registers and
	// heartbeats itself against ControlPlaneURL's HTTP API.
	ControlPlaneToken string `yaml:"control_plane_token" env:"MERIDIAN_CONTROL_PLANE_TOKEN"`
	NodeID       string `yaml:"node_id" env:"MERIDIAN_NODE_ID"`
	Groups       []string `yaml:"groups" env:"MERIDIAN_NODE_GROUPS" envSeparator:","`
	MaxContainers int    `yaml:"max_containers" env:"MERIDIAN_MAX_CONTAINERS" envDefault:"64"`

	TickRate time.Duration `yaml:"tick_rate" env:"MERIDIAN_TICK_RATE" envDefault:"50ms"`

	// HeartbeatInterval paces this node's registration heartbeats to
	// the control plane, independent of the control plane's own
	// ControlPlane.HeartbeatInterval (which the control-plane serve
	// path does not read).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"MERIDIAN_NODE_HEARTBEAT_INTERVAL" envDefault:"10s"`

	Auth AuthConfig `yaml:"auth"`

	// RelayURL is the control plane's tunnel endpoint
	// (ws://host:relay_port) dialed by `meridian node agent`, and
	// optionally by `meridian node serve` to register/heartbeat over
	// the same NAT-safe path instead of a direct AdvertiseAddress.
	RelayURL       string `yaml:"relay_url" env:"MERIDIAN_RELAY_URL"`
	RelayAuthToken string `yaml:"relay_auth_token" env:"MERIDIAN_RELAY_AUTH_TOKEN"`

	// AdvertiseAddress is the host:port other nodes/the control plane's
	// proxy should dial directly. Left empty for NAT'd nodes that are
	// only reachable through the relay tunnel.
	AdvertiseAddress string `yaml:"advertise_address" env:"MERIDIAN_NODE_ADVERTISE_ADDR"`

	HealthAddr string `yaml:"health_addr" env:"MERIDIAN_HEALTH_ADDR" envDefault:"127.0.0.1:9091"`

	// Module bundles to load at startup. Each entry is a path to a .so
	// bundle (plugin mode) or a name registered in the static fallback
	// registry.
	Modules []string `yaml:"modules"`

	// ModuleSigningKeyB64, when set, requires every .so bundle this node
	// loads to carry a detached Ed25519 signature verifying against it;
	// statically registered modules are unaffected. Left empty, bundle
	// signatures are not checked.
	ModuleSigningKeyB64 string `yaml:"module_signing_key" env:"MERIDIAN_MODULE_SIGNING_KEY"`
}

// StoreConfig selects and configures the node registry backend.
type StoreConfig struct {
	Backend string `yaml:"backend" env:"MERIDIAN_STORE_BACKEND" envDefault:"memory"` // memory|sqlite|postgres
	DSN     string `yaml:"dsn" env:"MERIDIAN_STORE_DSN"`
}

// AutoscalerConfig configures the autoscaler's evaluation cadence and
// thresholds.
type AutoscalerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"MERIDIAN_AUTOSCALE_ENABLED" envDefault:"false"`
	CronExpr         string        `yaml:"cron_expr" env:"MERIDIAN_AUTOSCALE_CRON"`
	Interval         time.Duration `yaml:"interval" env:"MERIDIAN_AUTOSCALE_INTERVAL" envDefault:"30s"`
	ScaleUpThreshold  float64      `yaml:"scale_up_threshold" env:"MERIDIAN_AUTOSCALE_UP_THRESHOLD" envDefault:"0.8"`
	ScaleDownThreshold float64     `yaml:"scale_down_threshold" env:"MERIDIAN_AUTOSCALE_DOWN_THRESHOLD" envDefault:"0.3"`
	Cooldown         time.Duration `yaml:"cooldown" env:"MERIDIAN_AUTOSCALE_COOLDOWN" envDefault:"5m"`
}

// AuthConfig selects local (Ed25519) or remote (OAuth2 introspection)
// capability token validation.
type AuthConfig struct {
	Mode            string `yaml:"mode" env:"MERIDIAN_AUTH_MODE" envDefault:"local"` // local|remote
	Ed25519PublicKeyB64 string `yaml:"ed25519_public_key" env:"MERIDIAN_AUTH_ED25519_PUBLIC_KEY"`
	// Ed25519PrivateKeyB64 is only meaningful on the control plane: it
	// signs the match tokens minted by internal/matchrouter. Node
	// processes only ever carry the public half above.
	Ed25519PrivateKeyB64 string `yaml:"ed25519_private_key" env:"MERIDIAN_AUTH_ED25519_PRIVATE_KEY"`
	IntrospectionURL string `yaml:"introspection_url" env:"MERIDIAN_AUTH_INTROSPECTION_URL"`
	TokenURL        string `yaml:"token_url" env:"MERIDIAN_AUTH_TOKEN_URL"`
	ClientID        string `yaml:"client_id" env:"MERIDIAN_AUTH_CLIENT_ID"`
	ClientSecret    string `yaml:"client_secret" env:"MERIDIAN_AUTH_CLIENT_SECRET"`
}

// AuditConfig configures the audit trail sink.
type AuditConfig struct {
	Dir string `yaml:"dir" env:"MERIDIAN_AUDIT_DIR" envDefault:"./data/audit"`
}

// SlackConfig configures the optional operator-notification sink.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled" env:"MERIDIAN_SLACK_ENABLED" envDefault:"false"`
	BotToken  string `yaml:"bot_token" env:"MERIDIAN_SLACK_BOT_TOKEN"`
	ChannelID string `yaml:"channel_id" env:"MERIDIAN_SLACK_CHANNEL_ID"`
}

// LoadControlPlane loads control-plane configuration from a YAML file
// (if path is non-empty and exists) and then applies environment
// overrides on top.
func LoadControlPlane(path string) (*ControlPlane, error) {
	cfg := &ControlPlane{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse control-plane env config: %w", err)
	}
	return cfg, nil
}

// LoadNode loads node configuration from a YAML file and environment
// overrides.
func LoadNode(path string) (*Node, error) {
	cfg := &Node{}
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse node env config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
