package matchrouter

import (
	"context"

	"github.com/freitascorp/meridian/internal/registry"
)

// NodeClient abstracts the control plane's outbound calls to an engine
// node's container API, mirroring pkg/fleet/executor.go's RelayClient
// abstraction (so the Router can be tested without a real node and the
// transport — the control-plane↔node tunnel — is swappable).
type NodeClient interface {
	CreateContainer(ctx context.Context, node *registry.Node, modules []string) (containerID string, err error)
	CreateMatch(ctx context.Context, node *registry.Node, containerID string, modules []string, playerLimit int) (localMatchID string, err error)
	DeleteContainer(ctx context.Context, node *registry.Node, containerID string) error
	DeleteMatch(ctx context.Context, node *registry.Node, containerID, localMatchID string) error
}
