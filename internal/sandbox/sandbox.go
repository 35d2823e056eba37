package sandbox

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/config"
	"github.com/agentica/agentica-server/internal/common/logger"
)

// Guest is an execution backend servicing the bridge's queues.
type Guest interface {
	// Start launches the guest loop. It returns once the guest is ready to
	// consume the inbox.
	Start(ctx context.Context) error

	// Close stops the guest and releases its resources. Idempotent.
	Close(ctx context.Context) error
}

// Sandbox pairs a bridge with a guest backend and exposes the REPL contract.
type Sandbox struct {
	bridge *Bridge
	guest  Guest
	logger *logger.Logger

	closeOnce sync.Once
}

// New creates and starts a sandbox for the given agent. Backend "none" runs
// the in-process guest; "docker" launches an isolated container guest.
func New(ctx context.Context, cfg config.SandboxConfig, uid string, log *logger.Logger, forward Forwarder) (*Sandbox, error) {
	slog := log.WithFields(
		zap.String("component", "sandbox"),
		zap.String("uid", uid),
	)
	bridge := NewBridge(slog, forward)

	var guest Guest
	switch cfg.Backend {
	case "none":
		guest = NewInProcessGuest(bridge, slog)
	case "docker":
		g, err := NewDockerGuest(ctx, cfg, uid, bridge, slog)
		if err != nil {
			bridge.Close()
			return nil, err
		}
		guest = g
	default:
		bridge.Close()
		return nil, fmt.Errorf("unsupported sandbox backend %q", cfg.Backend)
	}

	if err := guest.Start(ctx); err != nil {
		bridge.Close()
		_ = guest.Close(ctx)
		return nil, fmt.Errorf("failed to start sandbox guest: %w", err)
	}

	return &Sandbox{bridge: bridge, guest: guest, logger: slog}, nil
}

// Push forwards client-originated bytes to the guest.
func (s *Sandbox) Push(payload []byte) {
	s.bridge.Push(payload)
}

// Close tears the sandbox down. Idempotent: the bridge quits the guest loop,
// cancels pending calls, and the guest backend is released.
func (s *Sandbox) Close(ctx context.Context) {
	s.closeOnce.Do(func() {
		s.bridge.Close()
		if err := s.guest.Close(ctx); err != nil {
			s.logger.Warn("sandbox guest close failed", zap.Error(err))
		}
	})
}
