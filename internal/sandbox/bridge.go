// Package sandbox implements the duplex RPC channel between the controller
// and an isolated guest interpreter that runs user code.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/pkg/protocol"
)

const queueDepth = 256

// Forwarder delivers guest-produced bytes that are not intercepted by the
// controller back to the client transport.
type Forwarder func(payload []byte)

// GuestError is a guest-raised failure carried in a framed response.
type GuestError struct {
	Name      string
	Message   string
	Traceback string
}

func (e *GuestError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// ErrorName reports guest failures under the sandbox wire name.
func (e *GuestError) ErrorName() protocol.ErrorName { return protocol.ErrSandbox }

type inboxItem struct {
	quit    bool
	payload []byte
}

type reply struct {
	data []byte
	err  *protocol.SandboxError
}

// Bridge owns the inbox/outbox queues and the pending-reply table. The guest
// consumes the inbox and produces to the outbox; the bridge's reader routes
// outbox traffic either to a pending controller call or to the client.
type Bridge struct {
	logger *logger.Logger

	inbox  chan inboxItem
	outbox chan []byte

	mu      sync.Mutex
	pending map[int64]chan reply
	nextMID int64
	forward Forwarder

	closeOnce sync.Once
	done      chan struct{}
	readerWG  sync.WaitGroup
}

// NewBridge creates the bridge and starts its outbox reader.
func NewBridge(log *logger.Logger, forward Forwarder) *Bridge {
	b := &Bridge{
		logger:  log.WithFields(zap.String("component", "sandbox.bridge")),
		inbox:   make(chan inboxItem, queueDepth),
		outbox:  make(chan []byte, queueDepth),
		pending: make(map[int64]chan reply),
		forward: forward,
		done:    make(chan struct{}),
	}
	b.readerWG.Add(1)
	go b.readLoop()
	return b
}

// readLoop routes guest output: framed responses matching a pending
// controller mid are intercepted and complete the call; everything else is
// forwarded verbatim to the client.
func (b *Bridge) readLoop() {
	defer b.readerWG.Done()
	for {
		select {
		case <-b.done:
			return
		case raw := <-b.outbox:
			if b.intercept(raw) {
				continue
			}
			b.mu.Lock()
			forward := b.forward
			b.mu.Unlock()
			if forward != nil {
				forward(raw)
			}
		}
	}
}

func (b *Bridge) intercept(raw []byte) bool {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil || frame.Kind != protocol.FrameResponse || frame.Response == nil {
		return false
	}

	b.mu.Lock()
	ch, ok := b.pending[frame.Response.MID]
	if ok {
		delete(b.pending, frame.Response.MID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	ch <- reply{data: frame.Response.Data, err: frame.Response.Error}
	return true
}

// Push enqueues client-originated bytes for the guest. Pushes after close
// are dropped.
func (b *Bridge) Push(payload []byte) {
	select {
	case <-b.done:
	case b.inbox <- inboxItem{payload: payload}:
	}
}

// Call issues a controller-originated request and blocks for the intercepted
// reply. Controller mids are negative and strictly decreasing, keeping them
// disjoint from client-originated positive mids.
func (b *Bridge) Call(ctx context.Context, format string, defs json.RawMessage, data []byte) ([]byte, error) {
	b.mu.Lock()
	select {
	case <-b.done:
		b.mu.Unlock()
		return nil, protocol.NewError(protocol.ErrWarpShutdown, "sandbox bridge is closed")
	default:
	}
	b.nextMID--
	mid := b.nextMID
	ch := make(chan reply, 1)
	b.pending[mid] = ch
	b.mu.Unlock()

	raw, err := protocol.EncodeFrame(&protocol.Frame{
		Kind: protocol.FrameRequest,
		Request: &protocol.FramedRequest{
			MID:  mid,
			Fmt:  format,
			Defs: defs,
			Data: data,
		},
	})
	if err != nil {
		b.abandon(mid)
		return nil, fmt.Errorf("encoding sandbox request: %w", err)
	}

	select {
	case b.inbox <- inboxItem{payload: raw}:
	case <-b.done:
		b.abandon(mid)
		return nil, protocol.NewError(protocol.ErrWarpShutdown, "sandbox bridge closed before dispatch")
	case <-ctx.Done():
		b.abandon(mid)
		return nil, ctx.Err()
	}

	select {
	case r := <-ch:
		if r.err != nil {
			if r.err.Name == string(protocol.ErrWarpShutdown) {
				return nil, protocol.NewError(protocol.ErrWarpShutdown, "%s", r.err.Message)
			}
			return nil, &GuestError{Name: r.err.Name, Message: r.err.Message, Traceback: r.err.Traceback}
		}
		return r.data, nil
	case <-b.done:
		b.abandon(mid)
		return nil, protocol.NewError(protocol.ErrWarpShutdown, "sandbox bridge closed mid-call")
	case <-ctx.Done():
		b.abandon(mid)
		return nil, ctx.Err()
	}
}

func (b *Bridge) abandon(mid int64) {
	b.mu.Lock()
	delete(b.pending, mid)
	b.mu.Unlock()
}

// Next blocks until the guest's next inbox item. ok is false on the QUIT
// sentinel or context cancellation; the guest loop must then exit.
func (b *Bridge) Next(ctx context.Context) (payload []byte, ok bool) {
	select {
	case item := <-b.inbox:
		if item.quit {
			return nil, false
		}
		return item.payload, true
	case <-ctx.Done():
		return nil, false
	}
}

// Ready reports whether an inbox item is immediately available.
func (b *Bridge) Ready() bool {
	return len(b.inbox) > 0
}

// Emit enqueues guest-produced bytes for routing. Emits after close are
// dropped.
func (b *Bridge) Emit(payload []byte) {
	select {
	case <-b.done:
	case b.outbox <- payload:
	}
}

// Close is idempotent. It puts the QUIT sentinel on the inbox, stops the
// reader, cancels every pending call with a shutdown error, and drops the
// forward callback to break the cycle back into the agent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		select {
		case b.inbox <- inboxItem{quit: true}:
		default:
			// Inbox full; the guest is also stopped via done below.
		}
		close(b.done)
		b.readerWG.Wait()

		b.mu.Lock()
		pending := b.pending
		b.pending = make(map[int64]chan reply)
		b.forward = nil
		b.mu.Unlock()

		for mid, ch := range pending {
			ch <- reply{err: &protocol.SandboxError{
				Name:    string(protocol.ErrWarpShutdown),
				Message: "sandbox shut down",
			}}
			b.logger.Debug("cancelled pending sandbox call", zap.Int64("mid", mid))
		}
	})
}
