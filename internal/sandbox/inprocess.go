package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/pkg/protocol"
)

// InProcessGuest is the no-isolation backend selected by AGENTICA_NO_SANDBOX.
// It evaluates a line-oriented subset of the guest language directly in this
// process: assignments, prints, returns and raises. Useful for development
// and tests where a container runtime is unavailable.
type InProcessGuest struct {
	bridge *Bridge
	logger *logger.Logger

	mu      sync.Mutex
	globals map[string]interface{}
	locals  map[string]interface{}
	role    string
	retType string

	cancel    context.CancelFunc
	loopDone  chan struct{}
	closeOnce sync.Once
}

// NewInProcessGuest creates the guest over the given bridge.
func NewInProcessGuest(bridge *Bridge, log *logger.Logger) *InProcessGuest {
	return &InProcessGuest{
		bridge:   bridge,
		logger:   log.WithFields(zap.String("guest", "inprocess")),
		globals:  make(map[string]interface{}),
		locals:   make(map[string]interface{}),
		retType:  "str",
		loopDone: make(chan struct{}),
	}
}

// Start launches the guest loop on its own goroutine.
func (g *InProcessGuest) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	go g.loop(loopCtx)
	return nil
}

// Close stops the guest loop.
func (g *InProcessGuest) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		if g.cancel != nil {
			g.cancel()
		}
		select {
		case <-g.loopDone:
		case <-ctx.Done():
		}
	})
	return nil
}

func (g *InProcessGuest) loop(ctx context.Context) {
	defer close(g.loopDone)
	for {
		payload, ok := g.bridge.Next(ctx)
		if !ok {
			return
		}
		g.handle(payload)
	}
}

func (g *InProcessGuest) handle(payload []byte) {
	frame, err := protocol.DecodeFrame(payload)
	if err != nil || frame.Kind != protocol.FrameRequest || frame.Request == nil {
		// Opaque SDK data; the stub guest has no consumer for it.
		g.logger.Debug("dropping opaque guest data", zap.Int("bytes", len(payload)))
		return
	}

	req := frame.Request
	if req.Fmt == fmtWarp {
		g.replayWarp(req.Data)
		g.respond(req.MID, []byte("{}"), nil)
		return
	}

	var call methodCall
	if err := json.Unmarshal(req.Data, &call); err != nil {
		g.respond(req.MID, nil, &protocol.SandboxError{
			Name:    "MalformedRequest",
			Message: err.Error(),
		})
		return
	}

	result, ferr := g.dispatch(call)
	if ferr != nil {
		g.respond(req.MID, nil, ferr)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		g.respond(req.MID, nil, &protocol.SandboxError{Name: "EncodeError", Message: err.Error()})
		return
	}
	g.respond(req.MID, raw, nil)
}

func (g *InProcessGuest) respond(mid int64, data []byte, serr *protocol.SandboxError) {
	raw, err := protocol.EncodeFrame(&protocol.Frame{
		Kind:     protocol.FrameResponse,
		Response: &protocol.FramedResponse{MID: mid, Data: data, Error: serr},
	})
	if err != nil {
		g.logger.Error("failed to encode guest response", zap.Error(err))
		return
	}
	g.bridge.Emit(raw)
}

func (g *InProcessGuest) replayWarp(blob []byte) {
	var vars map[string]interface{}
	if err := json.Unmarshal(blob, &vars); err != nil {
		g.logger.Warn("ignoring undecodable warp payload", zap.Error(err))
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range vars {
		g.locals[k] = v
	}
}

func (g *InProcessGuest) dispatch(call methodCall) (interface{}, *protocol.SandboxError) {
	switch call.Method {
	case "repl_init":
		return g.replInit(call.Kwargs), nil
	case "repl_run_code":
		return g.replRunCode(call.Kwargs), nil
	case "session_info":
		return g.sessionInfo(), nil
	case "dir_vars":
		return g.dirVars(), nil
	case "var_info":
		return g.varInfo(argString(call.Args, 0)), nil
	case "has_var":
		g.mu.Lock()
		defer g.mu.Unlock()
		name := argString(call.Args, 0)
		_, inLocals := g.locals[name]
		_, inGlobals := g.globals[name]
		return inLocals || inGlobals, nil
	default:
		return nil, &protocol.SandboxError{
			Name:    "AttributeError",
			Message: fmt.Sprintf("guest has no method %q", call.Method),
		}
	}
}

func argString(args []interface{}, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}

func (g *InProcessGuest) replInit(kwargs map[string]interface{}) *SessionInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	if vars, ok := kwargs["globals"].(map[string]interface{}); ok {
		for k, v := range vars {
			g.globals[k] = v
			if k == "role" {
				if s, ok := v.(string); ok {
					g.role = s
				}
			}
			if k == "return_type" {
				if s, ok := v.(string); ok {
					g.retType = s
				}
			}
		}
	}
	if vars, ok := kwargs["locals"].(map[string]interface{}); ok {
		for k, v := range vars {
			g.locals[k] = v
		}
	}
	return g.sessionInfoLocked()
}

func (g *InProcessGuest) sessionInfo() *SessionInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionInfoLocked()
}

func (g *InProcessGuest) sessionInfoLocked() *SessionInfo {
	info := &SessionInfo{
		Globals:    make(map[string]string, len(g.globals)),
		Locals:     make(map[string]string, len(g.locals)),
		Modules:    []string{},
		Role:       g.role,
		ReturnType: g.retType,
	}
	for k, v := range g.globals {
		info.Globals[k] = fmt.Sprintf("%T", v)
	}
	for k, v := range g.locals {
		info.Locals[k] = fmt.Sprintf("%T", v)
	}
	return info
}

func (g *InProcessGuest) dirVars() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.locals)+len(g.globals))
	for k := range g.locals {
		names = append(names, k)
	}
	for k := range g.globals {
		if _, shadowed := g.locals[k]; !shadowed {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

func (g *InProcessGuest) varInfo(name string) *VarInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.locals[name]
	if !ok {
		v, ok = g.globals[name]
	}
	if !ok {
		return &VarInfo{Name: name}
	}
	return &VarInfo{
		Name:  name,
		Type:  fmt.Sprintf("%T", v),
		Repr:  fmt.Sprintf("%v", v),
		Found: true,
	}
}

// replRunCode evaluates the line subset. A return or raise with an iid also
// dispatches the corresponding future result to the SDK side.
func (g *InProcessGuest) replRunCode(kwargs map[string]interface{}) *EvaluationInfo {
	code, _ := kwargs["code"].(string)
	iid, _ := kwargs["iid"].(string)

	info := &EvaluationInfo{}
	var output []string

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || strings.HasPrefix(line, "#"):

		case strings.HasPrefix(line, "print(") && strings.HasSuffix(line, ")"):
			expr := line[len("print(") : len(line)-1]
			output = append(output, fmt.Sprintf("%v", g.resolveLocked(expr)))

		case strings.HasPrefix(line, "return ") || line == "return":
			info.HasReturnValue = true
			value := g.resolveLocked(strings.TrimSpace(strings.TrimPrefix(line, "return")))
			if iid != "" {
				g.emitFuture(iid, value, nil)
				info.HasResult = true
			}

		case line == "exit()" || strings.HasPrefix(line, "raise SystemExit"):
			info.HasRaisedError = true
			info.ExceptionName = "SystemExit"

		case strings.HasPrefix(line, "raise "):
			info.HasRaisedError = true
			info.ExceptionName, info.Traceback = parseRaise(line)
			if iid != "" {
				g.emitFuture(iid, nil, &protocol.SandboxError{
					Name:      info.ExceptionName,
					Message:   info.Traceback,
					Traceback: info.Traceback,
				})
				info.HasResult = true
			}

		default:
			if name, expr, ok := splitAssignment(line); ok {
				g.locals[name] = g.resolveLocked(expr)
			} else {
				output = append(output, fmt.Sprintf("%v", g.resolveLocked(line)))
			}
		}
		if info.HasReturnValue || info.HasRaisedError {
			break
		}
	}

	info.Output = strings.Join(output, "\n")
	info.OutStr = info.Output
	return info
}

func (g *InProcessGuest) emitFuture(iid string, value interface{}, serr *protocol.SandboxError) {
	var raw json.RawMessage
	if serr == nil {
		encoded, err := json.Marshal(value)
		if err != nil {
			serr = &protocol.SandboxError{Name: "EncodeError", Message: err.Error()}
		} else {
			raw = encoded
		}
	}
	frame, err := protocol.EncodeFrame(&protocol.Frame{
		Kind:   protocol.FrameFutureResult,
		Future: &protocol.FutureResult{FID: iid, Value: raw, Error: serr},
	})
	if err != nil {
		g.logger.Error("failed to encode future result", zap.Error(err))
		return
	}
	g.bridge.Emit(frame)
}

func (g *InProcessGuest) resolveLocked(expr string) interface{} {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil
	}
	if len(expr) >= 2 {
		if (expr[0] == '"' && expr[len(expr)-1] == '"') || (expr[0] == '\'' && expr[len(expr)-1] == '\'') {
			return expr[1 : len(expr)-1]
		}
	}
	if v, ok := g.locals[expr]; ok {
		return v
	}
	if v, ok := g.globals[expr]; ok {
		return v
	}
	var decoded interface{}
	if err := json.Unmarshal([]byte(expr), &decoded); err == nil {
		return decoded
	}
	return expr
}

// splitAssignment recognizes a simple `name = expr` statement.
func splitAssignment(line string) (name, expr string, ok bool) {
	idx := strings.Index(line, "=")
	if idx <= 0 || (idx+1 < len(line) && line[idx+1] == '=') {
		return "", "", false
	}
	name = strings.TrimSpace(line[:idx])
	for _, r := range name {
		if !isIdentRune(r) {
			return "", "", false
		}
	}
	return name, strings.TrimSpace(line[idx+1:]), true
}

func isIdentRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// parseRaise extracts the exception name and message from a raise statement.
func parseRaise(line string) (name, message string) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "raise "))
	if open := strings.Index(rest, "("); open > 0 {
		name = rest[:open]
		message = strings.Trim(strings.TrimSuffix(rest[open+1:], ")"), `"'`)
		return name, message
	}
	return rest, ""
}
