// Package seq provides the effect-sequencing abstraction driving agent
// policies. A policy is a description built from Pure and Do steps; a runner
// walks the description against a Context, so the control flow is decoupled
// from I/O and unit-testable with a stub context.
package seq

import (
	"context"
	"fmt"

	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/internal/sandbox"
)

// Step describes an effectful computation. It is either Pure (a final value)
// or Do (an effect plus the continuation receiving the effect's result).
type Step struct {
	pure   bool
	value  interface{}
	effect Effect
	cont   func(interface{}) Step
}

// Pure completes the description with a final value.
func Pure(v interface{}) Step {
	return Step{pure: true, value: v}
}

// Do performs the effect and continues with its result. A nil continuation
// terminates with the effect's result as the final value.
func Do(e Effect, cont func(result interface{}) Step) Step {
	return Step{effect: e, cont: cont}
}

// Then runs s to completion, discards its value, and continues with next.
func (s Step) Then(next func() Step) Step {
	if s.pure {
		return next()
	}
	inner := s.cont
	return Step{effect: s.effect, cont: func(v interface{}) Step {
		if inner == nil {
			return next()
		}
		return inner(v).Then(next)
	}}
}

// Effect is one of the closed set of operations a policy may request.
type Effect interface{ isEffect() }

// Insert appends a plain message to the history.
type Insert struct {
	Content string
	Role    history.Role
}

// InsertDelta appends an already-formed delta to the history.
type InsertDelta struct {
	Delta history.Delta
}

// Capture stores a named value in the run's scratch space.
type Capture struct {
	Name  string
	Value interface{}
}

// Retrieve loads a named value from the run's scratch space; result is nil
// when absent.
type Retrieve struct {
	Name string
}

// ReplInit populates the guest namespaces. Result: *sandbox.SessionInfo.
type ReplInit struct {
	Globals map[string]interface{}
	Locals  map[string]interface{}
}

// ReplRunCode evaluates code in the guest. Result: *sandbox.EvaluationInfo.
type ReplRunCode struct {
	Code    string
	Options sandbox.RunOptions
}

// ReplCallMethod invokes a guest method. Result: decoded interface{}.
type ReplCallMethod struct {
	Name   string
	Args   []interface{}
	Kwargs map[string]interface{}
}

// ReplSessionInfo fetches the guest namespace summary. Result:
// *sandbox.SessionInfo.
type ReplSessionInfo struct{}

// ModelInference runs one inference round against the conversation history.
// Result: history.Delta (fused when streaming).
type ModelInference struct {
	Stop       []string
	MaxTokens  *int
	MaxRetries *int
}

// SendLog publishes a free-form observability event.
type SendLog struct {
	Event map[string]interface{}
}

// LogCodeBlock records a code block about to execute. Result: exec id string.
type LogCodeBlock struct {
	Code string
}

// LogExecuteResult records the outcome of an executed code block.
type LogExecuteResult struct {
	Result *sandbox.EvaluationInfo
	ExecID string
}

func (Insert) isEffect()           {}
func (InsertDelta) isEffect()      {}
func (Capture) isEffect()          {}
func (Retrieve) isEffect()         {}
func (ReplInit) isEffect()         {}
func (ReplRunCode) isEffect()      {}
func (ReplCallMethod) isEffect()   {}
func (ReplSessionInfo) isEffect()  {}
func (ModelInference) isEffect()   {}
func (SendLog) isEffect()          {}
func (LogCodeBlock) isEffect()     {}
func (LogExecuteResult) isEffect() {}

// Context supplies the effect implementations a runner executes against.
type Context interface {
	Insert(ctx context.Context, content string, role history.Role) error
	InsertDelta(ctx context.Context, d history.Delta) error
	Capture(name string, v interface{})
	Retrieve(name string) interface{}

	ReplInit(ctx context.Context, globals, locals map[string]interface{}) (*sandbox.SessionInfo, error)
	ReplRunCode(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.EvaluationInfo, error)
	ReplCallMethod(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error)
	ReplSessionInfo(ctx context.Context) (*sandbox.SessionInfo, error)

	ModelInference(ctx context.Context, req ModelInference) (history.Delta, error)

	SendLog(ctx context.Context, event map[string]interface{})
	LogCodeBlock(ctx context.Context, code string) string
	LogExecuteResult(ctx context.Context, result *sandbox.EvaluationInfo, execID string)
}

// Run walks the description to completion, threading each effect's result
// into its continuation. The first effect error aborts the walk.
func Run(ctx context.Context, c Context, step Step) (interface{}, error) {
	for {
		if step.pure {
			return step.value, nil
		}
		result, err := apply(ctx, c, step.effect)
		if err != nil {
			return nil, err
		}
		if step.cont == nil {
			return result, nil
		}
		step = step.cont(result)
	}
}

func apply(ctx context.Context, c Context, e Effect) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch eff := e.(type) {
	case Insert:
		return nil, c.Insert(ctx, eff.Content, eff.Role)
	case InsertDelta:
		return nil, c.InsertDelta(ctx, eff.Delta)
	case Capture:
		c.Capture(eff.Name, eff.Value)
		return nil, nil
	case Retrieve:
		return c.Retrieve(eff.Name), nil
	case ReplInit:
		return c.ReplInit(ctx, eff.Globals, eff.Locals)
	case ReplRunCode:
		return c.ReplRunCode(ctx, eff.Code, eff.Options)
	case ReplCallMethod:
		return c.ReplCallMethod(ctx, eff.Name, eff.Args, eff.Kwargs)
	case ReplSessionInfo:
		return c.ReplSessionInfo(ctx)
	case ModelInference:
		return c.ModelInference(ctx, eff)
	case SendLog:
		c.SendLog(ctx, eff.Event)
		return nil, nil
	case LogCodeBlock:
		return c.LogCodeBlock(ctx, eff.Code), nil
	case LogExecuteResult:
		c.LogExecuteResult(ctx, eff.Result, eff.ExecID)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown effect %T", e)
	}
}
