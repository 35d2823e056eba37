package seq

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/internal/sandbox"
)

// stubContext records effects in application order and serves scripted
// results for the stateful operations.
type stubContext struct {
	trace   []string
	scratch map[string]interface{}

	insertErr error
	inference history.Delta
}

func newStubContext() *stubContext {
	return &stubContext{scratch: make(map[string]interface{})}
}

func (c *stubContext) Insert(ctx context.Context, content string, role history.Role) error {
	c.trace = append(c.trace, "insert:"+string(role)+":"+content)
	return c.insertErr
}

func (c *stubContext) InsertDelta(ctx context.Context, d history.Delta) error {
	c.trace = append(c.trace, "insert_delta:"+d.Content)
	return nil
}

func (c *stubContext) Capture(name string, v interface{}) {
	c.trace = append(c.trace, "capture:"+name)
	c.scratch[name] = v
}

func (c *stubContext) Retrieve(name string) interface{} {
	c.trace = append(c.trace, "retrieve:"+name)
	return c.scratch[name]
}

func (c *stubContext) ReplInit(ctx context.Context, globals, locals map[string]interface{}) (*sandbox.SessionInfo, error) {
	c.trace = append(c.trace, "repl_init")
	return &sandbox.SessionInfo{ReturnType: "str"}, nil
}

func (c *stubContext) ReplRunCode(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.EvaluationInfo, error) {
	c.trace = append(c.trace, "repl_run_code:"+code)
	return &sandbox.EvaluationInfo{}, nil
}

func (c *stubContext) ReplCallMethod(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	c.trace = append(c.trace, "repl_call:"+name)
	return nil, nil
}

func (c *stubContext) ReplSessionInfo(ctx context.Context) (*sandbox.SessionInfo, error) {
	c.trace = append(c.trace, "session_info")
	return &sandbox.SessionInfo{}, nil
}

func (c *stubContext) ModelInference(ctx context.Context, req ModelInference) (history.Delta, error) {
	c.trace = append(c.trace, "inference")
	return c.inference, nil
}

func (c *stubContext) SendLog(ctx context.Context, event map[string]interface{}) {
	c.trace = append(c.trace, "send_log")
}

func (c *stubContext) LogCodeBlock(ctx context.Context, code string) string {
	c.trace = append(c.trace, "log_code")
	return "exec-1"
}

func (c *stubContext) LogExecuteResult(ctx context.Context, result *sandbox.EvaluationInfo, execID string) {
	c.trace = append(c.trace, "log_result:"+execID)
}

func TestRunPure(t *testing.T) {
	v, err := Run(context.Background(), newStubContext(), Pure(42))
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestRunThreadsResults(t *testing.T) {
	c := newStubContext()
	step := Do(Capture{Name: "k", Value: "v"}, func(interface{}) Step {
		return Do(Retrieve{Name: "k"}, func(result interface{}) Step {
			return Pure(result)
		})
	})

	v, err := Run(context.Background(), c, step)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, []string{"capture:k", "retrieve:k"}, c.trace)
}

func TestRunNilContinuationReturnsEffectResult(t *testing.T) {
	c := newStubContext()
	v, err := Run(context.Background(), c, Do(LogCodeBlock{Code: "x"}, nil))
	require.NoError(t, err)
	assert.Equal(t, "exec-1", v)
}

func TestThenRunsBothSidesInOrder(t *testing.T) {
	c := newStubContext()
	first := Do(Insert{Content: "a", Role: history.RoleSystem}, func(interface{}) Step {
		return Do(Insert{Content: "b", Role: history.RoleSystem}, nil)
	})
	step := first.Then(func() Step {
		return Do(Insert{Content: "c", Role: history.RoleUser}, nil)
	})

	_, err := Run(context.Background(), c, step)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"insert:system:a",
		"insert:system:b",
		"insert:user:c",
	}, c.trace)
}

func TestThenAfterPure(t *testing.T) {
	c := newStubContext()
	step := Pure(nil).Then(func() Step {
		return Do(SendLog{}, nil)
	})
	_, err := Run(context.Background(), c, step)
	require.NoError(t, err)
	assert.Equal(t, []string{"send_log"}, c.trace)
}

func TestRunAbortsOnEffectError(t *testing.T) {
	c := newStubContext()
	c.insertErr = errors.New("history full")

	step := Do(Insert{Content: "x", Role: history.RoleUser}, func(interface{}) Step {
		return Do(SendLog{}, nil)
	})
	_, err := Run(context.Background(), c, step)
	require.Error(t, err)
	assert.Equal(t, []string{"insert:user:x"}, c.trace)
}

func TestRunHonorsCancellation(t *testing.T) {
	c := newStubContext()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, c, Do(SendLog{}, nil))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.trace)
}
