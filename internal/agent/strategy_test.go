package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentica/agentica-server/internal/agent/seq"
	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/internal/sandbox"
)

// scriptedContext drives the policy with queued model responses and
// evaluation results, recording everything the policy does.
type scriptedContext struct {
	t           *testing.T
	responses   []history.Delta
	evaluations []*sandbox.EvaluationInfo
	sessionInfo *sandbox.SessionInfo

	inserts  []history.Delta
	runCodes []string
	runOpts  []sandbox.RunOptions
	logged   []string
	scratch  map[string]interface{}
}

func newScriptedContext(t *testing.T) *scriptedContext {
	return &scriptedContext{
		t:           t,
		sessionInfo: &sandbox.SessionInfo{ReturnType: "str"},
		scratch:     make(map[string]interface{}),
	}
}

func (c *scriptedContext) Insert(ctx context.Context, content string, role history.Role) error {
	c.inserts = append(c.inserts, history.Delta{Role: role, Content: content})
	return nil
}

func (c *scriptedContext) InsertDelta(ctx context.Context, d history.Delta) error {
	c.inserts = append(c.inserts, d)
	return nil
}

func (c *scriptedContext) Capture(name string, v interface{}) { c.scratch[name] = v }

func (c *scriptedContext) Retrieve(name string) interface{} { return c.scratch[name] }

func (c *scriptedContext) ReplInit(ctx context.Context, globals, locals map[string]interface{}) (*sandbox.SessionInfo, error) {
	return c.sessionInfo, nil
}

func (c *scriptedContext) ReplRunCode(ctx context.Context, code string, opts sandbox.RunOptions) (*sandbox.EvaluationInfo, error) {
	c.runCodes = append(c.runCodes, code)
	c.runOpts = append(c.runOpts, opts)
	if len(c.evaluations) == 0 {
		return &sandbox.EvaluationInfo{}, nil
	}
	info := c.evaluations[0]
	c.evaluations = c.evaluations[1:]
	return info, nil
}

func (c *scriptedContext) ReplCallMethod(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func (c *scriptedContext) ReplSessionInfo(ctx context.Context) (*sandbox.SessionInfo, error) {
	return c.sessionInfo, nil
}

func (c *scriptedContext) ModelInference(ctx context.Context, req seq.ModelInference) (history.Delta, error) {
	require.NotEmpty(c.t, c.responses, "policy requested more inference rounds than scripted")
	d := c.responses[0]
	c.responses = c.responses[1:]
	return d, nil
}

func (c *scriptedContext) SendLog(ctx context.Context, event map[string]interface{}) {}

func (c *scriptedContext) LogCodeBlock(ctx context.Context, code string) string {
	c.logged = append(c.logged, code)
	return "exec-1"
}

func (c *scriptedContext) LogExecuteResult(ctx context.Context, result *sandbox.EvaluationInfo, execID string) {
}

func (c *scriptedContext) userInserts() []string {
	var out []string
	for _, d := range c.inserts {
		if d.Role == history.RoleUser {
			out = append(out, d.Content)
		}
	}
	return out
}

func agentReply(content string) history.Delta {
	return history.Delta{Role: history.RoleAgent, Content: content, EndReason: history.EndStop}
}

func runUserSequence(t *testing.T, c *scriptedContext, iid string) {
	t.Helper()
	task := "do the thing"
	_, err := seq.Run(context.Background(), c, StrategyFor("openai").UserSequence(&task, iid))
	require.NoError(t, err)
}

func TestInitSequenceCapturesReturnTypeAndPrompts(t *testing.T) {
	c := newScriptedContext(t)
	c.sessionInfo = &sandbox.SessionInfo{ReturnType: "int"}

	_, err := seq.Run(context.Background(), c, StrategyFor("openai").InitSequence("the premise", "the system"))
	require.NoError(t, err)

	assert.Equal(t, "int", c.scratch[returnTypeKey])
	require.Len(t, c.inserts, 2)
	assert.Equal(t, history.RoleSystem, c.inserts[0].Role)
	assert.Equal(t, "the system", c.inserts[0].Content)
	assert.Equal(t, history.RoleUser, c.inserts[1].Role)
	assert.Equal(t, "the premise", c.inserts[1].Content)
}

func TestInitSequenceOmitsEmptyPrompts(t *testing.T) {
	c := newScriptedContext(t)
	_, err := seq.Run(context.Background(), c, StrategyFor("openai").InitSequence("", ""))
	require.NoError(t, err)
	assert.Empty(t, c.inserts)
}

func TestRoundExecutesFirstCodeBlock(t *testing.T) {
	c := newScriptedContext(t)
	c.responses = []history.Delta{agentReply("On it.\n```python\nreturn compute()\n```")}
	c.evaluations = []*sandbox.EvaluationInfo{{HasReturnValue: true, HasResult: true}}

	runUserSequence(t, c, "inv-1")

	require.Len(t, c.runCodes, 1)
	assert.Equal(t, "return compute()", c.runCodes[0])
	assert.Equal(t, "inv-1", c.runOpts[0].IID)
	assert.Equal(t, c.runCodes, c.logged)
}

func TestRoundFeedsOutputBack(t *testing.T) {
	c := newScriptedContext(t)
	c.responses = []history.Delta{
		agentReply("```\nprint(1)\n```"),
		agentReply("```\nreturn 1\n```"),
	}
	c.evaluations = []*sandbox.EvaluationInfo{
		{Output: "1", OutStr: "1"},
		{HasResult: true},
	}

	runUserSequence(t, c, "inv-1")

	require.Len(t, c.runCodes, 2)
	assert.Contains(t, c.userInserts(), "Execution output:\n1")
}

func TestRoundEmptyResponseFeedback(t *testing.T) {
	c := newScriptedContext(t)
	c.responses = []history.Delta{
		agentReply(""),
		agentReply("```\nreturn 0\n```"),
	}
	c.evaluations = []*sandbox.EvaluationInfo{{HasResult: true}}

	runUserSequence(t, c, "inv-1")

	assert.Contains(t, c.userInserts(), msgEmptyResponse)
	require.Len(t, c.runCodes, 1)
}

func TestRoundLiteralReturnForStrAgents(t *testing.T) {
	c := newScriptedContext(t)
	c.scratch[returnTypeKey] = "str"
	c.responses = []history.Delta{agentReply("<think>easy</think>The answer is 42.")}
	c.evaluations = []*sandbox.EvaluationInfo{{HasResult: true}}

	runUserSequence(t, c, "inv-1")

	require.Len(t, c.runCodes, 1)
	assert.Equal(t, `return "The answer is 42."`, c.runCodes[0])
}

func TestRoundMissingCodeFeedbackForNonStrAgents(t *testing.T) {
	c := newScriptedContext(t)
	c.scratch[returnTypeKey] = "int"
	c.responses = []history.Delta{
		agentReply("I will think about it."),
		agentReply("```\nreturn 3\n```"),
	}
	c.evaluations = []*sandbox.EvaluationInfo{{HasResult: true}}

	runUserSequence(t, c, "inv-1")

	assert.Contains(t, c.userInserts(), msgMissingCode)
	require.Len(t, c.runCodes, 1)
	assert.Equal(t, "return 3", c.runCodes[0])
}

func TestRoundExtraBlocksMessageOrdering(t *testing.T) {
	c := newScriptedContext(t)
	c.responses = []history.Delta{
		agentReply("```\nfirst()\n```\n```\nsecond()\n```"),
		agentReply("```\nreturn 1\n```"),
	}
	c.evaluations = []*sandbox.EvaluationInfo{
		{},
		{HasResult: true},
	}

	runUserSequence(t, c, "inv-1")

	// Only the first block ran.
	require.Len(t, c.runCodes, 2)
	assert.Equal(t, "first()", c.runCodes[0])

	users := c.userInserts()
	// Task, then the empty-output feedback before the extra-blocks notice.
	require.GreaterOrEqual(t, len(users), 3)
	assert.Equal(t, msgEmptyOutput, users[1])
	assert.Equal(t, msgExtraBlocks, users[2])
}

func TestRoundUncaughtSystemExit(t *testing.T) {
	c := newScriptedContext(t)
	c.responses = []history.Delta{
		agentReply("```\nexit()\n```"),
		agentReply("```\nreturn 1\n```"),
	}
	c.evaluations = []*sandbox.EvaluationInfo{
		{HasRaisedError: true, ExceptionName: "SystemExit"},
		{HasResult: true},
	}

	runUserSequence(t, c, "inv-1")

	users := c.userInserts()
	require.GreaterOrEqual(t, len(users), 3)
	assert.Equal(t, msgEmptyOutput, users[1])
	assert.Equal(t, msgUncaughtExit, users[2])
}

func TestRoundSystemExitWithExtraBlocks(t *testing.T) {
	c := newScriptedContext(t)
	c.responses = []history.Delta{
		agentReply("```\nexit()\n```\n```\nsecond()\n```"),
		agentReply("```\nreturn 1\n```"),
	}
	c.evaluations = []*sandbox.EvaluationInfo{
		{HasRaisedError: true, ExceptionName: "SystemExit", OutStr: "Traceback"},
		{HasResult: true},
	}

	runUserSequence(t, c, "inv-1")

	users := c.userInserts()
	require.GreaterOrEqual(t, len(users), 4)
	assert.Equal(t, "Execution output:\nTraceback", users[1])
	assert.Equal(t, msgUncaughtExit, users[2])
	assert.Equal(t, msgExtraBlocks, users[3])
}

func TestUserSequenceWithoutTaskSkipsInsert(t *testing.T) {
	c := newScriptedContext(t)
	c.responses = []history.Delta{agentReply("```\nreturn 1\n```")}
	c.evaluations = []*sandbox.EvaluationInfo{{HasResult: true}}

	_, err := seq.Run(context.Background(), c, StrategyFor("openai").UserSequence(nil, "inv-1"))
	require.NoError(t, err)
	assert.Empty(t, c.userInserts())
}

func TestStrategyForDeepseekStopTokens(t *testing.T) {
	s, ok := StrategyFor("deepseek").(defaultStrategy)
	require.True(t, ok)
	assert.Equal(t, []string{"</answer>"}, s.stop)

	assert.NotNil(t, StrategyFor("someone-new"))
}
