package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuserConcatenatesContent(t *testing.T) {
	var f Fuser
	assert.False(t, f.Started())

	f.Add(Delta{ID: "resp-1", Role: RoleAgent, Content: "He"})
	f.Add(Delta{Content: "ll"})
	f.Add(Delta{Content: "o"})
	f.Add(Delta{Content: "", EndReason: EndStop, Usage: &Usage{CompletionTokens: 3, TotalTokens: 10}})

	assert.True(t, f.Started())
	fused := f.Result()
	assert.Equal(t, "resp-1", fused.ID)
	assert.Equal(t, RoleAgent, fused.Role)
	assert.Equal(t, "Hello", fused.Content)
	assert.Equal(t, EndStop, fused.EndReason)
	require.NotNil(t, fused.Usage)
	assert.Equal(t, 3, fused.Usage.CompletionTokens)
	assert.Equal(t, 10, fused.Usage.TotalTokens)
}

func TestFuserKeepsFirstIdentity(t *testing.T) {
	var f Fuser
	f.Add(Delta{ID: "first", Role: RoleAgent})
	f.Add(Delta{ID: "second", Role: RoleUser, Content: "x"})

	fused := f.Result()
	assert.Equal(t, "first", fused.ID)
	assert.Equal(t, RoleAgent, fused.Role)
}

func TestFuserReasoningAndRefusal(t *testing.T) {
	var f Fuser
	f.Add(Delta{ReasoningContent: "step 1. "})
	f.Add(Delta{ReasoningContent: "step 2.", Refusal: "no"})

	fused := f.Result()
	assert.Equal(t, "step 1. step 2.", fused.ReasoningContent)
	assert.Equal(t, "no", fused.Refusal)
}

func TestFuserEndReasonFromAnyPartial(t *testing.T) {
	var f Fuser
	f.Add(Delta{Content: "a", EndReason: EndLength})
	f.Add(Delta{Content: "b"})
	assert.Equal(t, EndLength, f.Result().EndReason)
}

func TestUsageMergePrefersNonZero(t *testing.T) {
	u := Usage{PromptTokens: 5}
	u.Merge(&Usage{CompletionTokens: 7})
	u.Merge(&Usage{PromptTokens: 9, TotalTokens: 16})
	u.Merge(nil)

	assert.Equal(t, 9, u.PromptTokens)
	assert.Equal(t, 7, u.CompletionTokens)
	assert.Equal(t, 16, u.TotalTokens)
}

func TestHistoryAppendOrder(t *testing.T) {
	h := New()
	h.Append(Delta{Role: RoleSystem, Content: "sys"})
	h.Append(Delta{Role: RoleUser, Content: "task"})

	all := h.All()
	require.Len(t, all, 2)
	assert.Equal(t, RoleSystem, all[0].Role)
	assert.Equal(t, "task", all[1].Content)
	assert.Equal(t, 2, h.Len())
}
