package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCodeBlocks(t *testing.T) {
	content := "Reasoning first.\n```python\nx = 1\nprint(x)\n```\ntrailing text"
	blocks := extractCodeBlocks(content)
	require.Len(t, blocks, 1)
	assert.Equal(t, "x = 1\nprint(x)", blocks[0])
}

func TestExtractCodeBlocksMultiple(t *testing.T) {
	content := "```\nfirst\n```\nand then\n```go\nsecond\n```"
	blocks := extractCodeBlocks(content)
	require.Len(t, blocks, 2)
	assert.Equal(t, "first", blocks[0])
	assert.Equal(t, "second", blocks[1])
}

func TestExtractCodeBlocksSkipsBlank(t *testing.T) {
	content := "```\n\n```\n```\nreal\n```"
	blocks := extractCodeBlocks(content)
	require.Len(t, blocks, 1)
	assert.Equal(t, "real", blocks[0])
}

func TestExtractCodeBlocksNone(t *testing.T) {
	assert.Nil(t, extractCodeBlocks("no fences here"))
	assert.Nil(t, extractCodeBlocks("inline `code` only"))
}

func TestStripReasoningTags(t *testing.T) {
	content := "<think>\nhidden reasoning\n</think>\nThe answer is 42."
	assert.Equal(t, "The answer is 42.", stripReasoningTags(content))

	content = "<reasoning>a</reasoning>visible<reflection>b</reflection>"
	assert.Equal(t, "visible", stripReasoningTags(content))

	assert.Equal(t, "plain", stripReasoningTags("  plain  "))
}

func TestLiteralReturn(t *testing.T) {
	assert.Equal(t, `return "The answer is 42."`, literalReturn("The answer is 42."))
	assert.Equal(t, `return "done"`, literalReturn("<think>why</think>done"))
	assert.Equal(t, `return "he said \"hi\""`, literalReturn(`he said "hi"`))
}
