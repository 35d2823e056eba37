// Package agent implements the agent unit: one sandbox, one inference
// target, and the interaction policy that alternates model rounds with
// sandboxed code execution.
package agent

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")

	// Reasoning scaffolding some models wrap around their visible answer.
	reasoningTagRe = regexp.MustCompile(`(?s)<(think|thinking|reasoning|reflection)>.*?</(think|thinking|reasoning|reflection)>`)
)

// extractCodeBlocks returns the contents of every fenced code block, in
// document order. Language hints on the opening fence are ignored.
func extractCodeBlocks(content string) []string {
	matches := fencedBlockRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		block := strings.TrimRight(m[1], "\n")
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// stripReasoningTags removes thinking/reasoning sections, leaving only the
// model's visible answer.
func stripReasoningTags(content string) string {
	return strings.TrimSpace(reasoningTagRe.ReplaceAllString(content, ""))
}

// literalReturn turns free-form text into a return statement for agents with
// a declared str return type and no code block in the response.
func literalReturn(content string) string {
	return "return " + strconv.Quote(stripReasoningTags(content))
}
