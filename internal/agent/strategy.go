package agent

import (
	"fmt"

	"github.com/agentica/agentica-server/internal/agent/seq"
	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/internal/sandbox"
)

// Strategy builds the effect sequences an agent runs. Strategies are
// immutable and selected once at agent construction, keyed by provider.
type Strategy interface {
	// InitSequence runs once per agent, before the first user task.
	InitSequence(premise, system string) seq.Step

	// UserSequence runs one invocation's interaction loop.
	UserSequence(task *string, iid string) seq.Step
}

// User-execution messages fed back to the model.
const (
	msgEmptyResponse = "Your last response was empty. Reply with your reasoning and exactly one fenced code block."
	msgMissingCode   = "Your response did not contain a code block. Reply with exactly one fenced code block holding the next code to execute."
	msgEmptyOutput   = "The code executed without producing any output."
	msgUncaughtExit  = "The code raised SystemExit. Do not call exit(); finish by returning a value with `return`."
	msgExtraBlocks   = "Only the first code block was executed. Send exactly one code block per response."
)

const returnTypeKey = "return_type"

// strategies is the immutable provider table. Unlisted providers use the
// default strategy; entries exist so provider-specific stop tokens or
// prompt shapes can be added without touching the policy.
var strategies = map[string]Strategy{
	"openai":    defaultStrategy{},
	"anthropic": defaultStrategy{},
	"deepseek":  defaultStrategy{stop: []string{"</answer>"}},
}

var fallbackStrategy Strategy = defaultStrategy{}

// StrategyFor selects the interaction strategy for a provider.
func StrategyFor(provider string) Strategy {
	if s, ok := strategies[provider]; ok {
		return s
	}
	return fallbackStrategy
}

// defaultStrategy is the generic code-interpreter policy: one inference
// round, execute the first fenced code block, feed the output back, repeat
// until the guest dispatches a future result for the invocation.
type defaultStrategy struct {
	stop []string
}

func (s defaultStrategy) InitSequence(premise, system string) seq.Step {
	init := seq.Do(seq.ReplInit{}, func(result interface{}) seq.Step {
		info, ok := result.(*sandbox.SessionInfo)
		if !ok || info == nil {
			return seq.Pure(nil)
		}
		return seq.Do(seq.Capture{Name: returnTypeKey, Value: info.ReturnType}, nil)
	})
	if system != "" {
		init = init.Then(func() seq.Step {
			return seq.Do(seq.Insert{Content: system, Role: history.RoleSystem}, nil)
		})
	}
	if premise != "" {
		init = init.Then(func() seq.Step {
			return seq.Do(seq.Insert{Content: premise, Role: history.RoleUser}, nil)
		})
	}
	return init
}

func (s defaultStrategy) UserSequence(task *string, iid string) seq.Step {
	loop := s.round(iid)
	if task == nil {
		return loop
	}
	return seq.Do(seq.Insert{Content: *task, Role: history.RoleUser}, func(interface{}) seq.Step {
		return loop
	})
}

// round is one turn of the interaction loop.
func (s defaultStrategy) round(iid string) seq.Step {
	return seq.Do(seq.ModelInference{Stop: s.stop}, func(result interface{}) seq.Step {
		delta := result.(history.Delta)
		return seq.Do(seq.InsertDelta{Delta: delta}, func(interface{}) seq.Step {
			if delta.Content == "" {
				return s.feedback(msgEmptyResponse, iid)
			}

			blocks := extractCodeBlocks(delta.Content)
			if len(blocks) == 0 {
				return seq.Do(seq.Retrieve{Name: returnTypeKey}, func(rt interface{}) seq.Step {
					if typ, _ := rt.(string); typ == "str" {
						return s.execute(literalReturn(delta.Content), iid, false)
					}
					return s.feedback(msgMissingCode, iid)
				})
			}
			return s.execute(blocks[0], iid, len(blocks) > 1)
		})
	})
}

// execute logs, runs, and records one code block, then either returns (the
// guest completed the invocation's future) or feeds the output back.
func (s defaultStrategy) execute(code, iid string, extraBlocks bool) seq.Step {
	return seq.Do(seq.LogCodeBlock{Code: code}, func(idResult interface{}) seq.Step {
		execID, _ := idResult.(string)
		return seq.Do(seq.ReplRunCode{
			Code:    code,
			Options: sandbox.RunOptions{IID: iid},
		}, func(result interface{}) seq.Step {
			info := result.(*sandbox.EvaluationInfo)
			return seq.Do(seq.LogExecuteResult{Result: info, ExecID: execID}, func(interface{}) seq.Step {
				if info.HasResult {
					return seq.Pure(nil)
				}

				output := info.OutStr
				if output == "" {
					output = msgEmptyOutput
				} else {
					output = fmt.Sprintf("Execution output:\n%s", output)
				}

				// Output first, then the uncaught-exit and extra-blocks
				// notices, then the next round.
				next := s.round(iid)
				if extraBlocks {
					next = prependInsert(msgExtraBlocks, next)
				}
				if info.ExceptionName == "SystemExit" {
					next = prependInsert(msgUncaughtExit, next)
				}
				return prependInsert(output, next)
			})
		})
	})
}

// feedback inserts a user-execution message and loops.
func (s defaultStrategy) feedback(content, iid string) seq.Step {
	return seq.Do(seq.Insert{Content: content, Role: history.RoleUser}, func(interface{}) seq.Step {
		return s.round(iid)
	})
}

// prependInsert inserts a user message before continuing with next.
func prependInsert(content string, next seq.Step) seq.Step {
	return seq.Do(seq.Insert{Content: content, Role: history.RoleUser}, func(interface{}) seq.Step {
		return next
	})
}
