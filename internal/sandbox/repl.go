package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
)

// Request formats understood by the guest.
const (
	fmtJSON = "json"
	fmtWarp = "warp"
)

// methodCall is the JSON body of a controller request to the guest.
type methodCall struct {
	Method string                 `json:"method"`
	Args   []interface{}          `json:"args,omitempty"`
	Kwargs map[string]interface{} `json:"kwargs,omitempty"`
}

// SessionInfo summarizes the guest namespaces after an init.
type SessionInfo struct {
	Globals    map[string]string `json:"globals"`
	Locals     map[string]string `json:"locals"`
	Modules    []string          `json:"modules"`
	Role       string            `json:"role"`
	ReturnType string            `json:"return_type"`
}

// EvaluationInfo describes one code evaluation in the guest.
type EvaluationInfo struct {
	ExceptionName  string `json:"exception_name,omitempty"`
	Traceback      string `json:"traceback,omitempty"`
	Output         string `json:"output"`
	OutStr         string `json:"out_str"`
	HasReturnValue bool   `json:"has_return_value"`
	HasRaisedError bool   `json:"has_raised_error"`

	// HasResult reports that the guest already dispatched a future result
	// for this evaluation's iid; the caller must not produce another.
	HasResult bool `json:"has_result"`
}

// RunOptions tune one ReplRunCode evaluation.
type RunOptions struct {
	// IID, when set, lets a syntactic return/raise complete the client-side
	// future for that invocation.
	IID  string `json:"iid,omitempty"`
	Mode string `json:"mode,omitempty"`
}

// VarInfo describes one guest variable.
type VarInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Repr  string `json:"repr"`
	Found bool   `json:"found"`
}

func (s *Sandbox) call(ctx context.Context, method string, args []interface{}, kwargs map[string]interface{}, out interface{}) error {
	body, err := json.Marshal(methodCall{Method: method, Args: args, Kwargs: kwargs})
	if err != nil {
		return fmt.Errorf("encoding %s call: %w", method, err)
	}
	raw, err := s.bridge.Call(ctx, fmtJSON, nil, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s reply: %w", method, err)
	}
	return nil
}

// ReplInit populates or updates the guest namespaces and returns the changed
// session info.
func (s *Sandbox) ReplInit(ctx context.Context, globals, locals map[string]interface{}) (*SessionInfo, error) {
	var info SessionInfo
	err := s.call(ctx, "repl_init", nil, map[string]interface{}{
		"globals": globals,
		"locals":  locals,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// ReplRunCode evaluates code in the guest and returns the evaluation record.
func (s *Sandbox) ReplRunCode(ctx context.Context, code string, opts RunOptions) (*EvaluationInfo, error) {
	kwargs := map[string]interface{}{"code": code}
	if opts.IID != "" {
		kwargs["iid"] = opts.IID
	}
	if opts.Mode != "" {
		kwargs["mode"] = opts.Mode
	}
	var info EvaluationInfo
	if err := s.call(ctx, "repl_run_code", nil, kwargs, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ReplCallMethod invokes an arbitrary guest method and JSON-decodes the reply.
func (s *Sandbox) ReplCallMethod(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	var out interface{}
	if err := s.call(ctx, name, args, kwargs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReplCallMethodRaw invokes a guest method and returns the reply bytes
// untouched, for pass-through payloads such as future completions.
func (s *Sandbox) ReplCallMethodRaw(ctx context.Context, name string, args []interface{}, kwargs map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(methodCall{Method: name, Args: args, Kwargs: kwargs})
	if err != nil {
		return nil, fmt.Errorf("encoding %s call: %w", name, err)
	}
	return s.bridge.Call(ctx, fmtJSON, nil, body)
}

// ReplSessionInfo returns the current namespace summary.
func (s *Sandbox) ReplSessionInfo(ctx context.Context) (*SessionInfo, error) {
	var info SessionInfo
	if err := s.call(ctx, "session_info", nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DirVars lists the guest's variable names.
func (s *Sandbox) DirVars(ctx context.Context) ([]string, error) {
	var names []string
	if err := s.call(ctx, "dir_vars", nil, nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// GetVarInfo describes a single guest variable.
func (s *Sandbox) GetVarInfo(ctx context.Context, name string) (*VarInfo, error) {
	var info VarInfo
	if err := s.call(ctx, "var_info", []interface{}{name}, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// HasVar reports whether the guest holds a variable with the given name.
func (s *Sandbox) HasVar(ctx context.Context, name string) (bool, error) {
	var found bool
	if err := s.call(ctx, "has_var", []interface{}{name}, nil, &found); err != nil {
		return false, err
	}
	return found, nil
}

// ReplayWarp feeds an opaque serialized namespace blob to the guest, which
// merges it into the session before the next evaluation.
func (s *Sandbox) ReplayWarp(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := s.bridge.Call(ctx, fmtWarp, nil, payload)
	return err
}
