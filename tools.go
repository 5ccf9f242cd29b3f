package agentsocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// metaTools wrap a real tool name/arguments pair inside their own arguments.
var metaTools = map[string]struct{}{
	"call_tool":    {},
	"execute_tool": {},
}

// ToolCall is a normalized tool call ready for a ToolExecutor.
type ToolCall struct {
	ID   string
	Name string
	Args string
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Name   string `json:"name"`
	Result string `json:"result"`
}

// ToolExecutor runs a batch of tool calls requested by the agent. The session
// only forwards calls; executing them is up to the consumer.
type ToolExecutor interface {
	ExecuteTools(ctx context.Context, calls []ToolCall) ([]ToolResult, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, calls []ToolCall) ([]ToolResult, error)

// ExecuteTools calls f.
func (f ToolExecutorFunc) ExecuteTools(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	return f(ctx, calls)
}

// NormalizeToolCalls unwraps meta-tool wrappers, rewrites "/" separated names
// to "-" separated ones and renders arguments as a JSON string. Descriptors
// without a name are dropped.
func NormalizeToolCalls(raw []RawToolCall) []ToolCall {
	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		name := rc.Name
		args := firstRaw(rc.Arguments, rc.Args)
		if rc.Function != nil {
			if name == "" {
				name = rc.Function.Name
			}
			if len(args) == 0 {
				args = rc.Function.Arguments
			}
		}

		if _, ok := metaTools[name]; ok {
			if inner, innerArgs, ok := unwrapMetaTool(args); ok {
				name, args = inner, innerArgs
			}
		}

		if name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ID:   rc.ID,
			Name: strings.ReplaceAll(name, "/", "-"),
			Args: argsString(args),
		})
	}
	return calls
}

func unwrapMetaTool(args json.RawMessage) (string, json.RawMessage, bool) {
	// Arguments sometimes arrive as a JSON-encoded string.
	if s := rawString(args); s != "" {
		args = json.RawMessage(s)
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(args, &wrapper); err != nil {
		return "", nil, false
	}

	name := rawString(wrapper["tool_name"])
	if name == "" {
		name = rawString(wrapper["name"])
	}
	if name == "" {
		return "", nil, false
	}
	return name, firstRaw(wrapper["arguments"], wrapper["args"]), true
}

func firstRaw(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		if len(c) > 0 && string(c) != "null" {
			return c
		}
	}
	return nil
}

func argsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	if s := rawString(raw); s != "" {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Tool defines the interface for a locally executed tool.
type Tool interface {
	Definition() ToolDefinition
	Call(ctx context.Context, args string) (string, error)
}

// ToolDefinition describes a tool.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Toolbox manages a collection of tools and implements ToolExecutor.
type Toolbox struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolbox creates an empty toolbox.
func NewToolbox() *Toolbox {
	return &Toolbox{
		tools: make(map[string]Tool),
	}
}

// Add registers a tool.
func (t *Toolbox) Add(tool Tool) {
	def := tool.Definition()
	t.mu.Lock()
	t.tools[def.Name] = tool
	t.mu.Unlock()
}

// Get retrieves a tool by name.
func (t *Toolbox) Get(name string) (Tool, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tool, ok := t.tools[name]
	return tool, ok
}

// Call executes a tool by name with the given arguments.
func (t *Toolbox) Call(ctx context.Context, name string, args string) (string, error) {
	tool, ok := t.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool.Call(ctx, args)
}

// ExecuteTools runs every call in order. A failing call yields an error
// result instead of failing the batch.
func (t *Toolbox) ExecuteTools(ctx context.Context, calls []ToolCall) ([]ToolResult, error) {
	results := make([]ToolResult, 0, len(calls))

	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := t.Call(ctx, call.Name, call.Args)
		if err != nil {
			result = fmt.Sprintf("error: %v", err)
		}
		results = append(results, ToolResult{
			Name:   call.Name,
			Result: result,
		})
	}

	return results, nil
}

// Definitions returns all tool definitions sorted by name.
func (t *Toolbox) Definitions() []ToolDefinition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(t.tools))
	for _, tool := range t.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// FuncTool wraps a function as a Tool.
type FuncTool struct {
	def ToolDefinition
	fn  func(ctx context.Context, args string) (string, error)
}

// NewFuncTool creates a tool from a function.
func NewFuncTool(def ToolDefinition, fn func(ctx context.Context, args string) (string, error)) *FuncTool {
	return &FuncTool{def: def, fn: fn}
}

// Definition returns the tool definition.
func (f *FuncTool) Definition() ToolDefinition {
	return f.def
}

// Call invokes the tool function.
func (f *FuncTool) Call(ctx context.Context, args string) (string, error) {
	return f.fn(ctx, args)
}
