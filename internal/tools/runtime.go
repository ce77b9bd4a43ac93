// Package tools is Nova's tool runtime: a registry of tools the chat
// engine may offer to the model during a tool loop.
//
// Tools come from two places. External MCP servers are connected over
// stdio or streamable-HTTP using the official MCP Go SDK and their
// catalogues imported wholesale. Builtin tools are plain Go functions
// registered in-process; the weather, crypto, web and Gmail bridges all
// live there.
//
// The runtime executes calls and records durations; per-call timeouts
// are the caller's job (the tool loop wraps each invocation in its own
// deadline). All methods are safe for concurrent use.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AverageNftEnjoyer/nova/pkg/types"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and speaks MCP over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP speaks the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes one external MCP server.
type ServerConfig struct {
	// Name identifies the server within the runtime. Must be unique.
	Name string

	// Transport is stdio or streamable-http.
	Transport Transport

	// Command is the executable plus arguments for stdio servers.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env holds extra environment variables for stdio servers. May be nil.
	Env map[string]string
}

// Result is the outcome of one tool execution.
type Result struct {
	// Content is the tool's textual output, ready for the model's context.
	Content string

	// IsError marks an application-level failure; Content then carries the
	// error message. Transport failures surface as Go errors instead.
	IsError bool

	// DurationMs is wall-clock execution time.
	DurationMs int64
}

// Runtime is the seam the chat engine sees.
type Runtime interface {
	// Definitions returns every registered tool, sorted by name.
	Definitions() []types.ToolDefinition

	// Available maps tool name to presence, for execution-policy checks.
	Available() map[string]bool

	// IsSensitive reports whether the named tool requires a single-use
	// HUD operation token before execution.
	IsSensitive(name string) bool

	// Execute runs the named tool with JSON-encoded args. A non-nil
	// Result is returned even for application-level errors; a Go error
	// means transport or protocol failure.
	Execute(ctx context.Context, name, args string) (*Result, error)

	// Close releases server connections. The runtime must not be used
	// after Close.
	Close() error
}

// toolEntry holds everything the runtime knows about one tool.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string

	// builtinFn is non-nil for in-process tools.
	builtinFn func(ctx context.Context, args string) (string, error)
}

type serverConn struct {
	session *mcpsdk.ClientSession
}

// MCPRuntime is the concrete Runtime backed by the MCP SDK plus an
// in-process builtin registry.
//
// The zero value is not usable; create instances with [NewRuntime].
type MCPRuntime struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]serverConn

	// client is shared across server connections; the SDK allows one
	// Client to hold multiple sessions.
	client *mcpsdk.Client
}

var _ Runtime = (*MCPRuntime)(nil)

// NewRuntime creates an empty runtime.
func NewRuntime() *MCPRuntime {
	return &MCPRuntime{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]serverConn),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "nova-tools", Version: "1.0.0"},
			nil,
		),
	}
}

// RegisterServer connects to an external MCP server and imports its tool
// catalogue. Re-registering a name closes the old connection and drops
// its tools first.
func (r *MCPRuntime) RegisterServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("tools: server config needs a name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("tools: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("tools: stdio server %q needs a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("tools: streamable-http server %q needs a URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	}

	session, err := r.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("tools: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("tools: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.servers[cfg.Name]; ok {
		_ = old.session.Close()
		for name, t := range r.tools {
			if t.serverName == cfg.Name {
				delete(r.tools, name)
			}
		}
	}
	r.servers[cfg.Name] = serverConn{session: session}

	for _, t := range discovered {
		r.tools[t.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// Definitions returns every registered tool, sorted by name so prompt
// assembly is deterministic.
func (r *MCPRuntime) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ToolDefinition, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Available maps tool name to presence.
func (r *MCPRuntime) Available() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.tools))
	for name := range r.tools {
		out[name] = true
	}
	return out
}

// IsSensitive reports whether the named tool requires a HUD op token.
func (r *MCPRuntime) IsSensitive(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return ok && e.def.Sensitive
}

// Execute runs the named tool.
func (r *MCPRuntime) Execute(ctx context.Context, name, args string) (*Result, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: tool %q not found", name)
	}

	start := time.Now()
	var res *Result
	var err error
	if entry.builtinFn != nil {
		res, err = r.executeBuiltin(ctx, entry, args)
	} else {
		res, err = r.executeMCP(ctx, entry, args)
	}
	if err != nil {
		return nil, err
	}
	res.DurationMs = time.Since(start).Milliseconds()
	return res, nil
}

func (r *MCPRuntime) executeBuiltin(ctx context.Context, entry toolEntry, args string) (*Result, error) {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		// Context expiry is a transport-level failure; the loop classifies
		// and counts it as a tool timeout.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Result{Content: err.Error(), IsError: true}, nil
	}
	return &Result{Content: output}, nil
}

func (r *MCPRuntime) executeMCP(ctx context.Context, entry toolEntry, args string) (*Result, error) {
	r.mu.RLock()
	conn, ok := r.servers[entry.serverName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tools: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("tools: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	callResult, err := conn.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("tools: call to tool %q: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &Result{Content: sb.String(), IsError: callResult.IsError}, nil
}

// Close shuts down all server connections and clears the registry.
func (r *MCPRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for name, conn := range r.servers {
		if err := conn.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("tools: close server %q: %w", name, err)
		}
		delete(r.servers, name)
	}
	r.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts an SDK schema value to the map shape providers
// expect.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
