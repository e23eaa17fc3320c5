// Package stdiorpc implements the stdio JSON-RPC boundary surface
// (spec.md §4.8, §6): a line-delimited JSON-RPC 2.0 server speaking the
// initialize/tools-list/tools-call subset of the Model Context Protocol
// over stdin/stdout.
//
// Wire types and error codes mirror internal/mcp/types.go, which defines
// the same JSON-RPC 2.0 shapes for the teacher's MCP *client* transport
// (internal/mcp/transport_stdio.go dials a subprocess and frames
// line-delimited JSON over a buffered scanner); this package is the
// server-side mirror of that framing, serving requests instead of issuing
// them.
package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/corestated/corestated/internal/boundary"
	"github.com/corestated/corestated/internal/mcp"
)

const protocolVersion = "2024-11-05"

const maxLineBytes = 1024 * 1024

// Server serves the MCP tool surface over a pair of byte streams.
type Server struct {
	core   *boundary.Core
	name   string
	logger *slog.Logger
}

// NewServer builds a Server exposing core's tool catalogue as name.
func NewServer(core *boundary.Core, name string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{core: core, name: name, logger: logger}
}

// Serve reads one JSON-RPC request or notification per line from r and
// writes one JSON-RPC response per line (requests only) to w, until r is
// exhausted or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleLine(ctx, line)
		if resp == nil {
			continue // notification: no response frame
		}
		if err := writeFrame(w, resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte) *mcp.JSONRPCResponse {
	var req mcp.JSONRPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return &mcp.JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &mcp.JSONRPCError{Code: mcp.ErrCodeParseError, Message: "parse error: " + err.Error()},
		}
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return &mcp.JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &mcp.JSONRPCError{Code: mcp.ErrCodeInvalidRequest, Message: "invalid request"},
		}
	}

	// A request with no id is a notification: process but never reply
	// (JSON-RPC 2.0 §4.1). The initialize/tools flow never sends these,
	// but a well-behaved server must not answer them regardless.
	isNotification := req.ID == nil

	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if isNotification {
		return nil
	}

	resp := &mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &mcp.JSONRPCError{Code: mcp.ErrCodeInternalError, Message: err.Error()}
		return resp
	}
	resp.Result = raw
	return resp
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (any, *mcp.JSONRPCError) {
	switch method {
	case "initialize":
		return mcp.InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    mcp.Capabilities{Tools: &mcp.ToolsCapability{}},
			ServerInfo:      mcp.ServerInfo{Name: s.name, Version: protocolVersion},
		}, nil
	case "tools/list":
		return mcp.ListToolsResult{Tools: s.toolList()}, nil
	case "tools/call":
		return s.callTool(ctx, params)
	default:
		return nil, &mcp.JSONRPCError{Code: mcp.ErrCodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", method)}
	}
}

func (s *Server) toolList() []*mcp.MCPTool {
	defs := s.core.ListTools()
	out := make([]*mcp.MCPTool, 0, len(defs))
	for _, d := range defs {
		out = append(out, &mcp.MCPTool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *mcp.JSONRPCError) {
	var p mcp.CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &mcp.JSONRPCError{Code: mcp.ErrCodeInvalidParams, Message: "invalid tools/call params: " + err.Error()}
	}
	if _, ok := s.core.GetTool(p.Name); !ok {
		return nil, &mcp.JSONRPCError{Code: mcp.ErrCodeToolNotFound, Message: "unknown tool: " + p.Name}
	}

	args := p.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	res := s.core.ExecuteTool(ctx, p.Name, args)

	if res.Error != nil {
		return mcp.ToolCallResult{
			IsError: true,
			Content: []mcp.ToolResultContent{{Type: "text", Text: string(res.Error.Kind) + ": " + res.Error.Message}},
		}, nil
	}
	return mcp.ToolCallResult{
		Content: []mcp.ToolResultContent{{Type: "text", Text: string(res.Result)}},
	}, nil
}

func writeFrame(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}
