// Package mcpserver exposes the registered actions as MCP tools over stdio.
//
// Each action becomes a tool whose input schema comes from the action's
// parameters.  Three extra tools exist: ask (free text through the intent
// parser), confirm and cancel (confirmation tokens).
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bdobrica/Kanri/internal/kanri/actions"
)

// Requester is the fixed requester and channel ID for MCP calls.
const Requester = "mcp"

// Tool names that are not actions.
const (
	ToolAsk     = "ask"
	ToolConfirm = "confirm"
	ToolCancel  = "cancel"
)

// Dispatcher is the subset of dispatch.Dispatcher the server calls.
type Dispatcher interface {
	HandleText(ctx context.Context, text, requester, channel string) actions.Result
	Execute(ctx context.Context, action string, params map[string]string, requester, channel string) actions.Result
	HandleCallback(ctx context.Context, token, approver string, approved bool) actions.Result
}

// Catalogue lists the actions to expose.
type Catalogue interface {
	Advertisement() []actions.Descriptor
}

// Server wraps an mcp-go server.
type Server struct {
	mcp        *server.MCPServer
	catalogue  Catalogue
	dispatcher Dispatcher
}

// New builds the server and registers every tool.
func New(catalogue Catalogue, dispatcher Dispatcher, version string) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"Kanri",
			version,
			server.WithToolCapabilities(true),
		),
		catalogue:  catalogue,
		dispatcher: dispatcher,
	}
	tools := s.Tools()
	s.mcp.AddTools(tools...)
	slog.Info("mcp: tools registered", "count", len(tools))
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// ServeStdio blocks serving JSON-RPC on stdin/stdout.
func (s *Server) ServeStdio() error {
	if err := server.ServeStdio(s.mcp); err != nil {
		return fmt.Errorf("mcp: serve stdio: %w", err)
	}
	return nil
}

// Tools builds the tool list: one per action, then ask, confirm and cancel.
func (s *Server) Tools() []server.ServerTool {
	reserved := map[string]bool{ToolAsk: true, ToolConfirm: true, ToolCancel: true}

	var tools []server.ServerTool
	for _, d := range s.catalogue.Advertisement() {
		if reserved[d.Name] {
			slog.Warn("mcp: action name collides with a built-in tool; skipping", "action", d.Name)
			continue
		}
		tools = append(tools, server.ServerTool{Tool: actionTool(d), Handler: s.actionHandler(d)})
	}

	tools = append(tools,
		server.ServerTool{
			Tool: mcp.NewTool(ToolAsk,
				mcp.WithDescription("Ask in plain English, e.g. 'how many mim hosts are in lolxp'"),
				mcp.WithString("text", mcp.Required(), mcp.Description("The request")),
			),
			Handler: s.handleAsk,
		},
		server.ServerTool{
			Tool: mcp.NewTool(ToolConfirm,
				mcp.WithDescription("Approve a pending confirmation"),
				mcp.WithString("token", mcp.Required(), mcp.Description("Confirmation token")),
			),
			Handler: s.handleCallback(true),
		},
		server.ServerTool{
			Tool: mcp.NewTool(ToolCancel,
				mcp.WithDescription("Cancel a pending confirmation"),
				mcp.WithString("token", mcp.Required(), mcp.Description("Confirmation token")),
			),
			Handler: s.handleCallback(false),
		},
	)
	return tools
}

func actionTool(d actions.Descriptor) mcp.Tool {
	desc := d.Description
	if d.RequiresConfirmation {
		desc += " (returns a confirmation token; call confirm to proceed)"
	}
	opts := []mcp.ToolOption{mcp.WithDescription(desc)}
	for _, p := range d.Parameters {
		popts := []mcp.PropertyOption{mcp.Description(p.Description)}
		if p.Required {
			popts = append(popts, mcp.Required())
		}
		switch p.Type {
		case actions.TypeInteger:
			opts = append(opts, mcp.WithNumber(p.Name, popts...))
		case actions.TypeBoolean:
			opts = append(opts, mcp.WithBoolean(p.Name, popts...))
		default:
			if len(p.Enum) > 0 {
				popts = append(popts, mcp.Enum(p.Enum...))
			}
			opts = append(opts, mcp.WithString(p.Name, popts...))
		}
	}
	return mcp.NewTool(d.Name, opts...)
}

func (s *Server) actionHandler(d actions.Descriptor) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		params, err := stringParams(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return toolResult(s.dispatcher.Execute(ctx, d.Name, params, Requester, Requester)), nil
	}
}

func (s *Server) handleAsk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("The 'text' parameter is required"), nil
	}
	return toolResult(s.dispatcher.HandleText(ctx, text, Requester, Requester)), nil
}

func (s *Server) handleCallback(approved bool) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		token, err := req.RequireString("token")
		if err != nil {
			return mcp.NewToolResultError("The 'token' parameter is required"), nil
		}
		return toolResult(s.dispatcher.HandleCallback(ctx, token, Requester, approved)), nil
	}
}

// stringParams flattens JSON arguments into the string map handlers take.
func stringParams(args map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for k, v := range args {
		switch x := v.(type) {
		case nil:
		case string:
			out[k] = x
		case bool:
			out[k] = strconv.FormatBool(x)
		case float64:
			out[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case int:
			out[k] = strconv.Itoa(x)
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// toolResult renders the message, then the structured data as JSON when
// present.  ERROR results set IsError.
func toolResult(res actions.Result) *mcp.CallToolResult {
	out := &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(res.Message)},
		IsError: res.Status == actions.StatusError,
	}
	if len(res.Data) > 0 {
		payload := map[string]any{"status": res.Status, "data": res.Data}
		if b, err := json.Marshal(payload); err == nil {
			out.Content = append(out.Content, mcp.NewTextContent(string(b)))
		}
	}
	return out
}
