package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/go-mcp"
)

// ErrToolNotFound is returned when no connected MCP server provides the tool.
var ErrToolNotFound = errors.New("tool not found")

// ToolServer is a connected MCP client and the tool names it serves.
type ToolServer struct {
	Client *mcp.Client
	Tools  []string
}

// ToolResult is the outcome of a tool call. Text joins the text contents; Content keeps them all.
type ToolResult struct {
	Text    string        `json:"text"`
	Content []mcp.Content `json:"content"`
	IsError bool          `json:"isError"`
}

// Tools routes tool calls, such as web search or page browsing, to the MCP server providing them.
type Tools struct {
	clients map[string]*mcp.Client

	logger *slog.Logger
}

// NewTools indexes servers by tool name. A tool name served twice is an error.
func NewTools(servers []ToolServer, logger *slog.Logger) (Tools, error) {
	clients := make(map[string]*mcp.Client)
	for _, s := range servers {
		for _, name := range s.Tools {
			if _, ok := clients[name]; ok {
				return Tools{}, fmt.Errorf("tool %s is provided by more than one server", name)
			}
			clients[name] = s.Client
		}
	}
	return Tools{
		clients: clients,
		logger:  logger.With(slog.String("module", "tools")),
	}, nil
}

// Names returns the available tool names, sorted.
func (t Tools) Names() []string {
	names := make([]string, 0, len(t.clients))
	for name := range t.clients {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Call invokes the tool with JSON arguments. A tool reporting failure is not an error; check
// ToolResult.IsError.
func (t Tools) Call(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	cli, ok := t.clients[name]
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	res, err := cli.CallTool(ctx, mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.logger.Error("Tool call failed",
			slog.String("toolName", name),
			slog.String(errLoggerKey, err.Error()))
		return ToolResult{}, fmt.Errorf("tool call failed: %w", err)
	}

	var texts []string
	for _, c := range res.Content {
		if c.Type == mcp.ContentTypeText {
			texts = append(texts, c.Text)
		}
	}
	t.logger.Debug("Tool result", slog.String("toolName", name), slog.Bool("isError", res.IsError))

	return ToolResult{
		Text:    strings.Join(texts, "\n"),
		Content: res.Content,
		IsError: res.IsError,
	}, nil
}
