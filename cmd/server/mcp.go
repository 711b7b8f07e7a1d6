package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/MegaGrindStone/ai-experiments/internal/services"
	"github.com/MegaGrindStone/go-mcp"
)

const mcpConnectTimeout = 30 * time.Second

type mcpServer struct {
	name  string
	cli   *mcp.Client
	tools []string
}

// mcpConnections holds what startMCP opened: the clients that finished the handshake and the stdio
// server processes.
type mcpConnections struct {
	clients []*mcp.Client
	cmds    []*exec.Cmd

	logger *slog.Logger
}

// startMCP starts the configured stdio servers and connects a client to every MCP server. If any of
// them fails, everything opened so far is closed before the error is returned, and the returned
// connections only serve to inspect what was released.
func startMCP(cfg config, info mcp.Info, logger *slog.Logger) (mcpConnections, []services.ToolServer, error) {
	conns := mcpConnections{logger: logger}

	servers, err := populateMCPClients(cfg, info, &conns)
	if err != nil {
		conns.close(context.Background())
		return conns, nil, err
	}

	var toolServers []services.ToolServer
	for _, srv := range servers {
		logger.Info("Connecting to MCP server", slog.String("server", srv.name))

		ctx, cancel := context.WithTimeout(context.Background(), mcpConnectTimeout)
		err := srv.cli.Connect(ctx)
		cancel()
		if err != nil {
			conns.close(context.Background())
			return conns, nil, fmt.Errorf("error connecting to MCP server %s: %w", srv.name, err)
		}
		conns.clients = append(conns.clients, srv.cli)
		toolServers = append(toolServers, services.ToolServer{Client: srv.cli, Tools: srv.tools})

		logger.Info("Connected to MCP server", slog.String("server", srv.cli.ServerInfo().Name))
	}
	return conns, toolServers, nil
}

// populateMCPClients creates a client per configured server. Started stdio processes are recorded in
// conns as soon as they run.
func populateMCPClients(cfg config, info mcp.Info, conns *mcpConnections) ([]mcpServer, error) {
	var servers []mcpServer

	for name, sseCfg := range cfg.MCPSSEServers {
		cli := mcp.NewClient(info, mcp.NewSSEClient(sseCfg.URL, nil))
		servers = append(servers, mcpServer{name: name, cli: cli, tools: sseCfg.Tools})
	}

	for name, stdIOCfg := range cfg.MCPStdIOServers {
		cmd := exec.Command(stdIOCfg.Command, stdIOCfg.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("error opening stdin of %s: %w", name, err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("error opening stdout of %s: %w", name, err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("error starting %s: %w", name, err)
		}
		conns.cmds = append(conns.cmds, cmd)

		cli := mcp.NewClient(info, mcp.NewStdIO(out, in))
		servers = append(servers, mcpServer{name: name, cli: cli, tools: stdIOCfg.Tools})
	}

	return servers, nil
}

// close disconnects the clients, then kills and reaps the stdio server processes.
func (c mcpConnections) close(ctx context.Context) {
	for _, cli := range c.clients {
		if err := cli.Disconnect(ctx); err != nil {
			c.logger.Warn("Failed to disconnect MCP client", slog.String("err", err.Error()))
		}
	}
	for _, cmd := range c.cmds {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Warn("Failed to kill stdIO command", slog.String("command", cmd.Path), slog.String("err", err.Error()))
		}
		var exitErr *exec.ExitError
		if err := cmd.Wait(); err != nil && !errors.As(err, &exitErr) {
			c.logger.Warn("Failed to wait for stdIO command", slog.String("command", cmd.Path), slog.String("err", err.Error()))
		}
	}
}
