package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"time"

	"github.com/MegaGrindStone/go-mcp"
	"github.com/eduzmena/chatbot/internal/handlers"
)

var mcpClientInfo = mcp.Info{
	Name:    "chatbot",
	Version: "0.1.0",
}

const mcpConnectTimeout = 30 * time.Second

// mcpServer is one configured MCP server and the client talking to it.
type mcpServer struct {
	name string
	cli  *mcp.Client

	// Set for servers started as a subprocess.
	cmd   *exec.Cmd
	stdin io.Closer

	cancel context.CancelFunc
}

// newMCPServers creates a client for every configured server, starting the stdio ones. Servers are
// ordered by kind, then name.
func newMCPServers(cfg config) ([]*mcpServer, error) {
	var servers []*mcpServer

	for _, name := range slices.Sorted(maps.Keys(cfg.MCPSSEServers)) {
		sseClient := mcp.NewSSEClient(cfg.MCPSSEServers[name].URL, nil)
		servers = append(servers, &mcpServer{
			name: name,
			cli:  mcp.NewClient(mcpClientInfo, sseClient),
		})
	}

	for _, name := range slices.Sorted(maps.Keys(cfg.MCPStdIOServers)) {
		srvCfg := cfg.MCPStdIOServers[name]
		if srvCfg.Command == "" {
			closeMCPServers(servers, nil)
			return nil, fmt.Errorf("mcp server %s: command is required", name)
		}
		cmd := exec.Command(srvCfg.Command, srvCfg.Args...)

		in, err := cmd.StdinPipe()
		if err != nil {
			closeMCPServers(servers, nil)
			return nil, fmt.Errorf("mcp server %s: failed to get stdin: %w", name, err)
		}
		out, err := cmd.StdoutPipe()
		if err != nil {
			closeMCPServers(servers, nil)
			return nil, fmt.Errorf("mcp server %s: failed to get stdout: %w", name, err)
		}
		if err := cmd.Start(); err != nil {
			closeMCPServers(servers, nil)
			return nil, fmt.Errorf("mcp server %s: failed to start: %w", name, err)
		}

		servers = append(servers, &mcpServer{
			name:  name,
			cli:   mcp.NewClient(mcpClientInfo, mcp.NewStdIO(out, in)),
			cmd:   cmd,
			stdin: in,
		})
	}

	return servers, nil
}

// connectMCPServers connects every client, waiting for each to become ready.
func connectMCPServers(servers []*mcpServer, logger *slog.Logger) ([]handlers.MCPClient, error) {
	clients := make([]handlers.MCPClient, 0, len(servers))
	for _, srv := range servers {
		logger.Info("Connecting to MCP server", slog.String("name", srv.name))

		ctx, cancel := context.WithCancel(context.Background())
		srv.cancel = cancel

		ready := make(chan struct{})
		errs := make(chan error, 1)
		go func() {
			if err := srv.cli.Connect(ctx, ready); err != nil {
				errs <- err
			}
		}()

		select {
		case err := <-errs:
			return nil, fmt.Errorf("failed to connect to mcp server %s: %w", srv.name, err)
		case <-time.After(mcpConnectTimeout):
			return nil, fmt.Errorf("failed to connect to mcp server %s: %w", srv.name, context.DeadlineExceeded)
		case <-ready:
		}

		logger.Info("Connected to MCP server",
			slog.String("name", srv.name),
			slog.String("serverName", srv.cli.ServerInfo().Name))
		clients = append(clients, srv.cli)
	}
	return clients, nil
}

// closeMCPServers disconnects the clients and waits for the stdio servers to exit.
func closeMCPServers(servers []*mcpServer, logger *slog.Logger) {
	for _, srv := range servers {
		if srv.cancel != nil {
			srv.cancel()
		}
		if srv.cmd == nil {
			continue
		}
		// Closing stdin tells a stdio server to exit.
		_ = srv.stdin.Close()
		if err := srv.cmd.Wait(); err != nil && logger != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				logger.Error("Failed to wait for MCP server",
					slog.String("name", srv.name),
					slog.String("err", err.Error()))
			}
		}
	}
}
