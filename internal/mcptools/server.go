// Package mcptools exposes job orchestration as MCP tools so agents can
// submit and steer work over stdio.
package mcptools

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/randalmurphal/codexd/internal/store"
	"github.com/randalmurphal/codexd/internal/worktree"
)

// Service binds the MCP tool handlers to the store and worktree manager.
type Service struct {
	store     *store.Store
	worktrees *worktree.Manager
	logger    *slog.Logger
}

// New creates the MCP tool service.
func New(st *store.Store, wt *worktree.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, worktrees: wt, logger: logger}
}

// Server builds the MCP server with all tools registered.
func (s *Service) Server(version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"codexd",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(srv)
	return srv
}

// ServeStdio runs the MCP server over stdin/stdout until EOF.
func (s *Service) ServeStdio(version string) error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.Server(version))
}
