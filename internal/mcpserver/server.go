// Package mcpserver exposes pulse scheduling as MCP tools over stdio, so an
// agent session can schedule its own future wake-ups.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/pulse/queue"
)

// Server wraps the stdio MCP server.
type Server struct {
	queue  *queue.Queue
	logger *logger.Logger
	mcp    *server.MCPServer
}

// New creates the MCP server and registers the pulse tools.
func New(q *queue.Queue, log *logger.Logger) *Server {
	s := &Server{
		queue:  q,
		logger: log.WithComponent("mcp"),
	}
	s.mcp = server.NewMCPServer(
		"reeve-pulse-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(s.mcp, q, s.logger)
	return s
}

// ServeStdio blocks serving the stdio transport until the client disconnects.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}
