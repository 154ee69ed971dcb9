// Package mcp exposes orchestration policy administration and metrics to
// MCP-compatible agents over the streamable HTTP transport.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentic-work/openagenticwork-sub000/internal/domain/metrics"
	"github.com/agentic-work/openagenticwork-sub000/internal/domain/orchestration"

	mcpserver "github.com/mark3labs/mcp-go/server"
)

// ServerConfig configures the MCP server.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	// APIKey returns the key protecting the transport. Nil or an empty key
	// disables authentication.
	APIKey func() string
}

// PolicyAdmin reads and writes the orchestration policy.
type PolicyAdmin interface {
	Snapshot() *orchestration.PolicySnapshot
	Replace(ctx context.Context, p orchestration.Policy, actor string) (*orchestration.PolicySnapshot, error)
	SetEnabled(ctx context.Context, enabled bool, actor string) (*orchestration.PolicySnapshot, error)
}

// MetricsReader exposes the rolling metrics window.
type MetricsReader interface {
	Snapshot() metrics.Aggregate
	Reset()
}

// InFlightCounter reports running orchestrations.
type InFlightCounter interface {
	InFlight() int
}

// ServerDeps are the services behind the tools. Nil dependencies make the
// matching tools return an error result.
type ServerDeps struct {
	Policies PolicyAdmin
	Metrics  MetricsReader
	Runs     InFlightCounter
}

// Server wraps the mcp-go server and its HTTP listener.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer

	mu      sync.Mutex
	httpSrv *http.Server
}

// NewServer creates an MCP server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if cfg.Name == "" {
		cfg.Name = "orchestrator"
	}
	s := &Server{cfg: cfg, deps: deps}
	s.mcpServer = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Handler returns the authenticated streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	slog.Info("mcp server listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
