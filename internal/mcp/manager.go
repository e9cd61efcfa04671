// Package mcp connects to external MCP servers and exposes their tools to
// the agent loop as a tools.ExtensionProvider.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

const (
	clientName          = "clawworker"
	defaultPingInterval = 30 * time.Second
	connectTimeout      = 30 * time.Second
)

// DialFunc opens and initializes a client for one server.
type DialFunc func(ctx context.Context, name string, cfg config.MCPServerConfig) (*mcpclient.Client, error)

type serverState struct {
	name      string
	cfg       config.MCPServerConfig
	client    *mcpclient.Client
	connected atomic.Bool
	tools     []tools.Tool
	lastErr   string
}

// ServerStatus reports the health of one MCP server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	Tools     int    `json:"tools"`
	Error     string `json:"error,omitempty"`
}

// Manager owns the MCP client connections. A server that fails to connect
// is retried by the health loop; its tools are simply absent until then.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*serverState
	dial    DialFunc
	ping    time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a manager for the enabled servers in cfg.
func NewManager(cfg config.MCPConfig) *Manager {
	m := &Manager{
		servers: make(map[string]*serverState),
		dial:    Dial,
		ping:    defaultPingInterval,
	}
	for name, sc := range cfg.Servers {
		if sc.Disabled {
			continue
		}
		m.servers[name] = &serverState{name: name, cfg: sc}
	}
	return m
}

// SetDialer replaces the connection function. Must be called before Start.
func (m *Manager) SetDialer(fn DialFunc) { m.dial = fn }

// Start connects every server and launches the health loop. Connection
// failures are logged, not returned.
func (m *Manager) Start(ctx context.Context) {
	for _, name := range m.names() {
		if err := m.connect(ctx, name); err != nil {
			slog.Warn("mcp: server unavailable", "server", name, "error", err)
		}
	}

	m.stop = make(chan struct{})
	m.wg.Add(1)
	go m.healthLoop()
}

// Stop ends the health loop and closes all clients.
func (m *Manager) Stop() {
	if m.stop != nil {
		close(m.stop)
		m.wg.Wait()
		m.stop = nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.servers {
		m.disconnectLocked(s)
	}
}

// ResolveTools returns the tools of every connected server.
func (m *Manager) ResolveTools(ctx context.Context) ([]tools.Tool, error) {
	return m.resolve(nil), nil
}

// ForServers returns a provider limited to the named servers. An empty
// list means all servers.
func (m *Manager) ForServers(names []string) tools.ExtensionProvider {
	if len(names) == 0 {
		return m
	}
	allow := make(map[string]bool, len(names))
	for _, n := range names {
		allow[n] = true
	}
	return scopedProvider{m: m, allow: allow}
}

type scopedProvider struct {
	m     *Manager
	allow map[string]bool
}

func (p scopedProvider) ResolveTools(ctx context.Context) ([]tools.Tool, error) {
	return p.m.resolve(p.allow), nil
}

func (m *Manager) resolve(allow map[string]bool) []tools.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []tools.Tool
	for _, name := range m.sortedLocked() {
		if allow != nil && !allow[name] {
			continue
		}
		s := m.servers[name]
		if s.connected.Load() {
			out = append(out, s.tools...)
		}
	}
	return out
}

// Status returns per-server health, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, name := range m.sortedLocked() {
		s := m.servers[name]
		transport := s.cfg.Transport
		if transport == "" {
			transport = "stdio"
		}
		out = append(out, ServerStatus{
			Name:      name,
			Transport: transport,
			Connected: s.connected.Load(),
			Tools:     len(s.tools),
			Error:     s.lastErr,
		})
	}
	return out
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// connect dials a server, lists its tools and registers the "mcp:<name>"
// tool group so policies can allow or deny the whole server.
func (m *Manager) connect(ctx context.Context, name string) error {
	m.mu.RLock()
	s, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown mcp server %q", name)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := m.dial(ctx, name, s.cfg)
	if err != nil {
		m.setError(s, err)
		return err
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		client.Close()
		m.setError(s, fmt.Errorf("list tools: %w", err))
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.disconnectLocked(s)
	s.client = client
	s.tools = nil
	members := make([]string, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		bt := NewBridgeTool(name, t, client, s.cfg.ToolPrefix, s.cfg.TimeoutSec, &s.connected)
		s.tools = append(s.tools, bt)
		members = append(members, bt.Name())
	}
	s.lastErr = ""
	s.connected.Store(true)
	tools.RegisterToolGroup("mcp:"+name, members)

	slog.Info("mcp: server connected", "server", name, "tools", len(members))
	return nil
}

func (m *Manager) setError(s *serverState, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.lastErr = err.Error()
	s.connected.Store(false)
}

func (m *Manager) disconnectLocked(s *serverState) {
	s.connected.Store(false)
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			slog.Debug("mcp: close failed", "server", s.name, "error", err)
		}
		s.client = nil
	}
	tools.UnregisterToolGroup("mcp:" + s.name)
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.ping)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth pings connected servers and reconnects the rest.
func (m *Manager) checkHealth() {
	for _, name := range m.names() {
		m.mu.RLock()
		s := m.servers[name]
		client := s.client
		connected := s.connected.Load()
		m.mu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		if connected && client != nil {
			if err := client.Ping(ctx); err != nil {
				slog.Warn("mcp: ping failed", "server", name, "error", err)
				m.setError(s, err)
			}
		} else if err := m.connect(ctx, name); err != nil {
			slog.Debug("mcp: reconnect failed", "server", name, "error", err)
		}
		cancel()
	}
}

// Dial opens a client over the configured transport and runs the
// initialize handshake.
func Dial(ctx context.Context, name string, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	var (
		client *mcpclient.Client
		err    error
	)
	switch cfg.Transport {
	case "", "stdio":
		env := make([]string, 0, len(cfg.Env))
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		// The stdio client starts its subprocess on construction.
		client, err = mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("start %q: %w", cfg.Command, err)
		}
	case "sse":
		client, err = mcpclient.NewSSEMCPClient(cfg.URL, transport.WithHeaders(cfg.Headers))
		if err == nil {
			err = client.Start(ctx)
		}
	case "streamable-http":
		client, err = mcpclient.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(cfg.Headers))
		if err == nil {
			err = client.Start(ctx)
		}
	default:
		return nil, fmt.Errorf("mcp server %q: unknown transport %q", name, cfg.Transport)
	}
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}

	if err := Initialize(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("initialize %s: %w", name, err)
	}
	return client, nil
}

// Initialize performs the MCP handshake on a started client.
func Initialize(ctx context.Context, client *mcpclient.Client) error {
	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: clientName, Version: "1.0.0"}
	_, err := client.Initialize(ctx, req)
	return err
}
