// Package gateway exposes the worker over HTTP and a WebSocket RPC stream:
// task submission, chat turns, status, and live agent events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/cron"
	"github.com/nextlevelbuilder/clawworker/internal/mcp"
	"github.com/nextlevelbuilder/clawworker/internal/scheduler"
	"github.com/nextlevelbuilder/clawworker/internal/store"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

const maxBodyBytes = 1 << 20

// Deps are the runtime components the gateway fronts. Sessions, MCP and
// Cron are optional.
type Deps struct {
	Agents     *agent.Router
	Dispatcher *scheduler.Dispatcher
	Bus        *bus.MessageBus
	Sessions   store.SessionStore
	MCP        *mcp.Manager
	Cron       *cron.Service
}

// Server is the gateway HTTP server.
type Server struct {
	cfg     config.GatewayConfig
	deps    Deps
	methods *MethodRouter
	limiter *RateLimiter

	upgrader websocket.Upgrader
	baseCtx  context.Context

	mu      sync.RWMutex
	clients map[string]*Client
	seq     atomic.Int64

	httpServer *http.Server
}

// NewServer creates a gateway server. It subscribes to the bus immediately
// so events published before Start are not lost to connected clients.
func NewServer(cfg config.GatewayConfig, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
		baseCtx: context.Background(),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.methods = NewMethodRouter(s)
	if deps.Bus != nil {
		deps.Bus.Subscribe("gateway", s.forwardEvent)
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /v1/status", s.guard(http.HandlerFunc(s.handleStatus), false))
	mux.Handle("GET /v1/agents", s.guard(http.HandlerFunc(s.handleAgents), false))
	mux.Handle("POST /v1/tasks", s.guard(http.HandlerFunc(s.handleTasks), true))
	mux.Handle("POST /v1/chat", s.guard(http.HandlerFunc(s.handleChat), true))
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", s.cfg.Addr())
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.shutdownClients()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.broadcast(*protocol.NewEvent(protocol.EventShutdown, nil))
		err := s.httpServer.Shutdown(shutdownCtx)
		s.shutdownClients()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// ServeListener serves the same routes on an extra listener (a tailnet
// socket, for instance) until ctx ends. Client cleanup stays with Start.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", ln.Addr().String())
		errCh <- hs.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) shutdownClients() {
	if s.deps.Bus != nil {
		s.deps.Bus.Unsubscribe("gateway")
	}
	s.limiter.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		c.Close()
		delete(s.clients, id)
	}
}

// guard applies bearer-token auth and, for mutating routes, the per-IP
// rate limit.
func (s *Server) guard(next http.Handler, limited bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !s.tokenOK(token) {
			writeError(w, http.StatusUnauthorized, protocol.ErrUnauthorized, "invalid token")
			return
		}
		if limited {
			if ok, wait := s.limiter.Reserve(clientIP(r)); !ok {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
				writeError(w, http.StatusTooManyRequests, protocol.ErrResourceExhausted, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowClient(c *Client) bool {
	key := c.UserID()
	if key == "" {
		key = c.ID()
	}
	return s.limiter.Allow(key)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.deps.Agents.ListInfo()})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	var task protocol.TaskAssignment
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid body: "+err.Error())
		return
	}
	task, err := s.submitTask(r.Context(), task)
	if err != nil {
		code, status := errorCode(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"taskId":  task.TaskID,
		"agentId": task.AgentID,
		"status":  "accepted",
	})
}

// handleChat runs the turn synchronously. A client disconnect cancels it.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var turn protocol.ChatTurn
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&turn); err != nil {
		writeError(w, http.StatusBadRequest, protocol.ErrInvalidRequest, "invalid body: "+err.Error())
		return
	}
	runID := uuid.NewString()
	w.Header().Set("X-Run-ID", runID)

	result, err := s.runChat(r.Context(), turn, runID)
	if err != nil {
		code, status := errorCode(err)
		writeError(w, status, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result.Protocol())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s, clientIP(r))

	s.mu.Lock()
	s.clients[client.id] = client
	s.mu.Unlock()
	slog.Debug("websocket client connected", "client", client.id, "remote", client.remoteAddr)

	client.Run(s.baseCtx)

	s.mu.Lock()
	delete(s.clients, client.id)
	s.mu.Unlock()
	client.Close()
	slog.Debug("websocket client disconnected", "client", client.id)
}

// status is the payload shared by GET /v1/status and the status method.
func (s *Server) status() map[string]any {
	s.mu.RLock()
	clients := len(s.clients)
	s.mu.RUnlock()

	out := map[string]any{
		"agents":  s.deps.Agents.ListInfo(),
		"clients": clients,
		"runs":    len(s.deps.Agents.ActiveRuns()),
	}
	if s.deps.Dispatcher != nil {
		out["queues"] = s.deps.Dispatcher.Statuses()
	}
	if s.deps.MCP != nil {
		out["mcp"] = s.deps.MCP.Status()
	}
	if s.deps.Cron != nil {
		out["cron"] = s.deps.Cron.Status()
	}
	return out
}

// forwardEvent pushes bus events to authenticated WebSocket clients.
func (s *Server) forwardEvent(ev bus.Event) {
	if ev.Name == protocol.EventConfigReloaded {
		return
	}
	frame := protocol.NewEvent(ev.Name, ev.Payload)
	if ae, ok := ev.Payload.(bus.AgentEvent); ok {
		frame.AgentID = ae.AgentID
	}
	s.broadcast(*frame)
}

func (s *Server) broadcast(frame protocol.EventFrame) {
	frame.Seq = s.seq.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		if c.isAuthenticated() {
			c.SendEvent(frame)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("gateway: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": protocol.ErrorShape{Code: code, Message: message},
	})
}
