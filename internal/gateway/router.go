package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"maps"
	"slices"

	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

const serverVersion = "0.3.0"

// MethodHandler answers one request on client.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches WebSocket requests by method name.
type MethodRouter struct {
	server   *Server
	handlers map[string]MethodHandler
}

func NewMethodRouter(server *Server) *MethodRouter {
	r := &MethodRouter{server: server}
	r.handlers = map[string]MethodHandler{
		protocol.MethodConnect: r.handleConnect,
		protocol.MethodHealth:  r.handleHealth,
		protocol.MethodStatus:  r.handleStatus,

		protocol.MethodAgentsList:   r.handleAgentsList,
		protocol.MethodTaskSubmit:   r.handleTaskSubmit,
		protocol.MethodChatSend:     r.handleChatSend,
		protocol.MethodChatAbort:    r.handleChatAbort,
		protocol.MethodChatHistory:  r.handleChatHistory,
		protocol.MethodSessionsList: r.handleSessionsList,

		protocol.MethodCronList:   r.handleCronList,
		protocol.MethodCronToggle: r.handleCronToggle,
		protocol.MethodCronDelete: r.handleCronDelete,
		protocol.MethodCronRun:    r.handleCronRun,
		protocol.MethodCronRuns:   r.handleCronRuns,
	}
	return r
}

// Register adds or replaces the handler for method.
func (r *MethodRouter) Register(method string, handler MethodHandler) {
	r.handlers[method] = handler
}

// Methods lists the served method names in order.
func (r *MethodRouter) Methods() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}

func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	h, ok := r.handlers[req.Method]
	if !ok {
		slog.Warn("gateway: unknown method", "method", req.Method, "client", client.id)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method))
		return
	}
	slog.Debug("gateway: request", "method", req.Method, "client", client.id, "req_id", req.ID)
	h(ctx, client, req)
}

func (r *MethodRouter) handleConnect(_ context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if !decodeParams(client, req, &params) {
		return
	}
	if !r.server.tokenOK(params.Token) {
		slog.Warn("security.connect_rejected", "client", client.id, "remote", client.remoteAddr)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token"))
		return
	}

	client.authenticate(params.UserID)
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"protocol": protocol.ProtocolVersion,
		"user_id":  params.UserID,
		"server":   map[string]any{"name": "clawworker", "version": serverVersion},
		"methods":  r.Methods(),
	}))
}

func (r *MethodRouter) handleHealth(_ context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"status": "ok"}))
}

func (r *MethodRouter) handleStatus(_ context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, r.server.status()))
}

// tokenOK compares token to the configured gateway token in constant time.
// An unset token admits everyone.
func (s *Server) tokenOK(token string) bool {
	want := s.cfg.Token
	return want == "" || subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}
