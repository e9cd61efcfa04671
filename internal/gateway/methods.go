package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/cron"
	"github.com/nextlevelbuilder/clawworker/internal/scheduler"
	"github.com/nextlevelbuilder/clawworker/internal/store"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

var errBadRequest = errors.New("bad request")

// submitTask validates a task and hands it to the dispatcher without
// waiting for it to run.
func (s *Server) submitTask(ctx context.Context, task protocol.TaskAssignment) (protocol.TaskAssignment, error) {
	if task.AgentID == "" || task.Title == "" {
		return task, errors.Join(errBadRequest, errors.New("agentId and title are required"))
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if _, err := s.deps.Dispatcher.Submit(ctx, task); err != nil {
		return task, err
	}
	return task, nil
}

// runChat runs one chat turn, registering it for chat.abort under runID.
func (s *Server) runChat(ctx context.Context, turn protocol.ChatTurn, runID string) (*agent.RunResult, error) {
	if turn.AgentID == "" || turn.Message == "" {
		return nil, errors.Join(errBadRequest, errors.New("agentId and message are required"))
	}
	ag, err := s.deps.Agents.Get(turn.AgentID)
	if err != nil {
		return nil, err
	}

	if turn.RunID == "" {
		turn.RunID = runID
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.deps.Agents.RegisterRun(runID, turn.SessionID, ag.ID(), cancel)
	defer s.deps.Agents.UnregisterRun(runID)

	return ag.StartChat(runCtx, turn)
}

// errorCode maps an operation error to its protocol code and HTTP status.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, errBadRequest):
		return protocol.ErrInvalidRequest, http.StatusBadRequest
	case errors.Is(err, scheduler.ErrQueueFull):
		return protocol.ErrQueueFull, http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrQueueClosed):
		return protocol.ErrUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, agent.ErrAgentNotFound), errors.Is(err, store.ErrSessionNotFound), errors.Is(err, cron.ErrJobNotFound):
		return protocol.ErrNotFound, http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return protocol.ErrAgentTimeout, http.StatusGatewayTimeout
	default:
		return protocol.ErrInternal, http.StatusInternalServerError
	}
}

func sendErr(client *Client, reqID string, err error) {
	code, _ := errorCode(err)
	client.SendResponse(protocol.NewErrorResponse(reqID, code, err.Error()))
}

func decodeParams(client *Client, req *protocol.RequestFrame, v any) bool {
	if req.Params == nil {
		return true
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid params: "+err.Error()))
		return false
	}
	return true
}

func (r *MethodRouter) handleAgentsList(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"agents": r.server.deps.Agents.ListInfo(),
	}))
}

func (r *MethodRouter) handleTaskSubmit(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	if !r.server.allowClient(client) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded"))
		return
	}
	var task protocol.TaskAssignment
	if !decodeParams(client, req, &task) {
		return
	}
	task, err := r.server.submitTask(ctx, task)
	if err != nil {
		sendErr(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"taskId":  task.TaskID,
		"agentId": task.AgentID,
		"status":  "accepted",
	}))
}

// handleChatSend runs the turn in the background; the response arrives
// when the turn ends. Streaming output reaches the client as chat events.
func (r *MethodRouter) handleChatSend(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	if !r.server.allowClient(client) {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrResourceExhausted, "rate limit exceeded"))
		return
	}
	var turn protocol.ChatTurn
	if !decodeParams(client, req, &turn) {
		return
	}
	if turn.UserID == "" {
		turn.UserID = client.UserID()
	}

	runID := uuid.NewString()
	go func() {
		result, err := r.server.runChat(ctx, turn, runID)
		if err != nil {
			sendErr(client, req.ID, err)
			return
		}
		client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
			"runId":  runID,
			"result": result.Protocol(),
			"usage":  result.Usage,
		}))
	}()
}

// handleChatAbort cancels a running chat turn.
//
// Params:
//
//	{ runId: string, sessionId?: string }
//
// Response:
//
//	{ aborted: bool }
func (r *MethodRouter) handleChatAbort(_ context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		RunID     string `json:"runId"`
		SessionID string `json:"sessionId"`
	}
	if !decodeParams(client, req, &params) {
		return
	}
	if params.RunID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "runId is required"))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"aborted": r.server.deps.Agents.AbortRun(params.RunID, params.SessionID),
	}))
}

func (r *MethodRouter) handleChatHistory(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if !decodeParams(client, req, &params) {
		return
	}
	sessions := r.server.deps.Sessions
	if sessions == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no session store"))
		return
	}
	if params.SessionID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionId is required"))
		return
	}
	sess, err := sessions.GetSession(ctx, params.SessionID)
	if err != nil {
		sendErr(client, req.ID, err)
		return
	}
	msgs, err := sessions.LoadMessagesForContext(ctx, params.SessionID)
	if err != nil {
		sendErr(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"session":  sess,
		"messages": msgs,
	}))
}

func (r *MethodRouter) handleSessionsList(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params struct {
		AgentID string `json:"agentId"`
		Kind    string `json:"kind"`
		Limit   int    `json:"limit"`
	}
	if !decodeParams(client, req, &params) {
		return
	}
	sessions := r.server.deps.Sessions
	if sessions == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no session store"))
		return
	}
	list, err := sessions.ListSessions(ctx, store.SessionFilter{AgentID: params.AgentID, Kind: params.Kind, Limit: params.Limit})
	if err != nil {
		sendErr(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{
		"sessions": list,
	}))
}
