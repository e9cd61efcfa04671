package gateway

import (
	"context"

	"github.com/nextlevelbuilder/clawworker/internal/cron"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// cronService returns the cron service or answers UNAVAILABLE.
func (r *MethodRouter) cronService(client *Client, req *protocol.RequestFrame) (*cron.Service, bool) {
	if r.server.deps.Cron == nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "cron is not running"))
		return nil, false
	}
	return r.server.deps.Cron, true
}

type cronJobParams struct {
	JobID   string `json:"jobId"`
	Enabled bool   `json:"enabled"`
	Force   bool   `json:"force"`
	Limit   int    `json:"limit"`
}

// decodeJobParams decodes params and requires jobId.
func decodeJobParams(client *Client, req *protocol.RequestFrame) (cronJobParams, bool) {
	var p cronJobParams
	if !decodeParams(client, req, &p) {
		return p, false
	}
	if p.JobID == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "jobId is required"))
		return p, false
	}
	return p, true
}

func (r *MethodRouter) handleCronList(_ context.Context, client *Client, req *protocol.RequestFrame) {
	svc, ok := r.cronService(client, req)
	if !ok {
		return
	}
	var params struct {
		IncludeDisabled bool `json:"includeDisabled"`
	}
	if !decodeParams(client, req, &params) {
		return
	}
	jobs := svc.ListJobs(params.IncludeDisabled)
	if jobs == nil {
		jobs = []cron.Job{}
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"jobs": jobs}))
}

func (r *MethodRouter) handleCronToggle(_ context.Context, client *Client, req *protocol.RequestFrame) {
	svc, ok := r.cronService(client, req)
	if !ok {
		return
	}
	p, ok := decodeJobParams(client, req)
	if !ok {
		return
	}
	if err := svc.EnableJob(p.JobID, p.Enabled); err != nil {
		sendErr(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"jobId": p.JobID, "enabled": p.Enabled}))
}

func (r *MethodRouter) handleCronDelete(_ context.Context, client *Client, req *protocol.RequestFrame) {
	svc, ok := r.cronService(client, req)
	if !ok {
		return
	}
	p, ok := decodeJobParams(client, req)
	if !ok {
		return
	}
	if err := svc.RemoveJob(p.JobID); err != nil {
		sendErr(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"deleted": p.JobID}))
}

// handleCronRun fires a job now. Without force a job that is not due is
// left alone and ran is false. result is the submitted task ID.
func (r *MethodRouter) handleCronRun(_ context.Context, client *Client, req *protocol.RequestFrame) {
	svc, ok := r.cronService(client, req)
	if !ok {
		return
	}
	p, ok := decodeJobParams(client, req)
	if !ok {
		return
	}
	ran, result, err := svc.RunJob(p.JobID, p.Force)
	if err != nil {
		sendErr(client, req.ID, err)
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"ran": ran, "result": result}))
}

func (r *MethodRouter) handleCronRuns(_ context.Context, client *Client, req *protocol.RequestFrame) {
	svc, ok := r.cronService(client, req)
	if !ok {
		return
	}
	var p cronJobParams
	if !decodeParams(client, req, &p) {
		return
	}
	runs := svc.GetRunLog(p.JobID, p.Limit)
	if runs == nil {
		runs = []cron.RunLogEntry{}
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]any{"runs": runs}))
}
