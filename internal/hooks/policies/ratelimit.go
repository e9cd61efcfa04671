package policies

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawworker/internal/hooks"
)

// ToolRateLimit limits tool calls per (session, tool) with a token bucket.
type ToolRateLimit struct {
	// PerMinute is the sustained call rate. <= 0 disables the policy.
	PerMinute int
	// Burst is the bucket size (default 5).
	Burst int
	// Tools restricts the policy to these names; empty means all tools.
	Tools []string

	now func() time.Time
}

func (p *ToolRateLimit) applies(tool string) bool {
	if len(p.Tools) == 0 {
		return true
	}
	for _, t := range p.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

func (p *ToolRateLimit) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Register installs the policy on before_tool_call.
func (p *ToolRateLimit) Register(r *hooks.Runner) string {
	if p.PerMinute <= 0 {
		return ""
	}
	burst := p.Burst
	if burst <= 0 {
		burst = 5
	}
	limit := rate.Limit(float64(p.PerMinute) / 60.0)

	return r.OnBeforeToolCall(func(ctx context.Context, hc hooks.Context, ev hooks.ToolCallEvent) (hooks.ToolCallDecision, error) {
		if hc.State == nil || !p.applies(ev.Name) {
			return hooks.ToolCallDecision{}, nil
		}
		v := hc.State.Update(hc.SessionID, "ratelimit:"+ev.Name, func(old any, ok bool) any {
			if ok {
				return old
			}
			return rate.NewLimiter(limit, burst)
		})
		lim := v.(*rate.Limiter)
		if !lim.AllowN(p.clock(), 1) {
			return hooks.ToolCallDecision{
				Block:  true,
				Reason: fmt.Sprintf("rate limit exceeded for %s: max %d calls per minute", ev.Name, p.PerMinute),
			}, nil
		}
		return hooks.ToolCallDecision{}, nil
	}, hooks.WithName("tool_rate_limit"), hooks.WithPriority(hooks.PriorityHigh))
}
