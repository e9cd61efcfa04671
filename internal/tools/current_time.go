package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTimeTool reports the wall clock, optionally in a named zone.
type CurrentTimeTool struct {
	now func() time.Time
}

func NewCurrentTimeTool() *CurrentTimeTool {
	return &CurrentTimeTool{now: time.Now}
}

func (t *CurrentTimeTool) Name() string        { return "current_time" }
func (t *CurrentTimeTool) Description() string { return "Get the current date and time." }
func (t *CurrentTimeTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"timezone": map[string]any{"type": "string", "description": "IANA zone such as Europe/Berlin (default UTC)"},
	})
}

func (t *CurrentTimeTool) Execute(_ context.Context, args map[string]any) *Result {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return ErrorResult(fmt.Sprintf("unknown timezone %q", tz))
		}
		loc = l
	}
	now := t.now().In(loc)
	return NewResult(fmt.Sprintf("%s (%s)", now.Format(time.RFC3339), now.Weekday()))
}
