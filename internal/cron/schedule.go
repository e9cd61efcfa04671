package cron

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// validate checks that the fields the schedule kind needs are present and,
// for cron expressions, parseable.
func (s *Schedule) validate() error {
	switch s.Kind {
	case "at":
		if s.AtMS == nil {
			return fmt.Errorf("at schedule requires atMs")
		}
	case "every":
		if s.EveryMS == nil || *s.EveryMS <= 0 {
			return fmt.Errorf("every schedule requires positive everyMs")
		}
	case "cron":
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression: %s", s.Expr)
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// nextAfter returns the first firing strictly after now, or nil when the
// schedule will not fire again.
func (s *Schedule) nextAfter(now int64) *int64 {
	var next int64
	switch s.Kind {
	case "at":
		if s.AtMS == nil || *s.AtMS <= now {
			return nil
		}
		next = *s.AtMS
	case "every":
		if s.EveryMS == nil || *s.EveryMS <= 0 {
			return nil
		}
		next = now + *s.EveryMS
	case "cron":
		if s.Expr == "" {
			return nil
		}
		t, err := gronx.NextTickAfter(s.Expr, time.UnixMilli(now), false)
		if err != nil {
			slog.Error("cron: next tick", "expr", s.Expr, "error", err)
			return nil
		}
		next = t.UnixMilli()
	default:
		return nil
	}
	return &next
}

func (s Schedule) equal(o Schedule) bool {
	same := func(x, y *int64) bool {
		if x == nil || y == nil {
			return x == y
		}
		return *x == *y
	}
	return s.Kind == o.Kind && s.Expr == o.Expr && same(s.AtMS, o.AtMS) && same(s.EveryMS, o.EveryMS)
}
