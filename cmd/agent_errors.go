package cmd

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/scheduler"
)

// formatAgentError turns a run failure into a message safe to show a user.
// Raw provider payloads never reach the terminal.
func formatAgentError(err error) string {
	switch {
	case errors.Is(err, agent.ErrAgentNotFound):
		return "Unknown agent. Run \"clawworker agent list\" to see configured agents."
	case errors.Is(err, scheduler.ErrQueueFull):
		return "The agent's task backlog is full. Try again once it drains."
	case errors.Is(err, agent.ErrInputBlocked):
		return "The message was blocked by an input policy."
	case errors.Is(err, errNoAPIKey):
		return "No API key configured for this agent's provider. Run \"clawworker onboard\" or set the provider's environment variable."
	}

	lower := strings.ToLower(err.Error())
	switch {
	case isContextOverflowError(lower):
		return "Context overflow: the conversation is too large for this model. Use /new to start a fresh session."
	case isMessageFormatError(lower):
		return "Session history conflict. If this persists, use /new to start a fresh session."
	case containsAny(lower, "rate limit", "rate_limit", "too many requests", "429", "quota exceeded", "resource_exhausted"):
		return "API rate limit reached. Please try again later."
	case strings.Contains(lower, "overloaded"):
		return "The model provider is temporarily overloaded. Please try again in a moment."
	case containsAny(lower, "billing", "insufficient credits", "credit balance", "payment required", "402"):
		return "API billing error: the API key may have run out of credits."
	case containsAny(lower, "invalid api key", "invalid_api_key", "unauthorized", "forbidden", "authentication", "401", "403"):
		return "Authentication error. Check the API key configuration."
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return "Request timed out. Please try again."
	case strings.Contains(lower, "input rejected"):
		return "The message was blocked by an input policy."
	}

	slog.Warn("unclassified agent error", "error", err)
	return "Sorry, something went wrong processing the message. Please try again."
}

func isContextOverflowError(lower string) bool {
	return containsAny(lower,
		"request_too_large",
		"context length exceeded",
		"maximum context length",
		"prompt is too long",
		"exceeds model context window",
	) || (strings.Contains(lower, "context") &&
		containsAny(lower, "overflow", "too large", "too long", "exceeded"))
}

// isMessageFormatError matches tool_use/tool_result pairing and role
// ordering rejections.
func isMessageFormatError(lower string) bool {
	return containsAny(lower,
		"tool_use_id",
		"tool_use.id",
		"unexpected tool",
		"roles must alternate",
		"tool_result block",
		"tool_use block",
	)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
