package policies

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/clawworker/internal/hooks"
)

// PromptSection is a titled block appended to the system prompt.
type PromptSection struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// PromptAugment appends fixed sections to the system prompt every round.
type PromptAugment struct {
	Sections []PromptSection
}

func (p *PromptAugment) render(base string) string {
	var sb strings.Builder
	sb.WriteString(base)
	for _, s := range p.Sections {
		body := strings.TrimSpace(s.Body)
		if body == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if s.Title != "" {
			sb.WriteString("## ")
			sb.WriteString(s.Title)
			sb.WriteString("\n\n")
		}
		sb.WriteString(body)
	}
	return sb.String()
}

// Register installs the policy on before_prompt_build.
func (p *PromptAugment) Register(r *hooks.Runner) string {
	if len(p.Sections) == 0 {
		return ""
	}
	return r.OnBeforePromptBuild(func(ctx context.Context, hc hooks.Context, ev hooks.PromptBuildEvent) (string, error) {
		return p.render(ev.SystemPrompt), nil
	}, hooks.WithName("prompt_augment"), hooks.WithPriority(hooks.PriorityLow))
}
