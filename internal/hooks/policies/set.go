package policies

import (
	"sync"

	"github.com/nextlevelbuilder/clawworker/internal/hooks"
)

// Settings is the configuration-facing view of every policy in this package.
type Settings struct {
	RateLimit      RateLimitSettings `json:"rateLimit"`
	BlockRules     []BlockRule       `json:"blockRules,omitempty"`
	PromptSections []PromptSection   `json:"promptSections,omitempty"`
	InputGuard     string            `json:"inputGuard,omitempty"` // off | log | warn | block
}

// RateLimitSettings configures ToolRateLimit.
type RateLimitSettings struct {
	PerMinute int      `json:"perMinute,omitempty"`
	Burst     int      `json:"burst,omitempty"`
	Tools     []string `json:"tools,omitempty"`
}

// Set tracks the handlers installed from one Settings so a config reload
// can swap them for a new generation.
type Set struct {
	mu  sync.Mutex
	ids []string
}

// Apply installs s on r and removes whatever the previous Apply installed.
// Block rules are compiled first: if they fail, r is left untouched and the
// previous generation stays active.
func (set *Set) Apply(r *hooks.Runner, s Settings) error {
	rules, err := NewBlockRules(s.BlockRules)
	if err != nil {
		return err
	}

	var ids []string
	add := func(id string) {
		if id != "" {
			ids = append(ids, id)
		}
	}
	add(rules.Register(r))
	add((&ToolRateLimit{PerMinute: s.RateLimit.PerMinute, Burst: s.RateLimit.Burst, Tools: s.RateLimit.Tools}).Register(r))
	add((&PromptAugment{Sections: s.PromptSections}).Register(r))
	add(NewInputGuard(s.InputGuard).Register(r))

	set.mu.Lock()
	old := set.ids
	set.ids = ids
	set.mu.Unlock()

	for _, id := range old {
		r.Remove(id)
	}
	return nil
}

// IDs returns the registration IDs of the current generation.
func (set *Set) IDs() []string {
	set.mu.Lock()
	defer set.mu.Unlock()
	return append([]string(nil), set.ids...)
}
