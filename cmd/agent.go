package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents: add, list, delete",
	}
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentAddCmd())
	cmd.AddCommand(agentDeleteCmd())
	return cmd
}

// --- agent list ---

func agentListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured agents and, if the gateway is up, their state",
		Run: func(cmd *cobra.Command, args []string) {
			runAgentList(loadConfig(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

type agentListEntry struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Workspace string `json:"workspace,omitempty"`
	State     string `json:"state"`
}

func runAgentList(cfg *config.Config, jsonOutput bool) {
	live := liveAgents(cfg)

	entries := make([]agentListEntry, 0, len(cfg.AgentIDs()))
	for _, id := range cfg.AgentIDs() {
		spec, _ := cfg.Agent(id)
		state := "-"
		if info, ok := live[id]; ok {
			state = protocol.StatusIdle
			if info.IsRunning {
				state = protocol.StatusBusy
			}
		}
		entries = append(entries, agentListEntry{
			ID:        id,
			Provider:  spec.Provider,
			Model:     spec.Model,
			Workspace: spec.Workspace,
			State:     state,
		})
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROVIDER\tMODEL\tSTATE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Provider, e.Model, e.State)
	}
	w.Flush()
}

// liveAgents asks a running gateway which agents it has resolved. Errors
// yield an empty map.
func liveAgents(cfg *config.Config) map[string]agent.AgentInfo {
	out := map[string]agent.AgentInfo{}
	if !isGatewayReachable(cfg) {
		return out
	}
	resp, err := gatewayRPC(cfg, protocol.MethodAgentsList, nil)
	if err != nil || !resp.OK {
		return out
	}
	var payload struct {
		Agents []agent.AgentInfo `json:"agents"`
	}
	if err := decodePayload(resp, &payload); err != nil {
		return out
	}
	for _, a := range payload.Agents {
		out[a.ID] = a
	}
	return out
}

// --- agent add ---

func agentAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add",
		Short: "Add a new agent (interactive wizard)",
		Run: func(cmd *cobra.Command, args []string) {
			runAgentAdd()
		},
	}
}

func runAgentAdd() {
	cfgPath := resolveConfigPath()
	cfg := loadConfig()

	fmt.Println("── Add New Agent ──")
	fmt.Println()

	name, err := promptString("Agent id", "e.g. coder, researcher, reviewer", "", validateRequired, func(s string) error {
		if _, exists := cfg.Agent(config.NormalizeAgentID(s)); exists {
			return fmt.Errorf("agent %q already exists", config.NormalizeAgentID(s))
		}
		return nil
	})
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}
	id := config.NormalizeAgentID(name)
	if name != id {
		fmt.Printf("  Normalized id: %s\n", id)
	}

	provider, err := promptSelect("Provider", providerOptions(fmt.Sprintf("Inherit from defaults (%s)", cfg.Agents.Defaults.Provider)), 0)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	model, err := promptString("Model (empty = inherit from defaults)", fmt.Sprintf("(inherit: %s)", cfg.Agents.Defaults.Model), "")
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	prompt, err := promptString("System prompt (optional)", "", "")
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	toolOptions := []SelectOption[string]{
		{"read_file", "read_file"},
		{"list_files", "list_files"},
		{"read_image", "read_image"},
		{"current_time", "current_time"},
	}
	for _, c := range cfg.Tools.Commands {
		toolOptions = append(toolOptions, SelectOption[string]{c.Name, c.Name})
	}
	allowed, err := promptMultiSelect("Allowed tools", "Select none to allow every tool", toolOptions, nil)
	if err != nil {
		fmt.Println("Cancelled.")
		return
	}

	var servers []string
	if len(cfg.MCP.Servers) > 0 {
		var serverOptions []SelectOption[string]
		for name := range cfg.MCP.Servers {
			serverOptions = append(serverOptions, SelectOption[string]{name, name})
		}
		slices.SortFunc(serverOptions, func(a, b SelectOption[string]) int { return strings.Compare(a.Value, b.Value) })
		servers, err = promptMultiSelect("MCP servers", "Select none to use every server", serverOptions, nil)
		if err != nil {
			fmt.Println("Cancelled.")
			return
		}
	}

	cfg.Agents.List = append(cfg.Agents.List, config.AgentSpec{
		ID: id,
		AgentDefaults: config.AgentDefaults{
			Provider:     provider,
			Model:        model,
			SystemPrompt: prompt,
			ToolsAllow:   allowed,
			MCPServers:   servers,
		},
	})

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Agent %q added to %s.\n", id, cfgPath)
	fmt.Println("A running worker picks it up on the next config reload.")
}

// --- agent delete ---

func agentDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <agent-id>",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			runAgentDelete(args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation")
	return cmd
}

func runAgentDelete(rawID string, force bool) {
	id := config.NormalizeAgentID(rawID)
	cfgPath := resolveConfigPath()
	cfg := loadConfig()

	idx := slices.IndexFunc(cfg.Agents.List, func(a config.AgentSpec) bool { return a.ID == id })
	if idx < 0 {
		fmt.Fprintf(os.Stderr, "Error: agent %q not found.\n", id)
		os.Exit(1)
	}

	if !force {
		confirmed, err := promptConfirm(fmt.Sprintf("Delete agent %q?", id), false)
		if err != nil || !confirmed {
			fmt.Println("Cancelled.")
			return
		}
	}

	cfg.Agents.List = slices.Delete(cfg.Agents.List, idx, idx+1)

	removedJobs := 0
	cfg.Cron.Jobs = slices.DeleteFunc(cfg.Cron.Jobs, func(j config.CronJobSpec) bool {
		if config.NormalizeAgentID(j.AgentID) == id {
			removedJobs++
			return true
		}
		return false
	})

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Agent %q deleted.\n", id)
	if removedJobs > 0 {
		fmt.Printf("Removed %d cron job(s) that targeted this agent.\n", removedJobs)
	}
}

func providerOptions(inherit string) []SelectOption[string] {
	var opts []SelectOption[string]
	if inherit != "" {
		opts = append(opts, SelectOption[string]{inherit, ""})
	}
	return append(opts,
		SelectOption[string]{"Anthropic", "anthropic"},
		SelectOption[string]{"OpenAI (or compatible)", "openai"},
		SelectOption[string]{"DashScope (Qwen)", "dashscope"},
	)
}
