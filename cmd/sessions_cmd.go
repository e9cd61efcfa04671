package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored task and chat sessions",
	}
	cmd.AddCommand(sessionsListCmd())
	cmd.AddCommand(sessionsShowCmd())
	return cmd
}

func sessionsListCmd() *cobra.Command {
	var (
		jsonOutput bool
		filter     store.SessionFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, s store.SessionStore) error {
				if filter.AgentID != "" {
					filter.AgentID = config.NormalizeAgentID(filter.AgentID)
				}
				list, err := s.ListSessions(ctx, filter)
				if err != nil {
					return err
				}
				printSessions(list, jsonOutput)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().StringVar(&filter.AgentID, "agent", "", "filter by agent ID")
	cmd.Flags().StringVar(&filter.Kind, "kind", "", "filter by kind: task or chat")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum sessions to list")
	return cmd
}

func sessionsShowCmd() *cobra.Command {
	var (
		jsonOutput bool
		maxChars   int
	)
	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(func(ctx context.Context, s store.SessionStore) error {
				sess, err := s.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				msgs, err := s.LoadMessagesForContext(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					data, _ := json.MarshalIndent(map[string]any{"session": sess, "messages": msgs}, "", "  ")
					fmt.Println(string(data))
					return nil
				}
				fmt.Printf("Session %s (%s, agent %s", sess.ID, sess.Kind, sess.AgentID)
				if sess.TaskID != "" {
					fmt.Printf(", task %s", sess.TaskID)
				}
				fmt.Printf(")\ntokens in=%d out=%d\n\n", sess.InputTokens, sess.OutputTokens)
				for _, m := range msgs {
					printMessage(m, maxChars)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().IntVar(&maxChars, "max-chars", 400, "truncate each block to this many characters (0 = no limit)")
	return cmd
}

// withStores opens the configured store for one command.
func withStores(fn func(ctx context.Context, s store.SessionStore) error) error {
	stores, err := openStores(loadConfig())
	if err != nil {
		return err
	}
	defer stores.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, stores.Sessions)
}

func printSessions(list []store.Session, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(list) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tAGENT\tKIND\tTASK\tMESSAGES\tTOKENS\tUPDATED\n")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.AgentID, s.Kind, orDefault(s.TaskID, "-"), s.MessageCount,
			s.InputTokens+s.OutputTokens, s.UpdatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printMessage(m providers.Message, maxChars int) {
	fmt.Printf("[%s]\n", m.Role)
	for _, b := range m.Content {
		switch v := b.(type) {
		case providers.TextBlock:
			fmt.Printf("  %s\n", clip(v.Text, maxChars))
		case providers.ThinkingBlock:
			fmt.Printf("  (thinking) %s\n", clip(v.Thinking, maxChars))
		case providers.ToolUseBlock:
			input, _ := json.Marshal(v.Input)
			fmt.Printf("  -> %s %s\n", v.Name, clip(string(input), maxChars))
		case providers.ToolResultBlock:
			status := "ok"
			if v.IsError {
				status = "error"
			}
			text := providers.Message{Content: v.Content}.Text()
			fmt.Printf("  <- %s %s\n", status, clip(text, maxChars))
		case providers.ImageBlock:
			fmt.Printf("  (image %s, %d bytes base64)\n", v.MediaType, len(v.Data))
		}
	}
	fmt.Println()
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
