package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/scheduler"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit, run and inspect task assignments",
	}
	cmd.AddCommand(taskSubmitCmd())
	cmd.AddCommand(taskRunCmd())
	cmd.AddCommand(taskQueueCmd())
	return cmd
}

type taskFlags struct {
	agentID     string
	title       string
	description string
	priority    int
	taskID      string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.agentID, "agent", "a", "", "agent id (default: first configured agent)")
	cmd.Flags().StringVarP(&f.title, "title", "t", "", "task title (required)")
	cmd.Flags().StringVarP(&f.description, "description", "d", "", "task description")
	cmd.Flags().IntVarP(&f.priority, "priority", "p", 0, "task priority")
	cmd.Flags().StringVar(&f.taskID, "id", "", "task id (default: generated)")
	cmd.MarkFlagRequired("title")
}

func (f *taskFlags) task(cfg *config.Config) protocol.TaskAssignment {
	agentID := f.agentID
	if agentID == "" {
		agentID = cfg.AgentIDs()[0]
	}
	id := f.taskID
	if id == "" {
		id = uuid.NewString()
	}
	return protocol.TaskAssignment{
		TaskID:      id,
		AgentID:     config.NormalizeAgentID(agentID),
		Title:       f.title,
		Description: f.description,
		Priority:    f.priority,
	}
}

// --- task submit ---

func taskSubmitCmd() *cobra.Command {
	var (
		flags    taskFlags
		viaRedis bool
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a task on the running worker without waiting for it",
		Long: `Queue a task on the running worker. The task goes through the gateway,
or onto the Redis inbound list with --redis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			task := flags.task(cfg)
			if viaRedis {
				return pushRedisTask(cmd.Context(), cfg, task)
			}
			resp, err := gatewayRPC(cfg, protocol.MethodTaskSubmit, task)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("submit rejected: %s", responseError(resp))
			}
			fmt.Printf("Task %s queued for agent %s.\n", task.TaskID, task.AgentID)
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&viaRedis, "redis", false, "push onto the Redis inbound list instead of the gateway")
	return cmd
}

func pushRedisTask(ctx context.Context, cfg *config.Config, task protocol.TaskAssignment) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rcfg := bus.RedisConfig{
		Addr:       cfg.Bus.Redis.Addr,
		Password:   cfg.Bus.Redis.Password,
		DB:         cfg.Bus.Redis.DB,
		InboundKey: cfg.Bus.Redis.InboundKey,
	}
	client, err := bus.NewRedisClient(ctx, rcfg)
	if err != nil {
		return err
	}
	defer client.Close()

	env := protocol.InboundEnvelope{Kind: protocol.InboundTask, Task: &task}
	if err := bus.NewRedisConsumer(client, rcfg).Push(ctx, env); err != nil {
		return err
	}
	fmt.Printf("Task %s pushed to redis for agent %s.\n", task.TaskID, task.AgentID)
	return nil
}

// --- task run ---

func taskRunCmd() *cobra.Command {
	var (
		flags      taskFlags
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task in-process and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			task := flags.task(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			rt, err := newRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.close()
			rt.startMCP(ctx)

			rt.bus.Subscribe("cli", func(ev bus.Event) {
				ae, ok := ev.Payload.(bus.AgentEvent)
				if !ok || ev.Name != protocol.EventAgent {
					return
				}
				switch ae.Type {
				case protocol.AgentEventToolCall:
					if p, ok := ae.Payload.(map[string]any); ok {
						fmt.Fprintf(os.Stderr, "  [round %d] tool %v\n", ae.Round, p["name"])
					}
				case protocol.AgentEventRetry:
					fmt.Fprintf(os.Stderr, "  [round %d] provider retry\n", ae.Round)
				}
			})

			dispatcher := scheduler.NewDispatcher(ctx, rt.router, scheduler.QueueConfig{Hooks: rt.hooks, Events: rt.bus})
			defer dispatcher.Close()

			outcome, err := dispatcher.Submit(ctx, task)
			if err != nil {
				return fmt.Errorf("%s", formatAgentError(err))
			}
			out := <-outcome
			if out.Err != nil {
				return fmt.Errorf("%s", formatAgentError(out.Err))
			}

			res := out.Result.Protocol()
			if jsonOutput {
				data, _ := json.MarshalIndent(res, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			fmt.Println(res.Output)
			fmt.Fprintf(os.Stderr, "\nstate=%s rounds=%d session=%s\n", res.State, res.Rounds, res.SessionID)
			if len(res.Artifacts) > 0 {
				fmt.Fprintf(os.Stderr, "artifacts: %s\n", strings.Join(res.Artifacts, ", "))
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the result as JSON")
	return cmd
}

// --- task queue ---

func taskQueueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show per-agent queue state on the running worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			resp, err := gatewayRPC(cfg, protocol.MethodStatus, nil)
			if err != nil {
				return err
			}
			if !resp.OK {
				return fmt.Errorf("status: %s", responseError(resp))
			}
			var status struct {
				Queues map[string]scheduler.QueueStatus `json:"queues"`
			}
			if err := decodePayload(resp, &status); err != nil {
				return err
			}
			if len(status.Queues) == 0 {
				fmt.Println("No task queues yet.")
				return nil
			}

			ids := make([]string, 0, len(status.Queues))
			for id := range status.Queues {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT\tACTIVE\tBACKLOG")
			for _, id := range ids {
				q := status.Queues[id]
				active := "-"
				if q.Active {
					active = q.ActiveTaskID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", id, active, strings.Join(q.Backlog, ","))
			}
			return w.Flush()
		},
	}
}
