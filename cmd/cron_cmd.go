package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/internal/cron"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled task jobs",
		Long: `Manage scheduled task jobs. Commands talk to the running worker when
the gateway is reachable and edit the cron store file otherwise.`,
	}
	cmd.AddCommand(cronListCmd())
	cmd.AddCommand(cronDeleteCmd())
	cmd.AddCommand(cronToggleCmd())
	cmd.AddCommand(cronRunCmd())
	return cmd
}

func cronListCmd() *cobra.Command {
	var jsonOutput, showDisabled bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cron jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			var jobs []cron.Job
			if isGatewayReachable(cfg) {
				var payload struct {
					Jobs []cron.Job `json:"jobs"`
				}
				if err := cronRPC(cfg, protocol.MethodCronList, map[string]any{"includeDisabled": showDisabled}, &payload); err != nil {
					return err
				}
				jobs = payload.Jobs
			} else {
				svc, err := loadCronStore(cfg)
				if err != nil {
					return err
				}
				jobs = svc.ListJobs(showDisabled)
			}
			printCronJobs(jobs, jsonOutput)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	cmd.Flags().BoolVar(&showDisabled, "all", false, "include disabled jobs")
	return cmd
}

func cronDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <jobId>",
		Short: "Delete a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if isGatewayReachable(cfg) {
				if err := cronRPC(cfg, protocol.MethodCronDelete, map[string]any{"jobId": args[0]}, nil); err != nil {
					return err
				}
			} else {
				svc, err := loadCronStore(cfg)
				if err != nil {
					return err
				}
				if err := svc.RemoveJob(args[0]); err != nil {
					return err
				}
			}
			fmt.Printf("Deleted job %s\n", args[0])
			return nil
		},
	}
}

func cronToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <jobId> <true|false>",
		Short: "Enable or disable a cron job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			enabled, err := strconv.ParseBool(args[1])
			if err != nil {
				enabled = args[1] == "on"
			}
			cfg := loadConfig()
			if isGatewayReachable(cfg) {
				if err := cronRPC(cfg, protocol.MethodCronToggle, map[string]any{"jobId": args[0], "enabled": enabled}, nil); err != nil {
					return err
				}
			} else {
				svc, err := loadCronStore(cfg)
				if err != nil {
					return err
				}
				if err := svc.EnableJob(args[0], enabled); err != nil {
					return err
				}
			}
			fmt.Printf("Job %s enabled=%v\n", args[0], enabled)
			return nil
		},
	}
}

func cronRunCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "run <jobId>",
		Short: "Fire a job on the running worker now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload struct {
				Ran    bool   `json:"ran"`
				Result string `json:"result"`
			}
			if err := cronRPC(loadConfig(), protocol.MethodCronRun, map[string]any{"jobId": args[0], "force": force}, &payload); err != nil {
				return err
			}
			if !payload.Ran {
				fmt.Printf("Job %s not run (%s); use --force to run anyway.\n", args[0], payload.Result)
				return nil
			}
			fmt.Printf("Job %s submitted task %s\n", args[0], payload.Result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run even if the job is not due")
	return cmd
}

func cronRPC(cfg *config.Config, method string, params any, out any) error {
	resp, err := gatewayRPC(cfg, method, params)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s: %s", method, responseError(resp))
	}
	if out == nil {
		return nil
	}
	return decodePayload(resp, out)
}

// loadCronStore opens the cron store file without starting the scheduler.
func loadCronStore(cfg *config.Config) (*cron.Service, error) {
	svc := cron.NewService(config.ExpandHome(cfg.Cron.StorePath), nil)
	if err := svc.Load(); err != nil {
		return nil, fmt.Errorf("load cron store: %w", err)
	}
	return svc, nil
}

func printCronJobs(jobs []cron.Job, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(jobs, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(jobs) == 0 {
		fmt.Println("No cron jobs configured.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tAGENT\tENABLED\tSCHEDULE\tLAST RUN\tLAST TASK\n")
	for _, j := range jobs {
		schedule := j.Schedule.Kind
		if j.Schedule.Expr != "" {
			schedule = j.Schedule.Expr
		} else if j.Schedule.EveryMS != nil {
			d := time.Duration(*j.Schedule.EveryMS) * time.Millisecond
			schedule = "every " + d.String()
		}

		lastRun := "never"
		if j.State.LastRunAtMS != nil {
			lastRun = time.UnixMilli(*j.State.LastRunAtMS).Format(time.DateTime)
			if j.State.LastStatus != "" {
				lastRun += " (" + j.State.LastStatus + ")"
			}
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\t%s\t%s\n",
			j.ID, j.Name, j.AgentID, j.Enabled, schedule, lastRun, orDefault(j.State.LastTaskID, "-"))
	}
	tw.Flush()
}
