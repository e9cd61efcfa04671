package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/config"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration and backing services",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawworker doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", goruntime.GOOS, goruntime.GOARCH)
	fmt.Printf("  Go:       %s\n", goruntime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Anthropic", cfg.Providers.Anthropic.APIKey)
	checkProvider("OpenAI", cfg.Providers.OpenAI.APIKey)
	checkProvider("DashScope", cfg.Providers.DashScope.APIKey)

	fmt.Println()
	fmt.Println("  Agents:")
	for _, id := range cfg.AgentIDs() {
		spec, _ := cfg.Agent(id)
		fmt.Printf("    %-12s %s/%s\n", id+":", spec.Provider, orDefault(spec.Model, "(provider default)"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println("  Services:")
	stores, err := openStores(cfg)
	report("Store", cfg.Store.Driver, err)
	if err == nil {
		stores.Close()
	}
	if cfg.Bus.Redis.Addr != "" {
		client, err := bus.NewRedisClient(ctx, bus.RedisConfig{Addr: cfg.Bus.Redis.Addr, Password: cfg.Bus.Redis.Password, DB: cfg.Bus.Redis.DB})
		report("Redis", cfg.Bus.Redis.Addr, err)
		if err == nil {
			client.Close()
		}
	}
	if cfg.Bus.AMQP.URL != "" {
		consumer, err := bus.NewAMQPConsumer(bus.AMQPConfig{URL: cfg.Bus.AMQP.URL, Queue: cfg.Bus.AMQP.Queue, Durable: cfg.Bus.AMQP.Durable})
		report("AMQP", orDefault(cfg.Bus.AMQP.Queue, "clawworker.inbound"), err)
		if err == nil {
			consumer.Close()
		}
	}
	gwStatus := "not running"
	if isGatewayReachable(cfg) {
		gwStatus = "running"
	}
	fmt.Printf("    %-12s %s (%s)\n", "Gateway:", gatewayAddr(cfg), gwStatus)

	if len(cfg.MCP.Servers) > 0 {
		fmt.Println()
		fmt.Println("  MCP servers:")
		names := make([]string, 0, len(cfg.MCP.Servers))
		for name := range cfg.MCP.Servers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			s := cfg.MCP.Servers[name]
			switch {
			case s.Disabled:
				fmt.Printf("    %-12s disabled\n", name+":")
			case s.Command != "":
				checkBinary(name, s.Command)
			default:
				fmt.Printf("    %-12s %s %s\n", name+":", s.Transport, s.URL)
			}
		}
	}

	if len(cfg.Tools.Commands) > 0 {
		fmt.Println()
		fmt.Println("  Command tools:")
		for _, def := range cfg.Tools.Commands {
			fmt.Printf("    %-12s %s\n", def.Name+":", def.Command)
		}
	}

	fmt.Println()
	ws := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkProvider(name, apiKey string) {
	if apiKey != "" {
		fmt.Printf("    %-12s %s\n", name+":", maskSecret(apiKey))
	} else {
		fmt.Printf("    %-12s (not configured)\n", name+":")
	}
}

func checkBinary(label, name string) {
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-12s %s NOT FOUND\n", label+":", name)
	} else {
		fmt.Printf("    %-12s %s\n", label+":", path)
	}
}

func report(name, target string, err error) {
	if err != nil {
		fmt.Printf("    %-12s %s FAILED: %s\n", name+":", target, err)
		return
	}
	fmt.Printf("    %-12s %s OK\n", name+":", target)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
