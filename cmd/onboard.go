package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawworker/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup: provider, model, gateway and store",
		Run: func(cmd *cobra.Command, args []string) {
			runOnboard()
		},
	}
}

// providerEnvKeys maps a provider to the env var its API key is read from.
var providerEnvKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"dashscope": "DASHSCOPE_API_KEY",
}

var providerDefaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o",
	"dashscope": "qwen-max",
}

func runOnboard() {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("Existing config unusable (%v), starting from defaults\n", err)
		cfg = config.Default()
	}

	fmt.Println("clawworker setup")
	fmt.Printf("Config: %s\n\n", cfgPath)

	prevProvider := cfg.Agents.Defaults.Provider
	provider, err := promptSelect("LLM provider", providerOptions(""), providerIndex(prevProvider))
	if err != nil {
		exitOnPromptError(err)
	}
	cfg.Agents.Defaults.Provider = provider
	envKey := providerEnvKeys[provider]

	apiKey := os.Getenv(envKey)
	if apiKey != "" {
		fmt.Printf("Using API key from %s\n", envKey)
	} else {
		apiKey, err = promptPassword("API key", fmt.Sprintf("Stored in .env.local as %s, never in the config file", envKey))
		if err != nil {
			exitOnPromptError(err)
		}
	}

	model := cfg.Agents.Defaults.Model
	if model == "" || provider != prevProvider {
		model = providerDefaultModels[provider]
	}
	model, err = promptString("Model", "", model)
	if err != nil {
		exitOnPromptError(err)
	}
	cfg.Agents.Defaults.Model = model

	portStr, err := promptString("Gateway port", "", strconv.Itoa(cfg.Gateway.Port), validatePort)
	if err != nil {
		exitOnPromptError(err)
	}
	cfg.Gateway.Port, _ = strconv.Atoi(portStr)
	gwToken := cfg.Gateway.Token
	if gwToken == "" {
		gwToken = randomToken()
	}

	driver, err := promptSelect("Session store", []SelectOption[string]{
		{"SQLite (single file, no setup)", "sqlite"},
		{"PostgreSQL (managed, keeps traces)", "postgres"},
	}, boolIndex(cfg.Store.Driver == "postgres"))
	if err != nil {
		exitOnPromptError(err)
	}
	cfg.Store.Driver = driver
	dsn := cfg.Store.PostgresDSN
	if driver == "postgres" {
		dsn, err = promptString("Postgres DSN", "Stored in .env.local as CLAW_POSTGRES_DSN", dsn, validateRequired)
		if err != nil {
			exitOnPromptError(err)
		}
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config saved to %s (no secrets)\n", cfgPath)

	secrets := map[string]string{
		envKey:               apiKey,
		"CLAW_GATEWAY_TOKEN": gwToken,
	}
	if driver == "postgres" {
		secrets["CLAW_POSTGRES_DSN"] = dsn
	}
	envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
	if err := writeEnvFile(envPath, secrets); err != nil {
		fmt.Printf("Error writing %s: %v\n", envPath, err)
		os.Exit(1)
	}
	fmt.Printf("Secrets saved to %s\n\n", envPath)

	fmt.Printf("  Provider:  %s\n", provider)
	fmt.Printf("  Model:     %s\n", model)
	fmt.Printf("  Gateway:   ws://%s/ws\n", cfg.Gateway.Addr())
	fmt.Printf("  Store:     %s\n", driver)
	fmt.Println()
	fmt.Println("To start the worker:")
	fmt.Println()
	fmt.Printf("  source %s && clawworker serve\n", envPath)
	fmt.Println()
}

// writeEnvFile merges vars into a shell-sourceable env file, keeping any
// unrelated lines already present.
func writeEnvFile(path string, vars map[string]string) error {
	var lines []string
	if data, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
			key, _, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
			if ok {
				if _, replaced := vars[key]; replaced {
					continue
				}
			}
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	for _, key := range slices.Sorted(maps.Keys(vars)) {
		val := vars[key]
		if val == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("export %s=%s", key, strconv.Quote(val)))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600)
}

func providerIndex(provider string) int {
	for i, opt := range providerOptions("") {
		if opt.Value == provider {
			return i
		}
	}
	return 0
}

func boolIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func exitOnPromptError(err error) {
	fmt.Printf("Setup cancelled: %v\n", err)
	os.Exit(1)
}
