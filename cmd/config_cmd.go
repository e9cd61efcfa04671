package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/clawworker/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and manage configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configPathCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration (defaults and env applied, secrets redacted)",
		Run: func(cmd *cobra.Command, args []string) {
			redacted := redactConfig(loadConfig())
			if asYAML {
				data, err := yaml.Marshal(redacted)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error encoding config: %s\n", err)
					os.Exit(1)
				}
				fmt.Print(string(data))
				return
			}
			data, _ := json.MarshalIndent(redacted, "", "  ")
			fmt.Println(string(data))
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print as YAML")
	return cmd
}

func configPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Run: func(cmd *cobra.Command, args []string) {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err != nil {
				fmt.Fprintf(os.Stderr, "No config at %s (defaults would be used).\n", cfgPath)
				os.Exit(1)
			}
			if _, err := config.Load(cfgPath); err != nil {
				fmt.Fprintf(os.Stderr, "Invalid config: %s\n", err)
				os.Exit(1)
			}
			fmt.Printf("Config at %s is valid.\n", cfgPath)
		},
	}
}

// redactConfig returns a generic copy with secrets masked.
func redactConfig(cfg *config.Config) map[string]any {
	data, _ := json.Marshal(cfg)
	var raw map[string]any
	json.Unmarshal(data, &raw)
	redactMap(raw)
	return raw
}

var secretKeys = map[string]bool{
	"apiKey":      true,
	"token":       true,
	"password":    true,
	"authKey":     true,
	"postgresDsn": true,
	"url":         true,
	"headers":     true,
	"env":         true,
}

func redactMap(m map[string]any) {
	for k, v := range m {
		if !secretKeys[k] {
			switch sub := v.(type) {
			case map[string]any:
				redactMap(sub)
			case []any:
				for _, item := range sub {
					if im, ok := item.(map[string]any); ok {
						redactMap(im)
					}
				}
			}
			continue
		}
		switch val := v.(type) {
		case string:
			m[k] = maskSecret(val)
		case map[string]any:
			for hk, hv := range val {
				if s, ok := hv.(string); ok {
					val[hk] = maskSecret(s)
				}
			}
		}
	}
}

func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) > 12:
		return s[:4] + "****" + s[len(s)-4:]
	default:
		return "****"
	}
}
