package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/clawworker/internal/hooks/policies"
	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

// Config is the root configuration, read from a JSON5 file.
type Config struct {
	Agents    AgentsConfig      `json:"agents"`
	Providers ProvidersConfig   `json:"providers"`
	Loop      LoopConfig        `json:"loop"`
	Context   ContextConfig     `json:"context"`
	Queue     QueueConfig       `json:"queue"`
	Store     StoreConfig       `json:"store"`
	Bus       BusConfig         `json:"bus"`
	Hooks     policies.Settings `json:"hooks"`
	Tools     ToolsConfig       `json:"tools"`
	MCP       MCPConfig         `json:"mcp"`
	Telemetry TelemetryConfig   `json:"telemetry"`
	Cron      CronConfig        `json:"cron"`
	Gateway   GatewayConfig     `json:"gateway"`
}

// AgentDefaults is the per-agent configuration. Zero fields in a List entry
// inherit from Defaults.
type AgentDefaults struct {
	Provider      string   `json:"provider,omitempty"` // anthropic | openai | dashscope
	Model         string   `json:"model,omitempty"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	Workspace     string   `json:"workspace,omitempty"`
	MaxRounds     int      `json:"maxRounds,omitempty"`
	MaxTokens     int      `json:"maxTokens,omitempty"`
	ContextTokens int      `json:"contextTokens,omitempty"` // context budget in tokens
	ToolsAllow    []string `json:"toolsAllow,omitempty"`
	ToolsDeny     []string `json:"toolsDeny,omitempty"`
	MCPServers    []string `json:"mcpServers,omitempty"` // empty = all configured servers
	ContextFiles  []string `json:"contextFiles,omitempty"` // workspace files appended to the system prompt
}

// AgentSpec is one configured agent.
type AgentSpec struct {
	ID string `json:"id"`
	AgentDefaults
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
	List     []AgentSpec   `json:"list,omitempty"`
}

// ProviderConfig holds credentials for one LLM backend.
type ProviderConfig struct {
	APIKey  string `json:"apiKey,omitempty"`
	APIBase string `json:"apiBase,omitempty"`
}

type ProvidersConfig struct {
	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
	DashScope ProviderConfig `json:"dashscope"`
}

// LoopConfig tunes the execution loop. Durations are in milliseconds.
type LoopConfig struct {
	MaxConsecutiveErrors int `json:"maxConsecutiveErrors,omitempty"`
	BackoffBaseMs        int `json:"backoffBaseMs,omitempty"`
	BackoffMaxMs         int `json:"backoffMaxMs,omitempty"`
	ToolResultMaxChars   int `json:"toolResultMaxChars,omitempty"`
	StreamThrottleMs     int `json:"streamThrottleMs,omitempty"`
}

// ContextConfig tunes the context window manager.
type ContextConfig struct {
	KeepImages int    `json:"keepImages,omitempty"` // 0 = default 2, negative = scrub every message
	FrontKeep  int    `json:"frontKeep,omitempty"`
	MinTail    int    `json:"minTail,omitempty"`
	Tokenizer  string `json:"tokenizer,omitempty"` // "" (chars/4) or a tiktoken encoding name
}

type QueueConfig struct {
	Backlog int `json:"backlog,omitempty"`
}

// StoreConfig selects the session store. Driver "sqlite" is the standalone
// default; "postgres" enables managed mode and trace persistence.
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"`
	SQLitePath  string `json:"sqlitePath,omitempty"`
	PostgresDSN string `json:"postgresDsn,omitempty"`
}

type RedisConfig struct {
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	InboundKey  string `json:"inboundKey,omitempty"`
	EventPrefix string `json:"eventPrefix,omitempty"`
}

type AMQPConfig struct {
	URL      string `json:"url,omitempty"`
	Queue    string `json:"queue,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"`
	Durable  bool   `json:"durable,omitempty"`
}

type BusConfig struct {
	Redis RedisConfig `json:"redis"`
	AMQP  AMQPConfig  `json:"amqp"`
}

type ToolsConfig struct {
	Commands         []tools.CommandToolDef `json:"commands,omitempty"`
	Scrub            *bool                  `json:"scrub,omitempty"` // default true
	ScrubPatterns    []string               `json:"scrubPatterns,omitempty"`
	RateLimitPerHour int                    `json:"rateLimitPerHour,omitempty"`
}

// ScrubEnabled reports whether credential scrubbing of tool output is on.
func (t ToolsConfig) ScrubEnabled() bool {
	return t.Scrub == nil || *t.Scrub
}

// MCPServerConfig describes one MCP server. Transport is stdio (Command,
// Args, Env) or sse / streamable-http (URL, Headers).
type MCPServerConfig struct {
	Transport  string            `json:"transport,omitempty"`
	Command    string            `json:"command,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	URL        string            `json:"url,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	ToolPrefix string            `json:"toolPrefix,omitempty"`
	TimeoutSec int               `json:"timeoutSec,omitempty"`
	Disabled   bool              `json:"disabled,omitempty"`
}

type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"`
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// CronJobSpec seeds a recurring task. Exactly one of Expr and EveryMs is set.
type CronJobSpec struct {
	Name        string `json:"name"`
	AgentID     string `json:"agentId"`
	Expr        string `json:"expr,omitempty"`
	EveryMs     int64  `json:"everyMs,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

type CronConfig struct {
	StorePath string        `json:"storePath,omitempty"`
	Jobs      []CronJobSpec `json:"jobs,omitempty"`
}

type GatewayConfig struct {
	Host           string `json:"host,omitempty"`
	Port           int    `json:"port,omitempty"`
	Token          string `json:"token,omitempty"` // bearer token; empty disables auth
	RateLimitRPM   int    `json:"rateLimitRpm,omitempty"`
	RateLimitBurst int    `json:"rateLimitBurst,omitempty"`

	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// TailscaleConfig enables an extra tsnet listener (builds with -tags tsnet).
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	AuthKey   string `json:"authKey,omitempty"`
	StateDir  string `json:"stateDir,omitempty"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
	EnableTLS bool   `json:"enableTls,omitempty"`
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// Defaults.
const (
	DefaultProvider      = "anthropic"
	DefaultMaxRounds     = 50
	DefaultMaxTokens     = 8192
	DefaultContextTokens = 150000
	DefaultGatewayPort   = 18790
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path (missing file = defaults), applies defaults and then
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON (valid JSON5) with secrets stripped.
func Save(path string, cfg *Config) error {
	clean := cfg.Clone()
	clean.StripSecrets()
	data, err := json.MarshalIndent(clean, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	out := &Config{}
	_ = json.Unmarshal(data, out)
	return out
}

func (c *Config) applyDefaults() {
	d := &c.Agents.Defaults
	if d.Provider == "" {
		d.Provider = DefaultProvider
	}
	if d.MaxRounds <= 0 {
		d.MaxRounds = DefaultMaxRounds
	}
	if d.MaxTokens <= 0 {
		d.MaxTokens = DefaultMaxTokens
	}
	if d.ContextTokens <= 0 {
		d.ContextTokens = DefaultContextTokens
	}
	if d.Workspace == "" {
		d.Workspace = filepath.Join(HomeDir(), "workspace")
	}

	if c.Loop.MaxConsecutiveErrors <= 0 {
		c.Loop.MaxConsecutiveErrors = 5
	}
	if c.Loop.BackoffBaseMs <= 0 {
		c.Loop.BackoffBaseMs = 1000
	}
	if c.Loop.BackoffMaxMs <= 0 {
		c.Loop.BackoffMaxMs = 30000
	}
	if c.Loop.ToolResultMaxChars <= 0 {
		c.Loop.ToolResultMaxChars = 30000
	}
	if c.Loop.StreamThrottleMs <= 0 {
		c.Loop.StreamThrottleMs = 100
	}

	if c.Context.KeepImages == 0 {
		c.Context.KeepImages = 2
	}
	if c.Context.FrontKeep <= 0 {
		c.Context.FrontKeep = 2
	}
	if c.Context.MinTail <= 0 {
		c.Context.MinTail = 2
	}

	if c.Queue.Backlog <= 0 {
		c.Queue.Backlog = 5
	}

	if c.Store.Driver == "" {
		if c.Store.PostgresDSN != "" {
			c.Store.Driver = "postgres"
		} else {
			c.Store.Driver = "sqlite"
		}
	}
	if c.Store.SQLitePath == "" {
		c.Store.SQLitePath = filepath.Join(HomeDir(), "sessions.db")
	}

	if c.Cron.StorePath == "" {
		c.Cron.StorePath = filepath.Join(HomeDir(), "cron.json")
	}

	if c.Gateway.Host == "" {
		c.Gateway.Host = "127.0.0.1"
	}
	if c.Gateway.Port <= 0 {
		c.Gateway.Port = DefaultGatewayPort
	}
	if c.Gateway.RateLimitRPM <= 0 {
		c.Gateway.RateLimitRPM = 60
	}
	if c.Gateway.RateLimitBurst <= 0 {
		c.Gateway.RateLimitBurst = 10
	}

	for i := range c.Agents.List {
		c.Agents.List[i].ID = NormalizeAgentID(c.Agents.List[i].ID)
	}
}

// applyEnv overlays secrets and connection strings from the environment.
// Environment values win over the file.
func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setStr(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setStr(&c.Providers.OpenAI.APIBase, "OPENAI_BASE_URL")
	setStr(&c.Providers.DashScope.APIKey, "DASHSCOPE_API_KEY")
	setStr(&c.Store.PostgresDSN, "CLAW_POSTGRES_DSN")
	setStr(&c.Bus.Redis.Addr, "CLAW_REDIS_ADDR")
	setStr(&c.Bus.Redis.Password, "CLAW_REDIS_PASSWORD")
	setStr(&c.Bus.AMQP.URL, "CLAW_AMQP_URL")
	setStr(&c.Gateway.Token, "CLAW_GATEWAY_TOKEN")
	setStr(&c.Gateway.Tailscale.Hostname, "CLAW_TSNET_HOSTNAME")
	setStr(&c.Gateway.Tailscale.AuthKey, "CLAW_TSNET_AUTHKEY")
	setStr(&c.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	if v := os.Getenv("CLAW_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Gateway.Port = port
		}
	}
}

// Validate checks cross-field constraints defaults cannot fix.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.driver postgres requires store.postgresDsn or CLAW_POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	seen := map[string]bool{}
	for _, a := range c.Agents.List {
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	for _, j := range c.Cron.Jobs {
		if (j.Expr == "") == (j.EveryMs <= 0) {
			return fmt.Errorf("cron job %q: set exactly one of expr and everyMs", j.Name)
		}
	}
	if _, err := tools.NewScrubber(c.Tools.ScrubPatterns); err != nil {
		return fmt.Errorf("tools.scrubPatterns: %w", err)
	}
	for name, s := range c.MCP.Servers {
		switch s.Transport {
		case "", "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp server %q: stdio transport requires command", name)
			}
		case "sse", "streamable-http":
			if s.URL == "" {
				return fmt.Errorf("mcp server %q: %s transport requires url", name, s.Transport)
			}
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q", name, s.Transport)
		}
	}
	return nil
}

// SecretValues lists the credentials this config holds, for redaction of
// tool output.
func (c *Config) SecretValues() []string {
	return []string{
		c.Providers.Anthropic.APIKey,
		c.Providers.OpenAI.APIKey,
		c.Providers.DashScope.APIKey,
		c.Bus.Redis.Password,
		c.Gateway.Token,
		c.Gateway.Tailscale.AuthKey,
		c.Store.PostgresDSN,
		c.Bus.AMQP.URL,
	}
}

// StripSecrets blanks every credential so the config can be written or shown.
func (c *Config) StripSecrets() {
	c.Providers.Anthropic.APIKey = ""
	c.Providers.OpenAI.APIKey = ""
	c.Providers.DashScope.APIKey = ""
	c.Bus.Redis.Password = ""
	c.Gateway.Token = ""
	c.Gateway.Tailscale.AuthKey = ""
	c.Store.PostgresDSN = ""
	c.Bus.AMQP.URL = ""
}

// Agent resolves the effective settings for id: the matching List entry
// merged over Defaults. Unknown IDs get Defaults; ok reports a List match.
func (c *Config) Agent(id string) (AgentDefaults, bool) {
	id = NormalizeAgentID(id)
	out := c.Agents.Defaults
	for _, a := range c.Agents.List {
		if a.ID != id {
			continue
		}
		o := a.AgentDefaults
		if o.Provider != "" {
			out.Provider = o.Provider
		}
		if o.Model != "" {
			out.Model = o.Model
		}
		if o.SystemPrompt != "" {
			out.SystemPrompt = o.SystemPrompt
		}
		if o.Workspace != "" {
			out.Workspace = o.Workspace
		}
		if o.MaxRounds > 0 {
			out.MaxRounds = o.MaxRounds
		}
		if o.MaxTokens > 0 {
			out.MaxTokens = o.MaxTokens
		}
		if o.ContextTokens > 0 {
			out.ContextTokens = o.ContextTokens
		}
		if len(o.ToolsAllow) > 0 {
			out.ToolsAllow = o.ToolsAllow
		}
		if len(o.ToolsDeny) > 0 {
			out.ToolsDeny = o.ToolsDeny
		}
		if len(o.MCPServers) > 0 {
			out.MCPServers = o.MCPServers
		}
		if len(o.ContextFiles) > 0 {
			out.ContextFiles = o.ContextFiles
		}
		return out, true
	}
	return out, false
}

// AgentIDs lists configured agents; the default agent when none are listed.
func (c *Config) AgentIDs() []string {
	if len(c.Agents.List) == 0 {
		return []string{DefaultAgentID}
	}
	ids := make([]string, len(c.Agents.List))
	for i, a := range c.Agents.List {
		ids[i] = a.ID
	}
	return ids
}

// Duration converts a millisecond setting.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// HomeDir is the data directory: $CLAW_HOME or ~/.clawworker.
func HomeDir() string {
	if v := os.Getenv("CLAW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clawworker"
	}
	return filepath.Join(home, ".clawworker")
}

// ResolvePath returns the config path: explicit flag, $CLAW_CONFIG, or the
// default under HomeDir.
func ResolvePath(flag string) string {
	if flag != "" {
		return ExpandHome(flag)
	}
	if v := os.Getenv("CLAW_CONFIG"); v != "" {
		return ExpandHome(v)
	}
	return filepath.Join(HomeDir(), "config.json5")
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
