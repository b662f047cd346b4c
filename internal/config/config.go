package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/agentbridge/internal/otel"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	BindAddr       string   `yaml:"bind_addr"`
	CORSOrigins    []string `yaml:"cors_origins"`
	BodyLimitBytes int64    `yaml:"body_limit_bytes"`
}

// AgentConfig controls the agent child process and the defaults applied to
// thread/turn requests sent to it.
type AgentConfig struct {
	Bin            string   `yaml:"bin"`
	Cwd            string   `yaml:"cwd"`
	Model          string   `yaml:"model"`
	ApprovalPolicy string   `yaml:"approval_policy"`
	WritableRoots  []string `yaml:"writable_roots"`
	NetworkAccess  bool     `yaml:"network_access"`

	RequestTimeoutSeconds   int `yaml:"request_timeout_seconds"`
	HandshakeTimeoutSeconds int `yaml:"handshake_timeout_seconds"`
}

// RequestTimeout is the default per-request deadline for agent RPC calls.
func (c AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// HandshakeTimeout bounds the initialize exchange.
func (c AgentConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}

// EventsConfig controls the SSE stream.
type EventsConfig struct {
	HeartbeatMillis int `yaml:"heartbeat_ms"`
}

func (c EventsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatMillis) * time.Millisecond
}

// TunnelConfig controls the reverse-tunnel supervisor.
type TunnelConfig struct {
	Command           string `yaml:"command"`
	LocalHost         string `yaml:"local_host"`
	LocalPort         int    `yaml:"local_port"`
	ProviderHost      string `yaml:"provider_host"`
	NgrokAuthtoken    string `yaml:"ngrok_authtoken"`
	StartTimeoutMs    int    `yaml:"start_timeout_ms"`
	LoginDelayMs      int    `yaml:"login_delay_ms"`
	LoginJitterMs     int    `yaml:"login_jitter_ms"`
	SessionCookieName string `yaml:"session_cookie_name"`
}

func (c TunnelConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutMs) * time.Millisecond
}

func (c TunnelConfig) LoginDelay() time.Duration {
	return time.Duration(c.LoginDelayMs) * time.Millisecond
}

func (c TunnelConfig) LoginJitter() time.Duration {
	return time.Duration(c.LoginJitterMs) * time.Millisecond
}

type Config struct {
	Path string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Server ServerConfig   `yaml:"server"`
	Agent  AgentConfig    `yaml:"agent"`
	Events EventsConfig   `yaml:"events"`
	Tunnel TunnelConfig   `yaml:"tunnel"`
	OTel   otelPkg.Config `yaml:"otel"`

	ThreadMessagesPageSize int `yaml:"thread_messages_page_size"`
}

// platformDefaultOrigins are always accepted in addition to configured ones.
var platformDefaultOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// approvalPolicyAliases maps legacy policy spellings to the current ones.
var approvalPolicyAliases = map[string]string{
	"unlessTrusted": "untrusted",
	"onFailure":     "on-failure",
	"onRequest":     "on-request",
	"untrusted":     "untrusted",
	"on-failure":    "on-failure",
	"on-request":    "on-request",
	"never":         "never",
}

// Default returns the built-in configuration.
func Default() Config {
	cwd, _ := os.Getwd()
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			BindAddr:       "127.0.0.1:4000",
			BodyLimitBytes: 10 * 1024 * 1024,
		},
		Agent: AgentConfig{
			Bin:                     "codex",
			Model:                   "gpt-5.2-codex",
			ApprovalPolicy:          "on-request",
			WritableRoots:           []string{cwd},
			NetworkAccess:           true,
			RequestTimeoutSeconds:   30,
			HandshakeTimeoutSeconds: 15,
		},
		Events: EventsConfig{
			HeartbeatMillis: 15000,
		},
		Tunnel: TunnelConfig{
			Command:           "ngrok",
			LocalHost:         "127.0.0.1",
			LocalPort:         4000,
			ProviderHost:      "https://localhost.run",
			StartTimeoutMs:    20000,
			LoginDelayMs:      250,
			LoginJitterMs:     250,
			SessionCookieName: "tunnel_session",
		},
		ThreadMessagesPageSize: 10,
	}
}

// Load reads the YAML config at path (missing file is fine), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.Path = path

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if alias, ok := approvalPolicyAliases[cfg.Agent.ApprovalPolicy]; ok {
		cfg.Agent.ApprovalPolicy = alias
	}
	cfg.Server.CORSOrigins = mergeOrigins(cfg.Server.CORSOrigins)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setString("LOG_LEVEL", &c.LogLevel)
	setString("BIND_ADDR", &c.Server.BindAddr)
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.Server.CORSOrigins = splitAndTrim(v, ",")
	}

	setString("AGENT_BIN", &c.Agent.Bin)
	setString("AGENT_CWD", &c.Agent.Cwd)
	setString("AGENT_MODEL", &c.Agent.Model)
	setString("AGENT_APPROVAL_POLICY", &c.Agent.ApprovalPolicy)
	if v := os.Getenv("AGENT_WRITABLE_ROOTS"); v != "" {
		c.Agent.WritableRoots = splitAndTrim(v, ":")
	}
	if v := os.Getenv("AGENT_NETWORK_ACCESS"); v != "" {
		c.Agent.NetworkAccess = v == "true" || v == "1"
	}

	setInt("SSE_HEARTBEAT_MS", &c.Events.HeartbeatMillis)
	setInt("THREAD_MESSAGES_PAGE_SIZE", &c.ThreadMessagesPageSize)

	setString("TUNNEL_COMMAND", &c.Tunnel.Command)
	setString("TUNNEL_LOCAL_HOST", &c.Tunnel.LocalHost)
	setInt("TUNNEL_LOCAL_PORT", &c.Tunnel.LocalPort)
	setString("TUNNEL_PROVIDER_HOST", &c.Tunnel.ProviderHost)
	setString("NGROK_AUTHTOKEN", &c.Tunnel.NgrokAuthtoken)
	setInt("TUNNEL_START_TIMEOUT_MS", &c.Tunnel.StartTimeoutMs)
	setString("TUNNEL_SESSION_COOKIE", &c.Tunnel.SessionCookieName)
}

func (c *Config) validate() error {
	if c.Server.BindAddr == "" {
		return fmt.Errorf("server.bind_addr must not be empty")
	}
	if c.Agent.Bin == "" {
		return fmt.Errorf("agent.bin must not be empty")
	}
	if c.ThreadMessagesPageSize < 1 || c.ThreadMessagesPageSize > 100 {
		return fmt.Errorf("thread_messages_page_size must be in [1,100], got %d", c.ThreadMessagesPageSize)
	}
	if c.Events.HeartbeatMillis <= 0 {
		return fmt.Errorf("events.heartbeat_ms must be positive, got %d", c.Events.HeartbeatMillis)
	}
	return nil
}

// Fingerprint returns a short stable hash of the effective config, exposed
// for diagnostics so operators can tell which config a process runs.
func (c Config) Fingerprint() string {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "unknown"
	}
	h := fnv.New64a()
	_, _ = h.Write(out)
	return fmt.Sprintf("%016x", h.Sum64())
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func mergeOrigins(configured []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, origin := range append(append([]string{}, platformDefaultOrigins...), configured...) {
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	return out
}
