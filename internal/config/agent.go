// ABOUTME: Configuration loading for mcplink-agent
// ABOUTME: Loads TOML config from the XDG path with environment variable expansion

package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// AgentConfig is the agent-side configuration file.
type AgentConfig struct {
	Gateway   AgentGatewayConfig   `toml:"gateway"`
	Agent     AgentIdentityConfig  `toml:"agent"`
	Batch     AgentBatchConfig     `toml:"batch"`
	Heartbeat AgentHeartbeatConfig `toml:"heartbeat"`
	Reconnect AgentReconnectConfig `toml:"reconnect"`
	Logging   LoggingConfig        `toml:"logging"`
}

type AgentGatewayConfig struct {
	URL string `toml:"url"`
}

type AgentIdentityConfig struct {
	ID           string   `toml:"id"`
	Type         string   `toml:"type"`
	Capabilities []string `toml:"capabilities"`
}

type AgentBatchConfig struct {
	Size             int      `toml:"size"`
	Timeout          Duration `toml:"timeout"`
	CallTimeout      Duration `toml:"call_timeout"`
	BatchCallTimeout Duration `toml:"batch_call_timeout"`
}

type AgentHeartbeatConfig struct {
	Interval Duration `toml:"interval"`
}

type AgentReconnectConfig struct {
	Base        Duration `toml:"base"`
	Cap         Duration `toml:"cap"`
	MaxAttempts int      `toml:"max_attempts"`
}

// Duration decodes TOML strings such as "500ms" into a time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// DefaultAgentPath returns $MCPLINK_AGENT_CONFIG if set, otherwise
// agent.toml under the XDG config directory.
func DefaultAgentPath() string {
	return xdgPath("MCPLINK_AGENT_CONFIG", "agent.toml")
}

// LoadAgent reads agent config from path, expanding environment variables.
// Zero values are left for the client to default.
func LoadAgent(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg AgentConfig
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that required config fields are present and valid.
func (c *AgentConfig) Validate() error {
	if c.Gateway.URL == "" {
		return fmt.Errorf("gateway.url is required")
	}
	u, err := url.Parse(c.Gateway.URL)
	if err != nil {
		return fmt.Errorf("gateway.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("gateway.url must use ws, wss, http or https scheme")
	}
	if c.Batch.Size < 0 {
		return fmt.Errorf("batch.size must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	if c.Reconnect.Cap.Duration > 0 && c.Reconnect.Base.Duration > c.Reconnect.Cap.Duration {
		return fmt.Errorf("reconnect.base must not exceed reconnect.cap")
	}
	return nil
}
