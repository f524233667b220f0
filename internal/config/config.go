// Package config loads the pipeline configuration: engine endpoint, role
// mappings, personas, and redaction rules. The loaded Config is an immutable
// snapshot; hot reload builds a fresh snapshot and the caller swaps the
// derived components atomically.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/quill/internal/classify"
	"github.com/quill/internal/redact"
	"github.com/quill/pkg/models"
)

// Config represents the application configuration.
type Config struct {
	Engine struct {
		ServerURL string  `koanf:"server_url"`
		Model     string  `koanf:"model"`
		TimeoutMS int     `koanf:"timeout_ms"`
		CacheTTLS int     `koanf:"cache_ttl_s"`
		MaxTokens int     `koanf:"max_tokens"`
		Temp      float64 `koanf:"temperature"`
	} `koanf:"engine"`

	Router struct {
		CancelWaitMS   int `koanf:"cancel_wait_ms"`
		AutoCooldownMS int `koanf:"auto_cooldown_ms"`
		MinContext     int `koanf:"min_context"`
		IntakeSize     int `koanf:"intake_size"`
	} `koanf:"router"`

	Buffer struct {
		MaxSize int `koanf:"max_size"`
	} `koanf:"buffer"`

	Context struct {
		PollIntervalMS int    `koanf:"poll_interval_ms"`
		DefaultRole    string `koanf:"default_role"`
	} `koanf:"context"`

	// Roles is an ordered list; order is the classification tie-break.
	Roles []RoleConfig `koanf:"roles"`

	Redaction struct {
		UseDefaults bool         `koanf:"use_defaults"`
		Rules       []RuleConfig `koanf:"rules"`
	} `koanf:"redaction"`
}

// RoleConfig binds one role to its matching substrings and persona.
type RoleConfig struct {
	Name         string   `koanf:"name"`
	Apps         []string `koanf:"apps"`
	SystemPrompt string   `koanf:"system_prompt"`
	MaxTokens    int      `koanf:"max_tokens"`
	Temperature  float64  `koanf:"temperature"`
	Stop         []string `koanf:"stop"`
}

// RuleConfig is one user-supplied redaction rule. User rules run after the
// built-in set when use_defaults is true.
type RuleConfig struct {
	Kind        string `koanf:"kind"`
	Pattern     string `koanf:"pattern"`
	Placeholder string `koanf:"placeholder"`
}

// LoadConfig loads the configuration from a file, falling back to default
// locations and finishing with a QUILL_-prefixed env overlay.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"engine.server_url":        "http://localhost:11434",
		"engine.model":             "qwen2.5:1.5b",
		"engine.timeout_ms":        30000,
		"engine.cache_ttl_s":       3600,
		"engine.max_tokens":        256,
		"engine.temperature":       0.7,
		"router.cancel_wait_ms":    2000,
		"router.auto_cooldown_ms":  500,
		"router.min_context":       10,
		"router.intake_size":       8,
		"buffer.max_size":          2000,
		"context.poll_interval_ms": 2000,
		"context.default_role":     "default",
		"redaction.use_defaults":   true,
	}, "."), nil)

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./quill.toml", "$HOME/.quill.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	k.Load(env.Provider("QUILL_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "QUILL_")), "_", ".", -1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

// InitConfig writes a commented sample configuration file.
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# Quill Configuration

[engine]
server_url = "http://localhost:11434"
model = "qwen2.5:1.5b"
timeout_ms = 30000
max_tokens = 256
temperature = 0.7

[router]
auto_cooldown_ms = 500
min_context = 10

# Role order matters: when several roles match the foreground application,
# the first one listed wins.

[[roles]]
name = "code"
apps = ["code", "vim", "intellij", "terminal", "sublime"]
system_prompt = "You are a precise technical writing assistant embedded in a code editor. Keep completions terse and syntactically plausible."
max_tokens = 64
temperature = 0.2
stop = ["\n"]

[[roles]]
name = "professional"
apps = ["outlook", "gmail", "slack", "teams"]
system_prompt = "You are a professional communication assistant. Keep the tone clear, courteous, and direct."
max_tokens = 256
temperature = 0.5

[[roles]]
name = "creative"
apps = ["word", "docs", "notion", "obsidian"]
system_prompt = "You are a creative writing partner. Favor vivid, flowing prose."
max_tokens = 256
temperature = 0.9

[[roles]]
name = "default"
apps = []
system_prompt = "You are a helpful writing assistant."
max_tokens = 256
temperature = 0.7

[redaction]
use_defaults = true

# Extra rules run after the built-in set (email, card, ssn, phone, ipv4).
# [[redaction.rules]]
# kind = "employee_id"
# pattern = 'EMP-\d{6}'
# placeholder = "[ID_REDACTED]"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration.
func Validate(config *Config) error {
	if config.Engine.Model == "" {
		return fmt.Errorf("engine model is required")
	}
	if config.Engine.ServerURL == "" {
		return fmt.Errorf("engine server_url is required")
	}
	seen := make(map[string]bool, len(config.Roles))
	for _, role := range config.Roles {
		if role.Name == "" {
			return fmt.Errorf("role with empty name")
		}
		if seen[role.Name] {
			return fmt.Errorf("duplicate role %q", role.Name)
		}
		seen[role.Name] = true
	}
	for _, rule := range config.Redaction.Rules {
		if rule.Kind == "" || rule.Pattern == "" || rule.Placeholder == "" {
			return fmt.Errorf("redaction rule needs kind, pattern, and placeholder")
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("redaction rule %q: invalid pattern: %w", rule.Kind, err)
		}
	}
	return nil
}

// Rules compiles the effective redaction rule list: built-ins first (when
// enabled), then user rules in configuration order.
func (c *Config) Rules() ([]redact.Rule, error) {
	var rules []redact.Rule
	if c.Redaction.UseDefaults {
		rules = redact.DefaultRules()
	}
	for _, rc := range c.Redaction.Rules {
		pattern, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.Kind, err)
		}
		rules = append(rules, redact.Rule{Kind: rc.Kind, Pattern: pattern, Placeholder: rc.Placeholder})
	}
	return rules, nil
}

// RoleRules converts the ordered role list for the classifier.
func (c *Config) RoleRules() []classify.RoleRule {
	rules := make([]classify.RoleRule, 0, len(c.Roles))
	for _, role := range c.Roles {
		rules = append(rules, classify.RoleRule{
			Role:       models.RoleTag(role.Name),
			Substrings: role.Apps,
		})
	}
	return rules
}

// Personas builds the persona set keyed by role tag.
func (c *Config) Personas() map[models.RoleTag]models.Persona {
	personas := make(map[models.RoleTag]models.Persona, len(c.Roles))
	for _, role := range c.Roles {
		maxTokens := role.MaxTokens
		if maxTokens <= 0 {
			maxTokens = c.Engine.MaxTokens
		}
		temp := role.Temperature
		if temp <= 0 {
			temp = c.Engine.Temp
		}
		personas[models.RoleTag(role.Name)] = models.Persona{
			Role:         models.RoleTag(role.Name),
			SystemPrompt: role.SystemPrompt,
			Params: models.GenerationParams{
				MaxTokens:     maxTokens,
				Temperature:   temp,
				StopSequences: role.Stop,
			},
		}
	}
	return personas
}

// DefaultRole returns the configured fallback role tag.
func (c *Config) DefaultRole() models.RoleTag {
	if c.Context.DefaultRole == "" {
		return models.RoleDefault
	}
	return models.RoleTag(c.Context.DefaultRole)
}

// Duration helpers for millisecond-valued settings.

func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutMS) * time.Millisecond
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Engine.CacheTTLS) * time.Second
}

func (c *Config) CancelWait() time.Duration {
	return time.Duration(c.Router.CancelWaitMS) * time.Millisecond
}

func (c *Config) AutoCooldown() time.Duration {
	return time.Duration(c.Router.AutoCooldownMS) * time.Millisecond
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Context.PollIntervalMS) * time.Millisecond
}
