package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the parsed triagebot configuration file.
type Config struct {
	GithubToken string     `yaml:"github_token"`
	GithubURL   string     `yaml:"github_url"`
	App         *AppConfig `yaml:"app"`

	Repos     []string `yaml:"repos"`
	BotLogins []string `yaml:"bot_logins"`

	CacheDir string `yaml:"cache_dir"`
	DBPath   string `yaml:"db_path"`

	ClosingLabels   []string    `yaml:"closing_labels"`
	ExclusiveGroups [][]string  `yaml:"exclusive_label_groups"`
	FileLabelRules  []LabelRule `yaml:"file_label_rules"`
	WaffleLimit     int         `yaml:"waffle_limit"`
	Maintainers     []string    `yaml:"maintainers"`

	DaemonInterval   Duration `yaml:"daemon_interval"`
	BudgetFloor      int      `yaml:"budget_floor"`
	BudgetStaleAfter int      `yaml:"budget_stale_after"`
}

// AppConfig holds GitHub App authentication parameters.
type AppConfig struct {
	ClientID       string `yaml:"client_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// LabelRule maps a changed-file glob pattern to labels applied when a PR
// touches a matching file.
type LabelRule struct {
	Pattern string   `yaml:"pattern"`
	Labels  []string `yaml:"labels"`
}

// Duration wraps time.Duration for YAML parsing of strings like "30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return expandHome("~/.triagebot/config.yml")
}

// Load reads and parses a config file at the given path. The GitHub token may
// come from the TRIAGEBOT_GITHUB_TOKEN environment variable instead of the
// file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if env := os.Getenv("TRIAGEBOT_GITHUB_TOKEN"); env != "" {
		cfg.GithubToken = env
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CacheDir == "" {
		c.CacheDir = "~/.triagebot/cache"
	}
	c.CacheDir = expandHome(c.CacheDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.CacheDir, "triagebot.db")
	} else {
		c.DBPath = expandHome(c.DBPath)
	}
	if c.WaffleLimit == 0 {
		c.WaffleLimit = 5
	}
	if c.DaemonInterval == 0 {
		c.DaemonInterval = Duration(30 * time.Minute)
	}
	if c.BudgetFloor == 0 {
		c.BudgetFloor = 50
	}
	if c.BudgetStaleAfter == 0 {
		c.BudgetStaleAfter = 100
	}
	if len(c.BotLogins) == 0 {
		c.BotLogins = []string{"triagebot"}
	}
}

func (c *Config) validate() error {
	if c.GithubToken == "" && c.App == nil {
		return fmt.Errorf("github_token or app auth is required")
	}
	if c.App != nil {
		if c.App.ClientID == "" || c.App.InstallationID == 0 || c.App.PrivateKeyPath == "" {
			return fmt.Errorf("app auth requires client_id, installation_id and private_key_path")
		}
	}
	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one repo is required")
	}
	for _, r := range c.Repos {
		if !strings.Contains(r, "/") {
			return fmt.Errorf("repo %q must be owner/name", r)
		}
	}
	for _, group := range c.ExclusiveGroups {
		if len(group) < 2 {
			return fmt.Errorf("exclusive label group %v needs at least two members", group)
		}
	}
	for _, rule := range c.FileLabelRules {
		if rule.Pattern == "" || len(rule.Labels) == 0 {
			return fmt.Errorf("file label rule needs a pattern and at least one label")
		}
	}
	return nil
}

// SplitRepo splits an owner/name repo path.
func SplitRepo(repo string) (owner, name string) {
	owner, name, _ = strings.Cut(repo, "/")
	return owner, name
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
