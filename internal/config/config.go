package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int          `yaml:"version"`
	Global    GlobalConfig `yaml:"global"`
	Chains    []Chain      `yaml:"chains"`
	Notifiers []Notifier   `yaml:"notifiers"`
}

type GlobalConfig struct {
	DBDriver         string   `yaml:"db_driver"`
	DBDSN            string   `yaml:"db_dsn"`
	Protocol         string   `yaml:"protocol"`
	IntentType       string   `yaml:"intent_type"`
	MaxWriteAttempts int      `yaml:"max_write_attempts"`
	DrainTimeout     Duration `yaml:"drain_timeout"`
	ConnectTimeout   Duration `yaml:"connect_timeout"`
	QueueSize        int      `yaml:"queue_size"`
	Backoff          Backoff  `yaml:"backoff"`
}

// Backoff bounds reconnect delays.
type Backoff struct {
	Initial     Duration `yaml:"initial"`
	Max         Duration `yaml:"max"`
	Multiplier  float64  `yaml:"multiplier"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Chain describes one network and the settler contract watched on it.
type Chain struct {
	Name            string   `yaml:"name"`
	ChainID         uint64   `yaml:"chain_id"`
	RPCURL          string   `yaml:"rpc_url"`
	ContractAddress string   `yaml:"contract_address"`
	StartBlock      string   `yaml:"start_block"`
	Confirmations   uint64   `yaml:"confirmations"`
	PollInterval    Duration `yaml:"poll_interval"`
	MaxBlockRange   uint64   `yaml:"max_block_range"`
	ABIPath         string   `yaml:"abi_path"`
}

// Streaming reports whether the endpoint supports push subscriptions.
func (c Chain) Streaming() bool {
	u := strings.ToLower(c.RPCURL)
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

type Notifier struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

// Duration parses Go duration strings such as "5s" from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

const (
	defaultDBDriver         = "sqlite"
	defaultDBDSN            = "intents.db"
	defaultMaxWriteAttempts = 5
	defaultDrainTimeout     = 10 * time.Second
	defaultConnectTimeout   = 15 * time.Second
	defaultQueueSize        = 256
	defaultPollInterval     = 5 * time.Second
	defaultMaxBlockRange    = 2000
)

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies defaults and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(raw)
}

// Parse interpolates env vars in raw YAML, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// ApplyDefaults fills unset tunables.
func (c *Config) ApplyDefaults() {
	g := &c.Global
	if g.DBDriver == "" {
		g.DBDriver = defaultDBDriver
	}
	if g.DBDSN == "" && g.DBDriver == defaultDBDriver {
		g.DBDSN = defaultDBDSN
	}
	if g.MaxWriteAttempts == 0 {
		g.MaxWriteAttempts = defaultMaxWriteAttempts
	}
	if g.DrainTimeout == 0 {
		g.DrainTimeout = Duration(defaultDrainTimeout)
	}
	if g.ConnectTimeout == 0 {
		g.ConnectTimeout = Duration(defaultConnectTimeout)
	}
	if g.QueueSize == 0 {
		g.QueueSize = defaultQueueSize
	}
	if g.Backoff.Initial == 0 {
		g.Backoff.Initial = Duration(time.Second)
	}
	if g.Backoff.Max == 0 {
		g.Backoff.Max = Duration(time.Minute)
	}
	if g.Backoff.Multiplier == 0 {
		g.Backoff.Multiplier = 2
	}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if ch.PollInterval == 0 {
			ch.PollInterval = Duration(defaultPollInterval)
		}
		if ch.MaxBlockRange == 0 {
			ch.MaxBlockRange = defaultMaxBlockRange
		}
	}
	for i := range c.Notifiers {
		n := &c.Notifiers[i]
		if strings.EqualFold(n.Type, "webhook") && n.Method == "" {
			n.Method = "POST"
		}
	}
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if len(c.Chains) == 0 {
		return errors.New("at least one chain is required")
	}
	switch c.Global.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported db_driver: %s", c.Global.DBDriver)
	}
	if c.Global.DBDSN == "" {
		return errors.New("db_dsn is required")
	}
	if c.Global.MaxWriteAttempts < 0 || c.Global.QueueSize < 0 {
		return errors.New("max_write_attempts and queue_size must be positive")
	}
	if c.Global.Backoff.Multiplier < 1 {
		return errors.New("backoff.multiplier must be >= 1")
	}
	if c.Global.Backoff.Max < c.Global.Backoff.Initial {
		return errors.New("backoff.max must be >= backoff.initial")
	}

	names := map[string]struct{}{}
	ids := map[uint64]string{}
	for i := range c.Chains {
		ch := &c.Chains[i]
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("chain %s: %w", ch.Name, err)
		}
		key := strings.ToLower(ch.Name)
		if _, exists := names[key]; exists {
			return fmt.Errorf("duplicate chain name: %s", ch.Name)
		}
		names[key] = struct{}{}
		if other, exists := ids[ch.ChainID]; exists {
			return fmt.Errorf("chain %s: chain_id %d already used by %s", ch.Name, ch.ChainID, other)
		}
		ids[ch.ChainID] = ch.Name
	}

	notifierIDs := map[string]struct{}{}
	for i := range c.Notifiers {
		n := &c.Notifiers[i]
		if _, exists := notifierIDs[n.ID]; exists {
			return fmt.Errorf("duplicate notifier id: %s", n.ID)
		}
		notifierIDs[n.ID] = struct{}{}
		if err := n.Validate(); err != nil {
			return fmt.Errorf("notifier %s: %w", n.ID, err)
		}
	}

	return nil
}

func (ch *Chain) Validate() error {
	if ch.Name == "" {
		return errors.New("name is required")
	}
	if ch.ChainID == 0 {
		return errors.New("chain_id is required")
	}
	if ch.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	u, err := url.Parse(ch.RPCURL)
	if err != nil {
		return fmt.Errorf("rpc_url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("rpc_url: unsupported scheme %q", u.Scheme)
	}
	if !common.IsHexAddress(ch.ContractAddress) {
		return fmt.Errorf("contract_address %q is not a hex address", ch.ContractAddress)
	}
	return nil
}

func (n *Notifier) Validate() error {
	if n.ID == "" {
		return errors.New("id is required")
	}
	if n.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(n.Type) {
	case "slack", "teams":
		if n.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams notifiers")
		}
	case "webhook":
		if n.URL == "" {
			return errors.New("url is required for webhook notifier")
		}
	default:
		return fmt.Errorf("unsupported notifier type: %s", n.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
