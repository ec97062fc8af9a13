package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dealgate/internal/domain"
)

const FileName = "dealgate.yml"

// MaxSpecializations bounds the ANALYSIS wave width.
const MaxSpecializations = 6

// Config models dealgate.yml.
type Config struct {
	Pipeline      Pipeline        `yaml:"pipeline" json:"pipeline"`
	Decision      DecisionPolicy  `yaml:"decision" json:"decision"`
	Worker        Worker          `yaml:"worker" json:"worker"`
	Collaborators Collaborators   `yaml:"collaborators" json:"collaborators"`
	Webhooks      []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
	Tracing       Tracing         `yaml:"tracing" json:"tracing"`
}

type Pipeline struct {
	Specializations     []string      `yaml:"specializations" json:"specializations"`
	WorkerTimeout       time.Duration `yaml:"worker_timeout" json:"worker_timeout"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout" json:"collaborator_timeout"`
	SeedTimeout         time.Duration `yaml:"seed_timeout" json:"seed_timeout"`
	GapGrace            time.Duration `yaml:"gap_grace" json:"gap_grace"`
	LockTTL             time.Duration `yaml:"lock_ttl" json:"lock_ttl"`
}

// LongestWave bounds how long a single wave can run: a worker task with its
// one retry plus the gap resolution grace, or the seed stage timeout.
func (p Pipeline) LongestWave() time.Duration {
	return max(2*p.WorkerTimeout+p.GapGrace, p.SeedTimeout)
}

// DecisionPolicy configures how assumption-heavy checklists constrain the
// decision. MaxAssumptions of 0 disables the absolute limit.
type DecisionPolicy struct {
	MaxAssumptionRatio float64 `yaml:"max_assumption_ratio" json:"max_assumption_ratio"`
	MaxAssumptions     int     `yaml:"max_assumptions" json:"max_assumptions"`
	DowngradeTo        string  `yaml:"downgrade_to" json:"downgrade_to"`
}

type Worker struct {
	Kind      string `yaml:"kind" json:"kind"`
	Endpoint  string `yaml:"endpoint" json:"endpoint,omitempty"`
	Model     string `yaml:"model" json:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env,omitempty"`
}

type Collaborators struct {
	Seed      []Collaborator `yaml:"seed" json:"seed"`
	Secondary []Collaborator `yaml:"secondary" json:"secondary"`
}

type Collaborator struct {
	Name     string            `yaml:"name" json:"name"`
	Kind     string            `yaml:"kind" json:"kind"`
	URL      string            `yaml:"url" json:"url,omitempty"`
	Evidence []domain.Evidence `yaml:"evidence" json:"evidence,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type Tracing struct {
	Exporter    string  `yaml:"exporter" json:"exporter"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint,omitempty"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	p := c.Pipeline
	if len(p.Specializations) == 0 {
		return fmt.Errorf("config.pipeline.specializations is required")
	}
	if len(p.Specializations) > MaxSpecializations {
		return fmt.Errorf("config.pipeline.specializations allows at most %d entries", MaxSpecializations)
	}
	seen := map[string]bool{}
	for _, s := range p.Specializations {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("config.pipeline.specializations contains an empty name")
		}
		if seen[s] {
			return fmt.Errorf("specialization %s listed twice", s)
		}
		seen[s] = true
	}
	for name, d := range map[string]time.Duration{
		"worker_timeout":       p.WorkerTimeout,
		"collaborator_timeout": p.CollaboratorTimeout,
		"seed_timeout":         p.SeedTimeout,
		"gap_grace":            p.GapGrace,
		"lock_ttl":             p.LockTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("config.pipeline.%s must be positive", name)
		}
	}
	if longest := p.LongestWave(); p.LockTTL <= longest {
		return fmt.Errorf("config.pipeline.lock_ttl must exceed the longest wave (%s)", longest)
	}
	if c.Decision.MaxAssumptionRatio < 0 || c.Decision.MaxAssumptionRatio > 1 {
		return fmt.Errorf("config.decision.max_assumption_ratio must be within 0..1")
	}
	if c.Decision.MaxAssumptions < 0 {
		return fmt.Errorf("config.decision.max_assumptions must not be negative")
	}
	switch c.Decision.DowngradeTo {
	case domain.DecisionProceedIf, domain.DecisionKill:
	default:
		return fmt.Errorf("config.decision.downgrade_to must be PROCEED_IF or KILL")
	}
	switch c.Worker.Kind {
	case "http":
		if strings.TrimSpace(c.Worker.Endpoint) == "" {
			return fmt.Errorf("config.worker.endpoint is required for http workers")
		}
	case "openai":
		if strings.TrimSpace(c.Worker.Model) == "" {
			return fmt.Errorf("config.worker.model is required for openai workers")
		}
	default:
		return fmt.Errorf("config.worker.kind must be http or openai")
	}
	for group, list := range map[string][]Collaborator{"seed": c.Collaborators.Seed, "secondary": c.Collaborators.Secondary} {
		names := map[string]bool{}
		for _, col := range list {
			if strings.TrimSpace(col.Name) == "" {
				return fmt.Errorf("config.collaborators.%s has an entry without name", group)
			}
			if names[col.Name] {
				return fmt.Errorf("collaborator %s listed twice in %s", col.Name, group)
			}
			names[col.Name] = true
			switch col.Kind {
			case "http":
				if strings.TrimSpace(col.URL) == "" {
					return fmt.Errorf("collaborator %s requires url", col.Name)
				}
			case "static":
			default:
				return fmt.Errorf("collaborator %s has unknown kind %q", col.Name, col.Kind)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp", "otlphttp":
	default:
		return fmt.Errorf("config.tracing.exporter %q is not supported", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config.tracing.sample_ratio must be within 0..1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dg config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := parse([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	return &cfg, nil
}

const defaultTemplate = `pipeline:
  specializations: [market, team, product]
  worker_timeout: 90s
  collaborator_timeout: 15s
  seed_timeout: 30s
  gap_grace: 20s
  lock_ttl: 10m

decision:
  max_assumption_ratio: 0.5
  max_assumptions: 0
  downgrade_to: PROCEED_IF

worker:
  kind: http
  endpoint: http://127.0.0.1:8787/invoke
  api_key_env: DEALGATE_WORKER_API_KEY

collaborators:
  seed: []
  secondary: []

tracing:
  exporter: none
  sample_ratio: 1
`
