package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"interlock/internal/domain"
)

// Config models the per-owner engine tunables. The UI color bands the
// thresholds were inferred from are not authoritative, so everything that
// shapes detection and scoring lives here rather than in code.
type Config struct {
	Owner struct {
		ID string `yaml:"id"`
	} `yaml:"owner"`
	Detection struct {
		// Severity cut points on overlap fraction (relative to the
		// shorter task of the pair).
		CriticalOverlapFraction float64 `yaml:"critical_overlap_fraction"`
		HighOverlapFraction     float64 `yaml:"high_overlap_fraction"`
		// Load ratio cut points for resource contention.
		HighLoadRatio   float64 `yaml:"high_load_ratio"`
		MediumLoadRatio float64 `yaml:"medium_load_ratio"`
		// Conflict probability written back per worst open severity.
		ProbabilityBands map[string]float64 `yaml:"probability_bands"`
		WorkHoursPerDay  float64            `yaml:"work_hours_per_day"`
	} `yaml:"detection"`
	Capacity struct {
		// Concurrent tasks a department absorbs before contention.
		Default       int            `yaml:"default"`
		PerDepartment map[string]int `yaml:"per_department"`
	} `yaml:"capacity"`
	Resolution struct {
		HorizonDays   int     `yaml:"horizon_days"`
		MinConfidence float64 `yaml:"min_confidence"`
		// Confidence multiplier when a proposed window crosses a blackout.
		BlackoutPenalty float64    `yaml:"blackout_penalty"`
		Blackouts       []Blackout `yaml:"blackouts"`
	} `yaml:"resolution"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Blackout is a department-declared no-reschedule window.
type Blackout struct {
	Department string `yaml:"department"`
	StartDate  string `yaml:"start_date"`
	EndDate    string `yaml:"end_date"`
	Reason     string `yaml:"reason"`
}

type WebhookConfig struct {
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret,omitempty"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// CapacityFor returns the contention capacity for a department.
func (c *Config) CapacityFor(dept domain.Department) int {
	if n, ok := c.Capacity.PerDepartment[string(dept)]; ok && n > 0 {
		return n
	}
	if c.Capacity.Default > 0 {
		return c.Capacity.Default
	}
	return 3
}

// ProbabilityFor returns the conflict probability band for a severity.
func (c *Config) ProbabilityFor(sev domain.Severity) float64 {
	if p, ok := c.Detection.ProbabilityBands[string(sev)]; ok {
		return p
	}
	switch sev {
	case domain.SeverityCritical:
		return 0.9
	case domain.SeverityHigh:
		return 0.65
	case domain.SeverityMedium:
		return 0.35
	}
	return 0.1
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Owner.ID == "" {
		return fmt.Errorf("config.owner.id is required")
	}
	d := &c.Detection
	if d.CriticalOverlapFraction <= 0 || d.CriticalOverlapFraction > 1 {
		return fmt.Errorf("detection.critical_overlap_fraction must be in (0,1]")
	}
	if d.HighOverlapFraction <= 0 || d.HighOverlapFraction >= d.CriticalOverlapFraction {
		return fmt.Errorf("detection.high_overlap_fraction must be in (0, critical)")
	}
	if d.MediumLoadRatio < 1.0 {
		return fmt.Errorf("detection.medium_load_ratio must be >= 1.0")
	}
	if d.HighLoadRatio <= d.MediumLoadRatio {
		return fmt.Errorf("detection.high_load_ratio must exceed medium_load_ratio")
	}
	if d.WorkHoursPerDay <= 0 || d.WorkHoursPerDay > 24 {
		return fmt.Errorf("detection.work_hours_per_day must be in (0,24]")
	}
	for sev, p := range d.ProbabilityBands {
		if domain.Severity(sev).Rank() < 0 {
			return fmt.Errorf("probability band for unknown severity %s", sev)
		}
		if p < 0 || p > 1 {
			return fmt.Errorf("probability band %s out of [0,1]", sev)
		}
	}
	// Bands must be non-decreasing in severity so the probability written
	// back stays monotonic with the worst open conflict. Missing bands fall
	// back to the built-in defaults, so the check runs on effective values.
	sevOrder := []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical}
	for i := 1; i < len(sevOrder); i++ {
		if c.ProbabilityFor(sevOrder[i-1]) > c.ProbabilityFor(sevOrder[i]) {
			return fmt.Errorf("probability band %s exceeds %s", sevOrder[i-1], sevOrder[i])
		}
	}
	for dept, n := range c.Capacity.PerDepartment {
		if !domain.Department(dept).Valid() {
			return fmt.Errorf("capacity for unknown department %s", dept)
		}
		if n <= 0 {
			return fmt.Errorf("capacity for %s must be positive", dept)
		}
	}
	r := &c.Resolution
	if r.HorizonDays <= 0 {
		return fmt.Errorf("resolution.horizon_days must be positive")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("resolution.min_confidence must be in [0,1]")
	}
	if r.BlackoutPenalty < 0 || r.BlackoutPenalty > 1 {
		return fmt.Errorf("resolution.blackout_penalty must be in [0,1]")
	}
	for i, b := range r.Blackouts {
		if b.Department != "" && !domain.Department(b.Department).Valid() {
			return fmt.Errorf("blackout %d references unknown department %s", i, b.Department)
		}
		if _, err := domain.ParseWindow(b.StartDate, b.EndDate); err != nil {
			return fmt.Errorf("blackout %d: %w", i, err)
		}
	}
	return nil
}

// Default returns the default Config struct for an owner.
func Default(ownerID string) *Config {
	var cfg Config
	cfg.Owner.ID = ownerID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, ownerID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(ownerID string) string {
	return fmt.Sprintf(defaultTemplate, ownerID)
}

// ToYAML renders the config back to YAML.
func ToYAML(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `owner:
  id: %s

detection:
  critical_overlap_fraction: 0.5
  high_overlap_fraction: 0.25
  high_load_ratio: 1.5
  medium_load_ratio: 1.0
  work_hours_per_day: 8
  probability_bands:
    critical: 0.9
    high: 0.65
    medium: 0.35

capacity:
  default: 3
  per_department:
    engineering: 4
    operations: 3

resolution:
  horizon_days: 30
  min_confidence: 0.5
  blackout_penalty: 0.5
  blackouts: []
`
