package admission

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level admission configuration.
type Config struct {
	UnknownClass UnknownClassMode `yaml:"unknown_class"`
	PeriodMode   PeriodMode       `yaml:"period_mode"`
	WindowAnchor WindowAnchor     `yaml:"window_anchor"`
	Classes      []ClassConfig    `yaml:"classes"`
	Tiers        []TierConfig     `yaml:"tiers"`
	Accounts     []AccountConfig  `yaml:"accounts"`
}

// UnknownClassMode selects how a request class missing from the config is handled.
type UnknownClassMode string

const (
	// UnknownClassDeny denies with ReasonUnknownClass.
	UnknownClassDeny UnknownClassMode = "deny"
	// UnknownClassMostRestrictive evaluates against the tier's most restrictive class.
	UnknownClassMostRestrictive UnknownClassMode = "most_restrictive"
)

// FailureMode selects the decision made when the counter store cannot be reached.
type FailureMode string

const (
	FailClosed FailureMode = "fail_closed"
	FailOpen   FailureMode = "fail_open"
)

// ClassConfig declares a request class.
type ClassConfig struct {
	Name               RequestClass `yaml:"name"`
	OnStoreError       FailureMode  `yaml:"on_store_error"`
	CostPerInputToken  float64      `yaml:"cost_per_input_token"`
	CostPerOutputToken float64      `yaml:"cost_per_output_token"`
}

// TierConfig declares a tier's per-class limits and, for metered tiers, its cost caps.
// Omitted caps mean the tier is not metered.
type TierConfig struct {
	Name           Tier                         `yaml:"name"`
	Limits         map[RequestClass]LimitConfig `yaml:"limits"`
	DailyCostCap   *float64                     `yaml:"daily_cost_cap"`
	MonthlyCostCap *float64                     `yaml:"monthly_cost_cap"`
}

// LimitConfig is the (short, long) window pair for one tier and class.
// An omitted limit, or -1, means no limit for that window.
type LimitConfig struct {
	ShortLimit  *int64        `yaml:"short_limit"`
	ShortWindow time.Duration `yaml:"short_window"`
	LongLimit   *int64        `yaml:"long_limit"`
	LongWindow  time.Duration `yaml:"long_window"`
}

// AccountConfig assigns an account to a tier.
type AccountConfig struct {
	ID        string    `yaml:"id"`
	Tier      Tier      `yaml:"tier"`
	CreatedAt time.Time `yaml:"created_at"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("admission: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML config bytes.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("admission: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.UnknownClass {
	case "", UnknownClassDeny, UnknownClassMostRestrictive:
	default:
		return fmt.Errorf("admission: config: invalid unknown_class %q", c.UnknownClass)
	}
	switch c.PeriodMode {
	case "", PeriodCalendar, PeriodRolling:
	default:
		return fmt.Errorf("admission: config: invalid period_mode %q", c.PeriodMode)
	}
	switch c.WindowAnchor {
	case "", AnchorFirstRequest, AnchorAligned:
	default:
		return fmt.Errorf("admission: config: invalid window_anchor %q", c.WindowAnchor)
	}

	if len(c.Classes) == 0 {
		return fmt.Errorf("admission: config: at least one class is required")
	}
	classes := make(map[RequestClass]bool, len(c.Classes))
	for i, cl := range c.Classes {
		if cl.Name == "" {
			return fmt.Errorf("admission: config: classes[%d]: name is required", i)
		}
		if classes[cl.Name] {
			return fmt.Errorf("admission: config: duplicate class %q", cl.Name)
		}
		classes[cl.Name] = true

		switch cl.OnStoreError {
		case "", FailClosed, FailOpen:
		default:
			return fmt.Errorf("admission: config: classes[%d] (%s): invalid on_store_error %q", i, cl.Name, cl.OnStoreError)
		}
		if cl.CostPerInputToken < 0 || cl.CostPerOutputToken < 0 {
			return fmt.Errorf("admission: config: classes[%d] (%s): token costs must be non-negative", i, cl.Name)
		}
	}

	if len(c.Tiers) == 0 {
		return fmt.Errorf("admission: config: at least one tier is required")
	}
	tiers := make(map[Tier]bool, len(c.Tiers))
	for i, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("admission: config: tiers[%d]: name is required", i)
		}
		if tiers[t.Name] {
			return fmt.Errorf("admission: config: duplicate tier %q", t.Name)
		}
		tiers[t.Name] = true

		if err := validateCap(t.DailyCostCap); err != nil {
			return fmt.Errorf("admission: config: tier %q: daily_cost_cap: %w", t.Name, err)
		}
		if err := validateCap(t.MonthlyCostCap); err != nil {
			return fmt.Errorf("admission: config: tier %q: monthly_cost_cap: %w", t.Name, err)
		}
		metered := t.costCaps(PeriodCalendar).Metered()

		for class, lim := range t.Limits {
			if !classes[class] {
				return fmt.Errorf("admission: config: tier %q: limits for unknown class %q", t.Name, class)
			}
			if err := lim.validate(); err != nil {
				return fmt.Errorf("admission: config: tier %q class %q: %w", t.Name, class, err)
			}
			if metered && len(lim.windows(AnchorFirstRequest)) > 0 {
				return fmt.Errorf("admission: config: tier %q class %q: metered tiers cannot carry count limits", t.Name, class)
			}
		}
		if !metered {
			for _, cl := range c.Classes {
				if _, ok := t.Limits[cl.Name]; !ok {
					return fmt.Errorf("admission: config: tier %q: missing limits for class %q", t.Name, cl.Name)
				}
			}
		}
	}

	ids := make(map[string]bool, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.ID == "" {
			return fmt.Errorf("admission: config: accounts[%d]: id is required", i)
		}
		if ids[acc.ID] {
			return fmt.Errorf("admission: config: duplicate account id %q", acc.ID)
		}
		ids[acc.ID] = true
		if !tiers[acc.Tier] {
			return fmt.Errorf("admission: config: accounts[%d] (%s): unknown tier %q", i, acc.ID, acc.Tier)
		}
	}

	return nil
}

func validateCap(v *float64) error {
	if v == nil || *v == Unlimited {
		return nil
	}
	if *v < 0 {
		return fmt.Errorf("must be -1 or non-negative, got %v", *v)
	}
	return nil
}

func (l LimitConfig) validate() error {
	for _, w := range []struct {
		name   string
		limit  *int64
		window time.Duration
	}{
		{"short", l.ShortLimit, l.ShortWindow},
		{"long", l.LongLimit, l.LongWindow},
	} {
		if w.limit == nil || *w.limit == Unlimited {
			continue
		}
		if *w.limit < 0 {
			return fmt.Errorf("%s_limit must be -1 or non-negative, got %d", w.name, *w.limit)
		}
		if w.window <= 0 {
			return fmt.Errorf("%s_window must be positive when %s_limit is set", w.name, w.name)
		}
	}
	return nil
}

// windows returns the bounded windows of the pair.
func (l LimitConfig) windows(anchor WindowAnchor) []Window {
	var out []Window
	if l.ShortLimit != nil && *l.ShortLimit != Unlimited {
		out = append(out, Window{Name: "short", Limit: *l.ShortLimit, Duration: l.ShortWindow, Anchor: anchor})
	}
	if l.LongLimit != nil && *l.LongLimit != Unlimited {
		out = append(out, Window{Name: "long", Limit: *l.LongLimit, Duration: l.LongWindow, Anchor: anchor})
	}
	return out
}

func (t TierConfig) costCaps(mode PeriodMode) CostCaps {
	caps := CostCaps{Daily: Unlimited, Monthly: Unlimited, Mode: mode}
	if t.DailyCostCap != nil && *t.DailyCostCap != Unlimited {
		caps.Daily = ToMicros(*t.DailyCostCap)
	}
	if t.MonthlyCostCap != nil && *t.MonthlyCostCap != Unlimited {
		caps.Monthly = ToMicros(*t.MonthlyCostCap)
	}
	return caps
}

// LongestWindow returns the longest bounded count window across all tiers,
// or zero when no tier has count limits.
func (c Config) LongestWindow() time.Duration {
	var longest time.Duration
	for _, t := range c.Tiers {
		for _, lim := range t.Limits {
			for _, w := range lim.windows(AnchorFirstRequest) {
				if w.Duration > longest {
					longest = w.Duration
				}
			}
		}
	}
	return longest
}

// Int64Ptr returns a pointer to the given int64.
func Int64Ptr(v int64) *int64 { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
