/*
Package factory builds pay rules from YAML (or JSON/TOML) configuration.

PURPOSE:
  Converts a rules file into payroll.Rules: the grade scale table, the
  relief percentage table and the component to account map. Rules are
  loaded once at startup and are immutable afterwards. Any inconsistency
  fails the load.

FILE SCHEMA (YAML):
  scales:
    - grade: 7
      min_basic: "28000"
      max_basic: "52000"
      annual_increment: "1200"
      housing: {LARGE: "3000", OTHER: "2000"}
      conveyance: "1500"
      medical: "1500"
  relief:
    base_year: 2022
    base_rate: "0.15"
    band_threshold: 17
    years:
      - {year: 2023, low: "0.35", high: "0.30"}
      - {year: 2025, flat: "0.10"}
  accounts:
    basic: A01151
    relief_2023: A0124413

DEFAULTS:
  A missing section falls back to the compiled-in BPS-2024 section.
  Accounts are merged over the default map key by key.
  An empty path returns payroll.DefaultRules().

SEE ALSO:
  - payroll/types.go: Rules
  - testdata/rules.yaml: A complete example
*/
package factory

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/cfms/salary-budget/payroll"
)

// =============================================================================
// CONFIG SCHEMA TYPES
// =============================================================================

// RulesConfig is the file representation of payroll.Rules. Amounts are
// strings so they decode without float rounding.
type RulesConfig struct {
	Scales   []ScaleConfig     `mapstructure:"scales"`
	Relief   *ReliefConfig     `mapstructure:"relief"`
	Accounts map[string]string `mapstructure:"accounts"`
}

// ScaleConfig is one grade row.
type ScaleConfig struct {
	Grade           int               `mapstructure:"grade"`
	MinBasic        string            `mapstructure:"min_basic"`
	MaxBasic        string            `mapstructure:"max_basic"`
	AnnualIncrement string            `mapstructure:"annual_increment"`
	Housing         map[string]string `mapstructure:"housing"`
	Conveyance      string            `mapstructure:"conveyance"`
	Medical         string            `mapstructure:"medical"`
}

// ReliefConfig is the relief percentage table.
type ReliefConfig struct {
	BaseYear      int                `mapstructure:"base_year"`
	BaseRate      string             `mapstructure:"base_rate"`
	BandThreshold int                `mapstructure:"band_threshold"`
	Years         []ReliefYearConfig `mapstructure:"years"`
}

// ReliefYearConfig is one later year. Set flat, or both low and high.
type ReliefYearConfig struct {
	Year int    `mapstructure:"year"`
	Low  string `mapstructure:"low"`
	High string `mapstructure:"high"`
	Flat string `mapstructure:"flat"`
}

// =============================================================================
// RULES FACTORY
// =============================================================================

// RulesFactory converts rules configuration to payroll.Rules.
type RulesFactory struct{}

func NewRulesFactory() *RulesFactory {
	return &RulesFactory{}
}

// LoadRules reads the rules file at path. The format follows the extension.
func (f *RulesFactory) LoadRules(path string) (payroll.Rules, error) {
	if strings.TrimSpace(path) == "" {
		return payroll.DefaultRules(), nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return payroll.Rules{}, fmt.Errorf("failed to read rules file %s: %w", filepath.Base(path), err)
	}
	return f.fromViper(v)
}

// ParseRules parses rules from raw bytes. format is "yaml", "json" or "toml".
func (f *RulesFactory) ParseRules(data []byte, format string) (payroll.Rules, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return payroll.Rules{}, fmt.Errorf("failed to parse rules: %w", err)
	}
	return f.fromViper(v)
}

func (f *RulesFactory) fromViper(v *viper.Viper) (payroll.Rules, error) {
	var cfg RulesConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return payroll.Rules{}, fmt.Errorf("failed to decode rules: %w", err)
	}
	return f.FromConfig(cfg)
}

// FromConfig converts a RulesConfig and validates the result.
func (f *RulesFactory) FromConfig(cfg RulesConfig) (payroll.Rules, error) {
	defaults := payroll.DefaultRules()
	rules := defaults

	if len(cfg.Scales) > 0 {
		rows := make([]payroll.GradeScale, 0, len(cfg.Scales))
		for _, sc := range cfg.Scales {
			row, err := parseScale(sc)
			if err != nil {
				return payroll.Rules{}, err
			}
			rows = append(rows, row)
		}
		table, err := payroll.NewScaleTable(rows)
		if err != nil {
			return payroll.Rules{}, err
		}
		rules.Scales = table
	}

	if cfg.Relief != nil {
		relief, err := parseRelief(*cfg.Relief)
		if err != nil {
			return payroll.Rules{}, err
		}
		rules.Relief = relief
	}

	if len(cfg.Accounts) > 0 {
		merged := make(payroll.AccountMap, len(defaults.Accounts)+len(cfg.Accounts))
		for k, code := range defaults.Accounts {
			merged[k] = code
		}
		for k, code := range cfg.Accounts {
			merged[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(code)
		}
		rules.Accounts = merged
	}

	if err := rules.Validate(); err != nil {
		return payroll.Rules{}, err
	}
	return rules, nil
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseScale(sc ScaleConfig) (payroll.GradeScale, error) {
	field := func(name, raw string) (decimal.Decimal, error) {
		return parseAmount(fmt.Sprintf("grade %d %s", sc.Grade, name), raw)
	}

	row := payroll.GradeScale{Grade: sc.Grade, Housing: make(map[payroll.CityCategory]decimal.Decimal)}
	var err error
	if row.MinBasic, err = field("min_basic", sc.MinBasic); err != nil {
		return row, err
	}
	if row.MaxBasic, err = field("max_basic", sc.MaxBasic); err != nil {
		return row, err
	}
	if row.AnnualIncrement, err = field("annual_increment", sc.AnnualIncrement); err != nil {
		return row, err
	}
	if row.Conveyance, err = field("conveyance", sc.Conveyance); err != nil {
		return row, err
	}
	if row.Medical, err = field("medical", sc.Medical); err != nil {
		return row, err
	}
	for city, raw := range sc.Housing {
		// viper lowercases map keys
		category := payroll.CityCategory(strings.ToUpper(strings.TrimSpace(city)))
		if category != payroll.CityLarge && category != payroll.CityOther {
			return row, fmt.Errorf("%w: grade %d has unknown city category %q", payroll.ErrInvalidRules, sc.Grade, city)
		}
		amount, err := field("housing."+string(category), raw)
		if err != nil {
			return row, err
		}
		row.Housing[category] = amount
	}
	return row, nil
}

func parseRelief(rc ReliefConfig) (payroll.ReliefTable, error) {
	base, err := parseAmount("relief base_rate", rc.BaseRate)
	if err != nil {
		return payroll.ReliefTable{}, err
	}
	table := payroll.ReliefTable{
		BaseYear:      rc.BaseYear,
		BaseRate:      base,
		BandThreshold: rc.BandThreshold,
	}
	for _, y := range rc.Years {
		row := payroll.ReliefYear{Year: y.Year}
		if row.Low, err = parseRate(y.Year, "low", y.Low); err != nil {
			return payroll.ReliefTable{}, err
		}
		if row.High, err = parseRate(y.Year, "high", y.High); err != nil {
			return payroll.ReliefTable{}, err
		}
		if row.Flat, err = parseRate(y.Year, "flat", y.Flat); err != nil {
			return payroll.ReliefTable{}, err
		}
		table.Years = append(table.Years, row)
	}
	if err := table.Validate(); err != nil {
		return payroll.ReliefTable{}, err
	}
	return table, nil
}

// parseAmount requires a value; an empty string is a configuration error.
func parseAmount(what, raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is missing", payroll.ErrInvalidRules, what)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a number", payroll.ErrInvalidRules, what, raw)
	}
	return d, nil
}

// parseRate leaves an empty value unset.
func parseRate(year int, band, raw string) (decimal.NullDecimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseAmount(fmt.Sprintf("relief %d %s", year, band), raw)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}
