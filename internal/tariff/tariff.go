package tariff

import (
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/smukkama/usms-stats/internal/usms"
)

// ErrInvalidUtilityType is returned when a utility type matches neither
// electricity nor water.
var ErrInvalidUtilityType = errors.New("meter type not valid")

// Tier prices consumption up to UpTo (inclusive) at Rate. A nil UpTo is unbounded.
type Tier struct {
	UpTo *decimal.Decimal
	Rate decimal.Decimal
}

// Table is the tiered tariff of one utility.
type Table struct {
	Unit  string
	Tiers []Tier
}

func bound(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// DefaultTables are the residential tariffs of Brunei.
func DefaultTables() map[usms.MeterType]Table {
	return map[usms.MeterType]Table{
		usms.MeterTypeElectricity: {
			Unit: "kWh",
			Tiers: []Tier{
				{UpTo: bound("600"), Rate: decimal.RequireFromString("0.01")},
				{UpTo: bound("2000"), Rate: decimal.RequireFromString("0.08")},
				{UpTo: bound("4000"), Rate: decimal.RequireFromString("0.10")},
				{Rate: decimal.RequireFromString("0.12")},
			},
		},
		usms.MeterTypeWater: {
			Unit: "m³",
			Tiers: []Tier{
				{UpTo: bound("54.54"), Rate: decimal.RequireFromString("0.11")},
				{Rate: decimal.RequireFromString("0.44")},
			},
		},
	}
}

// Calculator prices consumption. It is immutable and safe for concurrent use.
type Calculator struct {
	tables map[usms.MeterType]Table
	// legacy prices every utility with the electricity table.
	legacy bool
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithTables replaces the tariff tables of the given utilities.
func WithTables(tables map[usms.MeterType]Table) Option {
	return func(c *Calculator) {
		for t, table := range tables {
			c.tables[t] = table
		}
	}
}

// WithLegacyElectricityOnly prices water consumption with the electricity
// table, as the original integration did.
func WithLegacyElectricityOnly(enabled bool) Option {
	return func(c *Calculator) {
		c.legacy = enabled
	}
}

// NewCalculator creates a calculator with the default tables.
func NewCalculator(opts ...Option) *Calculator {
	c := &Calculator{tables: DefaultTables()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cost returns the price of consumption for a free-form utility type, rounded
// to cents. Negative consumption is priced at the first tier rate.
func (c *Calculator) Cost(consumption float64, utilityType string) (decimal.Decimal, error) {
	meterType, ok := usms.ParseMeterType(utilityType)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidUtilityType, utilityType)
	}
	if c.legacy {
		meterType = usms.MeterTypeElectricity
	}

	table, ok := c.tables[meterType]
	if !ok {
		return decimal.Zero, fmt.Errorf("no tariff configured for %s", meterType)
	}
	return table.Price(decimal.NewFromFloat(consumption)).Round(2), nil
}

// Price applies the tiers to an amount.
func (t Table) Price(amount decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	lower := decimal.Zero
	for i, tier := range t.Tiers {
		if i > 0 && amount.LessThanOrEqual(lower) {
			break
		}
		upper := amount
		if tier.UpTo != nil && tier.UpTo.LessThan(amount) {
			upper = *tier.UpTo
		}
		total = total.Add(upper.Sub(lower).Mul(tier.Rate))
		if tier.UpTo == nil {
			break
		}
		lower = *tier.UpTo
	}
	return total
}

type fileTier struct {
	UpTo string `yaml:"up_to"`
	Rate string `yaml:"rate"`
}

type fileTable struct {
	Unit  string     `yaml:"unit"`
	Tiers []fileTier `yaml:"tiers"`
}

type fileConfig struct {
	Tariffs map[string]fileTable `yaml:"tariffs"`
}

// LoadFile reads tariff tables from a YAML file. Keys are matched like
// utility types, so "electricity" and "Water" both work.
func LoadFile(path string) (map[usms.MeterType]Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tariff file: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tariff file: %w", err)
	}

	tables := make(map[usms.MeterType]Table, len(cfg.Tariffs))
	for key, ft := range cfg.Tariffs {
		meterType, ok := usms.ParseMeterType(key)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidUtilityType, key)
		}
		table, err := ft.table(meterType)
		if err != nil {
			return nil, fmt.Errorf("tariff %s: %w", key, err)
		}
		tables[meterType] = table
	}
	return tables, nil
}

func (ft fileTable) table(meterType usms.MeterType) (Table, error) {
	if len(ft.Tiers) == 0 {
		return Table{}, errors.New("no tiers")
	}
	table := Table{Unit: ft.Unit}
	if table.Unit == "" {
		table.Unit = meterType.Unit()
	}

	var prev *decimal.Decimal
	for i, tier := range ft.Tiers {
		rate, err := decimal.NewFromString(tier.Rate)
		if err != nil {
			return Table{}, fmt.Errorf("tier %d rate: %w", i, err)
		}
		t := Tier{Rate: rate}
		if tier.UpTo != "" {
			upTo, err := decimal.NewFromString(tier.UpTo)
			if err != nil {
				return Table{}, fmt.Errorf("tier %d up_to: %w", i, err)
			}
			if prev != nil && !upTo.GreaterThan(*prev) {
				return Table{}, fmt.Errorf("tier %d up_to must increase", i)
			}
			t.UpTo = &upTo
			prev = &upTo
		} else if i != len(ft.Tiers)-1 {
			return Table{}, fmt.Errorf("tier %d is unbounded but not last", i)
		}
		table.Tiers = append(table.Tiers, t)
	}
	return table, nil
}
