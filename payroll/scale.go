package payroll

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// GRADE SCALE - Static reference data per grade
// =============================================================================

// GradeScale is one row of the basic pay scale.
type GradeScale struct {
	Grade           int
	MinBasic        decimal.Decimal
	MaxBasic        decimal.Decimal
	AnnualIncrement decimal.Decimal
	Housing         map[CityCategory]decimal.Decimal
	Conveyance      decimal.Decimal
	Medical         decimal.Decimal
}

// HousingFor returns the housing slab, or zero when the employee lives in
// government accommodation, draws house hiring, or the city is unknown.
func (g GradeScale) HousingFor(city CityCategory, govtAccommodation, houseHiring bool) decimal.Decimal {
	if govtAccommodation || houseHiring {
		return decimal.Zero
	}
	amount, ok := g.Housing[city]
	if !ok {
		return decimal.Zero
	}
	return amount
}

// RunningBasicAfter returns MinBasic plus n annual increments, capped at MaxBasic.
func (g GradeScale) RunningBasicAfter(increments int) decimal.Decimal {
	if increments <= 0 {
		return g.MinBasic
	}
	basic := g.MinBasic.Add(g.AnnualIncrement.Mul(decimal.NewFromInt(int64(increments))))
	if basic.GreaterThan(g.MaxBasic) {
		return g.MaxBasic
	}
	return basic
}

// Contains reports whether basic lies within [MinBasic, MaxBasic].
func (g GradeScale) Contains(basic decimal.Decimal) bool {
	return !basic.LessThan(g.MinBasic) && !basic.GreaterThan(g.MaxBasic)
}

// ScaleTable is an immutable grade -> scale lookup.
type ScaleTable struct {
	grades map[int]GradeScale
}

// NewScaleTable validates and indexes the given rows.
func NewScaleTable(rows []GradeScale) (*ScaleTable, error) {
	t := &ScaleTable{grades: make(map[int]GradeScale, len(rows))}
	for _, row := range rows {
		if row.Grade <= 0 {
			return nil, fmt.Errorf("%w: grade %d must be positive", ErrInvalidRules, row.Grade)
		}
		if _, dup := t.grades[row.Grade]; dup {
			return nil, fmt.Errorf("%w: grade %d defined twice", ErrInvalidRules, row.Grade)
		}
		if row.MinBasic.IsNegative() || row.MaxBasic.LessThan(row.MinBasic) {
			return nil, fmt.Errorf("%w: grade %d has min %s above max %s",
				ErrInvalidRules, row.Grade, row.MinBasic, row.MaxBasic)
		}
		for city, amount := range row.Housing {
			if amount.IsNegative() {
				return nil, fmt.Errorf("%w: grade %d has negative housing for %s", ErrInvalidRules, row.Grade, city)
			}
		}
		if row.Conveyance.IsNegative() || row.Medical.IsNegative() || row.AnnualIncrement.IsNegative() {
			return nil, fmt.Errorf("%w: grade %d has a negative slab", ErrInvalidRules, row.Grade)
		}
		t.grades[row.Grade] = row
	}
	return t, nil
}

// Lookup returns the scale for a grade.
func (t *ScaleTable) Lookup(grade int) (GradeScale, error) {
	if t != nil {
		if g, ok := t.grades[grade]; ok {
			return g, nil
		}
	}
	return GradeScale{}, &InvalidGradeBandError{Grade: grade}
}

// Grades returns all grades in ascending order.
func (t *ScaleTable) Grades() []int {
	out := make([]int, 0, len(t.grades))
	for g := range t.grades {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// =============================================================================
// SHIPPED BPS-2024 TABLE
// =============================================================================

type gradeRange struct {
	from, to int
	amount   int64
}

func slabFor(grade int, ranges []gradeRange) decimal.Decimal {
	for _, r := range ranges {
		if grade >= r.from && grade <= r.to {
			return decimal.NewFromInt(r.amount)
		}
	}
	return decimal.Zero
}

var (
	housingLarge = []gradeRange{{1, 5, 2000}, {6, 10, 3000}, {11, 15, 4500}, {16, 17, 6500}, {18, 19, 9000}, {20, 22, 12000}}
	housingOther = []gradeRange{{1, 5, 1500}, {6, 10, 2000}, {11, 15, 3000}, {16, 17, 4500}, {18, 19, 6000}, {20, 22, 8000}}
	conveyance   = []gradeRange{{1, 4, 1000}, {5, 10, 1500}, {11, 15, 3000}, {16, 17, 5000}, {18, 22, 7000}}
	medical      = []gradeRange{{1, 15, 1500}, {16, 17, 3000}, {18, 22, 5000}}
)

// bps2024 holds min, max and annual increment for grades 1..22.
var bps2024 = [22][3]int64{
	{22000, 38000, 800},
	{22500, 39000, 825},
	{23000, 40000, 850},
	{24000, 42000, 900},
	{25000, 45000, 1000},
	{26000, 48000, 1100},
	{28000, 52000, 1200},
	{30000, 58000, 1400},
	{32000, 63000, 1550},
	{35000, 70000, 1750},
	{40000, 82000, 2100},
	{45000, 95000, 2500},
	{50000, 108000, 2900},
	{55000, 122000, 3350},
	{60000, 138000, 3900},
	{70000, 165000, 4750},
	{80000, 195000, 5750},
	{100000, 250000, 7500},
	{120000, 310000, 9500},
	{150000, 400000, 12500},
	{180000, 490000, 15500},
	{220000, 600000, 19000},
}

// DefaultScales returns the BPS-2024 basic pay scale with its slabs.
func DefaultScales() []GradeScale {
	rows := make([]GradeScale, 0, len(bps2024))
	for i, b := range bps2024 {
		grade := i + 1
		rows = append(rows, GradeScale{
			Grade:           grade,
			MinBasic:        decimal.NewFromInt(b[0]),
			MaxBasic:        decimal.NewFromInt(b[1]),
			AnnualIncrement: decimal.NewFromInt(b[2]),
			Housing: map[CityCategory]decimal.Decimal{
				CityLarge: slabFor(grade, housingLarge),
				CityOther: slabFor(grade, housingOther),
			},
			Conveyance: slabFor(grade, conveyance),
			Medical:    slabFor(grade, medical),
		})
	}
	return rows
}
