package trade

import "github.com/shopspring/decimal"

// Money computes (price delta × quantity) rounded to paise.
func Money(delta float64, quantity int) float64 {
	v, _ := decimal.NewFromFloat(delta).Mul(decimal.NewFromInt(int64(quantity))).Round(2).Float64()
	return v
}

// AddMoney sums two amounts without accumulating float drift.
func AddMoney(a, b float64) float64 {
	v, _ := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Round(2).Float64()
	return v
}

// StepTrail advances level toward high in whole multiples of step. The level
// moves only when high − (level + step) ≥ step and never past ceiling
// (ceiling ≤ 0 disables the cap). The result is never below level.
func StepTrail(level, high, step, ceiling float64) float64 {
	if step <= 0 {
		return level
	}
	s := decimal.NewFromFloat(step)
	cur := decimal.NewFromFloat(level)
	diff := decimal.NewFromFloat(high).Sub(cur.Add(s))
	if diff.LessThan(s) {
		return level
	}
	next := cur.Add(diff.Div(s).Floor().Mul(s))
	if ceiling > 0 {
		next = decimal.Min(next, decimal.NewFromFloat(ceiling))
	}
	if !next.GreaterThan(cur) {
		return level
	}
	out, _ := next.Float64()
	return out
}

// StepFloor returns the portfolio floor for a high-water total: base plus
// whole steps of how far high has risen above activation. It never returns
// less than current.
func StepFloor(current, base, activation, high, step float64) float64 {
	if step <= 0 || high < activation {
		return current
	}
	s := decimal.NewFromFloat(step)
	steps := decimal.NewFromFloat(high).Sub(decimal.NewFromFloat(activation)).Div(s).Floor()
	next, _ := decimal.NewFromFloat(base).Add(steps.Mul(s)).Float64()
	if next > current {
		return next
	}
	return current
}
