package replay

import (
	"fmt"

	"trade-guard/internal/trade"

	"github.com/shopspring/decimal"
)

// Scenario modifies a replay request for a what-if run.
type Scenario struct {
	// Targets replaces the request's targets outright.
	Targets []float64 `json:"targets,omitempty"`
	// RiskMultiples derives targets as entry + m × (entry − stop).
	RiskMultiples []float64 `json:"risk_multiples,omitempty"`
	// LotMultiplier scales the quantity and every per-target lot count.
	LotMultiplier int `json:"lot_multiplier,omitempty"`
}

// Apply returns the request the scenario describes. It is a pure function.
func (s Scenario) Apply(req Request) (Request, error) {
	out := req
	out.Persist = false
	out.Scenario = nil
	out.Targets = append([]float64(nil), req.Targets...)

	switch {
	case len(s.Targets) > 0 && len(s.RiskMultiples) > 0:
		return Request{}, fmt.Errorf("targets and risk multiples cannot both be set")
	case len(s.Targets) > 0:
		out.Targets = append([]float64(nil), s.Targets...)
	case len(s.RiskMultiples) > 0:
		entry := decimal.NewFromFloat(req.EntryPrice)
		risk := entry.Sub(decimal.NewFromFloat(req.StopLoss))
		if !risk.IsPositive() {
			return Request{}, fmt.Errorf("risk multiples need a stop below entry")
		}
		out.Targets = make([]float64, 0, len(s.RiskMultiples))
		for _, m := range s.RiskMultiples {
			if m <= 0 {
				return Request{}, fmt.Errorf("risk multiple %.2f must be positive", m)
			}
			tg, _ := entry.Add(decimal.NewFromFloat(m).Mul(risk)).Round(2).Float64()
			out.Targets = append(out.Targets, tg)
		}
	}
	if len(out.Targets) > trade.MaxTargets {
		return Request{}, fmt.Errorf("at most %d targets are supported", trade.MaxTargets)
	}

	switch {
	case s.LotMultiplier < 0:
		return Request{}, fmt.Errorf("lot multiplier cannot be negative")
	case s.LotMultiplier > 1:
		out.Quantity = req.Quantity * s.LotMultiplier
		for i := range out.TargetControls {
			if out.TargetControls[i].Lots > 0 {
				out.TargetControls[i].Lots *= s.LotMultiplier
			}
		}
	}
	return out, nil
}
