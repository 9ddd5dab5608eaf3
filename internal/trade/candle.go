package trade

import "time"

// Candle is one sampled interval of historical prices.
type Candle struct {
	Time  time.Time `json:"time"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// Ticks expands a candle into the price path used for re-simulation:
// open, low, high, close for a rising interval and open, high, low, close
// otherwise.
func (c Candle) Ticks() [4]float64 {
	if c.Close > c.Open {
		return [4]float64{c.Open, c.Low, c.High, c.Close}
	}
	return [4]float64{c.Open, c.High, c.Low, c.Close}
}
