package trainer

import "math"

// Schedule is step decay: the base rate is multiplied by Rate once every
// Steps epochs.
type Schedule struct {
	Base  float64
	Steps int
	Rate  float64
}

// At returns the learning rate for a zero-based epoch.
func (s Schedule) At(epoch int) float64 {
	if s.Steps <= 0 || epoch <= 0 {
		return s.Base
	}
	return s.Base * math.Pow(s.Rate, float64(epoch/s.Steps))
}
