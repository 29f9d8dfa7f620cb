package game

import "sort"

// PricePolicy turns round pressure into a new stock price. Implementations
// must be pure: the same inputs always give the same price.
type PricePolicy interface {
	// Move applies the signed net order volume of one stock sub-round.
	Move(price, netVolume int64) int64
	// Drift applies a production profit (or loss) to the price.
	Drift(price, profit int64) int64
}

// StepTrack moves prices along a fixed ascending track. Every UnitsPerStep
// of net volume is one step, capped at MaxSteps per round in either
// direction. Profit moves the price one step per ProfitPerStep, capped at
// MaxProfitSteps.
type StepTrack struct {
	Track          []int64
	UnitsPerStep   int64
	MaxSteps       int
	ProfitPerStep  int64
	MaxProfitSteps int
}

func NewStepTrack(r Rules) StepTrack {
	return StepTrack{
		Track:          r.PriceTrack,
		UnitsPerStep:   r.UnitsPerStep,
		MaxSteps:       r.MaxStepsPerRound,
		ProfitPerStep:  r.ProfitPerStep,
		MaxProfitSteps: r.MaxProfitSteps,
	}
}

func (p StepTrack) Move(price, netVolume int64) int64 {
	return p.step(price, steps(netVolume, p.UnitsPerStep, p.MaxSteps))
}

func (p StepTrack) Drift(price, profit int64) int64 {
	return p.step(price, steps(profit, p.ProfitPerStep, p.MaxProfitSteps))
}

func steps(amount, per int64, max int) int {
	if per <= 0 {
		return 0
	}
	n := amount / per
	return int(clampInt64(n, -int64(max), int64(max)))
}

func (p StepTrack) step(price int64, n int) int64 {
	if n == 0 || len(p.Track) == 0 {
		return price
	}
	idx := p.index(price) + n
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Track) {
		idx = len(p.Track) - 1
	}
	return p.Track[idx]
}

// index is the highest track position whose price does not exceed price.
func (p StepTrack) index(price int64) int {
	i := sort.Search(len(p.Track), func(i int) bool { return p.Track[i] > price })
	if i == 0 {
		return 0
	}
	return i - 1
}
