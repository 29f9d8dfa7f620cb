package game

import (
	"fmt"
	"sort"
	"time"
)

// Rules are the configuration inputs of a game: price track, quotas, factory
// tables, timers and action costs. They are loaded from YAML and merged over
// DefaultRules.
type Rules struct {
	StartingCash       int64 `yaml:"starting_cash"`
	MarketOrderActions int   `yaml:"market_order_actions"`
	LimitOrderActions  int   `yaml:"limit_order_actions"`
	ShortOrderActions  int   `yaml:"short_order_actions"`

	// PriceTrack lists the legal stock prices in ascending order.
	PriceTrack       []int64 `yaml:"price_track"`
	UnitsPerStep     int64   `yaml:"units_per_step"`
	MaxStepsPerRound int     `yaml:"max_steps_per_round"`
	ProfitPerStep    int64   `yaml:"profit_per_step"`
	MaxProfitSteps   int     `yaml:"max_profit_steps"`

	Tiers     map[int]TierRule      `yaml:"tiers"`
	Factories map[int]FactoryRule   `yaml:"factories"`
	Actions   map[string]ActionRule `yaml:"actions"`

	DemandPerBonus        int64 `yaml:"demand_per_bonus"`
	MarketingMarkers      int   `yaml:"marketing_markers"`
	MaxContributionRounds int   `yaml:"max_contribution_rounds"`
	LimitOrderTurns       int   `yaml:"limit_order_turns"`

	PhaseDurations map[PhaseName]time.Duration `yaml:"phase_durations"`
	DefaultPhase   time.Duration               `yaml:"default_phase"`
	RetryBackoff   time.Duration               `yaml:"retry_backoff"`
}

type TierRule struct {
	ActionsPerRound int `yaml:"actions_per_round"`
}

type FactoryRule struct {
	Workers      int64 `yaml:"workers"`
	WorkerWage   int64 `yaml:"worker_wage"`
	ResourceCost int64 `yaml:"resource_cost"`
	Customers    int64 `yaml:"customers"`
}

type ActionRule struct {
	Cost int64 `yaml:"cost"`
}

func DefaultRules() Rules {
	return Rules{
		StartingCash:       300,
		MarketOrderActions: 3,
		LimitOrderActions:  2,
		ShortOrderActions:  1,
		PriceTrack: []int64{
			1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 18, 20, 22, 24, 26, 28, 30,
			33, 36, 39, 42, 45, 48, 52, 56, 60, 65, 70, 75, 80, 86, 92, 98, 105, 112, 120,
			128, 137, 146, 156, 166, 177, 188, 200, 213, 226, 240, 255, 270, 286, 303, 320,
		},
		UnitsPerStep:     1,
		MaxStepsPerRound: 3,
		ProfitPerStep:    50,
		MaxProfitSteps:   2,
		Tiers: map[int]TierRule{
			1: {ActionsPerRound: 1},
			2: {ActionsPerRound: 2},
			3: {ActionsPerRound: 3},
		},
		Factories: map[int]FactoryRule{
			1: {Workers: 2, WorkerWage: 5, ResourceCost: 10, Customers: 4},
			2: {Workers: 4, WorkerWage: 5, ResourceCost: 18, Customers: 8},
			3: {Workers: 6, WorkerWage: 5, ResourceCost: 25, Customers: 12},
			4: {Workers: 8, WorkerWage: 5, ResourceCost: 32, Customers: 16},
		},
		Actions: map[string]ActionRule{
			string(ActionMarketing):     {Cost: 20},
			string(ActionResearch):      {Cost: 30},
			string(ActionExpansion):     {Cost: 60},
			string(ActionDownsize):      {Cost: 0},
			string(ActionLobby):         {Cost: 40},
			string(ActionSpendPriority): {Cost: 15},
			string(ActionVeto):          {Cost: 0},
		},
		DemandPerBonus:        2,
		MarketingMarkers:      2,
		MaxContributionRounds: 2,
		LimitOrderTurns:       2,
		PhaseDurations: map[PhaseName]time.Duration{
			PhaseStockMeet:    30 * time.Second,
			PhaseStock1:       90 * time.Second,
			PhaseStock2:       90 * time.Second,
			PhaseStock3:       90 * time.Second,
			PhaseORMeet1:      30 * time.Second,
			PhaseOR1:          2 * time.Minute,
			PhaseORInsolvency: 90 * time.Second,
		},
		DefaultPhase: time.Second,
		RetryBackoff: 5 * time.Second,
	}
}

// Validate checks that every table the engines consult is present.
func (r Rules) Validate() error {
	if len(r.PriceTrack) == 0 {
		return fmt.Errorf("%w: price_track is empty", ErrConfig)
	}
	if !sort.SliceIsSorted(r.PriceTrack, func(i, j int) bool { return r.PriceTrack[i] < r.PriceTrack[j] }) {
		return fmt.Errorf("%w: price_track must be ascending", ErrConfig)
	}
	if r.PriceTrack[0] <= 0 {
		return fmt.Errorf("%w: price_track entries must be > 0", ErrConfig)
	}
	if r.UnitsPerStep <= 0 || r.ProfitPerStep <= 0 || r.DemandPerBonus <= 0 {
		return fmt.Errorf("%w: units_per_step, profit_per_step and demand_per_bonus must be > 0", ErrConfig)
	}
	if len(r.Tiers) == 0 {
		return fmt.Errorf("%w: no tiers configured", ErrConfig)
	}
	if len(r.Factories) == 0 {
		return fmt.Errorf("%w: no factory sizes configured", ErrConfig)
	}
	if r.MaxContributionRounds <= 0 {
		return fmt.Errorf("%w: max_contribution_rounds must be > 0", ErrConfig)
	}
	return nil
}

func (r Rules) Tier(tier int) (TierRule, error) {
	t, ok := r.Tiers[tier]
	if !ok {
		return TierRule{}, fmt.Errorf("%w: no rule for tier %d", ErrConfig, tier)
	}
	return t, nil
}

func (r Rules) Factory(size int) (FactoryRule, error) {
	f, ok := r.Factories[size]
	if !ok {
		return FactoryRule{}, fmt.Errorf("%w: no factory table entry for size %d", ErrConfig, size)
	}
	return f, nil
}

func (r Rules) ActionCost(a OperatingAction) int64 {
	return r.Actions[string(a)].Cost
}

func (r Rules) PhaseDuration(name PhaseName) time.Duration {
	if d, ok := r.PhaseDurations[name]; ok && d > 0 {
		return d
	}
	return r.DefaultPhase
}

func (f FactoryRule) OperatingCost() int64 {
	return f.Workers*f.WorkerWage + f.ResourceCost
}

func (r Rules) largestFactory() int {
	max := 0
	for size := range r.Factories {
		if size > max {
			max = size
		}
	}
	return max
}
