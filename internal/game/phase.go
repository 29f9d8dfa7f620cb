package game

type RoundType string

const (
	RoundStock     RoundType = "STOCK"
	RoundOperating RoundType = "OPERATING"
)

type PhaseName string

const (
	PhaseStockMeet              PhaseName = "STOCK_MEET"
	PhaseStock1                 PhaseName = "STOCK_1"
	PhaseStock2                 PhaseName = "STOCK_2"
	PhaseStock3                 PhaseName = "STOCK_3"
	PhaseStockResolveLimitOrder PhaseName = "STOCK_RESOLVE_LIMIT_ORDERS"
	PhaseORMeet1                PhaseName = "OR_MEET_1"
	PhaseOR1                    PhaseName = "OR_1"
	PhaseORResolveVotes         PhaseName = "OR_RESOLVE_VOTES"
	PhaseORProduction           PhaseName = "OR_PRODUCTION"
	PhaseORInsolvency           PhaseName = "OR_INSOLVENCY"
	PhaseORResolveInsolvency    PhaseName = "OR_RESOLVE_INSOLVENCY"
	PhaseEndTurn                PhaseName = "END_TURN"
)

// ActionKind is what a client may submit while a phase is current.
type ActionKind string

const (
	ActionKindOrder        ActionKind = "order"
	ActionKindVote         ActionKind = "vote"
	ActionKindContribution ActionKind = "contribution"
	ActionKindPass         ActionKind = "pass"
)

type phaseKey struct {
	name  PhaseName
	round RoundType
}

type phaseSpec struct {
	next    phaseKey
	accepts []ActionKind
	// subRound is the stock sub-round number for STOCK_n phases.
	subRound int
}

var phaseTable = map[phaseKey]phaseSpec{
	{PhaseStockMeet, RoundStock}:               {next: phaseKey{PhaseStock1, RoundStock}, accepts: []ActionKind{ActionKindPass}},
	{PhaseStock1, RoundStock}:                  {next: phaseKey{PhaseStock2, RoundStock}, accepts: []ActionKind{ActionKindOrder, ActionKindPass}, subRound: 1},
	{PhaseStock2, RoundStock}:                  {next: phaseKey{PhaseStock3, RoundStock}, accepts: []ActionKind{ActionKindOrder, ActionKindPass}, subRound: 2},
	{PhaseStock3, RoundStock}:                  {next: phaseKey{PhaseStockResolveLimitOrder, RoundStock}, accepts: []ActionKind{ActionKindOrder, ActionKindPass}, subRound: 3},
	{PhaseStockResolveLimitOrder, RoundStock}:  {next: phaseKey{PhaseORMeet1, RoundOperating}},
	{PhaseORMeet1, RoundOperating}:             {next: phaseKey{PhaseOR1, RoundOperating}, accepts: []ActionKind{ActionKindPass}},
	{PhaseOR1, RoundOperating}:                 {next: phaseKey{PhaseORResolveVotes, RoundOperating}, accepts: []ActionKind{ActionKindVote, ActionKindPass}},
	{PhaseORResolveVotes, RoundOperating}:      {next: phaseKey{PhaseORProduction, RoundOperating}},
	{PhaseORProduction, RoundOperating}:        {next: phaseKey{PhaseORInsolvency, RoundOperating}},
	{PhaseORInsolvency, RoundOperating}:        {next: phaseKey{PhaseORResolveInsolvency, RoundOperating}, accepts: []ActionKind{ActionKindContribution, ActionKindPass}},
	{PhaseORResolveInsolvency, RoundOperating}: {next: phaseKey{PhaseEndTurn, RoundOperating}},
	{PhaseEndTurn, RoundOperating}:             {next: phaseKey{PhaseStockMeet, RoundStock}},
}

// NextPhase returns the phase that follows (name, round). Unknown and
// terminal phases map to STOCK_MEET; newTurn reports that the turn counter
// must advance.
func NextPhase(name PhaseName, round RoundType) (next PhaseName, nextRound RoundType, newTurn bool) {
	spec, ok := phaseTable[phaseKey{name, round}]
	if !ok {
		return PhaseStockMeet, RoundStock, true
	}
	return spec.next.name, spec.next.round, spec.next.name == PhaseStockMeet
}

// Accepts reports whether a phase takes submissions of the given kind.
func Accepts(name PhaseName, round RoundType, kind ActionKind) bool {
	spec, ok := phaseTable[phaseKey{name, round}]
	if !ok {
		return false
	}
	for _, k := range spec.accepts {
		if k == kind {
			return true
		}
	}
	return false
}

// IsResolutionOnly reports phases that accept nothing and advance as soon as
// their resolution commits.
func IsResolutionOnly(name PhaseName, round RoundType) bool {
	spec, ok := phaseTable[phaseKey{name, round}]
	return ok && len(spec.accepts) == 0
}

// StockSubRoundNumber returns 1..3 for STOCK_n phases, 0 otherwise.
func StockSubRoundNumber(name PhaseName) int {
	return phaseTable[phaseKey{name, RoundStock}].subRound
}
