package game

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type OperatingAction string

const (
	ActionMarketing     OperatingAction = "MARKETING"
	ActionResearch      OperatingAction = "RESEARCH"
	ActionExpansion     OperatingAction = "EXPANSION"
	ActionDownsize      OperatingAction = "DOWNSIZE"
	ActionLobby         OperatingAction = "LOBBY"
	ActionSpendPriority OperatingAction = "SPEND_PRIORITY"
	ActionVeto          OperatingAction = "VETO"
)

func (a OperatingAction) Valid() bool {
	switch a {
	case ActionMarketing, ActionResearch, ActionExpansion, ActionDownsize, ActionLobby, ActionSpendPriority, ActionVeto:
		return true
	}
	return false
}

type VoteInput struct {
	GameID    string
	PlayerID  string
	CompanyID string
	PhaseID   string
	Action    OperatingAction
}

type VotingEngine struct {
	rules Rules
	now   func() time.Time
}

func NewVotingEngine(rules Rules, now func() time.Time) *VotingEngine {
	if now == nil {
		now = time.Now
	}
	return &VotingEngine{rules: rules, now: now}
}

// OpenOperatingRound creates the turn's OperatingRound if it does not exist.
func (e *VotingEngine) OpenOperatingRound(ctx context.Context, tx Tx) (OperatingRound, error) {
	g, err := tx.Game(ctx)
	if err != nil {
		return OperatingRound{}, err
	}
	if r, err := tx.OperatingRound(ctx, g.Turn); err == nil {
		return r, nil
	}
	r := OperatingRound{ID: uuid.NewString(), GameID: g.ID, Turn: g.Turn}
	return r, tx.CreateOperatingRound(ctx, r)
}

// CastVote records a weighted vote. The weight is the player's share count
// in the company at the moment of the call.
func (e *VotingEngine) CastVote(ctx context.Context, tx Tx, in VoteInput) (OperatingRoundVote, error) {
	if !in.Action.Valid() {
		return OperatingRoundVote{}, fmt.Errorf("%w: unknown action %q", ErrInvalidVote, in.Action)
	}
	g, err := tx.Game(ctx)
	if err != nil {
		return OperatingRoundVote{}, err
	}
	phase, err := tx.Phase(ctx, in.PhaseID)
	if err != nil {
		return OperatingRoundVote{}, err
	}
	if !Accepts(phase.Name, phase.RoundType, ActionKindVote) {
		return OperatingRoundVote{}, fmt.Errorf("%w: votes are not accepted in %s", ErrWrongPhase, phase.Name)
	}
	if _, err := tx.Player(ctx, in.PlayerID); err != nil {
		return OperatingRoundVote{}, err
	}
	company, err := tx.Company(ctx, in.CompanyID)
	if err != nil {
		return OperatingRoundVote{}, err
	}
	if company.Status == CompanyInsolvent {
		return OperatingRoundVote{}, fmt.Errorf("%w: company %s is insolvent", ErrInvalidVote, company.Name)
	}
	tier, err := e.rules.Tier(company.Tier)
	if err != nil {
		return OperatingRoundVote{}, err
	}
	round, err := tx.OperatingRound(ctx, g.Turn)
	if err != nil {
		return OperatingRoundVote{}, err
	}

	votes, err := tx.ListVotes(ctx, round.ID)
	if err != nil {
		return OperatingRoundVote{}, err
	}
	cast := 0
	for _, v := range votes {
		if v.PlayerID == in.PlayerID && v.CompanyID == in.CompanyID {
			cast++
		}
	}
	if cast >= tier.ActionsPerRound {
		return OperatingRoundVote{}, fmt.Errorf("%w: tier %d allows %d", ErrVoteQuotaExceeded, company.Tier, tier.ActionsPerRound)
	}
	for _, v := range votes {
		if v.PlayerID == in.PlayerID && v.CompanyID == in.CompanyID && v.Action == in.Action {
			return OperatingRoundVote{}, ErrDuplicateVote
		}
	}

	weight, err := tx.ShareCount(ctx, company.ID, PlayerOwner(in.PlayerID))
	if err != nil {
		return OperatingRoundVote{}, err
	}
	if weight <= 0 {
		return OperatingRoundVote{}, ErrNoVotingWeight
	}

	seq, err := tx.NextSeq(ctx)
	if err != nil {
		return OperatingRoundVote{}, err
	}
	vote := OperatingRoundVote{
		ID:               uuid.NewString(),
		OperatingRoundID: round.ID,
		PhaseID:          phase.ID,
		PlayerID:         in.PlayerID,
		CompanyID:        company.ID,
		Action:           in.Action,
		Weight:           weight,
		Seq:              seq,
		CreatedAt:        e.now().UTC(),
	}
	if err := tx.CreateVote(ctx, vote); err != nil {
		return OperatingRoundVote{}, err
	}
	return vote, nil
}

type actionTally struct {
	action OperatingAction
	weight int64
	first  int64
}

// Tally ranks each company's actions by total weight and keeps as many as
// the company's tier allows. Equal weights go to the action whose first
// vote was cast earliest.
func Tally(votes []OperatingRoundVote, companies []Company, rules Rules) ([]CompanyAction, error) {
	byCompany := make(map[string]map[OperatingAction]*actionTally)
	for _, v := range votes {
		m, ok := byCompany[v.CompanyID]
		if !ok {
			m = make(map[OperatingAction]*actionTally)
			byCompany[v.CompanyID] = m
		}
		t, ok := m[v.Action]
		if !ok {
			t = &actionTally{action: v.Action, first: v.Seq}
			m[v.Action] = t
		}
		t.weight += v.Weight
		if v.Seq < t.first {
			t.first = v.Seq
		}
	}

	sorted := append([]Company(nil), companies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var out []CompanyAction
	for _, c := range sorted {
		m := byCompany[c.ID]
		if len(m) == 0 || c.Status == CompanyInsolvent {
			continue
		}
		tier, err := rules.Tier(c.Tier)
		if err != nil {
			return nil, err
		}
		ranked := make([]*actionTally, 0, len(m))
		for _, t := range m {
			ranked = append(ranked, t)
		}
		sort.Slice(ranked, func(i, j int) bool {
			if ranked[i].weight != ranked[j].weight {
				return ranked[i].weight > ranked[j].weight
			}
			return ranked[i].first < ranked[j].first
		})
		if len(ranked) > tier.ActionsPerRound {
			ranked = ranked[:tier.ActionsPerRound]
		}
		for i, t := range ranked {
			out = append(out, CompanyAction{
				CompanyID: c.ID,
				Action:    t.action,
				Weight:    t.weight,
				Rank:      i + 1,
				Status:    ActionPending,
			})
		}
	}
	return out, nil
}

// ResolveVotes tallies the round's votes as one batch and persists the
// winning CompanyActions as PENDING.
func (e *VotingEngine) ResolveVotes(ctx context.Context, tx Tx) ([]CompanyAction, error) {
	g, err := tx.Game(ctx)
	if err != nil {
		return nil, err
	}
	round, err := tx.OperatingRound(ctx, g.Turn)
	if err != nil {
		return nil, err
	}
	existing, err := tx.ListCompanyActions(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}
	votes, err := tx.ListVotes(ctx, round.ID)
	if err != nil {
		return nil, err
	}
	companies, err := tx.ListCompanies(ctx)
	if err != nil {
		return nil, err
	}
	actions, err := Tally(votes, companies, e.rules)
	if err != nil {
		return nil, err
	}
	for i := range actions {
		actions[i].ID = uuid.NewString()
		actions[i].OperatingRoundID = round.ID
	}
	if len(actions) > 0 {
		if err := tx.CreateCompanyActions(ctx, actions); err != nil {
			return nil, err
		}
	}
	return actions, nil
}
