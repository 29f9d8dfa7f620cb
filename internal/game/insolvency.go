package game

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ContributionInput struct {
	GameID    string
	PlayerID  string
	CompanyID string
	PhaseID   string
	Cash      int64
	Shares    int64
}

type InsolvencyResolver struct {
	rules Rules
	now   func() time.Time
}

func NewInsolvencyResolver(rules Rules, now func() time.Time) *InsolvencyResolver {
	if now == nil {
		now = time.Now
	}
	return &InsolvencyResolver{rules: rules, now: now}
}

// Contribute checks the player's live cash and shares, then applies the
// contribution to the company's deficit. Shares go to the open market and
// count at the current stock price.
func (r *InsolvencyResolver) Contribute(ctx context.Context, tx Tx, in ContributionInput) (InsolvencyContribution, error) {
	if in.Cash < 0 || in.Shares < 0 || (in.Cash == 0 && in.Shares == 0) {
		return InsolvencyContribution{}, fmt.Errorf("%w: cash and shares must be >= 0 and not both zero", ErrInvalidContribution)
	}
	g, err := tx.Game(ctx)
	if err != nil {
		return InsolvencyContribution{}, err
	}
	phase, err := tx.Phase(ctx, in.PhaseID)
	if err != nil {
		return InsolvencyContribution{}, err
	}
	if !Accepts(phase.Name, phase.RoundType, ActionKindContribution) {
		return InsolvencyContribution{}, fmt.Errorf("%w: contributions are not accepted in %s", ErrWrongPhase, phase.Name)
	}
	player, err := tx.Player(ctx, in.PlayerID)
	if err != nil {
		return InsolvencyContribution{}, err
	}
	company, err := tx.Company(ctx, in.CompanyID)
	if err != nil {
		return InsolvencyContribution{}, err
	}
	if company.Status != CompanyInDeficit || company.Deficit <= 0 {
		return InsolvencyContribution{}, ErrNotInDeficit
	}
	if player.CashOnHand < in.Cash {
		return InsolvencyContribution{}, fmt.Errorf("%w: cash %d, contributing %d", ErrInsufficientFunds, player.CashOnHand, in.Cash)
	}
	held, err := tx.ShareCount(ctx, company.ID, PlayerOwner(player.ID))
	if err != nil {
		return InsolvencyContribution{}, err
	}
	if held < in.Shares {
		return InsolvencyContribution{}, fmt.Errorf("%w: holding %d, contributing %d", ErrInsufficientShares, held, in.Shares)
	}
	shareValue, err := notional(company.StockPrice, in.Shares)
	if err != nil {
		return InsolvencyContribution{}, fmt.Errorf("%w: %v", ErrInvalidContribution, err)
	}

	if in.Shares > 0 {
		if err := tx.MoveShares(ctx, company.ID, PlayerOwner(player.ID), PoolOwner(LocationOpenMarket), in.Shares); err != nil {
			return InsolvencyContribution{}, err
		}
		g.BankPool -= shareValue
		if err := tx.UpdateGame(ctx, g); err != nil {
			return InsolvencyContribution{}, err
		}
	}
	player.CashOnHand -= in.Cash
	if err := tx.UpdatePlayer(ctx, player); err != nil {
		return InsolvencyContribution{}, err
	}

	value := in.Cash + shareValue
	covered := min(value, company.Deficit)
	company.Deficit -= covered
	company.CashOnHand += value - covered
	if err := tx.UpdateCompany(ctx, company); err != nil {
		return InsolvencyContribution{}, err
	}

	c := InsolvencyContribution{
		ID:        uuid.NewString(),
		GameID:    g.ID,
		PhaseID:   phase.ID,
		PlayerID:  player.ID,
		CompanyID: company.ID,
		Cash:      in.Cash,
		Shares:    in.Shares,
		Value:     value,
		CreatedAt: r.now().UTC(),
	}
	if err := tx.CreateContribution(ctx, c); err != nil {
		return InsolvencyContribution{}, err
	}
	return c, nil
}

// Resolve closes the contribution window. Covered companies return to
// ACTIVE; the rest use up a round and become INSOLVENT at the limit.
func (r *InsolvencyResolver) Resolve(ctx context.Context, tx Tx) (recovered, insolvent []Company, err error) {
	companies, err := tx.ListCompanies(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, c := range companies {
		if c.Status != CompanyInDeficit {
			continue
		}
		if c.Deficit <= 0 {
			c.Status = CompanyActive
			c.Deficit = 0
			c.InsolvencyRounds = 0
			recovered = append(recovered, c)
		} else {
			c.InsolvencyRounds++
			if c.InsolvencyRounds >= r.rules.MaxContributionRounds {
				c.Status = CompanyInsolvent
				insolvent = append(insolvent, c)
			}
		}
		if err := tx.UpdateCompany(ctx, c); err != nil {
			return nil, nil, err
		}
	}
	return recovered, insolvent, nil
}

// DeficitCount is the number of companies waiting for contributions.
func DeficitCount(ctx context.Context, tx Tx) (int, error) {
	companies, err := tx.ListCompanies(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range companies {
		if c.Status == CompanyInDeficit && c.Deficit > 0 {
			n++
		}
	}
	return n, nil
}
