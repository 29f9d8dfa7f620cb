package game

import (
	"context"
	"slices"
)

// ApplyActions executes PENDING company actions in rank order. An action
// the company cannot pay for, or that has nothing to act on, is SKIPPED.
func ApplyActions(ctx context.Context, tx Tx, rules Rules, actions []CompanyAction) ([]CompanyAction, error) {
	out := make([]CompanyAction, 0, len(actions))
	for _, a := range actions {
		if a.Status != ActionPending {
			out = append(out, a)
			continue
		}
		company, err := tx.Company(ctx, a.CompanyID)
		if err != nil {
			return nil, err
		}
		sector, err := tx.Sector(ctx, company.SectorID)
		if err != nil {
			return nil, err
		}

		cost := rules.ActionCost(a.Action)
		a.Status = ActionSkipped
		if company.Status != CompanyInsolvent && company.CashOnHand >= cost {
			applied, err := applyAction(rules, a.Action, &company, &sector)
			if err != nil {
				return nil, err
			}
			if applied {
				company.CashOnHand -= cost
				a.Status = ActionResolved
				if err := tx.UpdateCompany(ctx, company); err != nil {
					return nil, err
				}
				if err := tx.UpdateSector(ctx, sector); err != nil {
					return nil, err
				}
			}
		}
		if err := tx.UpdateCompanyAction(ctx, a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func applyAction(rules Rules, action OperatingAction, c *Company, s *Sector) (bool, error) {
	switch action {
	case ActionMarketing:
		for range rules.MarketingMarkers {
			s.Bag = append(s.Bag, ConsumptionMarker{ResourceType: c.ResourceType})
		}
		c.DemandScore++
	case ActionResearch:
		c.DemandScore += rules.DemandPerBonus
	case ActionExpansion:
		if c.FactorySize >= rules.largestFactory() {
			return false, nil
		}
		f, err := rules.Factory(c.FactorySize + 1)
		if err != nil {
			return false, err
		}
		c.FactorySize++
		c.SupplyMax = f.Customers
		s.Bag = append(s.Bag, ConsumptionMarker{ResourceType: c.ResourceType, IsPermanent: true})
	case ActionDownsize:
		if c.FactorySize <= 1 {
			return false, nil
		}
		f, err := rules.Factory(c.FactorySize - 1)
		if err != nil {
			return false, err
		}
		c.FactorySize--
		c.SupplyMax = f.Customers
		if i := slices.IndexFunc(s.Bag, func(m ConsumptionMarker) bool {
			return m.IsPermanent && m.ResourceType == c.ResourceType
		}); i >= 0 {
			s.Bag = slices.Delete(s.Bag, i, i+1)
		}
	case ActionLobby:
		s.BaseDemand++
		s.Consumers++
	case ActionSpendPriority:
		c.SupplyCurrent++
	case ActionVeto:
	default:
		return false, nil
	}
	return true, nil
}
