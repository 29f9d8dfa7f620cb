package game

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
)

type ProductionEngine struct {
	rules  Rules
	policy PricePolicy
	now    func() time.Time
}

func NewProductionEngine(rules Rules, policy PricePolicy, now func() time.Time) *ProductionEngine {
	if policy == nil {
		policy = NewStepTrack(rules)
	}
	if now == nil {
		now = time.Now
	}
	return &ProductionEngine{rules: rules, policy: policy, now: now}
}

// TurnOrder sorts companies by stock price descending, then name, then id.
func TurnOrder(cs []Company) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].StockPrice != cs[j].StockPrice {
			return cs[i].StockPrice > cs[j].StockPrice
		}
		if cs[i].Name != cs[j].Name {
			return cs[i].Name < cs[j].Name
		}
		return cs[i].ID < cs[j].ID
	})
}

// Demand is the sector's demand level plus the company's own base demand and
// bonus points.
func (e *ProductionEngine) Demand(c Company, s Sector) int64 {
	d := max(0, s.BaseDemand) + c.BaseDemand
	if e.rules.DemandPerBonus > 0 {
		d += c.DemandScore / e.rules.DemandPerBonus
	}
	return d
}

// Supply is zero whenever the current supply modifier is negative.
func Supply(c Company) int64 {
	if c.SupplyCurrent < 0 {
		return 0
	}
	return min(c.SupplyMax, max(0, c.SupplyBase+c.SupplyCurrent))
}

type ProductionOutcome struct {
	Results   []ProductionResult `json:"results"`
	Prices    []PriceChange      `json:"prices"`
	Deficient []Company          `json:"deficient"`
}

// Resolve runs one production turn for every sector. Draws use a generator
// seeded from the game seed and turn, so a retried resolution serves the
// same consumers.
func (e *ProductionEngine) Resolve(ctx context.Context, tx Tx) (ProductionOutcome, error) {
	var out ProductionOutcome
	g, err := tx.Game(ctx)
	if err != nil {
		return out, err
	}
	sectors, err := tx.ListSectors(ctx)
	if err != nil {
		return out, err
	}
	companies, err := tx.ListCompanies(ctx)
	if err != nil {
		return out, err
	}
	bySector := make(map[string][]Company)
	for _, c := range companies {
		if c.Status == CompanyInsolvent {
			continue
		}
		bySector[c.SectorID] = append(bySector[c.SectorID], c)
	}

	rng := rand.New(rand.NewSource(g.Seed + int64(g.Turn)))
	now := e.now().UTC()
	var points []PricePoint

	for _, sector := range sectors {
		cs := bySector[sector.ID]
		TurnOrder(cs)
		remaining := sector.Consumers
		for _, c := range cs {
			factory, err := e.rules.Factory(c.FactorySize)
			if err != nil {
				return out, err
			}
			res := ProductionResult{
				ID:             uuid.NewString(),
				GameID:         g.ID,
				Turn:           g.Turn,
				CompanyID:      c.ID,
				SectorID:       sector.ID,
				Demand:         e.Demand(c, sector),
				Supply:         Supply(c),
				PriceBefore:    c.StockPrice,
				ResourcesDrawn: make(map[string]int64),
			}
			visitable := min(res.Demand, res.Supply)
			for res.CustomersServed < visitable && remaining > 0 && len(sector.Bag) > 0 {
				i := rng.Intn(len(sector.Bag))
				m := sector.Bag[i]
				res.ResourcesDrawn[m.ResourceType]++
				if !m.IsPermanent {
					sector.Bag = append(sector.Bag[:i], sector.Bag[i+1:]...)
				}
				res.CustomersServed++
				remaining--
			}
			revenue, err := notional(c.UnitPrice, res.CustomersServed)
			if err != nil {
				return out, err
			}
			res.Revenue = revenue
			res.Costs = factory.OperatingCost()
			res.Profit = res.Revenue - res.Costs
			res.PriceAfter = e.policy.Drift(c.StockPrice, res.Profit)

			c.CashOnHand += res.Profit
			c.StockPrice = res.PriceAfter
			if c.Deficit > 0 && c.CashOnHand > 0 {
				paid := min(c.Deficit, c.CashOnHand)
				c.Deficit -= paid
				c.CashOnHand -= paid
			}
			if c.CashOnHand < 0 {
				c.Deficit += -c.CashOnHand
				c.CashOnHand = 0
				c.Status = CompanyInDeficit
				out.Deficient = append(out.Deficient, c)
			}
			if err := tx.UpdateCompany(ctx, c); err != nil {
				return out, err
			}
			if res.PriceAfter != res.PriceBefore {
				out.Prices = append(out.Prices, PriceChange{CompanyID: c.ID, Prev: res.PriceBefore, Price: res.PriceAfter})
				points = append(points, PricePoint{CompanyID: c.ID, Turn: g.Turn, PhaseName: PhaseORProduction, Price: res.PriceAfter, At: now})
			}
			out.Results = append(out.Results, res)
		}
		if err := tx.UpdateSector(ctx, sector); err != nil {
			return out, err
		}
	}

	if len(out.Results) > 0 {
		if err := tx.CreateProductionResults(ctx, out.Results); err != nil {
			return out, err
		}
	}
	if len(points) > 0 {
		if err := tx.AppendPrices(ctx, points); err != nil {
			return out, err
		}
	}
	return out, nil
}
