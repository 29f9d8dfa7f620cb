package game

import (
	"context"
	"testing"
)

func permanent(resource string, n int) []ConsumptionMarker {
	out := make([]ConsumptionMarker, n)
	for i := range out {
		out[i] = ConsumptionMarker{ResourceType: resource, IsPermanent: true}
	}
	return out
}

func runProduction(t *testing.T, s seeded, rules Rules) ProductionOutcome {
	t.Helper()
	e := NewProductionEngine(rules, nil, fixedNow)
	var out ProductionOutcome
	s.tx(t, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = e.Resolve(ctx, tx)
		return err
	})
	return out
}

func resultFor(t *testing.T, out ProductionOutcome, companyID string) ProductionResult {
	t.Helper()
	for _, r := range out.Results {
		if r.CompanyID == companyID {
			return r
		}
	}
	t.Fatalf("no production result for %s", companyID)
	return ProductionResult{}
}

func TestProductionServesCompaniesInPriceOrder(t *testing.T) {
	a := company("a", 60)
	a.BaseDemand, a.SupplyBase, a.SupplyMax, a.FactorySize, a.UnitPrice = 6, 8, 8, 2, 20
	b := company("b", 40)
	b.BaseDemand, b.SupplyBase, b.SupplyMax, b.UnitPrice = 4, 4, 4, 15

	s := seedGame(t, seed{
		phase:     PhaseORProduction,
		round:     RoundOperating,
		companies: []Company{b, a},
		sectors:   []Sector{{ID: "s1", Name: "food", Consumers: 10, Bag: permanent("grain", 3)}},
	})
	out := runProduction(t, s, testRules())

	ra, rb := resultFor(t, out, "a"), resultFor(t, out, "b")
	if ra.Demand != 6 || ra.Supply != 8 || ra.CustomersServed != 6 || ra.Revenue != 120 {
		t.Fatalf("a = %+v", ra)
	}
	if rb.Demand != 4 || rb.Supply != 4 || rb.CustomersServed != 4 || rb.Revenue != 60 {
		t.Fatalf("b = %+v", rb)
	}
	if out.Results[0].CompanyID != "a" {
		t.Fatalf("higher priced company should produce first: %+v", out.Results)
	}

	// size 2 costs 4*5+18, size 1 costs 2*5+10.
	if ra.Costs != 38 || ra.Profit != 82 || rb.Costs != 20 || rb.Profit != 40 {
		t.Fatalf("costs a=%d/%d b=%d/%d", ra.Costs, ra.Profit, rb.Costs, rb.Profit)
	}
	if ra.PriceAfter != 70 || rb.PriceAfter != 40 {
		t.Fatalf("price drift a=%d b=%d", ra.PriceAfter, rb.PriceAfter)
	}
	if got := s.company(t, "a"); got.CashOnHand != 82 || got.StockPrice != 70 {
		t.Fatalf("company a after production = %+v", got)
	}
	if len(out.Prices) != 1 || out.Prices[0] != (PriceChange{CompanyID: "a", Prev: 60, Price: 70}) {
		t.Fatalf("price changes = %+v", out.Prices)
	}
	if hist := s.store.PriceHistory(s.gameID, "a"); len(hist) != 1 || hist[0].PhaseName != PhaseORProduction {
		t.Fatalf("price history = %+v", hist)
	}
}

func TestProductionStopsWhenConsumersRunOut(t *testing.T) {
	a := company("a", 60)
	a.BaseDemand, a.SupplyBase = 4, 4
	b := company("b", 40)
	b.BaseDemand, b.SupplyBase = 4, 4
	s := seedGame(t, seed{
		phase:     PhaseORProduction,
		round:     RoundOperating,
		companies: []Company{a, b},
		sectors:   []Sector{{ID: "s1", Name: "food", Consumers: 5, Bag: permanent("grain", 2)}},
	})
	out := runProduction(t, s, testRules())
	if got := resultFor(t, out, "a").CustomersServed; got != 4 {
		t.Fatalf("a served %d, want 4", got)
	}
	if got := resultFor(t, out, "b").CustomersServed; got != 1 {
		t.Fatalf("b served %d, want 1", got)
	}
}

func TestProductionDrawsRemoveTemporaryMarkers(t *testing.T) {
	c := company("a", 50)
	c.BaseDemand = 4
	s := seedGame(t, seed{
		phase:     PhaseORProduction,
		round:     RoundOperating,
		companies: []Company{c},
		sectors: []Sector{{ID: "s1", Name: "food", Consumers: 10, Bag: []ConsumptionMarker{
			{ResourceType: "grain"}, {ResourceType: "grain"},
		}}},
	})
	out := runProduction(t, s, testRules())
	if r := resultFor(t, out, "a"); r.CustomersServed != 2 || r.ResourcesDrawn["grain"] != 2 {
		t.Fatalf("served %d from a two marker bag: %+v", r.CustomersServed, r)
	}

	var sector Sector
	s.tx(t, func(ctx context.Context, tx Tx) error {
		var err error
		sector, err = tx.Sector(ctx, "s1")
		return err
	})
	if len(sector.Bag) != 0 {
		t.Fatalf("temporary markers left in bag: %+v", sector.Bag)
	}
}

func TestProductionEmptyBagServesNobody(t *testing.T) {
	c := company("a", 50)
	c.BaseDemand = 4
	c.CashOnHand = 100
	s := seedGame(t, seed{
		phase:     PhaseORProduction,
		round:     RoundOperating,
		companies: []Company{c},
		sectors:   []Sector{{ID: "s1", Name: "food", Consumers: 10}},
	})
	out := runProduction(t, s, testRules())
	r := resultFor(t, out, "a")
	if r.CustomersServed != 0 || r.Revenue != 0 || r.Profit != -20 {
		t.Fatalf("result = %+v", r)
	}
	if got := s.company(t, "a"); got.CashOnHand != 80 || got.Status != CompanyActive {
		t.Fatalf("company = %+v", got)
	}
}

func TestSupplyIsClampedToFactoryCapacity(t *testing.T) {
	tests := []struct {
		base, current, max, want int64
	}{
		{2, -5, 4, 0},
		{6, -1, 8, 0},
		{6, 0, 8, 6},
		{2, 9, 4, 4},
		{3, 1, 8, 4},
	}
	for _, tt := range tests {
		c := Company{SupplyBase: tt.base, SupplyCurrent: tt.current, SupplyMax: tt.max}
		if got := Supply(c); got != tt.want {
			t.Fatalf("Supply(base=%d current=%d max=%d) = %d, want %d", tt.base, tt.current, tt.max, got, tt.want)
		}
	}
}

func TestProductionNegativeSupplyServesNobody(t *testing.T) {
	c := company("a", 50)
	c.BaseDemand, c.SupplyBase, c.SupplyMax, c.SupplyCurrent = 4, 4, 4, -1
	s := seedGame(t, seed{
		phase:     PhaseORProduction,
		round:     RoundOperating,
		companies: []Company{c},
		sectors:   []Sector{{ID: "s1", Name: "food", Consumers: 10, Bag: permanent("grain", 3)}},
	})
	if r := resultFor(t, runProduction(t, s, testRules()), "a"); r.Supply != 0 || r.CustomersServed != 0 {
		t.Fatalf("result = %+v", r)
	}
}

func TestDemandCountsSectorLevelAndBonusPoints(t *testing.T) {
	e := NewProductionEngine(testRules(), nil, fixedNow)
	tests := []struct {
		company Company
		sector  Sector
		want    int64
	}{
		{Company{BaseDemand: 3, DemandScore: 5}, Sector{}, 5},
		{Company{BaseDemand: 3, DemandScore: 5}, Sector{BaseDemand: 2}, 7},
		{Company{BaseDemand: 2}, Sector{BaseDemand: 5}, 7},
		{Company{BaseDemand: 2}, Sector{BaseDemand: -3}, 2},
	}
	for _, tt := range tests {
		if got := e.Demand(tt.company, tt.sector); got != tt.want {
			t.Fatalf("Demand(%+v, sector %d) = %d, want %d", tt.company, tt.sector.BaseDemand, got, tt.want)
		}
	}
}

func TestLobbiedSectorDemandServesMoreCustomers(t *testing.T) {
	rules := testRules()
	run := func(lobbies int) ProductionResult {
		c := company("a", 50)
		c.BaseDemand, c.SupplyBase, c.SupplyMax, c.CashOnHand = 2, 10, 10, 1000
		sector := Sector{ID: "s1", Name: "food", BaseDemand: 2, Consumers: 10, Bag: permanent("grain", 10)}
		for range lobbies {
			if _, err := applyAction(rules, ActionLobby, &c, &sector); err != nil {
				t.Fatalf("lobby: %v", err)
			}
		}
		s := seedGame(t, seed{
			phase:     PhaseORProduction,
			round:     RoundOperating,
			companies: []Company{c},
			sectors:   []Sector{sector},
		})
		return resultFor(t, runProduction(t, s, rules), "a")
	}
	before, after := run(0), run(3)
	if before.Demand != 4 || before.CustomersServed != 4 {
		t.Fatalf("without lobbying = %+v", before)
	}
	if after.Demand != 7 || after.CustomersServed != 7 {
		t.Fatalf("after three lobbies = %+v", after)
	}
}

func TestProductionLossPutsCompanyInDeficit(t *testing.T) {
	c := company("a", 50)
	c.CashOnHand = 5
	s := seedGame(t, seed{
		phase:     PhaseORProduction,
		round:     RoundOperating,
		companies: []Company{c},
		sectors:   []Sector{{ID: "s1", Name: "food", Consumers: 10}},
	})
	out := runProduction(t, s, testRules())
	if len(out.Deficient) != 1 {
		t.Fatalf("deficient = %+v", out.Deficient)
	}
	got := s.company(t, "a")
	if got.Status != CompanyInDeficit || got.Deficit != 15 || got.CashOnHand != 0 {
		t.Fatalf("company = %+v", got)
	}
}

func TestProductionProfitPaysDownDeficitFirst(t *testing.T) {
	c := company("a", 50)
	c.BaseDemand, c.UnitPrice, c.Deficit = 4, 10, 15
	s := seedGame(t, seed{
		phase:     PhaseORProduction,
		round:     RoundOperating,
		companies: []Company{c},
		sectors:   []Sector{{ID: "s1", Name: "food", Consumers: 10, Bag: permanent("grain", 1)}},
	})
	runProduction(t, s, testRules())
	// revenue 40, costs 20: 15 clears the deficit, 5 stays as cash.
	if got := s.company(t, "a"); got.Deficit != 0 || got.CashOnHand != 5 {
		t.Fatalf("company = %+v", got)
	}
}

func TestProductionIsDeterministicForSeedAndTurn(t *testing.T) {
	run := func() map[string]int64 {
		c := company("a", 50)
		c.BaseDemand = 4
		bag := append(permanent("grain", 3), permanent("ore", 3)...)
		s := seedGame(t, seed{
			phase:     PhaseORProduction,
			round:     RoundOperating,
			companies: []Company{c},
			sectors:   []Sector{{ID: "s1", Name: "food", Consumers: 10, Bag: bag}},
		})
		return resultFor(t, runProduction(t, s, testRules()), "a").ResourcesDrawn
	}
	first, second := run(), run()
	if first["grain"] != second["grain"] || first["ore"] != second["ore"] {
		t.Fatalf("draws differ: %v vs %v", first, second)
	}
}

func TestTurnOrderBreaksPriceTiesByName(t *testing.T) {
	cs := []Company{
		{ID: "3", Name: "bolt", StockPrice: 50},
		{ID: "2", Name: "acme", StockPrice: 50},
		{ID: "1", Name: "zeta", StockPrice: 90},
		{ID: "0", Name: "acme", StockPrice: 50},
	}
	TurnOrder(cs)
	want := []string{"1", "0", "2", "3"}
	for i, id := range want {
		if cs[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s (%+v)", i, cs[i].ID, id, cs)
		}
	}
}
