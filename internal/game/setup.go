package game

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type PlayerSetup struct {
	ID   string `json:"id,omitempty" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

type SectorSetup struct {
	Name       string              `json:"name" yaml:"name"`
	Consumers  int64               `json:"consumers" yaml:"consumers"`
	BaseDemand int64               `json:"base_demand" yaml:"base_demand"`
	Markers    []ConsumptionMarker `json:"markers,omitempty" yaml:"markers"`
}

type CompanySetup struct {
	Name         string `json:"name" yaml:"name"`
	Sector       string `json:"sector" yaml:"sector"`
	Tier         int    `json:"tier" yaml:"tier"`
	StockPrice   int64  `json:"stock_price" yaml:"stock_price"`
	UnitPrice    int64  `json:"unit_price" yaml:"unit_price"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	BaseDemand   int64  `json:"base_demand" yaml:"base_demand"`
	SupplyBase   int64  `json:"supply_base" yaml:"supply_base"`
	FactorySize  int    `json:"factory_size" yaml:"factory_size"`
	IPOShares    int64  `json:"ipo_shares" yaml:"ipo_shares"`
	Cash         int64  `json:"cash" yaml:"cash"`
}

type GameSetup struct {
	Name         string         `json:"name" yaml:"name"`
	Seed         int64          `json:"seed" yaml:"seed"`
	BankPool     int64          `json:"bank_pool" yaml:"bank_pool"`
	ConsumerPool int64          `json:"consumer_pool" yaml:"consumer_pool"`
	Players      []PlayerSetup  `json:"players" yaml:"players"`
	Sectors      []SectorSetup  `json:"sectors" yaml:"sectors"`
	Companies    []CompanySetup `json:"companies" yaml:"companies"`
}

func (gs GameSetup) validate(rules Rules) error {
	if strings.TrimSpace(gs.Name) == "" {
		return fmt.Errorf("%w: game name is required", ErrInvalidSetup)
	}
	if len(gs.Players) == 0 {
		return fmt.Errorf("%w: at least one player is required", ErrInvalidSetup)
	}
	sectors := make(map[string]bool, len(gs.Sectors))
	for _, s := range gs.Sectors {
		if s.Name == "" || sectors[s.Name] {
			return fmt.Errorf("%w: sector names must be unique and non-empty", ErrInvalidSetup)
		}
		if s.Consumers < 0 {
			return fmt.Errorf("%w: sector %s has negative consumers", ErrInvalidSetup, s.Name)
		}
		sectors[s.Name] = true
	}
	for _, c := range gs.Companies {
		if !sectors[c.Sector] {
			return fmt.Errorf("%w: company %s references unknown sector %q", ErrInvalidSetup, c.Name, c.Sector)
		}
		if c.StockPrice <= 0 || c.UnitPrice < 0 || c.IPOShares < 0 {
			return fmt.Errorf("%w: company %s needs a positive price and non-negative shares", ErrInvalidSetup, c.Name)
		}
		if _, err := rules.Tier(c.Tier); err != nil {
			return err
		}
		if _, err := rules.Factory(c.FactorySize); err != nil {
			return err
		}
	}
	return nil
}

// CreateGame builds a game from setup in one transaction and arms the timer
// of its first STOCK_MEET phase. Each company seeds its sector's bag with
// one permanent marker per factory size step.
func (s *Scheduler) CreateGame(ctx context.Context, setup GameSetup) (GameState, error) {
	if err := setup.validate(s.rules); err != nil {
		return GameState{}, err
	}
	now := s.clock.Now().UTC()
	seed := setup.Seed
	if seed == 0 {
		seed = now.UnixNano()
	}
	g := Game{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(setup.Name),
		Status:       GameActive,
		Turn:         1,
		BankPool:     setup.BankPool,
		ConsumerPool: setup.ConsumerPool,
		Seed:         seed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	phase := Phase{
		ID:        uuid.NewString(),
		GameID:    g.ID,
		Name:      PhaseStockMeet,
		RoundType: RoundStock,
		Turn:      1,
		Seq:       1,
		StartedAt: now,
		EndsAt:    now.Add(s.rules.PhaseDuration(PhaseStockMeet)),
	}
	g.CurrentPhaseID = phase.ID

	players := make([]Player, 0, len(setup.Players))
	for _, p := range setup.Players {
		id := p.ID
		if id == "" {
			id = uuid.NewString()
		}
		players = append(players, Player{
			ID:                 id,
			GameID:             g.ID,
			Name:               p.Name,
			CashOnHand:         s.rules.StartingCash,
			MarketOrderActions: s.rules.MarketOrderActions,
			LimitOrderActions:  s.rules.LimitOrderActions,
			ShortOrderActions:  s.rules.ShortOrderActions,
		})
	}

	sectorIDs := make(map[string]int, len(setup.Sectors))
	sectors := make([]Sector, 0, len(setup.Sectors))
	for i, ss := range setup.Sectors {
		sectorIDs[ss.Name] = i
		sectors = append(sectors, Sector{
			ID:         uuid.NewString(),
			GameID:     g.ID,
			Name:       ss.Name,
			BaseDemand: ss.BaseDemand,
			Consumers:  ss.Consumers,
			Bag:        append([]ConsumptionMarker(nil), ss.Markers...),
		})
	}

	companies := make([]Company, 0, len(setup.Companies))
	var shares []ShareHolding
	for _, cs := range setup.Companies {
		factory, _ := s.rules.Factory(cs.FactorySize)
		sector := &sectors[sectorIDs[cs.Sector]]
		supplyBase := cs.SupplyBase
		if supplyBase == 0 {
			supplyBase = factory.Customers
		}
		c := Company{
			ID:           uuid.NewString(),
			GameID:       g.ID,
			SectorID:     sector.ID,
			Name:         cs.Name,
			Tier:         cs.Tier,
			Status:       CompanyActive,
			StockPrice:   cs.StockPrice,
			CashOnHand:   cs.Cash,
			UnitPrice:    cs.UnitPrice,
			ResourceType: cs.ResourceType,
			BaseDemand:   cs.BaseDemand,
			SupplyBase:   supplyBase,
			SupplyMax:    factory.Customers,
			FactorySize:  cs.FactorySize,
		}
		companies = append(companies, c)
		for range cs.FactorySize {
			sector.Bag = append(sector.Bag, ConsumptionMarker{ResourceType: cs.ResourceType, IsPermanent: true})
		}
		if cs.IPOShares > 0 {
			shares = append(shares, ShareHolding{GameID: g.ID, CompanyID: c.ID, Owner: PoolOwner(LocationIPO), Quantity: cs.IPOShares})
		}
	}

	err := s.store.CreateGame(ctx, g, func(tx Tx) error {
		if err := tx.CreatePhase(ctx, phase); err != nil {
			return err
		}
		if err := tx.CreatePlayers(ctx, players); err != nil {
			return err
		}
		if len(sectors) > 0 {
			if err := tx.CreateSectors(ctx, sectors); err != nil {
				return err
			}
		}
		if len(companies) > 0 {
			if err := tx.CreateCompanies(ctx, companies); err != nil {
				return err
			}
		}
		if len(shares) > 0 {
			return tx.CreateShares(ctx, shares)
		}
		return nil
	})
	if err != nil {
		return GameState{}, err
	}
	s.log.Info("game created", "game_id", g.ID, "players", len(players), "companies", len(companies))
	s.timers.arm(g.ID, phase.ID, phase.EndsAt.Sub(s.clock.Now()), s.onTimer)
	s.publish(g.ID, []Event{NewEvent(g, phase.Name, EventPhaseChanged, map[string]any{
		"phase": phase,
		"turn":  g.Turn,
	}, now)})
	return s.store.State(ctx, g.ID)
}
