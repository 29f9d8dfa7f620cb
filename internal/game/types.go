package game

import "time"

type GameStatus string

const (
	GameActive            GameStatus = "ACTIVE"
	GameNeedsIntervention GameStatus = "NEEDS_INTERVENTION"
	GameFinished          GameStatus = "FINISHED"
)

type Game struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Status         GameStatus `json:"status"`
	Turn           int        `json:"turn"`
	CurrentPhaseID string     `json:"current_phase_id"`
	BankPool       int64      `json:"bank_pool"`
	ConsumerPool   int64      `json:"consumer_pool"`
	InputLocked    bool       `json:"input_locked"`
	Seed           int64      `json:"seed"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type Phase struct {
	ID         string     `json:"id"`
	GameID     string     `json:"game_id"`
	Name       PhaseName  `json:"name"`
	RoundType  RoundType  `json:"round_type"`
	Turn       int        `json:"turn"`
	Seq        int64      `json:"seq"`
	StartedAt  time.Time  `json:"started_at"`
	EndsAt     time.Time  `json:"ends_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (p Phase) Resolved() bool { return p.ResolvedAt != nil }

type StockRound struct {
	ID     string `json:"id"`
	GameID string `json:"game_id"`
	Turn   int    `json:"turn"`
}

type StockSubRound struct {
	ID           string `json:"id"`
	StockRoundID string `json:"stock_round_id"`
	PhaseID      string `json:"phase_id"`
	Round        int    `json:"round"`
}

type OperatingRound struct {
	ID     string `json:"id"`
	GameID string `json:"game_id"`
	Turn   int    `json:"turn"`
}

type Player struct {
	ID                 string `json:"id"`
	GameID             string `json:"game_id"`
	Name               string `json:"name"`
	CashOnHand         int64  `json:"cash_on_hand"`
	MarketOrderActions int    `json:"market_order_actions"`
	LimitOrderActions  int    `json:"limit_order_actions"`
	ShortOrderActions  int    `json:"short_order_actions"`
}

// ShareLocation is where unowned shares of a company sit.
type ShareLocation string

const (
	LocationPlayer     ShareLocation = "PLAYER"
	LocationIPO        ShareLocation = "IPO"
	LocationOpenMarket ShareLocation = "OPEN_MARKET"
)

// ShareOwner identifies a holder of shares: a player, or one of the pools.
type ShareOwner struct {
	Location ShareLocation `json:"location"`
	PlayerID string        `json:"player_id,omitempty"`
}

func PlayerOwner(playerID string) ShareOwner {
	return ShareOwner{Location: LocationPlayer, PlayerID: playerID}
}

func PoolOwner(loc ShareLocation) ShareOwner {
	return ShareOwner{Location: loc}
}

type ShareHolding struct {
	GameID    string     `json:"game_id"`
	CompanyID string     `json:"company_id"`
	Owner     ShareOwner `json:"owner"`
	Quantity  int64      `json:"quantity"`
}

type CompanyStatus string

const (
	CompanyActive    CompanyStatus = "ACTIVE"
	CompanyInDeficit CompanyStatus = "IN_DEFICIT"
	CompanyInsolvent CompanyStatus = "INSOLVENT"
)

type Company struct {
	ID               string        `json:"id"`
	GameID           string        `json:"game_id"`
	SectorID         string        `json:"sector_id"`
	Name             string        `json:"name"`
	Tier             int           `json:"tier"`
	Status           CompanyStatus `json:"status"`
	StockPrice       int64         `json:"stock_price"`
	CashOnHand       int64         `json:"cash_on_hand"`
	UnitPrice        int64         `json:"unit_price"`
	ResourceType     string        `json:"resource_type"`
	BaseDemand       int64         `json:"base_demand"`
	DemandScore      int64         `json:"demand_score"`
	SupplyBase       int64         `json:"supply_base"`
	SupplyCurrent    int64         `json:"supply_current"`
	SupplyMax        int64         `json:"supply_max"`
	FactorySize      int           `json:"factory_size"`
	Deficit          int64         `json:"deficit"`
	InsolvencyRounds int           `json:"insolvency_rounds"`
}

type ConsumptionMarker struct {
	ResourceType string `json:"resource_type" yaml:"resource_type"`
	IsPermanent  bool   `json:"is_permanent" yaml:"is_permanent"`
}

type Sector struct {
	ID         string              `json:"id"`
	GameID     string              `json:"game_id"`
	Name       string              `json:"name"`
	BaseDemand int64               `json:"base_demand"`
	Consumers  int64               `json:"consumers"`
	Bag        []ConsumptionMarker `json:"bag"`
}

type OperatingRoundVote struct {
	ID               string          `json:"id"`
	OperatingRoundID string          `json:"operating_round_id"`
	PhaseID          string          `json:"phase_id"`
	PlayerID         string          `json:"player_id"`
	CompanyID        string          `json:"company_id"`
	Action           OperatingAction `json:"action"`
	Weight           int64           `json:"weight"`
	Seq              int64           `json:"seq"`
	CreatedAt        time.Time       `json:"created_at"`
}

type ActionStatus string

const (
	ActionPending  ActionStatus = "PENDING"
	ActionResolved ActionStatus = "RESOLVED"
	ActionSkipped  ActionStatus = "SKIPPED"
)

type CompanyAction struct {
	ID               string          `json:"id"`
	OperatingRoundID string          `json:"operating_round_id"`
	CompanyID        string          `json:"company_id"`
	Action           OperatingAction `json:"action"`
	Weight           int64           `json:"weight"`
	Rank             int             `json:"rank"`
	Status           ActionStatus    `json:"status"`
}

type ProductionResult struct {
	ID              string           `json:"id"`
	GameID          string           `json:"game_id"`
	Turn            int              `json:"turn"`
	CompanyID       string           `json:"company_id"`
	SectorID        string           `json:"sector_id"`
	Demand          int64            `json:"demand"`
	Supply          int64            `json:"supply"`
	CustomersServed int64            `json:"customers_served"`
	Revenue         int64            `json:"revenue"`
	Costs           int64            `json:"costs"`
	Profit          int64            `json:"profit"`
	PriceBefore     int64            `json:"price_before"`
	PriceAfter      int64            `json:"price_after"`
	ResourcesDrawn  map[string]int64 `json:"resources_drawn,omitempty"`
}

type InsolvencyContribution struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	PhaseID   string    `json:"phase_id"`
	PlayerID  string    `json:"player_id"`
	CompanyID string    `json:"company_id"`
	Cash      int64     `json:"cash"`
	Shares    int64     `json:"shares"`
	Value     int64     `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

type PricePoint struct {
	CompanyID string    `json:"company_id"`
	Turn      int       `json:"turn"`
	PhaseName PhaseName `json:"phase_name"`
	Price     int64     `json:"price"`
	At        time.Time `json:"at"`
}

// GameState is the read view served to clients.
type GameState struct {
	Game      Game           `json:"game"`
	Phase     Phase          `json:"phase"`
	Players   []Player       `json:"players"`
	Companies []Company      `json:"companies"`
	Sectors   []Sector       `json:"sectors"`
	Shares    []ShareHolding `json:"shares"`
}
