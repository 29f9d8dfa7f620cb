package game

import (
	"context"
	"time"
)

// Store is the persistence gateway. InTx runs fn as one atomic unit scoped to
// a single game: either every write made through tx commits, or none does.
type Store interface {
	InTx(ctx context.Context, gameID string, fn func(tx Tx) error) error
	State(ctx context.Context, gameID string) (GameState, error)
	ListDuePhases(ctx context.Context, now time.Time) ([]Phase, error)
	ActiveGames(ctx context.Context) ([]string, error)
	CreateGame(ctx context.Context, g Game, fn func(tx Tx) error) error
}

// Tx exposes typed CRUD per entity. Reads observe the writes already made
// through the same Tx.
type Tx interface {
	Game(ctx context.Context) (Game, error)
	UpdateGame(ctx context.Context, g Game) error

	Phase(ctx context.Context, id string) (Phase, error)
	CreatePhase(ctx context.Context, p Phase) error
	UpdatePhase(ctx context.Context, p Phase) error

	Player(ctx context.Context, id string) (Player, error)
	ListPlayers(ctx context.Context) ([]Player, error)
	CreatePlayers(ctx context.Context, ps []Player) error
	UpdatePlayer(ctx context.Context, p Player) error

	Company(ctx context.Context, id string) (Company, error)
	ListCompanies(ctx context.Context) ([]Company, error)
	CreateCompanies(ctx context.Context, cs []Company) error
	UpdateCompany(ctx context.Context, c Company) error

	Sector(ctx context.Context, id string) (Sector, error)
	ListSectors(ctx context.Context) ([]Sector, error)
	CreateSectors(ctx context.Context, ss []Sector) error
	UpdateSector(ctx context.Context, s Sector) error

	ShareCount(ctx context.Context, companyID string, owner ShareOwner) (int64, error)
	ListShares(ctx context.Context) ([]ShareHolding, error)
	CreateShares(ctx context.Context, hs []ShareHolding) error
	MoveShares(ctx context.Context, companyID string, from, to ShareOwner, qty int64) error

	StockRound(ctx context.Context, turn int) (StockRound, error)
	CreateStockRound(ctx context.Context, r StockRound) error
	ListStockSubRounds(ctx context.Context, stockRoundID string) ([]StockSubRound, error)
	CreateStockSubRound(ctx context.Context, r StockSubRound) error

	ListOrders(ctx context.Context, f OrderFilter) ([]PlayerOrder, error)
	CreateOrder(ctx context.Context, o PlayerOrder) error
	UpdateOrder(ctx context.Context, o PlayerOrder) error

	OperatingRound(ctx context.Context, turn int) (OperatingRound, error)
	CreateOperatingRound(ctx context.Context, r OperatingRound) error
	ListVotes(ctx context.Context, operatingRoundID string) ([]OperatingRoundVote, error)
	CreateVote(ctx context.Context, v OperatingRoundVote) error
	ListCompanyActions(ctx context.Context, operatingRoundID string) ([]CompanyAction, error)
	CreateCompanyActions(ctx context.Context, as []CompanyAction) error
	UpdateCompanyAction(ctx context.Context, a CompanyAction) error

	CreateProductionResults(ctx context.Context, rs []ProductionResult) error
	ListProductionResults(ctx context.Context, turn int) ([]ProductionResult, error)

	CreateContribution(ctx context.Context, c InsolvencyContribution) error
	ListContributions(ctx context.Context, companyID string) ([]InsolvencyContribution, error)

	AppendPrices(ctx context.Context, ps []PricePoint) error

	// MarkResponded records that playerID is done with phaseID and returns
	// the number of distinct players that have responded.
	MarkResponded(ctx context.Context, phaseID, playerID string) (int, error)
	ClaimIdempotency(ctx context.Context, playerID, key, action string) error

	// NextSeq hands out a per-game monotonically increasing sequence number
	// used for deterministic ordering of orders and votes.
	NextSeq(ctx context.Context) (int64, error)
}

type OrderSort int

const (
	SortBySeq OrderSort = iota
	SortByValueAsc
)

type OrderFilter struct {
	StockRoundID string
	PhaseID      string
	PlayerID     string
	CompanyID    string
	Kinds        []OrderKind
	Statuses     []OrderStatus
	Sort         OrderSort
	Limit        int
	Offset       int
}

func (f OrderFilter) Match(o PlayerOrder) bool {
	if f.StockRoundID != "" && o.StockRoundID != f.StockRoundID {
		return false
	}
	if f.PhaseID != "" && o.PhaseID != f.PhaseID {
		return false
	}
	if f.PlayerID != "" && o.PlayerID != f.PlayerID {
		return false
	}
	if f.CompanyID != "" && o.CompanyID != f.CompanyID {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, o.Kind()) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, o.Status) {
		return false
	}
	return true
}

func containsKind(ks []OrderKind, k OrderKind) bool {
	for _, v := range ks {
		if v == k {
			return true
		}
	}
	return false
}

func containsStatus(ss []OrderStatus, s OrderStatus) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
