package game

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

type OrderInput struct {
	GameID    string
	PlayerID  string
	CompanyID string
	PhaseID   string
	Spec      OrderSpec
}

// PriceChange records one company's price move during a resolution.
type PriceChange struct {
	CompanyID string `json:"company_id"`
	Prev      int64  `json:"prev"`
	Price     int64  `json:"price"`
}

type SubRoundResult struct {
	Filled    []PlayerOrder `json:"filled"`
	Rejected  []PlayerOrder `json:"rejected"`
	Triggered []PlayerOrder `json:"triggered"`
	Prices    []PriceChange `json:"prices"`
}

type StockEngine struct {
	rules  Rules
	policy PricePolicy
	now    func() time.Time
}

func NewStockEngine(rules Rules, policy PricePolicy, now func() time.Time) *StockEngine {
	if policy == nil {
		policy = NewStepTrack(rules)
	}
	if now == nil {
		now = time.Now
	}
	return &StockEngine{rules: rules, policy: policy, now: now}
}

// OpenStockRound resets every player's per-turn order quotas and creates the
// turn's StockRound.
func (e *StockEngine) OpenStockRound(ctx context.Context, tx Tx) (StockRound, error) {
	g, err := tx.Game(ctx)
	if err != nil {
		return StockRound{}, err
	}
	if r, err := tx.StockRound(ctx, g.Turn); err == nil {
		return r, nil
	}

	players, err := tx.ListPlayers(ctx)
	if err != nil {
		return StockRound{}, err
	}
	for _, p := range players {
		p.MarketOrderActions = e.rules.MarketOrderActions
		p.LimitOrderActions = e.rules.LimitOrderActions
		p.ShortOrderActions = e.rules.ShortOrderActions
		if err := tx.UpdatePlayer(ctx, p); err != nil {
			return StockRound{}, err
		}
	}

	r := StockRound{ID: uuid.NewString(), GameID: g.ID, Turn: g.Turn}
	if err := tx.CreateStockRound(ctx, r); err != nil {
		return StockRound{}, err
	}
	return r, nil
}

// OpenSubRound registers the STOCK_n phase as the round's current sub-round.
func (e *StockEngine) OpenSubRound(ctx context.Context, tx Tx, phase Phase) (StockSubRound, error) {
	n := StockSubRoundNumber(phase.Name)
	if n == 0 {
		return StockSubRound{}, fmt.Errorf("%w: %s is not a stock sub-round", ErrWrongPhase, phase.Name)
	}
	round, err := tx.StockRound(ctx, phase.Turn)
	if err != nil {
		return StockSubRound{}, err
	}
	sub := StockSubRound{ID: uuid.NewString(), StockRoundID: round.ID, PhaseID: phase.ID, Round: n}
	if err := tx.CreateStockSubRound(ctx, sub); err != nil {
		return StockSubRound{}, err
	}
	return sub, nil
}

// PlaceOrder validates an order against fresh state and records it as OPEN.
// Any rejection returns before the first write.
func (e *StockEngine) PlaceOrder(ctx context.Context, tx Tx, in OrderInput) (PlayerOrder, error) {
	if in.Spec == nil {
		return PlayerOrder{}, fmt.Errorf("%w: missing order payload", ErrInvalidOrder)
	}
	g, err := tx.Game(ctx)
	if err != nil {
		return PlayerOrder{}, err
	}
	phase, err := tx.Phase(ctx, in.PhaseID)
	if err != nil {
		return PlayerOrder{}, err
	}
	if StockSubRoundNumber(phase.Name) == 0 {
		return PlayerOrder{}, fmt.Errorf("%w: orders are not accepted in %s", ErrWrongPhase, phase.Name)
	}
	player, err := tx.Player(ctx, in.PlayerID)
	if err != nil {
		return PlayerOrder{}, err
	}
	company, err := tx.Company(ctx, in.CompanyID)
	if err != nil {
		return PlayerOrder{}, err
	}
	if company.Status == CompanyInsolvent {
		return PlayerOrder{}, fmt.Errorf("%w: company %s is insolvent", ErrInvalidOrder, company.Name)
	}
	round, err := tx.StockRound(ctx, g.Turn)
	if err != nil {
		return PlayerOrder{}, err
	}

	existing, err := tx.ListOrders(ctx, OrderFilter{PhaseID: phase.ID, PlayerID: player.ID, Limit: 1})
	if err != nil {
		return PlayerOrder{}, err
	}
	if len(existing) > 0 {
		return PlayerOrder{}, ErrDuplicateOrder
	}
	if err := in.Spec.validate(); err != nil {
		return PlayerOrder{}, err
	}

	switch s := in.Spec.(type) {
	case MarketOrder:
		if s.IsSell {
			held, err := tx.ShareCount(ctx, company.ID, PlayerOwner(player.ID))
			if err != nil {
				return PlayerOrder{}, err
			}
			if held < s.Quantity {
				return PlayerOrder{}, fmt.Errorf("%w: holding %d, selling %d", ErrInsufficientShares, held, s.Quantity)
			}
		} else {
			cost, err := notional(company.StockPrice, s.Quantity)
			if err != nil {
				return PlayerOrder{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
			}
			if err := e.checkFunds(ctx, tx, player, cost); err != nil {
				return PlayerOrder{}, err
			}
		}
		if player.MarketOrderActions > 0 {
			player.MarketOrderActions--
		}
	case LimitOrder:
		if player.LimitOrderActions <= 0 {
			return PlayerOrder{}, ErrOrderQuotaExhausted
		}
		if !s.IsSell {
			cost, err := notional(s.Value, s.Quantity)
			if err != nil {
				return PlayerOrder{}, fmt.Errorf("%w: %v", ErrInvalidOrder, err)
			}
			if err := e.checkFunds(ctx, tx, player, cost); err != nil {
				return PlayerOrder{}, err
			}
		}
		player.LimitOrderActions--
	case ShortOrder:
		if player.ShortOrderActions <= 0 {
			return PlayerOrder{}, ErrOrderQuotaExhausted
		}
		player.ShortOrderActions--
	default:
		return PlayerOrder{}, fmt.Errorf("%w: unsupported order kind", ErrInvalidOrder)
	}

	seq, err := tx.NextSeq(ctx)
	if err != nil {
		return PlayerOrder{}, err
	}
	order := PlayerOrder{
		ID:               uuid.NewString(),
		GameID:           g.ID,
		StockRoundID:     round.ID,
		PhaseID:          phase.ID,
		PlayerID:         player.ID,
		CompanyID:        company.ID,
		Spec:             in.Spec,
		Status:           OrderOpen,
		PriceAtPlacement: company.StockPrice,
		Turn:             g.Turn,
		CreatedAt:        e.now().UTC(),
		Seq:              seq,
	}
	if err := tx.CreateOrder(ctx, order); err != nil {
		return PlayerOrder{}, err
	}
	if err := tx.UpdatePlayer(ctx, player); err != nil {
		return PlayerOrder{}, err
	}
	return order, nil
}

func (e *StockEngine) checkFunds(ctx context.Context, tx Tx, player Player, cost int64) error {
	committed, err := e.PseudoSpend(ctx, tx, player.ID)
	if err != nil {
		return err
	}
	if committed+cost > player.CashOnHand {
		return fmt.Errorf("%w: cash %d, committed %d, order %d", ErrInsufficientFunds, player.CashOnHand, committed, cost)
	}
	return nil
}

// PseudoSpend is the cash the player's unsettled orders have already
// claimed. Resting limit buys from earlier turns still count.
func (e *StockEngine) PseudoSpend(ctx context.Context, tx Tx, playerID string) (int64, error) {
	orders, err := tx.ListOrders(ctx, OrderFilter{
		PlayerID: playerID,
		Statuses: []OrderStatus{OrderOpen, OrderFilledPendingSettlement},
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, o := range orders {
		c, err := o.Commitment()
		if err != nil {
			return 0, err
		}
		total += c
	}
	return total, nil
}

// ResolveSubRound settles every market and short order of the phase as one
// batch at the pre-move price, then moves each traded company's price and
// triggers the resting limits the move crossed.
func (e *StockEngine) ResolveSubRound(ctx context.Context, tx Tx, phase Phase) (SubRoundResult, error) {
	var res SubRoundResult
	g, err := tx.Game(ctx)
	if err != nil {
		return res, err
	}
	orders, err := tx.ListOrders(ctx, OrderFilter{
		PhaseID:  phase.ID,
		Kinds:    []OrderKind{OrderMarket, OrderShort},
		Statuses: []OrderStatus{OrderOpen},
		Sort:     SortBySeq,
	})
	if err != nil {
		return res, err
	}

	net := make(map[string]int64)
	for _, o := range orders {
		company, err := tx.Company(ctx, o.CompanyID)
		if err != nil {
			return res, err
		}
		player, err := tx.Player(ctx, o.PlayerID)
		if err != nil {
			return res, err
		}
		filled, err := e.settleMarket(ctx, tx, &g, &company, &player, &o)
		if err != nil {
			return res, err
		}
		if !filled {
			o.Status = OrderRejected
			res.Rejected = append(res.Rejected, o)
		} else {
			res.Filled = append(res.Filled, o)
			if o.IsSell() {
				net[o.CompanyID] -= o.Quantity()
			} else {
				net[o.CompanyID] += o.Quantity()
			}
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return res, err
		}
	}
	if err := tx.UpdateGame(ctx, g); err != nil {
		return res, err
	}

	companyIDs := make([]string, 0, len(net))
	for id := range net {
		companyIDs = append(companyIDs, id)
	}
	sort.Strings(companyIDs)

	var points []PricePoint
	for _, id := range companyIDs {
		change, err := e.ResolvePriceMovement(ctx, tx, id, net[id])
		if err != nil {
			return res, err
		}
		if change.Prev == change.Price {
			continue
		}
		res.Prices = append(res.Prices, change)
		points = append(points, PricePoint{
			CompanyID: id, Turn: g.Turn, PhaseName: phase.Name, Price: change.Price, At: e.now().UTC(),
		})
		fired, err := e.TriggerLimitOrders(ctx, tx, id, change.Prev, change.Price)
		if err != nil {
			return res, err
		}
		res.Triggered = append(res.Triggered, fired...)
	}
	if len(points) > 0 {
		if err := tx.AppendPrices(ctx, points); err != nil {
			return res, err
		}
	}
	return res, nil
}

// settleMarket fills one market or short order at the company's current
// price. It reports false when the order can no longer be honoured.
func (e *StockEngine) settleMarket(ctx context.Context, tx Tx, g *Game, company *Company, player *Player, o *PlayerOrder) (bool, error) {
	price := company.StockPrice
	qty := o.Quantity()
	amount, err := notional(price, qty)
	if err != nil {
		return false, nil
	}

	switch s := o.Spec.(type) {
	case MarketOrder:
		if s.IsSell {
			held, err := tx.ShareCount(ctx, company.ID, PlayerOwner(player.ID))
			if err != nil {
				return false, err
			}
			if held < qty {
				return false, nil
			}
			if err := tx.MoveShares(ctx, company.ID, PlayerOwner(player.ID), PoolOwner(LocationOpenMarket), qty); err != nil {
				return false, err
			}
			player.CashOnHand += amount
			g.BankPool -= amount
		} else {
			pool := PoolOwner(s.Location)
			avail, err := tx.ShareCount(ctx, company.ID, pool)
			if err != nil {
				return false, err
			}
			if avail < qty || player.CashOnHand < amount {
				return false, nil
			}
			if err := tx.MoveShares(ctx, company.ID, pool, PlayerOwner(player.ID), qty); err != nil {
				return false, err
			}
			player.CashOnHand -= amount
			if s.Location == LocationIPO {
				company.CashOnHand += amount
				if err := tx.UpdateCompany(ctx, *company); err != nil {
					return false, err
				}
			} else {
				g.BankPool += amount
			}
		}
		o.Status = OrderFilled
	case ShortOrder:
		player.CashOnHand += amount
		g.BankPool -= amount
		// Covered at END_TURN.
		o.Status = OrderFilledPendingSettlement
	default:
		return false, nil
	}
	o.FillPrice = price
	if err := tx.UpdatePlayer(ctx, *player); err != nil {
		return false, err
	}
	return true, nil
}

// ResolvePriceMovement applies the price policy to a company's net volume
// and persists the new price.
func (e *StockEngine) ResolvePriceMovement(ctx context.Context, tx Tx, companyID string, netVolume int64) (PriceChange, error) {
	company, err := tx.Company(ctx, companyID)
	if err != nil {
		return PriceChange{}, err
	}
	change := PriceChange{CompanyID: companyID, Prev: company.StockPrice}
	change.Price = e.policy.Move(company.StockPrice, netVolume)
	if change.Price != change.Prev {
		company.StockPrice = change.Price
		if err := tx.UpdateCompany(ctx, company); err != nil {
			return PriceChange{}, err
		}
	}
	return change, nil
}

// TriggerLimitOrders moves every resting limit order of the company whose
// value the price crossed from OPEN to FILLED_PENDING_SETTLEMENT. Orders
// that stay past their limit are not visited again since they are no longer
// OPEN.
func (e *StockEngine) TriggerLimitOrders(ctx context.Context, tx Tx, companyID string, prevPrice, currentPrice int64) ([]PlayerOrder, error) {
	if prevPrice == currentPrice {
		return nil, nil
	}
	resting, err := tx.ListOrders(ctx, OrderFilter{
		CompanyID: companyID,
		Kinds:     []OrderKind{OrderLimit},
		Statuses:  []OrderStatus{OrderOpen},
		Sort:      SortByValueAsc,
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]PlayerOrder, len(resting))
	for _, o := range resting {
		byID[o.ID] = o
	}

	var fired []PlayerOrder
	for _, id := range newLimitBook(resting).crossed(prevPrice, currentPrice) {
		o := byID[id]
		o.Status = OrderFilledPendingSettlement
		o.FillPrice = o.Row().Value
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return nil, err
		}
		fired = append(fired, o)
	}
	return fired, nil
}

// SettleLimitOrders settles triggered limit orders at their limit value in
// trigger order. Buys draw from the open market.
func (e *StockEngine) SettleLimitOrders(ctx context.Context, tx Tx) (SubRoundResult, error) {
	var res SubRoundResult
	g, err := tx.Game(ctx)
	if err != nil {
		return res, err
	}
	pending, err := tx.ListOrders(ctx, OrderFilter{
		Kinds:    []OrderKind{OrderLimit},
		Statuses: []OrderStatus{OrderFilledPendingSettlement},
	})
	if err != nil {
		return res, err
	}
	for _, o := range pending {
		lo := o.Spec.(LimitOrder)
		player, err := tx.Player(ctx, o.PlayerID)
		if err != nil {
			return res, err
		}
		amount, err := notional(lo.Value, lo.Quantity)
		ok := err == nil
		if ok && lo.IsSell {
			held, err := tx.ShareCount(ctx, o.CompanyID, PlayerOwner(player.ID))
			if err != nil {
				return res, err
			}
			ok = held >= lo.Quantity
			if ok {
				if err := tx.MoveShares(ctx, o.CompanyID, PlayerOwner(player.ID), PoolOwner(LocationOpenMarket), lo.Quantity); err != nil {
					return res, err
				}
				player.CashOnHand += amount
				g.BankPool -= amount
			}
		} else if ok {
			avail, err := tx.ShareCount(ctx, o.CompanyID, PoolOwner(LocationOpenMarket))
			if err != nil {
				return res, err
			}
			ok = avail >= lo.Quantity && player.CashOnHand >= amount
			if ok {
				if err := tx.MoveShares(ctx, o.CompanyID, PoolOwner(LocationOpenMarket), PlayerOwner(player.ID), lo.Quantity); err != nil {
					return res, err
				}
				player.CashOnHand -= amount
				g.BankPool += amount
			}
		}
		if ok {
			o.Status = OrderFilled
			if err := tx.UpdatePlayer(ctx, player); err != nil {
				return res, err
			}
			res.Filled = append(res.Filled, o)
		} else {
			o.Status = OrderRejected
			res.Rejected = append(res.Rejected, o)
		}
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return res, err
		}
	}
	return res, tx.UpdateGame(ctx, g)
}

// CloseTurn covers the turn's short positions at the current price and
// cancels resting limit orders that reached their age limit. A player who
// cannot pay the full cover pays what they hold; the bank absorbs the rest.
func (e *StockEngine) CloseTurn(ctx context.Context, tx Tx) (SubRoundResult, error) {
	var res SubRoundResult
	g, err := tx.Game(ctx)
	if err != nil {
		return res, err
	}

	shorts, err := tx.ListOrders(ctx, OrderFilter{
		Kinds:    []OrderKind{OrderShort},
		Statuses: []OrderStatus{OrderFilledPendingSettlement},
	})
	if err != nil {
		return res, err
	}
	for _, o := range shorts {
		company, err := tx.Company(ctx, o.CompanyID)
		if err != nil {
			return res, err
		}
		player, err := tx.Player(ctx, o.PlayerID)
		if err != nil {
			return res, err
		}
		cost, err := notional(company.StockPrice, o.Quantity())
		if err != nil {
			cost = player.CashOnHand
		}
		paid := min(cost, player.CashOnHand)
		player.CashOnHand -= paid
		g.BankPool += paid
		if err := tx.UpdatePlayer(ctx, player); err != nil {
			return res, err
		}
		o.Status = OrderFilled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return res, err
		}
		res.Filled = append(res.Filled, o)
	}

	maxAge := max(e.rules.LimitOrderTurns, 1)
	resting, err := tx.ListOrders(ctx, OrderFilter{
		Kinds:    []OrderKind{OrderLimit},
		Statuses: []OrderStatus{OrderOpen},
	})
	if err != nil {
		return res, err
	}
	for _, o := range resting {
		if g.Turn-o.Turn+1 < maxAge {
			continue
		}
		o.Status = OrderCancelled
		if err := tx.UpdateOrder(ctx, o); err != nil {
			return res, err
		}
		res.Rejected = append(res.Rejected, o)
	}
	return res, tx.UpdateGame(ctx, g)
}
