package game

import (
	"encoding/json"
	"fmt"
	"time"
)

type OrderKind string

const (
	OrderMarket OrderKind = "MARKET"
	OrderLimit  OrderKind = "LIMIT"
	OrderShort  OrderKind = "SHORT"
)

type OrderStatus string

const (
	OrderOpen                    OrderStatus = "OPEN"
	OrderFilledPendingSettlement OrderStatus = "FILLED_PENDING_SETTLEMENT"
	OrderFilled                  OrderStatus = "FILLED"
	OrderRejected                OrderStatus = "REJECTED"
	OrderCancelled               OrderStatus = "CANCELLED"
)

// OrderSpec is the kind-specific payload of a PlayerOrder. Exactly one of
// MarketOrder, LimitOrder, ShortOrder.
type OrderSpec interface {
	Kind() OrderKind
	validate() error
}

type MarketOrder struct {
	Quantity int64
	IsSell   bool
	Location ShareLocation
}

func (MarketOrder) Kind() OrderKind { return OrderMarket }

func (o MarketOrder) validate() error {
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidOrder)
	}
	switch o.Location {
	case LocationIPO:
		if o.IsSell {
			return ErrIPOSell
		}
	case LocationOpenMarket:
	default:
		return fmt.Errorf("%w: location must be IPO or OPEN_MARKET", ErrInvalidOrder)
	}
	return nil
}

// LimitOrder rests until the company price crosses Value.
type LimitOrder struct {
	Value    int64
	Quantity int64
	IsSell   bool
}

func (LimitOrder) Kind() OrderKind { return OrderLimit }

func (o LimitOrder) validate() error {
	if o.Value <= 0 {
		return fmt.Errorf("%w: limit value must be > 0", ErrInvalidOrder)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidOrder)
	}
	return nil
}

// ShortOrder sells borrowed shares now; the position is covered at END_TURN.
type ShortOrder struct {
	Quantity int64
}

func (ShortOrder) Kind() OrderKind { return OrderShort }

func (o ShortOrder) validate() error {
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrInvalidOrder)
	}
	return nil
}

type PlayerOrder struct {
	ID           string      `json:"id"`
	GameID       string      `json:"game_id"`
	StockRoundID string      `json:"stock_round_id"`
	PhaseID      string      `json:"phase_id"`
	PlayerID     string      `json:"player_id"`
	CompanyID    string      `json:"company_id"`
	Spec         OrderSpec   `json:"-"`
	Status       OrderStatus `json:"status"`
	// PriceAtPlacement is the company price when a market order was accepted.
	PriceAtPlacement int64     `json:"price_at_placement"`
	FillPrice        int64     `json:"fill_price,omitempty"`
	Turn             int       `json:"turn"`
	CreatedAt        time.Time `json:"created_at"`
	Seq              int64     `json:"seq"`
}

func (o PlayerOrder) Kind() OrderKind { return o.Spec.Kind() }

func (o PlayerOrder) IsSell() bool {
	switch s := o.Spec.(type) {
	case MarketOrder:
		return s.IsSell
	case LimitOrder:
		return s.IsSell
	case ShortOrder:
		return true
	}
	return false
}

func (o PlayerOrder) Quantity() int64 {
	switch s := o.Spec.(type) {
	case MarketOrder:
		return s.Quantity
	case LimitOrder:
		return s.Quantity
	case ShortOrder:
		return s.Quantity
	}
	return 0
}

// Unsettled reports orders still holding a claim on the player's cash.
func (o PlayerOrder) Unsettled() bool {
	return o.Status == OrderOpen || o.Status == OrderFilledPendingSettlement
}

// Commitment is the cash this order reserves until it settles.
func (o PlayerOrder) Commitment() (int64, error) {
	if !o.Unsettled() {
		return 0, nil
	}
	switch s := o.Spec.(type) {
	case MarketOrder:
		if s.IsSell {
			return 0, nil
		}
		return notional(o.PriceAtPlacement, s.Quantity)
	case LimitOrder:
		if s.IsSell {
			return 0, nil
		}
		return notional(s.Value, s.Quantity)
	}
	return 0, nil
}

func (o PlayerOrder) MarshalJSON() ([]byte, error) {
	type plain PlayerOrder
	r := o.Row()
	return json.Marshal(struct {
		plain
		Kind     OrderKind     `json:"kind"`
		Quantity int64         `json:"quantity"`
		Value    int64         `json:"value,omitempty"`
		IsSell   bool          `json:"is_sell"`
		Location ShareLocation `json:"location"`
	}{plain(o), r.Kind, r.Quantity, r.Value, r.IsSell, r.Location})
}

func (o *PlayerOrder) UnmarshalJSON(raw []byte) error {
	type plain PlayerOrder
	var in struct {
		plain
		Kind     OrderKind     `json:"kind"`
		Quantity int64         `json:"quantity"`
		Value    int64         `json:"value"`
		IsSell   bool          `json:"is_sell"`
		Location ShareLocation `json:"location"`
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	spec, err := SpecFromRow(OrderRow{Kind: in.Kind, Quantity: in.Quantity, Value: in.Value, IsSell: in.IsSell, Location: in.Location})
	if err != nil {
		return err
	}
	*o = PlayerOrder(in.plain)
	o.Spec = spec
	return nil
}

// OrderRow is the flat storage shape of a PlayerOrder.
type OrderRow struct {
	Kind     OrderKind
	Quantity int64
	Value    int64
	IsSell   bool
	Location ShareLocation
}

func (o PlayerOrder) Row() OrderRow {
	r := OrderRow{Kind: o.Spec.Kind(), Quantity: o.Quantity(), IsSell: o.IsSell()}
	switch s := o.Spec.(type) {
	case MarketOrder:
		r.Location = s.Location
	case LimitOrder:
		r.Value = s.Value
		r.Location = LocationOpenMarket
	case ShortOrder:
		r.Location = LocationOpenMarket
	}
	return r
}

// SpecFromRow rebuilds the sum type from storage columns.
func SpecFromRow(r OrderRow) (OrderSpec, error) {
	switch r.Kind {
	case OrderMarket:
		return MarketOrder{Quantity: r.Quantity, IsSell: r.IsSell, Location: r.Location}, nil
	case OrderLimit:
		return LimitOrder{Value: r.Value, Quantity: r.Quantity, IsSell: r.IsSell}, nil
	case OrderShort:
		return ShortOrder{Quantity: r.Quantity}, nil
	}
	return nil, fmt.Errorf("%w: unknown order kind %q", ErrInvalidOrder, r.Kind)
}
