package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reverse side (used for unwinding).
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the lifecycle state of a leg.
// Pending -> Placed -> {PartiallyFilled, Filled, Cancelled, Failed}
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPlaced          OrderStatus = "PLACED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusFailed
}

var legTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:         {OrderStatusPlaced, OrderStatusFailed, OrderStatusCancelled},
	OrderStatusPlaced:          {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed},
	OrderStatusPartiallyFilled: {OrderStatusPartiallyFilled, OrderStatusFilled, OrderStatusCancelled, OrderStatusFailed},
}

// Leg is one order of a multi-leg execution. Owned by the execution
// coordinator for the lifetime of one opportunity.
type Leg struct {
	ID           string          `json:"id"` // Client order id
	ExchangeID   string          `json:"exchange_id,omitempty"`
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Type         OrderType       `json:"type"`
	Amount       decimal.Decimal `json:"amount"` // Base quantity requested
	Price        decimal.Decimal `json:"price"`  // Limit price, or expected price for market orders
	Filled       decimal.Decimal `json:"filled"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	Fee          decimal.Decimal `json:"fee"` // Charged in quote currency
	Status       OrderStatus     `json:"status"`
	Error        string          `json:"error,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewLeg creates a pending leg.
func NewLeg(id, venue, symbol string, side Side, typ OrderType, amount, price decimal.Decimal) *Leg {
	return &Leg{
		ID:        id,
		Venue:     venue,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Amount:    amount,
		Price:     price,
		Status:    OrderStatusPending,
		UpdatedAt: time.Now(),
	}
}

// Transition moves the leg to a new status, rejecting illegal moves.
func (l *Leg) Transition(to OrderStatus) error {
	if l.Status == to && to != OrderStatusPartiallyFilled {
		return nil
	}
	for _, allowed := range legTransitions[l.Status] {
		if allowed == to {
			l.Status = to
			l.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("leg %s: illegal transition %s -> %s", l.ID, l.Status, to)
}

// Fail marks the leg failed with a reason. Terminal legs are left untouched.
func (l *Leg) Fail(err error) {
	if l.Status.IsTerminal() {
		return
	}
	l.Status = OrderStatusFailed
	l.Error = err.Error()
	l.UpdatedAt = time.Now()
}

// ApplyFill records the cumulative fill state reported by a venue.
func (l *Leg) ApplyFill(filled, avgPrice, fee decimal.Decimal) error {
	l.Filled = filled
	l.AvgFillPrice = avgPrice
	l.Fee = fee
	switch {
	case filled.GreaterThanOrEqual(l.Amount) && filled.IsPositive():
		return l.Transition(OrderStatusFilled)
	case filled.IsPositive():
		return l.Transition(OrderStatusPartiallyFilled)
	}
	return nil
}

// FilledNotional is filled * avg price in quote currency.
func (l *Leg) FilledNotional() decimal.Decimal {
	return l.Filled.Mul(l.AvgFillPrice)
}
