package domain

// OrderAction is the trade direction sent to the broker gateway.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// Opposite returns the reversing action.
func (a OrderAction) Opposite() OrderAction {
	if a == ActionBuy {
		return ActionSell
	}
	return ActionBuy
}

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Exchange is the broker exchange segment.
type Exchange string

const (
	ExchangeNFO Exchange = "NFO"
	ExchangeMCX Exchange = "MCX"
)

// OrderStatus mirrors the broker orderbook status values.
type OrderStatus string

const (
	OrderComplete  OrderStatus = "COMPLETE"
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderRejected  OrderStatus = "REJECTED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the order will see no further fills.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderComplete, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// OrderRequest is the broker gateway placeorder payload.
type OrderRequest struct {
	Symbol   string      `json:"symbol"`
	Action   OrderAction `json:"action"`
	Quantity int         `json:"quantity"`
	Type     OrderType   `json:"order_type"`
	Product  string      `json:"product"`
	Exchange Exchange    `json:"exchange"`
	Price    float64     `json:"price"`
}

// OrderState is a single broker orderbook entry.
type OrderState struct {
	OrderID    string      `json:"orderid"`
	Status     OrderStatus `json:"status"`
	FillStatus string      `json:"fill_status"`
	FillPrice  float64     `json:"fill_price"`
	FilledLots int         `json:"filled_lots"`
}

// Quote is a broker bid/ask snapshot.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Funds is the broker funds snapshot used by the margin constraint.
type Funds struct {
	AvailableMargin float64
	UsedMargin      float64
}

// BrokerPosition is one row of the broker positionbook, used by rollover
// reconciliation.
type BrokerPosition struct {
	Symbol   string
	Quantity int
	Exchange Exchange
}

// ExecStatus classifies an executor outcome.
type ExecStatus string

const (
	ExecExecuted ExecStatus = "executed"
	ExecPartial  ExecStatus = "partial"
	ExecRejected ExecStatus = "rejected"
	ExecFailed   ExecStatus = "failed"
)

// ExecutionResult is the executor's report for a single logical order, which
// may span several broker orders (limit improvements, market fallback,
// two-leg entries).
type ExecutionResult struct {
	Status        ExecStatus
	FillPrice     float64
	FilledLots    int
	CancelledLots int
	SlippagePct   float64
	OrderIDs      []string
	Attempts      int
	Notes         string
}
