package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies a hedge-mode position leg. Bybit's positionIdx: 1=Long, 2=Short.
type Side int

const (
	SideLong  Side = 1
	SideShort Side = 2
)

func (s Side) String() string {
	switch s {
	case SideLong:
		return "Long"
	case SideShort:
		return "Short"
	default:
		return "Unknown"
	}
}

// Opposite returns the other side of the same symbol.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide is the exchange-facing buy/sell direction, distinct from the
// hedge-mode Side (position leg). Opening Long and closing Short both buy.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "Buy"
	OrderSideSell OrderSide = "Sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "Market"
	OrderTypeLimit  OrderType = "Limit"
)

type OrderStatus string

const (
	OrderStatusUnspecified     OrderStatus = ""
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// PendingTPPlaceholder is written into a side's tp_order_id slot while a TP
// placement command is in flight, so the order-stream handler can recognize
// and ignore updates that race ahead of the REST response.
const PendingTPPlaceholder = "PENDING"

// GridEntry is one filled opening order contributing to a side's position.
type GridEntry struct {
	GridLevel  uint32
	QtyCoins   decimal.Decimal
	EntryPrice decimal.Decimal
	OrderID    string // empty means cleared/unverified
	OpenedAt   time.Time
}

// SideState tracks one Long or Short leg of a symbol.
type SideState struct {
	Entries   []GridEntry
	TPOrderID string // empty = unset; core.PendingTPPlaceholder while in flight
}

// TotalQty returns the sum of all entry quantities.
func (s *SideState) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, e := range s.Entries {
		total = total.Add(e.QtyCoins)
	}
	return total
}

// AvgEntry returns the quantity-weighted average entry price.
func (s *SideState) AvgEntry() decimal.Decimal {
	totalQty := decimal.Zero
	weighted := decimal.Zero
	for _, e := range s.Entries {
		weighted = weighted.Add(e.QtyCoins.Mul(e.EntryPrice))
		totalQty = totalQty.Add(e.QtyCoins)
	}
	if totalQty.IsZero() {
		return decimal.Zero
	}
	return weighted.Div(totalQty)
}

// GridLevel returns the count of entries, i.e. the next level to be assigned.
func (s *SideState) GridLevel() uint32 {
	return uint32(len(s.Entries))
}

// TotalMargin returns the sum of (qty*price)/leverage across entries, valued
// at the given current price rather than each entry's own entry price.
func (s *SideState) TotalMargin(price decimal.Decimal, leverage int64) decimal.Decimal {
	if leverage <= 0 {
		return decimal.Zero
	}
	qty := s.TotalQty()
	return qty.Mul(price).Div(decimal.NewFromInt(leverage))
}

// SymbolState holds both legs of one traded symbol plus the reconciliation
// bookkeeping needed to keep them symmetric across restarts.
type SymbolState struct {
	Long  SideState
	Short SideState

	// ReferenceQtyPerLevel is the canonical qty-at-level derived from both
	// sides' history; enforces hedge symmetry after restart.
	ReferenceQtyPerLevel map[uint32]decimal.Decimal

	// PendingEntryOrders reserves the next grid level per side with a
	// resting (unfilled) limit order, keyed by side.
	PendingEntryOrders map[Side][]string

	LastPendingCheckPrice decimal.Decimal
}

func NewSymbolState() SymbolState {
	return SymbolState{
		ReferenceQtyPerLevel: make(map[uint32]decimal.Decimal),
		PendingEntryOrders:   make(map[Side][]string),
	}
}

func (s *SymbolState) Side(side Side) *SideState {
	if side == SideLong {
		return &s.Long
	}
	return &s.Short
}

// WalletSnapshot mirrors Bybit's unified-account wallet response for one
// account, in USDT settlement terms.
type WalletSnapshot struct {
	TotalEquity            decimal.Decimal
	TotalAvailableBalance   decimal.Decimal
	TotalInitialMargin      decimal.Decimal
	TotalOrderIM            decimal.Decimal
	TotalMaintenanceMargin  decimal.Decimal
	AccountMMRatePercent    decimal.Decimal
	UpdatedAt               time.Time
}

// AccountState is the full persisted state of one account.
type AccountState struct {
	AccountID uint16
	Symbols   map[string]*SymbolState

	AveragingFrozen bool
	FreezeReason    string

	PanicMode      bool
	PanicReason    string
	PanicEnteredAt time.Time

	EmergencyStopped bool

	Wallet WalletSnapshot
}

func NewAccountState(accountID uint16) *AccountState {
	return &AccountState{
		AccountID: accountID,
		Symbols:   make(map[string]*SymbolState),
	}
}

// Symbol returns the state of one symbol, creating an empty entry on first use.
func (a *AccountState) Symbol(symbol string) *SymbolState {
	if a.Symbols == nil {
		a.Symbols = make(map[string]*SymbolState)
	}
	s, ok := a.Symbols[symbol]
	if !ok {
		st := NewSymbolState()
		s = &st
		a.Symbols[symbol] = s
	}
	return s
}

// --- Stream/event surface (spec §6) ---

type Ticker struct {
	Symbol    string
	LastPrice decimal.Decimal
	Timestamp time.Time
}

type PositionUpdate struct {
	Symbol         string
	Side           Side
	Size           decimal.Decimal
	AvgPrice       decimal.Decimal
	CumRealisedPnL decimal.Decimal
}

type WalletUpdate struct {
	TotalEquity           decimal.Decimal
	TotalAvailableBalance decimal.Decimal
	TotalInitialMargin    decimal.Decimal
	TotalOrderIM          decimal.Decimal
	TotalMaintenanceMargin decimal.Decimal
	AccountMMRate         decimal.Decimal
}

type Order struct {
	OrderID      string
	ClientOID    string
	Symbol       string
	Side         OrderSide
	Qty          decimal.Decimal
	Price        decimal.Decimal
	OrderType    OrderType
	OrderStatus  OrderStatus
	ReduceOnly   bool
	PositionIdx  int
	CumExecQty   decimal.Decimal
	AvgPrice     decimal.Decimal
	CreatedAt    time.Time
}

type Execution struct {
	OrderID    string
	Symbol     string
	Side       OrderSide
	ExecQty    decimal.Decimal
	ExecPrice  decimal.Decimal
	ReduceOnly bool
	PositionIdx int
	ExecTime   time.Time
}

// PlaceOrderRequest is the command surface argument for C1 (spec §6).
type PlaceOrderRequest struct {
	Symbol      string
	Side        OrderSide
	Qty         decimal.Decimal
	OrderType   OrderType
	Price       decimal.Decimal // ignored for Market
	ReduceOnly  bool
	PositionIdx int
	ClientOID   string
}

type PlaceOrderResult struct {
	OrderID   string
	ClientOID string
}

type PositionSnapshot struct {
	Symbol   string
	Side     Side
	Size     decimal.Decimal
	AvgPrice decimal.Decimal
}

type HistoricalOrder struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	PositionIdx int
	OrderStatus OrderStatus
	ReduceOnly  bool
	CumExecQty  decimal.Decimal
	AvgPrice    decimal.Decimal
	UpdatedAt   time.Time
}

type OrderHistoryPage struct {
	Orders     []HistoricalOrder
	NextCursor string
}
