// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the hive — order records, market
// data snapshots, normalized account events, strategy configs, and the error
// taxonomy. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order shapes.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET" // realized as aggressive IOC at the venue
)

// TimeInForce enumerates the supported resting policies for limit orders.
type TimeInForce string

const (
	TIFGtc TimeInForce = "GTC" // good-til-cancelled
	TIFIoc TimeInForce = "IOC" // immediate-or-cancel
	TIFAlo TimeInForce = "ALO" // add-liquidity-only (post-only)
)

// PositionMode determines how the venue nets fills into positions.
type PositionMode string

const (
	PositionOneway PositionMode = "ONEWAY"
	PositionHedge  PositionMode = "HEDGE"
)

// Network selects the venue environment.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
)

// ————————————————————————————————————————————————————————————————————————
// Order lifecycle
// ————————————————————————————————————————————————————————————————————————

// OrderState is the lifecycle state of a single order. Transitions are
// monotonic: an order never moves from a later state back to an earlier one.
type OrderState string

const (
	OrderPendingNew      OrderState = "pending_new"
	OrderOpen            OrderState = "open"
	OrderPartiallyFilled OrderState = "partially_filled"
	OrderFilled          OrderState = "filled"
	OrderCancelled       OrderState = "cancelled"
	OrderRejected        OrderState = "rejected"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// rank orders states for monotonicity checks. Terminal states share the top
// rank; which terminal state an order reaches depends on the venue.
func (s OrderState) rank() int {
	switch s {
	case OrderPendingNew:
		return 0
	case OrderOpen:
		return 1
	case OrderPartiallyFilled:
		return 2
	case OrderFilled, OrderCancelled, OrderRejected:
		return 3
	}
	return -1
}

// CanTransition reports whether moving from s to next respects the order DFA.
func (s OrderState) CanTransition(next OrderState) bool {
	if s == next {
		return false
	}
	if s.Terminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// OrderRecord is the hive's view of one outbound order. ClientOrderID is
// assigned by the strategy host (monotonic per strategy) before submission;
// ExchangeOrderID stays empty until the venue acks.
type OrderRecord struct {
	ClientOrderID   string          `json:"client_order_id"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	StrategyID      string          `json:"strategy_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Price           decimal.Decimal `json:"price"`
	Size            decimal.Decimal `json:"size"`
	Filled          decimal.Decimal `json:"filled"`
	State           OrderState      `json:"state"`
	ReduceOnly      bool            `json:"reduce_only,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Remaining returns the unfilled quantity, never negative.
func (o OrderRecord) Remaining() decimal.Decimal {
	rem := o.Size.Sub(o.Filled)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// ————————————————————————————————————————————————————————————————————————
// Intents
// ————————————————————————————————————————————————————————————————————————

// IntentKind discriminates the three outbound actions a strategy can request.
type IntentKind string

const (
	IntentCreate    IntentKind = "create"
	IntentCancel    IntentKind = "cancel"
	IntentCancelAll IntentKind = "cancel_all"
)

// Intent is a strategy's request against the order gateway. Every intent is
// attributed to the strategy that produced it; the gateway enforces quotas,
// fair dequeue, and cancel priority on top of this contract.
type Intent struct {
	Kind       IntentKind
	StrategyID string
	Symbol     string

	// Create fields.
	ClientOrderID string
	Side          Side
	Price         decimal.Decimal
	Size          decimal.Decimal
	OrderType     OrderType
	TIF           TimeInForce
	ReduceOnly    bool
	PostOnly      bool

	// Cancel fields: the order to pull. CancelAll ignores both.
	CancelClientID   string
	CancelExchangeID string
}

// OutcomeStatus reports how an intent fared at the venue boundary.
type OutcomeStatus string

const (
	IntentAccepted OutcomeStatus = "accepted"
	IntentRejected OutcomeStatus = "rejected"
	IntentShed     OutcomeStatus = "shed" // dropped from an overflowing queue
)

// IntentOutcome is the asynchronous completion for a submitted intent.
// Filled and AvgPrice are set when the venue reported an immediate execution
// in the ack itself (IOC orders, dry-run fills).
type IntentOutcome struct {
	Intent          Intent
	Status          OutcomeStatus
	ExchangeOrderID string
	Filled          decimal.Decimal
	AvgPrice        decimal.Decimal
	Err             error // classified; nil when accepted
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// BookLevel is a single bid or ask level.
type BookLevel struct {
	Price decimal.Decimal `json:"px"`
	Size  decimal.Decimal `json:"sz"`
}

// BookSnapshot is an immutable point-in-time view of one symbol's book.
// The hub swaps whole snapshots atomically so readers never observe a
// half-applied update.
type BookSnapshot struct {
	Symbol    string
	Bids      []BookLevel // descending by price, best first
	Asks      []BookLevel // ascending by price, best first
	LastTrade decimal.Decimal
	Sequence  uint64    // upstream ordering within the symbol
	UpdatedAt time.Time // venue timestamp of the underlying update
}

// BestBid returns the top bid, or false when the side is empty.
func (b BookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, or false when the side is empty.
func (b BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// Mid returns the midpoint of the top of book, or false when either side
// is empty.
func (b BookSnapshot) Mid() (decimal.Decimal, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// Fresh reports whether the snapshot is younger than maxAge at instant now.
// A snapshot exactly maxAge old is stale.
func (b BookSnapshot) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(b.UpdatedAt) < maxAge
}

// Trade is a normalized public trade print.
type Trade struct {
	Symbol string
	Price  decimal.Decimal
	Size   decimal.Decimal
	Side   Side // aggressor side
	Time   time.Time
}

// Candle is one OHLCV bar. Indicator math runs on float64 series, so candle
// prices are plain floats; order quantities stay decimal.
type Candle struct {
	Symbol   string
	Interval string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Start    time.Time
	End      time.Time
	Closed   bool // false while the bar is still forming
}

// Instrument is cached venue metadata for one tradable symbol. All outbound
// prices and sizes are rounded to these grids before hitting the wire.
type Instrument struct {
	Symbol       string // normalized BASE-QUOTE, e.g. "ETH-USD"
	Coin         string // venue asset code, e.g. "ETH"
	AssetID      int    // venue asset index used in signed actions
	TickDecimals int    // max decimal places for prices
	LotDecimals  int    // max decimal places for sizes
	MinSize      decimal.Decimal
	MaxLeverage  int
}

// RoundPrice rounds a price onto the instrument's tick grid, toward the
// passive side of the given order direction (buys round down, sells up).
func (in Instrument) RoundPrice(px decimal.Decimal, side Side) decimal.Decimal {
	if side == BUY {
		return px.RoundFloor(int32(in.TickDecimals))
	}
	return px.RoundCeil(int32(in.TickDecimals))
}

// RoundSize rounds a size down onto the lot grid. Sizes never round up so a
// reduce-only flatten cannot overshoot the position.
func (in Instrument) RoundSize(sz decimal.Decimal) decimal.Decimal {
	return sz.RoundFloor(int32(in.LotDecimals))
}

// Tick returns the minimum price increment.
func (in Instrument) Tick() decimal.Decimal {
	return decimal.New(1, -int32(in.TickDecimals))
}

// ————————————————————————————————————————————————————————————————————————
// Account events (normalized user-stream payloads)
// ————————————————————————————————————————————————————————————————————————

// OrderEvent is a normalized order lifecycle notification. Synthetic events
// are generated locally during reconnect reconciliation rather than received
// from the venue.
type OrderEvent struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	State           OrderState
	Price           decimal.Decimal
	Size            decimal.Decimal
	Filled          decimal.Decimal // cumulative
	Reason          string          // venue-provided, e.g. reject cause
	Synthetic       bool
	Time            time.Time
}

// Fill is a normalized execution against one of our orders.
type Fill struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Price           decimal.Decimal
	Size            decimal.Decimal
	Fee             decimal.Decimal
	Crossed         bool // true when we were the aggressor
	Synthetic       bool
	Time            time.Time
}

// Position is the venue's view of one symbol's exposure. Size is signed:
// positive long, negative short.
type Position struct {
	Symbol         string          `json:"symbol"`
	Size           decimal.Decimal `json:"size"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
	UnrealizedPnl  decimal.Decimal `json:"unrealized_pnl"`
	Leverage       int             `json:"leverage"`
	MarginUsed     decimal.Decimal `json:"margin_used"`
	LiquidationPx  decimal.Decimal `json:"liquidation_px,omitempty"`
	PositionValue  decimal.Decimal `json:"position_value"`
	ReturnOnEquity decimal.Decimal `json:"return_on_equity,omitempty"`
}

// Balances is a summary of account margin state.
type Balances struct {
	AccountValue    decimal.Decimal `json:"account_value"`
	TotalMarginUsed decimal.Decimal `json:"total_margin_used"`
	Withdrawable    decimal.Decimal `json:"withdrawable"`
}

// MarginFraction returns available margin as a fraction of account value,
// or zero when the account is empty.
func (b Balances) MarginFraction() decimal.Decimal {
	if b.AccountValue.IsZero() {
		return decimal.Zero
	}
	return b.AccountValue.Sub(b.TotalMarginUsed).Div(b.AccountValue)
}

// FundingPayment is a normalized funding transfer on an open position.
type FundingPayment struct {
	Symbol string
	Amount decimal.Decimal // positive = received
	Rate   decimal.Decimal
	Time   time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Activity & heartbeat
// ————————————————————————————————————————————————————————————————————————

// ActivityKind labels what a strategy action was.
type ActivityKind string

const (
	ActivityOrderPlaced    ActivityKind = "order_placed"
	ActivityOrderCancelled ActivityKind = "order_cancelled"
	ActivityOrderRejected  ActivityKind = "order_rejected"
	ActivityOrderShed      ActivityKind = "order_shed"
	ActivityFill           ActivityKind = "fill"
	ActivityPositionOpened ActivityKind = "position_opened"
	ActivityPositionClosed ActivityKind = "position_closed"
	ActivityStatusChange   ActivityKind = "status_change"
	ActivityError          ActivityKind = "error"
	ActivityClose          ActivityKind = "close"
)

// Activity is one append-only structured event attributed to a strategy.
// Retained in bounded rings and persisted opportunistically.
type Activity struct {
	ID          string          `json:"id"`
	StrategyID  string          `json:"strategy_id"`
	Kind        ActivityKind    `json:"kind"`
	Success     bool            `json:"success"`
	OrderID     string          `json:"order_id,omitempty"`
	Price       decimal.Decimal `json:"price,omitempty"`
	Size        decimal.Decimal `json:"size,omitempty"`
	TradingPair string          `json:"trading_pair,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// BotHeartbeat is the periodic liveness report a hive sends to the manager,
// and the record the /bots endpoints serve back.
type BotHeartbeat struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Status           string   `json:"status"` // "online" | "offline"
	Strategies       []string `json:"strategies"`
	Uptime           float64  `json:"uptime"` // seconds
	TotalStrategies  int      `json:"total_strategies"`
	TotalActions     uint64   `json:"total_actions"`
	ActionsPerMinute float64  `json:"actions_per_minute"`
	MemoryUsage      float64  `json:"memory_usage"` // MiB
	CPUUsage         float64  `json:"cpu_usage"`    // fraction, best effort
	APIPort          int      `json:"api_port"`
	UserMainAddress  string   `json:"user_main_address,omitempty"`
	LastActivity     string   `json:"last_activity,omitempty"`
}

// Counters aggregates a strategy's action totals. The invariant
// SuccessfulOrders + FailedOrders <= TotalActions always holds: shed and
// queued intents count as actions before they resolve either way.
type Counters struct {
	TotalActions     uint64 `json:"total_actions"`
	SuccessfulOrders uint64 `json:"successful_orders"`
	FailedOrders     uint64 `json:"failed_orders"`
}

// String renders counters for logs.
func (c Counters) String() string {
	return fmt.Sprintf("actions=%d ok=%d failed=%d", c.TotalActions, c.SuccessfulOrders, c.FailedOrders)
}
