package types

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Strategy taxonomy
// ————————————————————————————————————————————————————————————————————————

// StrategyType discriminates the top-level strategy families.
type StrategyType string

const (
	StrategyPureMarketMaking   StrategyType = "pure_market_making"
	StrategyDirectionalTrading StrategyType = "directional_trading"
	StrategyMarketMakingV2     StrategyType = "market_making_v2"
	StrategyArbitrage          StrategyType = "arbitrage" // recognized, not runnable
)

// Valid reports whether t names a known strategy family.
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyPureMarketMaking, StrategyDirectionalTrading, StrategyMarketMakingV2, StrategyArbitrage:
		return true
	}
	return false
}

// ControllerName selects the concrete controller within a strategy family.
type ControllerName string

const (
	ControllerBollinger  ControllerName = "bollinger"
	ControllerMACDBB     ControllerName = "macd_bb"
	ControllerSupertrend ControllerName = "supertrend"
	ControllerDManV3     ControllerName = "dman_v3"

	ControllerPMMDynamic  ControllerName = "pmm_dynamic"
	ControllerDManMakerV2 ControllerName = "dman_maker_v2"
)

// StrategyStatus is the lifecycle state of a hosted strategy.
//
//	pending ──start──► active ──close──► closing ──done──► stopped
//	   │                 │                   │
//	   └──fatal──► error ◄───────────────────┘
//
// stopped and error are terminal within the process; re-enabling a strategy
// requires re-registration under a new id.
type StrategyStatus string

const (
	StatusPending StrategyStatus = "pending"
	StatusActive  StrategyStatus = "active"
	StatusClosing StrategyStatus = "closing"
	StatusStopped StrategyStatus = "stopped"
	StatusError   StrategyStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s StrategyStatus) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// step.
func (s StrategyStatus) CanTransition(next StrategyStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusError
	case StatusActive:
		return next == StatusClosing || next == StatusError
	case StatusClosing:
		return next == StatusStopped || next == StatusError
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Strategy configuration
// ————————————————————————————————————————————————————————————————————————

// StrategyConfig is the immutable-after-registration descriptor of one hosted
// strategy. Exactly one of the parameter variants is set, matching Type.
type StrategyConfig struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Type             StrategyType    `json:"strategy_type"`
	ConnectorType    string          `json:"connector_type"`
	TradingPair      string          `json:"trading_pair"`
	TotalAmountQuote decimal.Decimal `json:"total_amount_quote"`
	Leverage         int             `json:"leverage"`
	PositionMode     PositionMode    `json:"position_mode"`
	Enabled          bool            `json:"enabled"`
	Owner            string          `json:"owner,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`

	PMM         *PMMParams         `json:"pmm,omitempty"`
	Directional *DirectionalParams `json:"directional,omitempty"`
	MakerV2     *MakerV2Params     `json:"maker_v2,omitempty"`
}

// PMMParams configures a pure market making ladder. Spreads are fractions of
// the reference price; level i quotes at spread*(i+1).
type PMMParams struct {
	BidSpread                decimal.Decimal `json:"bid_spread"`
	AskSpread                decimal.Decimal `json:"ask_spread"`
	OrderAmount              decimal.Decimal `json:"order_amount"`
	OrderLevels              int             `json:"order_levels"`
	OrderRefreshTime         float64         `json:"order_refresh_time"` // seconds; 0 = every tick
	MinimumSpread            decimal.Decimal `json:"minimum_spread"`
	PriceCeiling             decimal.Decimal `json:"price_ceiling"` // zero = unset
	PriceFloor               decimal.Decimal `json:"price_floor"`   // zero = unset
	PingPongEnabled          bool            `json:"ping_pong_enabled"`
	InventorySkewEnabled     bool            `json:"inventory_skew_enabled"`
	InventoryTargetBasePct   decimal.Decimal `json:"inventory_target_base_pct"` // default 50
	HangingOrdersEnabled     bool            `json:"hanging_orders_enabled"`
	OrderOptimizationEnabled bool            `json:"order_optimization_enabled"`
	AddTransactionCosts      bool            `json:"add_transaction_costs"`
}

// TrailingStop configures a trailing exit: arm once unrealized gain reaches
// ActivationPrice (fraction), then trail the peak by TrailingDelta.
type TrailingStop struct {
	ActivationPrice decimal.Decimal `json:"activation_price"`
	TrailingDelta   decimal.Decimal `json:"trailing_delta"`
}

// DirectionalParams configures a signal-driven position taker.
type DirectionalParams struct {
	ControllerName     ControllerName `json:"controller_name"`
	CandlesConnector   string         `json:"candles_connector"`
	CandlesTradingPair string         `json:"candles_trading_pair"`
	Interval           string         `json:"interval"` // e.g. "1m", "3m", "1h"

	BBLength         int     `json:"bb_length"`
	BBStd            float64 `json:"bb_std"`
	BBLongThreshold  float64 `json:"bb_long_threshold"`
	BBShortThreshold float64 `json:"bb_short_threshold"`

	MACDFast   int `json:"macd_fast"`
	MACDSlow   int `json:"macd_slow"`
	MACDSignal int `json:"macd_signal"`

	SupertrendLength     int     `json:"supertrend_length"`
	SupertrendMultiplier float64 `json:"supertrend_multiplier"`

	StopLoss            decimal.Decimal `json:"stop_loss"`   // fraction, e.g. 0.03
	TakeProfit          decimal.Decimal `json:"take_profit"` // fraction
	TimeLimit           float64         `json:"time_limit"`  // seconds; 0 = none
	CooldownTime        float64         `json:"cooldown_time"`
	TrailingStop        *TrailingStop   `json:"trailing_stop,omitempty"`
	DCASpreads          []float64       `json:"dca_spreads,omitempty"`
	DCAAmountsPct       []float64       `json:"dca_amounts_pct,omitempty"`
	MaxExecutorsPerSide int             `json:"max_executors_per_side"`
	TakeProfitOrderType OrderType       `json:"take_profit_order_type"`
}

// MakerV2Params configures the v2 market making controllers with per-level
// spreads scaled by realized volatility.
type MakerV2Params struct {
	ControllerName     ControllerName `json:"controller_name"`
	CandlesConnector   string         `json:"candles_connector"`
	CandlesTradingPair string         `json:"candles_trading_pair"`
	Interval           string         `json:"interval"`

	BuySpreads     []float64 `json:"buy_spreads"`
	SellSpreads    []float64 `json:"sell_spreads"`
	BuyAmountsPct  []float64 `json:"buy_amounts_pct"`
	SellAmountsPct []float64 `json:"sell_amounts_pct"`

	ExecutorRefreshTime float64 `json:"executor_refresh_time"` // seconds
	CooldownTime        float64 `json:"cooldown_time"`
}

// ————————————————————————————————————————————————————————————————————————
// Validation
// ————————————————————————————————————————————————————————————————————————

// FieldError is one field-level validation finding. Severity is "error" or
// "warning"; warnings do not block registration.
type FieldError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func fieldErr(field, format string, args ...any) FieldError {
	return FieldError{Field: field, Message: fmt.Sprintf(format, args...), Severity: "error"}
}

func fieldWarn(field, format string, args ...any) FieldError {
	return FieldError{Field: field, Message: fmt.Sprintf(format, args...), Severity: "warning"}
}

// tradingPairPattern accepts normalized BASE-QUOTE pairs only. Slash and
// concatenated formats belong to other venues and are rejected here so a
// config cannot silently target the wrong instrument.
var tradingPairPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}-[A-Z0-9]{2,10}$`)

// ValidTradingPair reports whether the pair uses the normalized format.
func ValidTradingPair(pair string) bool {
	return tradingPairPattern.MatchString(pair)
}

const (
	MinLeverage = 1
	MaxLeverage = 20

	// AmountsPctTolerance is how far a percentage schedule may deviate
	// from summing to exactly 100.
	AmountsPctTolerance = 0.01
)

// Validate checks the config's common fields and the parameter variant for
// its type. It returns all findings rather than stopping at the first.
func (c *StrategyConfig) Validate() []FieldError {
	var errs []FieldError

	if c.Name == "" {
		errs = append(errs, fieldErr("name", "name is required"))
	}
	if !c.Type.Valid() {
		errs = append(errs, fieldErr("strategy_type", "unknown strategy type %q", c.Type))
		return errs
	}
	if c.Type == StrategyArbitrage {
		errs = append(errs, fieldErr("strategy_type", "arbitrage is recognized but not supported by this hive"))
		return errs
	}
	if c.ConnectorType == "" {
		errs = append(errs, fieldErr("connector_type", "connector_type is required"))
	}
	if !ValidTradingPair(c.TradingPair) {
		errs = append(errs, fieldErr("trading_pair", "trading_pair %q must use BASE-QUOTE format", c.TradingPair))
	}
	if c.Leverage < MinLeverage || c.Leverage > MaxLeverage {
		errs = append(errs, fieldErr("leverage", "leverage %d outside [%d, %d]", c.Leverage, MinLeverage, MaxLeverage))
	}
	if c.PositionMode != PositionOneway && c.PositionMode != PositionHedge {
		errs = append(errs, fieldErr("position_mode", "position_mode must be ONEWAY or HEDGE"))
	}
	if !c.TotalAmountQuote.IsPositive() {
		errs = append(errs, fieldErr("total_amount_quote", "total_amount_quote must be positive"))
	}

	switch c.Type {
	case StrategyPureMarketMaking:
		if c.PMM == nil {
			errs = append(errs, fieldErr("parameters", "pure_market_making parameters missing"))
		} else {
			errs = append(errs, c.PMM.Validate()...)
		}
	case StrategyDirectionalTrading:
		if c.Directional == nil {
			errs = append(errs, fieldErr("parameters", "directional_trading parameters missing"))
		} else {
			errs = append(errs, c.Directional.Validate()...)
		}
	case StrategyMarketMakingV2:
		if c.MakerV2 == nil {
			errs = append(errs, fieldErr("parameters", "market_making_v2 parameters missing"))
		} else {
			errs = append(errs, c.MakerV2.Validate()...)
		}
	}
	return errs
}

// HasErrors reports whether any finding has severity "error".
func HasErrors(findings []FieldError) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return true
		}
	}
	return false
}

func validSpread(field string, d decimal.Decimal) (FieldError, bool) {
	one := decimal.NewFromInt(1)
	if d.IsNegative() || d.GreaterThan(one) {
		return fieldErr(field, "%s must be within [0, 1], got %s", field, d), false
	}
	return FieldError{}, true
}

func validInterval(field string, seconds float64) (FieldError, bool) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return fieldErr(field, "%s must be a finite non-negative number of seconds", field), false
	}
	return FieldError{}, true
}

// Validate checks PMM parameter bounds.
func (p *PMMParams) Validate() []FieldError {
	var errs []FieldError
	if fe, ok := validSpread("bid_spread", p.BidSpread); !ok {
		errs = append(errs, fe)
	}
	if fe, ok := validSpread("ask_spread", p.AskSpread); !ok {
		errs = append(errs, fe)
	}
	if fe, ok := validSpread("minimum_spread", p.MinimumSpread); !ok {
		errs = append(errs, fe)
	}
	if !p.OrderAmount.IsPositive() {
		errs = append(errs, fieldErr("order_amount", "order_amount must be positive"))
	}
	if p.OrderLevels < 1 {
		errs = append(errs, fieldErr("order_levels", "order_levels must be >= 1"))
	}
	if fe, ok := validInterval("order_refresh_time", p.OrderRefreshTime); !ok {
		errs = append(errs, fe)
	}
	if !p.PriceFloor.IsZero() && !p.PriceCeiling.IsZero() && p.PriceFloor.GreaterThanOrEqual(p.PriceCeiling) {
		errs = append(errs, fieldErr("price_floor", "price_floor must be below price_ceiling"))
	}
	if p.InventorySkewEnabled {
		hundred := decimal.NewFromInt(100)
		if p.InventoryTargetBasePct.IsNegative() || p.InventoryTargetBasePct.GreaterThan(hundred) {
			errs = append(errs, fieldErr("inventory_target_base_pct", "inventory_target_base_pct must be within [0, 100]"))
		}
	}
	if p.MinimumSpread.GreaterThan(p.BidSpread) && p.MinimumSpread.GreaterThan(p.AskSpread) {
		errs = append(errs, fieldWarn("minimum_spread", "minimum_spread exceeds both configured spreads; all quotes will be pruned"))
	}
	return errs
}

// Validate checks directional parameter bounds.
func (p *DirectionalParams) Validate() []FieldError {
	var errs []FieldError
	switch p.ControllerName {
	case ControllerBollinger, ControllerMACDBB, ControllerSupertrend, ControllerDManV3:
	default:
		errs = append(errs, fieldErr("controller_name", "unknown directional controller %q", p.ControllerName))
	}
	if p.Interval == "" {
		errs = append(errs, fieldErr("interval", "interval is required"))
	}
	if p.BBLength < 2 {
		errs = append(errs, fieldErr("bb_length", "bb_length must be >= 2, got %d", p.BBLength))
	}
	if p.BBStd <= 0 || math.IsNaN(p.BBStd) || math.IsInf(p.BBStd, 0) {
		errs = append(errs, fieldErr("bb_std", "bb_std must be a positive finite number"))
	}
	if p.BBShortThreshold < p.BBLongThreshold {
		errs = append(errs, fieldWarn("bb_short_threshold", "bb_short_threshold below bb_long_threshold; both sides may trigger at once"))
	}
	if fe, ok := validSpread("stop_loss", p.StopLoss); !ok {
		errs = append(errs, fe)
	}
	if fe, ok := validSpread("take_profit", p.TakeProfit); !ok {
		errs = append(errs, fe)
	}
	if fe, ok := validInterval("time_limit", p.TimeLimit); !ok {
		errs = append(errs, fe)
	}
	if fe, ok := validInterval("cooldown_time", p.CooldownTime); !ok {
		errs = append(errs, fe)
	}
	if p.MaxExecutorsPerSide < 1 {
		errs = append(errs, fieldErr("max_executors_per_side", "max_executors_per_side must be >= 1"))
	}
	if p.TakeProfitOrderType != OrderTypeLimit && p.TakeProfitOrderType != OrderTypeMarket {
		errs = append(errs, fieldErr("take_profit_order_type", "take_profit_order_type must be LIMIT or MARKET"))
	}
	if p.TrailingStop != nil {
		if !p.TrailingStop.ActivationPrice.IsPositive() || !p.TrailingStop.TrailingDelta.IsPositive() {
			errs = append(errs, fieldErr("trailing_stop", "trailing_stop requires positive activation_price and trailing_delta"))
		}
	}
	if len(p.DCASpreads) != len(p.DCAAmountsPct) {
		errs = append(errs, fieldErr("dca_amounts_pct", "dca_spreads and dca_amounts_pct must have equal length"))
	} else if len(p.DCAAmountsPct) > 0 {
		if fe, ok := validAmountsPct("dca_amounts_pct", p.DCAAmountsPct); !ok {
			errs = append(errs, fe)
		}
	}
	if p.ControllerName == ControllerMACDBB {
		if p.MACDFast < 1 || p.MACDSlow <= p.MACDFast || p.MACDSignal < 1 {
			errs = append(errs, fieldErr("macd_fast", "macd periods must satisfy 1 <= fast < slow and signal >= 1"))
		}
	}
	if p.ControllerName == ControllerSupertrend {
		if p.SupertrendLength < 1 {
			errs = append(errs, fieldErr("supertrend_length", "supertrend_length must be >= 1"))
		}
		if p.SupertrendMultiplier <= 0 {
			errs = append(errs, fieldErr("supertrend_multiplier", "supertrend_multiplier must be positive"))
		}
	}
	return errs
}

// Validate checks v2 maker parameter bounds.
func (p *MakerV2Params) Validate() []FieldError {
	var errs []FieldError
	switch p.ControllerName {
	case ControllerPMMDynamic, ControllerDManMakerV2:
	default:
		errs = append(errs, fieldErr("controller_name", "unknown market_making_v2 controller %q", p.ControllerName))
	}
	if len(p.BuySpreads) == 0 || len(p.SellSpreads) == 0 {
		errs = append(errs, fieldErr("buy_spreads", "buy_spreads and sell_spreads must each have at least one level"))
	}
	if len(p.BuySpreads) != len(p.BuyAmountsPct) {
		errs = append(errs, fieldErr("buy_amounts_pct", "buy_amounts_pct must match buy_spreads length"))
	} else if len(p.BuyAmountsPct) > 0 {
		if fe, ok := validAmountsPct("buy_amounts_pct", p.BuyAmountsPct); !ok {
			errs = append(errs, fe)
		}
	}
	if len(p.SellSpreads) != len(p.SellAmountsPct) {
		errs = append(errs, fieldErr("sell_amounts_pct", "sell_amounts_pct must match sell_spreads length"))
	} else if len(p.SellAmountsPct) > 0 {
		if fe, ok := validAmountsPct("sell_amounts_pct", p.SellAmountsPct); !ok {
			errs = append(errs, fe)
		}
	}
	for _, s := range append(append([]float64{}, p.BuySpreads...), p.SellSpreads...) {
		if s < 0 || s > 1 || math.IsNaN(s) || math.IsInf(s, 0) {
			errs = append(errs, fieldErr("buy_spreads", "spreads must be within [0, 1]"))
			break
		}
	}
	if fe, ok := validInterval("executor_refresh_time", p.ExecutorRefreshTime); !ok {
		errs = append(errs, fe)
	}
	if fe, ok := validInterval("cooldown_time", p.CooldownTime); !ok {
		errs = append(errs, fe)
	}
	if p.Interval == "" {
		errs = append(errs, fieldErr("interval", "interval is required for volatility scaling"))
	}
	return errs
}

func validAmountsPct(field string, pcts []float64) (FieldError, bool) {
	sum := 0.0
	for _, p := range pcts {
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return fieldErr(field, "%s entries must be finite and non-negative", field), false
		}
		sum += p
	}
	if math.Abs(sum-100.0) > AmountsPctTolerance {
		return fieldErr(field, "%s must sum to 100 +/- %.2f, got %.4f", field, AmountsPctTolerance, sum), false
	}
	return FieldError{}, true
}

// RefreshInterval converts a seconds value to a duration, collapsing zero to
// "every tick".
func RefreshInterval(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
