package api

import (
	"time"

	"github.com/shopspring/decimal"

	"hyperhive/internal/hive"
	"hyperhive/internal/registry"
	"hyperhive/pkg/types"
)

// errorBody is the uniform error envelope. Fields carries field-level
// validation findings when the error is a config rejection.
type errorBody struct {
	Error  string             `json:"error"`
	Detail string             `json:"detail,omitempty"`
	Fields []types.FieldError `json:"fields,omitempty"`
}

// validationBody is the 400 response for a config that failed validation.
type validationBody struct {
	Errors   []types.FieldError `json:"errors"`
	Warnings []types.FieldError `json:"warnings"`
}

// registerResponse acknowledges a successful registration. Warnings are
// non-blocking validation findings.
type registerResponse struct {
	Strategy registry.Snapshot  `json:"strategy"`
	Warnings []types.FieldError `json:"warnings,omitempty"`
}

// strategyRow is the compact list form; the detail route returns the full
// registry snapshot.
type strategyRow struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Type        types.StrategyType   `json:"strategy_type"`
	TradingPair string               `json:"trading_pair"`
	Owner       string               `json:"owner,omitempty"`
	Status      types.StrategyStatus `json:"status"`
	ErrorState  string               `json:"error_state,omitempty"`
	Position    decimal.Decimal      `json:"position"`
	RealizedPnl decimal.Decimal      `json:"realized_pnl"`
	LiveOrders  int                  `json:"live_orders"`
	Actions     uint64               `json:"total_actions"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func rowFromSnapshot(s registry.Snapshot) strategyRow {
	return strategyRow{
		ID:          s.Config.ID,
		Name:        s.Config.Name,
		Type:        s.Config.Type,
		TradingPair: s.Config.TradingPair,
		Owner:       s.Config.Owner,
		Status:      s.Status,
		ErrorState:  s.ErrorState,
		Position:    s.Runtime.Position,
		RealizedPnl: s.Runtime.RealizedPnl,
		LiveOrders:  s.Runtime.LiveOrders,
		Actions:     s.Counters.TotalActions,
		UpdatedAt:   s.UpdatedAt,
	}
}

// closeRequest asks for a close by strategy name.
type closeRequest struct {
	Strategy       string `json:"strategy"`
	ClosePositions bool   `json:"closePositions"`
	CancelOrders   bool   `json:"cancelOrders"`
}

// closeResponse reports the state the close left (or found) the strategy in.
type closeResponse struct {
	ID     string               `json:"id"`
	Name   string               `json:"name"`
	Status types.StrategyStatus `json:"status"`
}

// successResponse acknowledges mutations that return no entity.
type successResponse struct {
	Success bool `json:"success"`
}

// healthView is the liveness payload.
type healthView struct {
	Status           string  `json:"status"`
	Trading          bool    `json:"trading"`
	Network          string  `json:"network"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	ActiveStrategies int     `json:"active_strategies"`
}

// botUpsertResponse is the heartbeat acknowledgement.
type botUpsertResponse struct {
	Success bool               `json:"success"`
	Bot     types.BotHeartbeat `json:"bot"`
}

// botMetricsView aggregates the fleet for /bots?format=metrics.
type botMetricsView struct {
	TotalBots        int     `json:"total_bots"`
	OnlineBots       int     `json:"online_bots"`
	TotalStrategies  int     `json:"total_strategies"`
	TotalActions     uint64  `json:"total_actions"`
	ActionsPerMinute float64 `json:"actions_per_minute"`
}

// ————————————————————————————————————————————————————————————————————————
// Stream payloads

// streamEvent is one dashboard push. Type is "snapshot" for the periodic
// aggregate and "activity" for incremental events.
type streamEvent struct {
	Type       string    `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	StrategyID string    `json:"strategy_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// schedView mirrors scheduler counters with JSON tags.
type schedView struct {
	Ticks          uint64 `json:"ticks"`
	Served         uint64 `json:"served"`
	StaleSkips     uint64 `json:"stale_skips"`
	PenaltySkips   uint64 `json:"penalty_skips"`
	BudgetOverruns uint64 `json:"budget_overruns"`
}

// hiveSnapshot is the periodic aggregate broadcast to stream clients.
type hiveSnapshot struct {
	Timestamp        time.Time        `json:"timestamp"`
	UptimeSeconds    float64          `json:"uptime_seconds"`
	Trading          bool             `json:"trading"`
	ActiveStrategies int              `json:"active_strategies"`
	Scheduler        schedView        `json:"scheduler"`
	QueueDepths      map[string]int   `json:"queue_depths"`
	Portfolio        hive.Portfolio   `json:"portfolio"`
	RecentActivity   []types.Activity `json:"recent_activity"`
}
