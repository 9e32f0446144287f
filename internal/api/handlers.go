package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"hyperhive/internal/hive"
	"hyperhive/internal/registry"
	"hyperhive/pkg/types"
)

// handlers carries the dependencies shared by all routes.
type handlers struct {
	ctl     Control
	reg     *registry.Registry
	bots    *registry.BotRegistry
	network types.Network
	logger  *slog.Logger
}

// ————————————————————————————————————————————————————————————————————————
// Strategies

// handleRegister validates and registers a strategy config, starting it
// immediately when enabled. Validation findings come back as
// {errors, warnings}; warnings alone do not block.
func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())

	var cfg types.StrategyConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Detail: err.Error()})
		return
	}
	applyDefaults(&cfg)
	if c.admin {
		cfg.Owner = normalizeOwner(cfg.Owner)
	} else {
		cfg.Owner = c.wallet
	}

	findings := cfg.Validate()
	if types.ValidTradingPair(cfg.TradingPair) {
		if err := h.ctl.Supports(cfg.TradingPair); err != nil {
			findings = append(findings, types.FieldError{
				Field:    "trading_pair",
				Message:  fmt.Sprintf("%q is not tradable on this venue", cfg.TradingPair),
				Severity: "error",
			})
		}
	}
	if types.HasErrors(findings) {
		errs, warns := splitFindings(findings)
		writeJSONStatus(w, http.StatusBadRequest, validationBody{Errors: errs, Warnings: warns})
		return
	}

	snap, warnings, err := h.reg.Register(r.Context(), cfg)
	if err != nil {
		var verr *registry.ValidationError
		if errors.As(err, &verr) {
			errs, warns := splitFindings(verr.Findings)
			writeJSONStatus(w, http.StatusBadRequest, validationBody{Errors: errs, Warnings: warns})
			return
		}
		writeError(w, err)
		return
	}

	if snap.Config.Enabled {
		started, err := h.ctl.StartStrategy(r.Context(), snap.Config.ID)
		if err != nil {
			h.logger.Error("start after register failed",
				"strategy", snap.Config.ID, "error", err)
			writeJSONStatus(w, http.StatusInternalServerError, errorBody{
				Error:  "strategy registered but failed to start",
				Detail: err.Error(),
			})
			return
		}
		snap = started
	}
	writeJSONStatus(w, http.StatusCreated, registerResponse{Strategy: snap, Warnings: warnings})
}

// handleList returns compact rows for the caller's strategies. Admin sees
// everything; status and type query params narrow the listing.
func (h *handlers) handleList(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())
	f := registry.Filter{Owner: c.owner()}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = types.StrategyStatus(v)
	}
	if v := r.URL.Query().Get("type"); v != "" {
		f.Type = types.StrategyType(v)
	}
	snaps := h.reg.List(f)
	rows := make([]strategyRow, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, rowFromSnapshot(s))
	}
	writeJSON(w, rows)
}

// handleGet returns the full snapshot, runtime included. Strategies owned by
// someone else read as not found rather than forbidden.
func (h *handlers) handleGet(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.fetchOwned(w, r)
	if !ok {
		return
	}
	writeJSON(w, snap)
}

// handleDelete removes a stopped or errored strategy from the registry.
func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.fetchOwned(w, r)
	if !ok {
		return
	}
	if err := h.ctl.RemoveStrategy(r.Context(), snap.Config.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, successResponse{Success: true})
}

// handleCloseByName starts the close protocol for a strategy addressed by
// its display name.
func (h *handlers) handleCloseByName(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())

	var req closeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Detail: err.Error()})
		return
	}
	if req.Strategy == "" {
		writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: "strategy name required"})
		return
	}
	snap, err := h.reg.FindByName(c.owner(), req.Strategy)
	if err != nil {
		writeError(w, err)
		return
	}
	h.beginClose(w, snap, hive.CloseOptions{
		ClosePositions: req.ClosePositions,
		CancelOrders:   req.CancelOrders,
	})
}

// handleStop closes a strategy by id. Without a body it cancels orders and
// flattens the position; an optional body overrides the flags.
func (h *handlers) handleStop(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.fetchOwned(w, r)
	if !ok {
		return
	}
	req := closeRequest{ClosePositions: true, CancelOrders: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Detail: err.Error()})
		return
	}
	h.beginClose(w, snap, hive.CloseOptions{
		ClosePositions: req.ClosePositions,
		CancelOrders:   req.CancelOrders,
	})
}

// beginClose maps the close protocol's outcomes onto HTTP: already-terminal
// reads back the final state, anything else acknowledges the close as
// started. A close already in flight is the same acknowledgement.
func (h *handlers) beginClose(w http.ResponseWriter, snap registry.Snapshot, opts hive.CloseOptions) {
	out, err := h.ctl.BeginClose(snap.Config.ID, opts)
	switch {
	case errors.Is(err, types.ErrCloseInFlight):
		writeJSONStatus(w, http.StatusAccepted, closeResponse{
			ID: snap.Config.ID, Name: snap.Config.Name, Status: types.StatusClosing,
		})
	case err != nil:
		writeError(w, err)
	case out.Status.Terminal():
		writeJSON(w, closeResponse{ID: out.Config.ID, Name: out.Config.Name, Status: out.Status})
	default:
		writeJSONStatus(w, http.StatusAccepted, closeResponse{
			ID: out.Config.ID, Name: out.Config.Name, Status: types.StatusClosing,
		})
	}
}

// fetchOwned resolves {id} and enforces owner scoping. Cross-owner access
// 404s so ids cannot be probed.
func (h *handlers) fetchOwned(w http.ResponseWriter, r *http.Request) (registry.Snapshot, bool) {
	c := callerFrom(r.Context())
	id := mux.Vars(r)["id"]
	snap, err := h.reg.Get(id)
	if err != nil {
		writeError(w, err)
		return registry.Snapshot{}, false
	}
	if !c.canAccess(snap.Config.Owner) {
		writeJSONStatus(w, http.StatusNotFound, errorBody{Error: "strategy not found"})
		return registry.Snapshot{}, false
	}
	return snap, true
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio, bots, health

// handlePortfolio returns positions and PnL. Non-admin callers get their
// own rows with totals recomputed; balances describe the shared venue
// account either way.
func (h *handlers) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())
	p := h.ctl.Portfolio()
	if !c.admin {
		scoped := hive.Portfolio{
			Balances:  p.Balances,
			Positions: make([]hive.StrategyPosition, 0, len(p.Positions)),
		}
		for _, row := range p.Positions {
			if row.Owner != c.wallet {
				continue
			}
			scoped.Positions = append(scoped.Positions, row)
			scoped.TotalExposure = scoped.TotalExposure.Add(row.Exposure)
			scoped.TotalRealizedPnl = scoped.TotalRealizedPnl.Add(row.RealizedPnl)
			scoped.TotalUnrealizedPnl = scoped.TotalUnrealizedPnl.Add(row.UnrealizedPnl)
			scoped.TotalVolumeQuote = scoped.TotalVolumeQuote.Add(row.VolumeQuote)
		}
		p = scoped
	}
	writeJSON(w, p)
}

// handleBotUpsert records a heartbeat from a hosting bot instance.
func (h *handlers) handleBotUpsert(w http.ResponseWriter, r *http.Request) {
	var hb types.BotHeartbeat
	if err := decodeJSON(w, r, &hb); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: "invalid request body", Detail: err.Error()})
		return
	}
	if _, err := h.bots.Heartbeat(hb); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	stored, err := h.bots.Get(hb.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, botUpsertResponse{Success: true, Bot: stored})
}

// handleBotList serves the fleet view; ?format=metrics aggregates it.
func (h *handlers) handleBotList(w http.ResponseWriter, r *http.Request) {
	bots := h.bots.List()
	if r.URL.Query().Get("format") == "metrics" {
		writeJSON(w, fleetMetrics(bots))
		return
	}
	writeJSON(w, bots)
}

// handleBotDelete forgets a bot instance.
func (h *handlers) handleBotDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.bots.Remove(mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, successResponse{Success: true})
}

// fleetMetrics aggregates the bot listing for the manager dashboard.
func fleetMetrics(bots []types.BotHeartbeat) botMetricsView {
	var m botMetricsView
	for _, b := range bots {
		m.TotalBots++
		if b.Status != "offline" {
			m.OnlineBots++
		}
		m.TotalStrategies += b.TotalStrategies
		m.TotalActions += b.TotalActions
		m.ActionsPerMinute += b.ActionsPerMinute
	}
	return m
}

// handleHealth is the liveness probe.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, healthView{
		Status:           "ok",
		Trading:          h.ctl.Trading(),
		Network:          string(h.network),
		UptimeSeconds:    h.ctl.Uptime().Seconds(),
		ActiveStrategies: h.ctl.ActiveHosts(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Defaults and plumbing

// applyDefaults fills conventional values for fields the strategy composer
// routinely omits. The host applies the same runtime defaults; filling them
// here keeps the stored config consistent with executed behavior.
func applyDefaults(cfg *types.StrategyConfig) {
	if cfg.ConnectorType == "" {
		cfg.ConnectorType = "hyperliquid_perpetual"
	}
	if cfg.PositionMode == "" {
		cfg.PositionMode = types.PositionOneway
	}
	if cfg.Leverage == 0 {
		cfg.Leverage = 1
	}

	if p := cfg.PMM; p != nil {
		if p.OrderLevels == 0 {
			p.OrderLevels = 1
		}
		if p.InventorySkewEnabled && p.InventoryTargetBasePct.IsZero() {
			p.InventoryTargetBasePct = decimal.NewFromInt(50)
		}
	}
	if p := cfg.Directional; p != nil {
		if p.ControllerName == "" {
			p.ControllerName = types.ControllerBollinger
		}
		if p.CandlesConnector == "" {
			p.CandlesConnector = cfg.ConnectorType
		}
		if p.CandlesTradingPair == "" {
			p.CandlesTradingPair = cfg.TradingPair
		}
		if p.Interval == "" {
			p.Interval = "3m"
		}
		if p.BBLength == 0 {
			p.BBLength = 100
		}
		if p.BBStd == 0 {
			p.BBStd = 2.0
		}
		if p.BBShortThreshold == 0 {
			p.BBShortThreshold = 1.0
		}
		if p.MaxExecutorsPerSide == 0 {
			p.MaxExecutorsPerSide = 1
		}
		if p.TakeProfitOrderType == "" {
			p.TakeProfitOrderType = types.OrderTypeMarket
		}
		if p.ControllerName == types.ControllerMACDBB {
			if p.MACDFast == 0 {
				p.MACDFast = 12
			}
			if p.MACDSlow == 0 {
				p.MACDSlow = 26
			}
			if p.MACDSignal == 0 {
				p.MACDSignal = 9
			}
		}
		if p.ControllerName == types.ControllerSupertrend {
			if p.SupertrendLength == 0 {
				p.SupertrendLength = 10
			}
			if p.SupertrendMultiplier == 0 {
				p.SupertrendMultiplier = 3
			}
		}
	}
	if p := cfg.MakerV2; p != nil {
		if p.ControllerName == "" {
			p.ControllerName = types.ControllerPMMDynamic
		}
		if p.CandlesConnector == "" {
			p.CandlesConnector = cfg.ConnectorType
		}
		if p.CandlesTradingPair == "" {
			p.CandlesTradingPair = cfg.TradingPair
		}
		if p.Interval == "" {
			p.Interval = "3m"
		}
		if len(p.BuyAmountsPct) == 0 && len(p.BuySpreads) > 0 {
			p.BuyAmountsPct = equalSplit(len(p.BuySpreads))
		}
		if len(p.SellAmountsPct) == 0 && len(p.SellSpreads) > 0 {
			p.SellAmountsPct = equalSplit(len(p.SellSpreads))
		}
	}
}

func equalSplit(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100.0 / float64(n)
	}
	return out
}

func splitFindings(findings []types.FieldError) (errs, warns []types.FieldError) {
	errs = make([]types.FieldError, 0, len(findings))
	warns = make([]types.FieldError, 0)
	for _, f := range findings {
		if f.Severity == "error" {
			errs = append(errs, f)
		} else {
			warns = append(warns, f)
		}
	}
	return errs, warns
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, v any) { writeJSONStatus(w, http.StatusOK, v) }

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Encode errors past this point mean the client went away mid-write.
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an error onto the taxonomy's HTTP status and the uniform
// envelope.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Findings
	}
	writeJSONStatus(w, httpStatus(err), body)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, types.ErrStrategyNotFound), errors.Is(err, types.ErrBotNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateName),
		errors.Is(err, types.ErrNotStopped),
		errors.Is(err, types.ErrCloseInFlight),
		errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	}
	switch types.KindOf(err) {
	case types.KindConfigInvalid:
		return http.StatusBadRequest
	case types.KindAuthFailed:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}
