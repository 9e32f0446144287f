// Package exchange implements the venue REST and WebSocket clients.
//
// The REST client (Client) covers both venue endpoints:
//   - POST /info      — meta, openOrders, clearinghouseState, candleSnapshot,
//     userFillsByTime (read-only, unauthenticated)
//   - POST /exchange  — order, cancel, cancelByCloid (signed actions)
//
// Reads are rate-limited through the Info budget and retried on 5xx by resty.
// Mutations are rate-limited through the Order/Cancel budgets and are NEVER
// retried at the HTTP layer: a replayed action reuses its nonce, which the
// venue rejects, so retries must re-sign and are owned by the caller.
//
// All prices and sizes are rounded onto the instrument's tick/lot grids
// before hitting the wire, from metadata cached by LoadMeta.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"hyperhive/internal/config"
	"hyperhive/pkg/types"
)

// maxPriceDecimals is the venue-wide bound on perp price precision; an
// instrument's tick is what remains after its size decimals.
const maxPriceDecimals = 6

// marketSlippage pads the reference price of a market order so the
// aggressive IOC limit crosses whatever is resting.
const marketSlippage = 0.05

// Ack statuses returned by PlaceOrder.
const (
	AckResting = "resting"
	AckFilled  = "filled"
)

// OrderRequest is the connector-level order shape. Price is required for
// limit orders and serves as the slippage reference for market orders.
type OrderRequest struct {
	Symbol        string
	Side          types.Side
	Type          types.OrderType
	TIF           types.TimeInForce
	Price         decimal.Decimal
	Size          decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the venue's synchronous answer to PlaceOrder. Fill details are
// only set when the order executed immediately.
type OrderAck struct {
	ClientOrderID   string
	ExchangeOrderID string
	Status          string // AckResting | AckFilled
	Filled          decimal.Decimal
	AvgPrice        decimal.Decimal
}

// ReconcileReport carries the synthetic events that realign local order and
// position state with the venue after a reconnect.
type ReconcileReport struct {
	Events    []types.OrderEvent
	Fills     []types.Fill
	Positions []types.Position
}

// Client is the venue REST API client. It wraps two resty clients — reads
// retry on 5xx, mutations never do — plus rate budgets, the action signer,
// and the instrument metadata cache.
type Client struct {
	info    *resty.Client // POST /info, 5xx retried
	trade   *resty.Client // POST /exchange, no HTTP-level retry
	signer  *Signer       // nil in dry runs without a configured key
	limits  *Limits
	trading bool // false = dry run, mutations acked locally
	userAddr   string
	ackTimeout time.Duration
	logger     *slog.Logger

	metaMu   sync.RWMutex
	bySymbol map[string]types.Instrument // "ETH-USD" → instrument
	byCoin   map[string]string           // "ETH" → "ETH-USD"

	dryMu  sync.Mutex
	dryOID int64
}

// NewClient creates the REST client. signer may be nil when trading is off.
func NewClient(cfg config.Config, signer *Signer, logger *slog.Logger) *Client {
	infoClient := resty.New().
		SetBaseURL(cfg.Venue.RESTBaseURL).
		SetTimeout(cfg.Venue.HTTPTimeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	tradeClient := resty.New().
		SetBaseURL(cfg.Venue.RESTBaseURL).
		SetTimeout(cfg.Venue.HTTPTimeout).
		SetHeader("Content-Type", "application/json")

	userAddr := cfg.Wallet.MainAddress
	if signer != nil {
		userAddr = signer.MainAddress().Hex()
	}

	return &Client{
		info:       infoClient,
		trade:      tradeClient,
		signer:     signer,
		limits:     NewLimits(),
		trading:    cfg.Trading,
		userAddr:   userAddr,
		ackTimeout: cfg.Venue.OrderAckTimeout,
		logger:     logger.With("component", "exchange"),
		bySymbol:   make(map[string]types.Instrument),
		byCoin:     make(map[string]string),
	}
}

// Trading reports whether the client submits real orders.
func (c *Client) Trading() bool { return c.trading }

// UserAddress returns the account the client queries and trades for.
func (c *Client) UserAddress() string { return c.userAddr }

// LoadMeta fetches instrument metadata and rebuilds the symbol maps. Must
// run once before any order flow; safe to call again to refresh.
func (c *Client) LoadMeta(ctx context.Context) error {
	var meta metaResponse
	if err := c.post(ctx, infoRequest{Type: "meta"}, &meta, "", 2); err != nil {
		return fmt.Errorf("load meta: %w", err)
	}
	if len(meta.Universe) == 0 {
		return types.Faultf(types.KindVenueDesync, "load meta: empty universe")
	}

	bySymbol := make(map[string]types.Instrument, len(meta.Universe))
	byCoin := make(map[string]string, len(meta.Universe))
	for i, asset := range meta.Universe {
		tickDecimals := maxPriceDecimals - asset.SzDecimals
		if tickDecimals < 0 {
			tickDecimals = 0
		}
		symbol := asset.Name + "-USD"
		bySymbol[symbol] = types.Instrument{
			Symbol:       symbol,
			Coin:         asset.Name,
			AssetID:      i,
			TickDecimals: tickDecimals,
			LotDecimals:  asset.SzDecimals,
			MinSize:      decimal.New(1, -int32(asset.SzDecimals)),
			MaxLeverage:  asset.MaxLeverage,
		}
		byCoin[asset.Name] = symbol
	}

	c.metaMu.Lock()
	c.bySymbol = bySymbol
	c.byCoin = byCoin
	c.metaMu.Unlock()

	c.logger.Info("instrument metadata loaded", "instruments", len(bySymbol))
	return nil
}

// Instrument resolves cached metadata for a normalized BASE-QUOTE symbol.
// Cross-venue formats (ETH/USDT, ETHUSDT) are rejected here, not mapped.
func (c *Client) Instrument(symbol string) (types.Instrument, error) {
	if !types.ValidTradingPair(symbol) {
		return types.Instrument{}, types.Faultf(types.KindConfigInvalid,
			"trading pair %q is not normalized BASE-QUOTE", symbol)
	}
	c.metaMu.RLock()
	inst, ok := c.bySymbol[symbol]
	c.metaMu.RUnlock()
	if !ok {
		return types.Instrument{}, fmt.Errorf("%w: %s", types.ErrUnknownSymbol, symbol)
	}
	return inst, nil
}

// SymbolFor maps a venue coin back to its normalized symbol.
func (c *Client) SymbolFor(coin string) (string, bool) {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	symbol, ok := c.byCoin[coin]
	return symbol, ok
}

// PlaceOrder submits one order. Market orders are realized as aggressive IOC
// limits at the padded reference price.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	inst, err := c.Instrument(req.Symbol)
	if err != nil {
		return OrderAck{}, err
	}

	px := req.Price
	tif := req.TIF
	if req.Type == types.OrderTypeMarket {
		pad := decimal.NewFromFloat(1 + marketSlippage)
		if req.Side == types.SELL {
			pad = decimal.NewFromFloat(1 - marketSlippage)
		}
		px = px.Mul(pad)
		tif = types.TIFIoc
	}
	if tif == "" {
		tif = types.TIFGtc
	}
	px = inst.RoundPrice(px, req.Side)
	sz := inst.RoundSize(req.Size)

	if !px.IsPositive() {
		return OrderAck{}, types.Faultf(types.KindVenueRejected, "price %s must be positive", px)
	}
	if sz.LessThan(inst.MinSize) {
		return OrderAck{}, types.Faultf(types.KindVenueRejected,
			"size %s below minimum %s for %s", req.Size, inst.MinSize, inst.Symbol)
	}

	if !c.trading {
		return c.dryAck(req, px, sz), nil
	}

	action := orderAction{
		Type: "order",
		Orders: []wireOrder{{
			Asset:      inst.AssetID,
			IsBuy:      req.Side == types.BUY,
			Px:         px.String(),
			Sz:         sz.String(),
			ReduceOnly: req.ReduceOnly,
			OrderKind:  wireOrderKind{Limit: &wireLimitKind{Tif: wireTIF(tif)}},
			Cloid:      req.ClientOrderID,
		}},
		Grouping: "na",
	}

	result, err := c.signAndPost(ctx, action, c.limits.Order, req.Symbol, 1)
	if err != nil {
		return OrderAck{}, err
	}

	statuses := result.Response.Data.Statuses
	if len(statuses) == 0 {
		return OrderAck{}, types.Faultf(types.KindVenueDesync,
			"place order %s: response carried no status", req.ClientOrderID)
	}
	st, err := decodeOrderStatus(statuses[0])
	if err != nil {
		return OrderAck{}, types.NewFault(types.KindVenueDesync, err)
	}

	switch {
	case st.Resting != nil:
		return OrderAck{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(st.Resting.Oid, 10),
			Status:          AckResting,
		}, nil
	case st.Filled != nil:
		return OrderAck{
			ClientOrderID:   req.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(st.Filled.Oid, 10),
			Status:          AckFilled,
			Filled:          dec(st.Filled.TotalSz),
			AvgPrice:        dec(st.Filled.AvgPx),
		}, nil
	case st.Error != "":
		return OrderAck{}, types.Faultf(types.KindVenueRejected, "order rejected: %s", st.Error)
	default:
		return OrderAck{}, types.Faultf(types.KindVenueDesync,
			"place order %s: ambiguous status", req.ClientOrderID)
	}
}

// CancelOrder cancels one order by exchange order id when known, otherwise
// by client order id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) error {
	inst, err := c.Instrument(symbol)
	if err != nil {
		return err
	}

	if !c.trading {
		c.logger.Info("DRY-RUN: would cancel order",
			"symbol", symbol, "oid", exchangeOrderID, "cloid", clientOrderID)
		return nil
	}

	var action any
	switch {
	case exchangeOrderID != "":
		oid, err := strconv.ParseInt(exchangeOrderID, 10, 64)
		if err != nil {
			return types.Faultf(types.KindVenueDesync, "cancel: bad exchange order id %q", exchangeOrderID)
		}
		action = cancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: inst.AssetID, Oid: oid}}}
	case clientOrderID != "":
		action = cancelByCloidAction{
			Type:    "cancelByCloid",
			Cancels: []wireCancelCloid{{Asset: inst.AssetID, Cloid: clientOrderID}},
		}
	default:
		return types.Faultf(types.KindVenueRejected, "cancel: no order id given")
	}

	result, err := c.signAndPost(ctx, action, c.limits.Cancel, symbol, 1)
	if err != nil {
		return err
	}
	for _, raw := range result.Response.Data.Statuses {
		st, err := decodeOrderStatus(raw)
		if err != nil {
			return types.NewFault(types.KindVenueDesync, err)
		}
		if st.Error != "" {
			return types.Faultf(types.KindVenueRejected, "cancel %s%s: %s",
				exchangeOrderID, clientOrderID, st.Error)
		}
	}
	return nil
}

// CancelAll pulls every resting order, optionally narrowed to one symbol.
// The venue has no native cancel-all, so this batches the current open set;
// per-order failures (already filled, already gone) are logged and tolerated
// because callers converge on the live-order events anyway.
func (c *Client) CancelAll(ctx context.Context, symbol string) error {
	if !c.trading {
		c.logger.Info("DRY-RUN: would cancel all orders", "symbol", symbol)
		return nil
	}

	open, err := c.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("cancel all: %w", err)
	}

	var cancels []wireCancel
	for _, o := range open {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		inst, err := c.Instrument(o.Symbol)
		if err != nil {
			continue
		}
		oid, err := strconv.ParseInt(o.ExchangeOrderID, 10, 64)
		if err != nil {
			continue
		}
		cancels = append(cancels, wireCancel{Asset: inst.AssetID, Oid: oid})
	}
	if len(cancels) == 0 {
		return nil
	}

	action := cancelAction{Type: "cancel", Cancels: cancels}
	result, err := c.signAndPost(ctx, action, c.limits.Cancel, symbol, cancelWeight(len(cancels)))
	if err != nil {
		return err
	}

	failed := 0
	for _, raw := range result.Response.Data.Statuses {
		st, err := decodeOrderStatus(raw)
		if err != nil {
			return types.NewFault(types.KindVenueDesync, err)
		}
		if st.Error != "" {
			failed++
			c.logger.Warn("cancel all: order not cancelled", "error", st.Error)
		}
	}
	c.logger.Info("cancel all issued", "symbol", symbol, "cancels", len(cancels), "failed", failed)
	return nil
}

// OpenOrders lists the venue's resting orders for the configured account.
func (c *Client) OpenOrders(ctx context.Context) ([]types.OrderRecord, error) {
	if c.userAddr == "" {
		return nil, nil
	}
	var wire []wireOpenOrder
	if err := c.post(ctx, infoRequest{Type: "openOrders", User: c.userAddr}, &wire, "", 1); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}

	records := make([]types.OrderRecord, 0, len(wire))
	for _, o := range wire {
		symbol, ok := c.SymbolFor(o.Coin)
		if !ok {
			continue
		}
		records = append(records, normalizeOpenOrder(o, symbol))
	}
	return records, nil
}

// Positions returns the account's nonzero positions.
func (c *Client) Positions(ctx context.Context) ([]types.Position, error) {
	state, err := c.fetchState(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Position, 0, len(state.AssetPositions))
	for _, ap := range state.AssetPositions {
		symbol, ok := c.SymbolFor(ap.Position.Coin)
		if !ok {
			continue
		}
		pos := normalizePosition(ap.Position, symbol)
		if pos.Size.IsZero() {
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// Balances returns the account margin summary. Without a configured account
// it returns zeros so dry runs can operate on local inventory alone.
func (c *Client) Balances(ctx context.Context) (types.Balances, error) {
	state, err := c.fetchState(ctx)
	if err != nil {
		return types.Balances{}, err
	}
	return types.Balances{
		AccountValue:    dec(state.MarginSummary.AccountValue),
		TotalMarginUsed: dec(state.MarginSummary.TotalMarginUsed),
		Withdrawable:    dec(state.Withdrawable),
	}, nil
}

// Candles fetches up to bars recent OHLCV bars for (symbol, interval).
func (c *Client) Candles(ctx context.Context, symbol, interval string, bars int) ([]types.Candle, error) {
	inst, err := c.Instrument(symbol)
	if err != nil {
		return nil, err
	}
	dur, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}
	if bars < 1 {
		bars = 1
	}

	req := infoRequest{
		Type: "candleSnapshot",
		Req: &candleReq{
			Coin:      inst.Coin,
			Interval:  interval,
			StartTime: time.Now().Add(-time.Duration(bars) * dur).UnixMilli(),
		},
	}
	var wire []wireCandle
	if err := c.post(ctx, req, &wire, symbol, 2); err != nil {
		return nil, fmt.Errorf("candles %s %s: %w", symbol, interval, err)
	}

	now := time.Now()
	out := make([]types.Candle, 0, len(wire))
	for _, w := range wire {
		out = append(out, normalizeCandle(w, symbol, now))
	}
	return out, nil
}

// RecentFills lists the account's fills since the given instant.
func (c *Client) RecentFills(ctx context.Context, since time.Time) ([]types.Fill, error) {
	if c.userAddr == "" {
		return nil, nil
	}
	req := infoRequest{Type: "userFillsByTime", User: c.userAddr, StartTime: since.UnixMilli()}
	var wire []wireFill
	if err := c.post(ctx, req, &wire, "", 2); err != nil {
		return nil, fmt.Errorf("recent fills: %w", err)
	}

	fills := make([]types.Fill, 0, len(wire))
	for _, w := range wire {
		symbol, ok := c.SymbolFor(w.Coin)
		if !ok {
			continue
		}
		fills = append(fills, normalizeFill(w, symbol))
	}
	return fills, nil
}

// Reconcile diffs the local live-order view against the venue after a
// reconnect. Local orders the venue no longer knows resolve to synthetic
// fills (when fills since the disconnect cover them) or synthetic cancels;
// venue orders the local view never saw are adopted as open records so they
// become cancel targets. The venue is the source of truth throughout.
func (c *Client) Reconcile(ctx context.Context, local []types.OrderRecord, since time.Time) (*ReconcileReport, error) {
	if !c.trading {
		return &ReconcileReport{}, nil
	}

	venueOrders, err := c.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	fills, err := c.RecentFills(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	positions, err := c.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	report := &ReconcileReport{Positions: positions}
	now := time.Now()

	venueByOID := make(map[string]types.OrderRecord, len(venueOrders))
	venueByCloid := make(map[string]types.OrderRecord, len(venueOrders))
	for _, v := range venueOrders {
		venueByOID[v.ExchangeOrderID] = v
		if v.ClientOrderID != "" {
			venueByCloid[v.ClientOrderID] = v
		}
	}

	fillsByKey := make(map[string][]types.Fill, len(fills))
	for _, f := range fills {
		key := f.ClientOrderID
		if key == "" {
			key = "oid:" + f.ExchangeOrderID
		}
		fillsByKey[key] = append(fillsByKey[key], f)
	}

	localByOID := make(map[string]bool, len(local))
	localByCloid := make(map[string]bool, len(local))
	for _, lo := range local {
		if lo.ExchangeOrderID != "" {
			localByOID[lo.ExchangeOrderID] = true
		}
		localByCloid[lo.ClientOrderID] = true
	}

	for _, lo := range local {
		if lo.State.Terminal() {
			continue
		}

		venue, onVenue := venueByOID[lo.ExchangeOrderID]
		if !onVenue {
			venue, onVenue = venueByCloid[lo.ClientOrderID]
		}

		if onVenue {
			// Still resting; realign the fill quantity if it moved.
			if !venue.Filled.Equal(lo.Filled) {
				report.Events = append(report.Events, types.OrderEvent{
					ClientOrderID:   lo.ClientOrderID,
					ExchangeOrderID: venue.ExchangeOrderID,
					Symbol:          lo.Symbol,
					Side:            lo.Side,
					State:           venue.State,
					Price:           lo.Price,
					Size:            lo.Size,
					Filled:          venue.Filled,
					Reason:          "reconciled",
					Synthetic:       true,
					Time:            now,
				})
			}
			continue
		}

		// Gone from the venue: covered fills mean it executed, otherwise it
		// was cancelled out from under us.
		missed := fillsByKey[lo.ClientOrderID]
		if len(missed) == 0 && lo.ExchangeOrderID != "" {
			missed = fillsByKey["oid:"+lo.ExchangeOrderID]
		}

		filled := lo.Filled
		for _, f := range missed {
			f.Synthetic = true
			if f.ClientOrderID == "" {
				f.ClientOrderID = lo.ClientOrderID
			}
			report.Fills = append(report.Fills, f)
			filled = filled.Add(f.Size)
		}

		state := types.OrderCancelled
		if filled.GreaterThanOrEqual(lo.Size) {
			filled = lo.Size
			state = types.OrderFilled
		}
		report.Events = append(report.Events, types.OrderEvent{
			ClientOrderID:   lo.ClientOrderID,
			ExchangeOrderID: lo.ExchangeOrderID,
			Symbol:          lo.Symbol,
			Side:            lo.Side,
			State:           state,
			Price:           lo.Price,
			Size:            lo.Size,
			Filled:          filled,
			Reason:          "reconciled",
			Synthetic:       true,
			Time:            now,
		})
	}

	for _, v := range venueOrders {
		if localByOID[v.ExchangeOrderID] || (v.ClientOrderID != "" && localByCloid[v.ClientOrderID]) {
			continue
		}
		cloid := v.ClientOrderID
		if cloid == "" {
			cloid = "adopted-" + v.ExchangeOrderID
		}
		report.Events = append(report.Events, types.OrderEvent{
			ClientOrderID:   cloid,
			ExchangeOrderID: v.ExchangeOrderID,
			Symbol:          v.Symbol,
			Side:            v.Side,
			State:           v.State,
			Price:           v.Price,
			Size:            v.Size,
			Filled:          v.Filled,
			Reason:          "adopted",
			Synthetic:       true,
			Time:            now,
		})
	}

	if n := len(report.Events) + len(report.Fills); n > 0 {
		c.logger.Info("reconciled against venue",
			"events", len(report.Events), "fills", len(report.Fills), "positions", len(positions))
	}
	return report, nil
}

// post sends one /info request through the Info budget.
func (c *Client) post(ctx context.Context, req infoRequest, out any, symbol string, weight float64) error {
	if err := c.limits.Info.Acquire(ctx, symbol, weight); err != nil {
		return err
	}
	resp, err := c.info.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(out).
		Post("/info")
	if err := c.classify("info "+req.Type, c.limits.Info, symbol, resp, err); err != nil {
		return err
	}
	c.limits.Info.Settle()
	return nil
}

// signAndPost signs an action with a fresh nonce and sends it to /exchange.
func (c *Client) signAndPost(ctx context.Context, action any, family *Budget, symbol string, weight float64) (*exchangeResponse, error) {
	if c.signer == nil {
		return nil, types.Faultf(types.KindAuthFailed, "no agent key configured")
	}
	if err := family.Acquire(ctx, symbol, weight); err != nil {
		return nil, err
	}

	nonce := c.signer.NextNonce()
	sig, err := c.signer.SignAction(action, nonce)
	if err != nil {
		return nil, types.NewFault(types.KindAuthFailed, err)
	}

	body, err := json.Marshal(exchangeRequest{Action: action, Nonce: nonce, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("marshal exchange request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
	defer cancel()

	var result exchangeResponse
	resp, err := c.trade.R().
		SetContext(callCtx).
		SetBody(body).
		SetResult(&result).
		Post("/exchange")
	if err := c.classify("exchange", family, symbol, resp, err); err != nil {
		return nil, err
	}
	family.Settle()

	if result.Status != "ok" {
		detail := result.Error
		if detail == "" {
			detail = resp.String()
		}
		return nil, types.Faultf(types.KindVenueRejected, "exchange action: %s", detail)
	}
	return &result, nil
}

// classify maps transport and HTTP failures onto the error taxonomy. A 429
// additionally penalizes the family's budget.
func (c *Client) classify(op string, family *Budget, symbol string, resp *resty.Response, err error) error {
	if err != nil {
		return types.NewFault(types.KindVenueTransient, fmt.Errorf("%s: %w", op, err))
	}
	code := resp.StatusCode()
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		cooldown := family.Penalize(symbol)
		return types.Faultf(types.KindVenueTransient,
			"%s: throttled by venue, cooling down %s", op, cooldown)
	case code >= 500:
		return types.Faultf(types.KindVenueTransient, "%s: status %d: %s", op, code, resp.String())
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.Faultf(types.KindAuthFailed, "%s: status %d: %s", op, code, resp.String())
	default:
		return types.Faultf(types.KindVenueRejected, "%s: status %d: %s", op, code, resp.String())
	}
}

func (c *Client) fetchState(ctx context.Context) (clearinghouseState, error) {
	var state clearinghouseState
	if c.userAddr == "" {
		return state, nil
	}
	if err := c.post(ctx, infoRequest{Type: "clearinghouseState", User: c.userAddr}, &state, "", 2); err != nil {
		return state, fmt.Errorf("clearinghouse state: %w", err)
	}
	return state, nil
}

func (c *Client) dryAck(req OrderRequest, px, sz decimal.Decimal) OrderAck {
	c.dryMu.Lock()
	c.dryOID++
	oid := c.dryOID
	c.dryMu.Unlock()

	c.logger.Info("DRY-RUN: would place order",
		"symbol", req.Symbol, "side", req.Side, "px", px, "sz", sz, "cloid", req.ClientOrderID)
	return OrderAck{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: fmt.Sprintf("dry-%d", oid),
		Status:          AckResting,
	}
}

// decodeOrderStatus handles the venue's mixed status encoding: order acks
// are objects, cancel acks the literal string "success".
func decodeOrderStatus(raw rawJSON) (orderStatus, error) {
	var lit string
	if err := json.Unmarshal(raw, &lit); err == nil {
		if lit == "success" {
			return orderStatus{}, nil
		}
		return orderStatus{Error: lit}, nil
	}
	var st orderStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return orderStatus{}, fmt.Errorf("decode order status %q: %w", raw, err)
	}
	return st, nil
}

func wireTIF(t types.TimeInForce) string {
	switch t {
	case types.TIFIoc:
		return "Ioc"
	case types.TIFAlo:
		return "Alo"
	default:
		return "Gtc"
	}
}

// ParseInterval converts a venue candle interval ("1m", "4h", "1d") to a
// duration.
func ParseInterval(interval string) (time.Duration, error) {
	if len(interval) < 2 {
		return 0, types.Faultf(types.KindConfigInvalid, "bad candle interval %q", interval)
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n < 1 {
		return 0, types.Faultf(types.KindConfigInvalid, "bad candle interval %q", interval)
	}
	switch interval[len(interval)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, types.Faultf(types.KindConfigInvalid, "bad candle interval %q", interval)
	}
}
