// wire.go defines the venue's JSON wire format. Everything here maps 1:1 to
// request and response bodies on the /info and /exchange REST endpoints and
// to WebSocket frames. Prices and sizes travel as strings to preserve decimal
// precision; normalization into pkg/types happens at the client boundary.
package exchange

import (
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"hyperhive/pkg/types"
)

// rawJSON defers decoding of polymorphic payloads until the channel or
// status shape is known.
type rawJSON = json.RawMessage

// ————————————————————————————————————————————————————————————————————————
// /info requests
// ————————————————————————————————————————————————————————————————————————

type infoRequest struct {
	Type string `json:"type"`
	Coin string `json:"coin,omitempty"`
	User string `json:"user,omitempty"`

	Req *candleReq `json:"req,omitempty"` // candleSnapshot only

	StartTime int64 `json:"startTime,omitempty"` // userFillsByTime only
	EndTime   int64 `json:"endTime,omitempty"`
}

type candleReq struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime,omitempty"`
}

// metaResponse lists the venue's tradable instruments.
type metaResponse struct {
	Universe []assetMeta `json:"universe"`
}

type assetMeta struct {
	Name        string `json:"name"` // venue coin, e.g. "ETH"
	SzDecimals  int    `json:"szDecimals"`
	MaxLeverage int    `json:"maxLeverage"`
	OnlyIsolated bool  `json:"onlyIsolated,omitempty"`
}

// wireLevel is one price level: [price, size, orderCount].
type wireLevel struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
	N  int    `json:"n"`
}

// l2BookData is the book payload shared by REST snapshots and WS updates.
// Levels[0] is bids (descending), Levels[1] is asks (ascending).
type l2BookData struct {
	Coin   string         `json:"coin"`
	Time   int64          `json:"time"` // ms
	Levels [2][]wireLevel `json:"levels"`
}

type wireOpenOrder struct {
	Coin      string `json:"coin"`
	Side      string `json:"side"` // "B" bid, "A" ask
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"` // remaining
	OrigSz    string `json:"origSz"`
	Oid       int64  `json:"oid"`
	Cloid     string `json:"cloid,omitempty"`
	Timestamp int64  `json:"timestamp"`
	ReduceOnly bool  `json:"reduceOnly,omitempty"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position wirePosition `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue    string `json:"accountValue"`
		TotalMarginUsed string `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable string `json:"withdrawable"`
}

type wirePosition struct {
	Coin     string `json:"coin"`
	Szi      string `json:"szi"` // signed size
	EntryPx  string `json:"entryPx"`
	Leverage struct {
		Type  string `json:"type"`
		Value int    `json:"value"`
	} `json:"leverage"`
	UnrealizedPnl  string `json:"unrealizedPnl"`
	MarginUsed     string `json:"marginUsed"`
	PositionValue  string `json:"positionValue"`
	LiquidationPx  string `json:"liquidationPx"`
	ReturnOnEquity string `json:"returnOnEquity"`
}

// wireCandle is one OHLCV bar. Field names follow the venue's compact schema:
// t/T open/close time (ms), s coin, i interval, o/c/h/l prices, v volume.
type wireCandle struct {
	T0 int64  `json:"t"`
	T1 int64  `json:"T"`
	S  string `json:"s"`
	I  string `json:"i"`
	O  string `json:"o"`
	C  string `json:"c"`
	H  string `json:"h"`
	L  string `json:"l"`
	V  string `json:"v"`
	N  int    `json:"n"`
}

type wireFill struct {
	Coin          string `json:"coin"`
	Px            string `json:"px"`
	Sz            string `json:"sz"`
	Side          string `json:"side"` // "B" | "A"
	Time          int64  `json:"time"`
	Oid           int64  `json:"oid"`
	Cloid         string `json:"cloid,omitempty"`
	Crossed       bool   `json:"crossed"`
	Fee           string `json:"fee"`
	StartPosition string `json:"startPosition"`
	Dir           string `json:"dir"` // e.g. "Open Long", "Close Short"
	Hash          string `json:"hash"`
	Tid           int64  `json:"tid"`
}

// ————————————————————————————————————————————————————————————————————————
// /exchange actions
// ————————————————————————————————————————————————————————————————————————

// exchangeRequest is the signed envelope for every mutating call.
type exchangeRequest struct {
	Action    any           `json:"action"`
	Nonce     uint64        `json:"nonce"`
	Signature wireSignature `json:"signature"`
}

type wireSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

type orderAction struct {
	Type     string      `json:"type"` // "order"
	Orders   []wireOrder `json:"orders"`
	Grouping string      `json:"grouping"` // "na"
}

type wireOrder struct {
	Asset      int            `json:"a"`
	IsBuy      bool           `json:"b"`
	Px         string         `json:"p"`
	Sz         string         `json:"s"`
	ReduceOnly bool           `json:"r"`
	OrderKind  wireOrderKind  `json:"t"`
	Cloid      string         `json:"c,omitempty"`
}

type wireOrderKind struct {
	Limit *wireLimitKind `json:"limit,omitempty"`
}

type wireLimitKind struct {
	Tif string `json:"tif"` // "Gtc" | "Ioc" | "Alo"
}

type cancelAction struct {
	Type    string       `json:"type"` // "cancel"
	Cancels []wireCancel `json:"cancels"`
}

type wireCancel struct {
	Asset int   `json:"a"`
	Oid   int64 `json:"o"`
}

type cancelByCloidAction struct {
	Type    string            `json:"type"` // "cancelByCloid"
	Cancels []wireCancelCloid `json:"cancels"`
}

type wireCancelCloid struct {
	Asset int    `json:"asset"`
	Cloid string `json:"cloid"`
}

// exchangeResponse is the venue's reply envelope for /exchange. Statuses
// stay raw because the venue mixes encodings: order acks are objects, cancel
// acks the literal string "success".
type exchangeResponse struct {
	Status   string `json:"status"` // "ok" | "err"
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []rawJSON `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
	// Error detail when Status == "err".
	Error string `json:"error,omitempty"`
}

// orderStatus is one per-order outcome inside a batch response. Exactly one
// field is set.
type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		TotalSz string `json:"totalSz"`
		AvgPx   string `json:"avgPx"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
	// Cancel acks arrive as the literal string "success"; captured by the
	// client before unmarshalling into this struct.
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket frames
// ————————————————————————————————————————————————————————————————————————

type wsRequest struct {
	Method       string         `json:"method"` // "subscribe" | "unsubscribe" | "ping"
	Subscription map[string]any `json:"subscription,omitempty"`
}

// wsEnvelope carries every inbound frame; Data is routed on Channel.
type wsEnvelope struct {
	Channel string `json:"channel"`
	Data    rawJSON `json:"data"`
}

type wsTrade struct {
	Coin string `json:"coin"`
	Side string `json:"side"` // aggressor: "B" | "A"
	Px   string `json:"px"`
	Sz   string `json:"sz"`
	Time int64  `json:"time"`
	Tid  int64  `json:"tid"`
}

// wsOrderUpdate is one entry in an orderUpdates frame.
type wsOrderUpdate struct {
	Order struct {
		Coin      string `json:"coin"`
		Side      string `json:"side"`
		LimitPx   string `json:"limitPx"`
		Sz        string `json:"sz"` // remaining
		OrigSz    string `json:"origSz"`
		Oid       int64  `json:"oid"`
		Cloid     string `json:"cloid,omitempty"`
		Timestamp int64  `json:"timestamp"`
	} `json:"order"`
	Status          string `json:"status"` // "open","filled","canceled","rejected","marginCanceled"
	StatusTimestamp int64  `json:"statusTimestamp"`
}

type wsUserFills struct {
	IsSnapshot bool       `json:"isSnapshot,omitempty"`
	User       string     `json:"user"`
	Fills      []wireFill `json:"fills"`
}

type wsUserFunding struct {
	Time        int64  `json:"time"`
	Coin        string `json:"coin"`
	Usdc        string `json:"usdc"`
	Szi         string `json:"szi"`
	FundingRate string `json:"fundingRate"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalization into pkg/types
// ————————————————————————————————————————————————————————————————————————

// dec parses a wire decimal. Malformed input normalizes to zero; downstream
// treats zero prices and sizes as empty.
func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// fl parses a wire float for indicator series.
func fl(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func wireSide(s string) types.Side {
	if s == "A" {
		return types.SELL
	}
	return types.BUY
}

func normalizeBook(d l2BookData, symbol string) types.BookSnapshot {
	snap := types.BookSnapshot{
		Symbol:    symbol,
		Bids:      make([]types.BookLevel, 0, len(d.Levels[0])),
		Asks:      make([]types.BookLevel, 0, len(d.Levels[1])),
		Sequence:  uint64(d.Time),
		UpdatedAt: time.UnixMilli(d.Time),
	}
	for _, lv := range d.Levels[0] {
		snap.Bids = append(snap.Bids, types.BookLevel{Price: dec(lv.Px), Size: dec(lv.Sz)})
	}
	for _, lv := range d.Levels[1] {
		snap.Asks = append(snap.Asks, types.BookLevel{Price: dec(lv.Px), Size: dec(lv.Sz)})
	}
	return snap
}

func normalizeTrade(t wsTrade, symbol string) types.Trade {
	return types.Trade{
		Symbol: symbol,
		Price:  dec(t.Px),
		Size:   dec(t.Sz),
		Side:   wireSide(t.Side),
		Time:   time.UnixMilli(t.Time),
	}
}

func normalizeCandle(w wireCandle, symbol string, now time.Time) types.Candle {
	end := time.UnixMilli(w.T1)
	return types.Candle{
		Symbol:   symbol,
		Interval: w.I,
		Open:     fl(w.O),
		High:     fl(w.H),
		Low:      fl(w.L),
		Close:    fl(w.C),
		Volume:   fl(w.V),
		Start:    time.UnixMilli(w.T0),
		End:      end,
		Closed:   !now.Before(end),
	}
}

func normalizeOrderUpdate(u wsOrderUpdate, symbol string) types.OrderEvent {
	orig := dec(u.Order.OrigSz)
	filled := orig.Sub(dec(u.Order.Sz))
	if filled.IsNegative() {
		filled = decimal.Zero
	}

	var state types.OrderState
	switch u.Status {
	case "filled":
		state = types.OrderFilled
		filled = orig
	case "canceled", "marginCanceled":
		state = types.OrderCancelled
	case "rejected":
		state = types.OrderRejected
	default: // "open" and anything the venue adds later
		state = types.OrderOpen
		if filled.IsPositive() {
			state = types.OrderPartiallyFilled
		}
	}

	return types.OrderEvent{
		ClientOrderID:   u.Order.Cloid,
		ExchangeOrderID: strconv.FormatInt(u.Order.Oid, 10),
		Symbol:          symbol,
		Side:            wireSide(u.Order.Side),
		State:           state,
		Price:           dec(u.Order.LimitPx),
		Size:            orig,
		Filled:          filled,
		Reason:          u.Status,
		Time:            time.UnixMilli(u.StatusTimestamp),
	}
}

func normalizeFill(w wireFill, symbol string) types.Fill {
	return types.Fill{
		ClientOrderID:   w.Cloid,
		ExchangeOrderID: strconv.FormatInt(w.Oid, 10),
		Symbol:          symbol,
		Side:            wireSide(w.Side),
		Price:           dec(w.Px),
		Size:            dec(w.Sz),
		Fee:             dec(w.Fee),
		Crossed:         w.Crossed,
		Time:            time.UnixMilli(w.Time),
	}
}

func normalizeOpenOrder(o wireOpenOrder, symbol string) types.OrderRecord {
	orig := dec(o.OrigSz)
	filled := orig.Sub(dec(o.Sz))
	if filled.IsNegative() {
		filled = decimal.Zero
	}
	state := types.OrderOpen
	if filled.IsPositive() {
		state = types.OrderPartiallyFilled
	}
	return types.OrderRecord{
		ClientOrderID:   o.Cloid,
		ExchangeOrderID: strconv.FormatInt(o.Oid, 10),
		Symbol:          symbol,
		Side:            wireSide(o.Side),
		Price:           dec(o.LimitPx),
		Size:            orig,
		Filled:          filled,
		State:           state,
		ReduceOnly:      o.ReduceOnly,
		CreatedAt:       time.UnixMilli(o.Timestamp),
	}
}

func normalizePosition(p wirePosition, symbol string) types.Position {
	return types.Position{
		Symbol:         symbol,
		Size:           dec(p.Szi),
		EntryPrice:     dec(p.EntryPx),
		UnrealizedPnl:  dec(p.UnrealizedPnl),
		Leverage:       p.Leverage.Value,
		MarginUsed:     dec(p.MarginUsed),
		LiquidationPx:  dec(p.LiquidationPx),
		PositionValue:  dec(p.PositionValue),
		ReturnOnEquity: dec(p.ReturnOnEquity),
	}
}
