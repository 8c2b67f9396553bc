package bitget

import (
	"encoding/json"

	"github.com/captainplanet9000/cival-dashboard-sub008/internal/domain"
)

const (
	defaultRestURL = "https://api.bitget.com"
	defaultWSURL   = "wss://ws.bitget.com/v2/ws/public"

	productType = "USDT-FUTURES"
	codeOK      = "00000"
)

// apiResponse is the common V2 envelope.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type placeOrderBody struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	MarginMode  string `json:"marginMode"`
	MarginCoin  string `json:"marginCoin"`
	Size        string `json:"size"`
	Price       string `json:"price,omitempty"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Force       string `json:"force,omitempty"`
	ClientOid   string `json:"clientOid,omitempty"`
	ReduceOnly  string `json:"reduceOnly,omitempty"` // YES / NO
}

type cancelOrderBody struct {
	Symbol      string `json:"symbol"`
	ProductType string `json:"productType"`
	OrderID     string `json:"orderId"`
}

type orderIDData struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
}

// orderDetail is the venue's order record, shared by the detail and
// pending-list endpoints. All numbers arrive as strings.
type orderDetail struct {
	OrderID    string `json:"orderId"`
	ClientOid  string `json:"clientOid"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	State      string `json:"state"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	BaseVolume string `json:"baseVolume"` // filled quantity
	PriceAvg   string `json:"priceAvg"`
	ReduceOnly string `json:"reduceOnly"`
	CTime      string `json:"cTime"`
	UTime      string `json:"uTime"`
}

type pendingOrdersData struct {
	EntrustedList []orderDetail `json:"entrustedList"`
}

type accountEntry struct {
	MarginCoin string `json:"marginCoin"`
	Available  string `json:"available"`
	Locked     string `json:"locked"`
	Equity     string `json:"accountEquity"`
}

type tickerEntry struct {
	Symbol string `json:"symbol"`
	LastPr string `json:"lastPr"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
	Ts     string `json:"ts"`
}

// Websocket frames.

type subscribeRequest struct {
	Op   string         `json:"op"`
	Args []subscribeArg `json:"args"`
}

type subscribeArg struct {
	InstType string `json:"instType"`
	Channel  string `json:"channel"`
	InstID   string `json:"instId"`
}

type wsTickerFrame struct {
	Action string         `json:"action"`
	Arg    subscribeArg   `json:"arg"`
	Data   []wsTickerData `json:"data"`
	Ts     int64          `json:"ts"`
}

type wsTickerData struct {
	InstID string `json:"instId"`
	LastPr string `json:"lastPr"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
}

// mapOrderStatus translates venue order states into engine statuses.
func mapOrderStatus(state string) domain.OrderStatus {
	switch state {
	case "live", "new", "init":
		return domain.OrderStatusOpen
	case "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "filled":
		return domain.OrderStatusFilled
	case "canceled", "cancelled":
		return domain.OrderStatusCanceled
	case "rejected":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusPending
	}
}
