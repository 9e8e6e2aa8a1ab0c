package model

import "footprintd/internal/fixed"

// Side is the aggressor (taker) direction of a trade.
type Side uint8

const (
	SideBuy  Side = 0 // buyer lifted the ask
	SideSell Side = 1 // seller hit the bid
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// SideFromBuyerMaker maps the exchange's is-buyer-maker flag to the aggressor
// side: if the buyer was the maker, the aggressor was a seller.
func SideFromBuyerMaker(buyerMaker bool) Side {
	if buyerMaker {
		return SideSell
	}
	return SideBuy
}

// Tick is a single executed trade. TradeID is the exchange's aggregate trade
// id, unique per symbol, and is the dedup key across the history/live
// boundary. Time is ms since epoch.
type Tick struct {
	Symbol  string      `json:"symbol"`
	TradeID int64       `json:"trade_id"`
	Time    int64       `json:"time"`
	Price   fixed.Price `json:"price"`
	Qty     fixed.Qty   `json:"qty"`
	Side    Side        `json:"side"`
}
