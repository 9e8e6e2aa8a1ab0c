package model

// GapRecord describes a discontinuity in persisted candles for a
// (symbol, timeframe) series. MissingStart/MissingEnd are ms since epoch and
// bound the span with no stored candles. Permanent marks spans the exchange
// itself has no data for (symbol did not trade), which must not be retried.
type GapRecord struct {
	ID           int64  `json:"id"`
	Symbol       string `json:"symbol"`
	Timeframe    int    `json:"tf"`
	MissingStart int64  `json:"missing_start"`
	MissingEnd   int64  `json:"missing_end"`
	Permanent    bool   `json:"permanent"`
}
