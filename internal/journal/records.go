package journal

import (
	"time"

	"github.com/shopspring/decimal"

	"hedgeflow/models"
)

type Kind string

const (
	KindPosition    Kind = "position"
	KindOpportunity Kind = "opportunity"
	KindRange       Kind = "range"
)

type positionRecord struct {
	Timestamp      int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Event          string  `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8"`
	ID             string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol         string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status         string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CEXSide        string  `parquet:"name=cex_side, type=BYTE_ARRAY, convertedtype=UTF8"`
	DEXSide        string  `parquet:"name=dex_side, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetExchange string  `parquet:"name=target_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	HedgeExchange  string  `parquet:"name=hedge_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size           float64 `parquet:"name=size, type=DOUBLE"`
	EntryPrice     float64 `parquet:"name=entry_price, type=DOUBLE"`
	ExpectedReturn float64 `parquet:"name=expected_return, type=DOUBLE"`
	EntryTime      int64   `parquet:"name=entry_time, type=INT64"`
	ExitTime       int64   `parquet:"name=exit_time, type=INT64"`
	HedgeTxHash    string  `parquet:"name=hedge_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	CloseTxHash    string  `parquet:"name=close_tx_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	NetPnL         float64 `parquet:"name=net_pnl, type=DOUBLE"`
}

type opportunityRecord struct {
	Timestamp        int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Symbol           string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	CEXSide          string  `parquet:"name=cex_side, type=BYTE_ARRAY, convertedtype=UTF8"`
	TargetExchange   string  `parquet:"name=target_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	HedgeExchange    string  `parquet:"name=hedge_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	RateDifferential float64 `parquet:"name=rate_differential, type=DOUBLE"`
	ExpectedReturn   float64 `parquet:"name=expected_return, type=DOUBLE"`
	RequiredCapital  float64 `parquet:"name=required_capital, type=DOUBLE"`
	Size             float64 `parquet:"name=size, type=DOUBLE"`
	EntryPrice       float64 `parquet:"name=entry_price, type=DOUBLE"`
	Risk             string  `parquet:"name=risk, type=BYTE_ARRAY, convertedtype=UTF8"`
	Confidence       float64 `parquet:"name=confidence, type=DOUBLE"`
}

type rangeRecord struct {
	Timestamp  int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Event      string  `parquet:"name=event, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Min        float64 `parquet:"name=min, type=DOUBLE"`
	Max        float64 `parquet:"name=max, type=DOUBLE"`
	Amount     float64 `parquet:"name=amount, type=DOUBLE"`
	OrderID    string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Rebalances int32   `parquet:"name=rebalances, type=INT32"`
	Escapes    int32   `parquet:"name=escapes, type=INT32"`
	Fees       float64 `parquet:"name=fees, type=DOUBLE"`
	Slippage   float64 `parquet:"name=slippage, type=DOUBLE"`
}

// schema returns the parquet schema object for kind.
func schema(kind Kind) interface{} {
	switch kind {
	case KindPosition:
		return new(positionRecord)
	case KindOpportunity:
		return new(opportunityRecord)
	default:
		return new(rangeRecord)
	}
}

func f64(d decimal.Decimal) float64 {
	v, _ := d.Float64()
	return v
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func newPositionRecord(at time.Time, event string, p models.ArbitragePosition) positionRecord {
	return positionRecord{
		Timestamp:      at.UnixMilli(),
		Event:          event,
		ID:             p.ID,
		Symbol:         p.Symbol,
		Status:         string(p.Status),
		CEXSide:        string(p.CEXSide),
		DEXSide:        string(p.DEXSide),
		TargetExchange: p.TargetExchange,
		HedgeExchange:  p.HedgeExchange,
		Size:           f64(p.Size),
		EntryPrice:     f64(p.EntryPrice),
		ExpectedReturn: p.ExpectedReturn,
		EntryTime:      millis(p.EntryTime),
		ExitTime:       millis(p.ExitTime),
		HedgeTxHash:    p.HedgeTxHash,
		CloseTxHash:    p.CloseTxHash,
		NetPnL:         f64(p.NetPnL),
	}
}

func newOpportunityRecord(o models.ArbitrageOpportunity) opportunityRecord {
	return opportunityRecord{
		Timestamp:        o.DetectedAt.UnixMilli(),
		Symbol:           o.Symbol,
		CEXSide:          string(o.CEXSide),
		TargetExchange:   o.TargetExchange,
		HedgeExchange:    o.HedgeExchange,
		RateDifferential: o.RateDifferential,
		ExpectedReturn:   o.ExpectedReturn,
		RequiredCapital:  f64(o.RequiredCapital),
		Size:             f64(o.Size),
		EntryPrice:       f64(o.EntryPrice),
		Risk:             string(o.Risk),
		Confidence:       o.Confidence,
	}
}

func newRangeRecord(at time.Time, event string, r models.LiquidityRange) rangeRecord {
	return rangeRecord{
		Timestamp:  at.UnixMilli(),
		Event:      event,
		Symbol:     r.Symbol,
		Min:        f64(r.Min),
		Max:        f64(r.Max),
		Amount:     f64(r.Amount),
		OrderID:    r.OrderID,
		Rebalances: int32(r.Analytics.Rebalances),
		Escapes:    int32(r.Analytics.Escapes),
		Fees:       f64(r.Analytics.Fees),
		Slippage:   f64(r.Analytics.Slippage),
	}
}
