package models

import "time"

// FundingRate is one venue's funding quote for an asset. Rate is the
// annualized fraction; RawRate is the per-interval value the venue reported.
type FundingRate struct {
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	Rate            float64   `json:"rate"`
	RawRate         float64   `json:"raw_rate"`
	IntervalHours   float64   `json:"interval_hours"`
	NextFundingTime time.Time `json:"next_funding_time"`
	Confidence      float64   `json:"confidence"`
}
