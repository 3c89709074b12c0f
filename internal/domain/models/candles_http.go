package models

// CandlesRequest is the query of GET /api/v1/candles.
type CandlesRequest struct {
	Symbol string `query:"symbol" validate:"required"`
	From   string `query:"from"`
	To     string `query:"to"`
	TF     string `query:"tf"`
	Limit  int    `query:"limit" validate:"gte=0,lte=50000"`
}

// LatestCandlesRequest is the query of GET /api/v1/candles/latest.
type LatestCandlesRequest struct {
	Symbol string `query:"symbol" validate:"required"`
	N      int    `query:"n" default:"100" validate:"gte=1,lte=5000"`
	TF     string `query:"tf"`
}
