package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	models "CandleFlow/internal/domain/models"
	domrepo "CandleFlow/internal/domain/repository"
	"CandleFlow/internal/service/metrics"
	"CandleFlow/internal/usecase"
	xhttp "CandleFlow/pkg/http"
	xlogger "CandleFlow/pkg/logger"

	"github.com/labstack/echo/v4"
)

const defaultRange = 24 * time.Hour

// CandlesHandler serves stored candles from the feature store.
type CandlesHandler struct {
	logger *xlogger.Logger
	uc     *usecase.CandlesUseCase
	now    func() time.Time
}

func NewCandlesHandler(logger *xlogger.Logger, uc *usecase.CandlesUseCase) *CandlesHandler {
	metrics.Register()
	return &CandlesHandler{logger: logger, uc: uc, now: time.Now}
}

func (h *CandlesHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/candles", h.Candles)
	g.GET("/candles/latest", h.Latest)
}

// Candles returns candles in [from, to]. from defaults to 24h before to,
// to defaults to now.
func (h *CandlesHandler) Candles(c echo.Context) error {
	start := time.Now()
	defer func() { metrics.ReadLatency.WithLabelValues("candles").Observe(time.Since(start).Seconds()) }()

	req := &models.CandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		metrics.ReadErrors.WithLabelValues("candles", "validation").Inc()
		return xhttp.BadRequestResponse(c, verr)
	}

	to := h.now().UTC()
	if req.To != "" {
		t, ok := xhttp.ParseTime(req.To)
		if !ok {
			return h.badRequest(c, "candles", "to", req.To)
		}
		to = t
	}
	from := to.Add(-defaultRange)
	if req.From != "" {
		t, ok := xhttp.ParseTime(req.From)
		if !ok {
			return h.badRequest(c, "candles", "from", req.From)
		}
		from = t
	}

	res, err := h.uc.GetCandles(c.Request().Context(), usecase.GetCandlesParams{
		Symbol:    req.Symbol,
		From:      from,
		To:        to,
		Timeframe: domrepo.Timeframe(req.TF),
		Limit:     req.Limit,
	})
	if err != nil {
		return h.fail(c, "candles", err)
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "private, max-age=15")
	return xhttp.SuccessResponse(c, res)
}

// Latest returns the newest n candles in ascending order.
func (h *CandlesHandler) Latest(c echo.Context) error {
	start := time.Now()
	defer func() { metrics.ReadLatency.WithLabelValues("latest").Observe(time.Since(start).Seconds()) }()

	req := &models.LatestCandlesRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		metrics.ReadErrors.WithLabelValues("latest", "validation").Inc()
		return xhttp.BadRequestResponse(c, verr)
	}

	candles, err := h.uc.GetLatest(c.Request().Context(), req.Symbol, req.N, domrepo.Timeframe(req.TF))
	if err != nil {
		return h.fail(c, "latest", err)
	}
	return xhttp.ListResponse(c, candles, int64(len(candles)))
}

func (h *CandlesHandler) badRequest(c echo.Context, endpoint, field, value string) error {
	metrics.ReadErrors.WithLabelValues(endpoint, "validation").Inc()
	appErr := xhttp.NewAppError("ERR_INVALID_TIME", field, field+" must be RFC3339, a date or unix seconds", http.StatusBadRequest).
		WithParam("value", value)
	return xhttp.AppErrorResponse(c, appErr)
}

func (h *CandlesHandler) fail(c echo.Context, endpoint string, err error) error {
	if errors.Is(err, usecase.ErrBadQuery) {
		metrics.ReadErrors.WithLabelValues(endpoint, "bad_query").Inc()
		return xhttp.AppErrorResponse(c, xhttp.BadRequestError(err.Error()).WithError(err))
	}
	metrics.ReadErrors.WithLabelValues(endpoint, "store").Inc()
	h.logger.Error("candles read error", xlogger.String("endpoint", endpoint), xlogger.Error(err))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("candle store unavailable").WithError(err))
	}
	return xhttp.AppErrorResponse(c, xhttp.InternalError("candle read failed").WithError(err))
}
