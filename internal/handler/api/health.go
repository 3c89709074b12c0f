package api

import (
	"net/http"

	"CandleFlow/internal/usecase"
	xhttp "CandleFlow/pkg/http"

	"github.com/labstack/echo/v4"
)

// PipelineStatus is the read-only view of a running pipeline.
type PipelineStatus interface {
	State() usecase.State
	SourceActive() bool
	Pending() int
	OpenWindows() int
}

type HealthResponse struct {
	Status       string `json:"status"`
	State        string `json:"state"`
	SourceActive bool   `json:"source_active"`
	Pending      int    `json:"pending"`
	OpenWindows  int    `json:"open_windows"`
}

// HealthHandler reports pipeline liveness on /health.
type HealthHandler struct {
	pipeline PipelineStatus
}

func NewHealthHandler(p PipelineStatus) *HealthHandler {
	return &HealthHandler{pipeline: p}
}

func (h *HealthHandler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
}

// Health answers 503 once the pipeline has stopped.
func (h *HealthHandler) Health(c echo.Context) error {
	st := h.pipeline.State()
	res := HealthResponse{
		Status:       "ok",
		State:        string(st),
		SourceActive: h.pipeline.SourceActive(),
		Pending:      h.pipeline.Pending(),
		OpenWindows:  h.pipeline.OpenWindows(),
	}
	code := http.StatusOK
	if st == usecase.StateStopped {
		res.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	return xhttp.DataResponse(c, code, res)
}
