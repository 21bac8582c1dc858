package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pivot-backtest/services/engine"
	"pivot-backtest/strategies"
)

const arrowStreamContentType = "application/vnd.apache.arrow.stream"

type RouterConfig struct {
	// JWTSecret, when set, guards every /v1 route with an HS256 bearer token.
	JWTSecret string
}

type handler struct {
	svc *Service
}

// NewRouter wires the REST routes:
//
//	GET  /healthz
//	GET  /metrics
//	POST /v1/backtests                      submit (?wait=true runs inline)
//	GET  /v1/backtests/:job_id              status and results
//	GET  /v1/backtests/:job_id/manifest     run manifest
//	GET  /v1/backtests/:job_id/trace/:symbol  per-bar trace as an Arrow stream
//	POST /v1/pivots                         offline pivot finder
//	GET  /v1/sessions/ws                    live session websocket
func NewRouter(svc *Service, cfg RouterConfig) *gin.Engine {
	h := &handler{svc: svc}
	r := gin.New()
	r.Use(gin.Recovery(), h.accessLog)

	r.GET("/healthz", h.health)
	if svc.metrics != nil {
		r.GET("/metrics", gin.WrapH(svc.metrics.Handler()))
	}

	v1 := r.Group("/v1")
	if cfg.JWTSecret != "" {
		v1.Use(requireToken(cfg.JWTSecret))
	}
	{
		v1.POST("/backtests", h.submitBacktest)
		v1.GET("/backtests/:job_id", h.getBacktest)
		v1.GET("/backtests/:job_id/manifest", h.getManifest)
		v1.GET("/backtests/:job_id/trace/:symbol", h.getTrace)
		v1.POST("/pivots", h.findPivots)
		v1.GET("/sessions/ws", h.liveSession)
	}
	return r
}

func (h *handler) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.svc.logger.Debug("http request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("latency", time.Since(start)))
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"version":   engine.EngineVersion,
		"jobs":      h.svc.jobs.Len(),
	})
}

func (h *handler) submitBacktest(c *gin.Context) {
	var req engine.BacktestRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, engine.ErrInvalidParams.WithDetails(err.Error()))
		return
	}

	if c.Query("wait") == "true" {
		res, err := h.svc.Execute(c.Request.Context(), req)
		if err != nil {
			h.svc.logger.Error("backtest request failed", zap.Error(err))
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, engine.BacktestResultResponse{JobID: res.JobID, Status: engine.StatusCompleted, Results: res})
		return
	}

	resp, err := h.svc.Submit(req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *handler) getBacktest(c *gin.Context) {
	resp, err := h.svc.Result(c.Param("job_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *handler) getManifest(c *gin.Context) {
	m, err := h.svc.Manifest(c.Param("job_id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handler) getTrace(c *gin.Context) {
	sr, err := h.svc.SymbolResult(c.Param("job_id"), strings.ToUpper(c.Param("symbol")))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if len(sr.Trace) == 0 {
		abortWithError(c, engine.ErrDataNotFound.WithDetails("job was run without trace"))
		return
	}
	c.Header("Content-Type", arrowStreamContentType)
	c.Status(http.StatusOK)
	if err := h.svc.pipeline.WriteTrace(c.Writer, sr.Trace); err != nil {
		// headers are gone; all that is left is to log
		h.svc.logger.Error("trace export failed", zap.Error(err))
	}
}

// PivotRequest is the body of POST /v1/pivots.
type PivotRequest struct {
	Bars   []BarMessage            `json:"bars" binding:"required"`
	Config strategies.FinderConfig `json:"config"`
}

type PivotResponse struct {
	Pivots []strategies.Pivot `json:"pivots"`
	Highs  int                `json:"highs"`
	Lows   int                `json:"lows"`
}

func (h *handler) findPivots(c *gin.Context) {
	d := h.svc.Defaults().Strategy
	// Fields omitted from the body keep the service defaults.
	req := PivotRequest{Config: strategies.FinderConfig{NPeriod: d.NPeriod, StdMultiplier: d.StdMultiplier, MinGap: d.MinGap}}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, engine.ErrInvalidParams.WithDetails(err.Error()))
		return
	}
	cfg := req.Config
	if cfg.NPeriod == 0 {
		cfg.NPeriod = d.NPeriod
	}
	if cfg.StdMultiplier == 0 {
		cfg.StdMultiplier = d.StdMultiplier
	}
	bars := make([]strategies.Bar, len(req.Bars))
	for i, b := range req.Bars {
		bars[i] = b.Bar()
	}
	pivots, err := strategies.FindPivots(bars, cfg)
	if err != nil {
		abortWithError(c, engine.ErrInvalidParams.WithDetails(err.Error()))
		return
	}
	resp := PivotResponse{Pivots: pivots}
	for _, p := range pivots {
		if p.Kind == strategies.PivotHigh {
			resp.Highs++
		} else {
			resp.Lows++
		}
	}
	if resp.Pivots == nil {
		resp.Pivots = []strategies.Pivot{}
	}
	c.JSON(http.StatusOK, resp)
}

func abortWithError(c *gin.Context, err error) {
	var apiErr *engine.APIError
	if !errors.As(err, &apiErr) {
		apiErr = engine.ErrExecutionFailed.WithDetails(err.Error())
	}
	c.AbortWithStatusJSON(apiErr.HTTPStatus(), gin.H{"error": apiErr})
}
