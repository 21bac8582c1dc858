package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pivot-backtest/services/engine"
	"pivot-backtest/strategies"
)

// BarMessage is a bar as pushed by a live-session client.
type BarMessage struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (m BarMessage) Bar() strategies.Bar {
	return strategies.Bar{Timestamp: m.Timestamp, Open: m.Open, High: m.High, Low: m.Low, Close: m.Close, Volume: m.Volume}
}

// SessionRequest is a client frame: "start" (optional, configures the session)
// or "bar".
type SessionRequest struct {
	Type     string                      `json:"type"`
	Symbol   string                      `json:"symbol,omitempty"`
	Strategy *strategies.HigherLowConfig `json:"strategy,omitempty"`
	FillMode string                      `json:"fill_mode,omitempty"`
	Bar      *BarMessage                 `json:"bar,omitempty"`
}

// SessionUpdate is a server frame answering one client frame.
type SessionUpdate struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id,omitempty"`
	Index     uint64             `json:"index"`
	Signal    *strategies.Signal `json:"signal,omitempty"`
	Band      *strategies.Band   `json:"band,omitempty"`
	Mode      string             `json:"mode,omitempty"`
	Position  string             `json:"position,omitempty"`
	Confirmed *strategies.Pivot  `json:"confirmed,omitempty"`
	Equity    string             `json:"equity,omitempty"`
	Error     *engine.APIError   `json:"error,omitempty"`
}

// LiveSession drives one strategy and paper account from bars pushed one at a time.
type LiveSession struct {
	ID       string
	strategy *strategies.HigherLowStrategy
	gateway  *engine.PaperGateway
	last     strategies.BarTrace
}

func NewLiveSession(symbol string, cfg strategies.HigherLowConfig, fill engine.FillMode, d engine.JobDefaults, logger *zap.Logger) (*LiveSession, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	log := logger.With(zap.String("session_id", id), zap.String("symbol", symbol))
	gw := engine.NewPaperGateway(engine.PaperConfig{
		Symbol:      symbol,
		FillMode:    fill,
		Rules:       d.Rules,
		Slippage:    d.Slippage,
		InitialCash: decimal.NewFromFloat(d.InitialCash),
		Notional:    decimal.NewFromFloat(d.Notional),
	}, log)
	s := &LiveSession{ID: id, gateway: gw}
	strat, err := strategies.NewHigherLowStrategy(cfg, gw,
		strategies.WithLogger(log),
		strategies.WithTrace(func(t strategies.BarTrace) { s.last = t }))
	if err != nil {
		return nil, err
	}
	s.strategy = strat
	return s, nil
}

// Push feeds one bar and reports what the strategy did with it.
func (s *LiveSession) Push(ctx context.Context, bar strategies.Bar) (SessionUpdate, error) {
	sig, err := s.strategy.OnBar(ctx, bar)
	if err != nil {
		return SessionUpdate{}, err
	}
	u := SessionUpdate{
		Type:      "bar",
		SessionID: s.ID,
		Index:     sig.Index,
		Signal:    &sig,
		Mode:      s.last.Mode.String(),
		Position:  s.last.Position.String(),
		Confirmed: s.last.Confirmed,
		Equity:    s.gateway.Equity(bar.Close).StringFixed(2),
	}
	if s.last.BandReady {
		band := s.last.Band
		u.Band = &band
	}
	return u, nil
}

func (s *LiveSession) Trades() []engine.Trade { return s.gateway.Ledger().Trades() }

const (
	sessionReadTimeout = 5 * time.Minute
	sessionMaxFrame    = 64 << 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// auth is done by the bearer token, not the origin
	CheckOrigin: func(*http.Request) bool { return true },
}

func (h *handler) liveSession(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.svc.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(sessionMaxFrame)

	ctx := c.Request.Context()
	var sess *LiveSession
	start := func(req SessionRequest) *engine.APIError {
		d := h.svc.Defaults()
		cfg := d.Strategy
		if req.Strategy != nil {
			cfg = *req.Strategy
		}
		fill := d.FillMode
		if req.FillMode != "" {
			m, err := engine.ParseFillMode(req.FillMode)
			if err != nil {
				return engine.ErrInvalidParams.WithDetails(err.Error())
			}
			fill = m
		}
		symbol := req.Symbol
		if symbol == "" {
			symbol = "LIVE"
		}
		s, err := NewLiveSession(symbol, cfg, fill, d, h.svc.logger)
		if err != nil {
			return engine.ErrInvalidParams.WithDetails(err.Error())
		}
		sess = s
		return nil
	}

	for {
		conn.SetReadDeadline(time.Now().Add(sessionReadTimeout))
		var req SessionRequest
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.svc.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}

		var out SessionUpdate
		switch req.Type {
		case "start":
			if apiErr := start(req); apiErr != nil {
				out = SessionUpdate{Type: "error", Error: apiErr}
				break
			}
			out = SessionUpdate{Type: "started", SessionID: sess.ID}
		case "bar":
			if req.Bar == nil {
				out = SessionUpdate{Type: "error", Error: engine.ErrInvalidParams.WithDetails("bar frame without bar")}
				break
			}
			if sess == nil {
				if apiErr := start(SessionRequest{}); apiErr != nil {
					out = SessionUpdate{Type: "error", Error: apiErr}
					break
				}
			}
			u, err := sess.Push(ctx, req.Bar.Bar())
			if err != nil {
				var orderErr *strategies.InputOrderError
				if errors.As(err, &orderErr) {
					out = SessionUpdate{Type: "error", SessionID: sess.ID, Error: engine.ErrInvalidParams.WithDetails(err.Error())}
					break
				}
				out = SessionUpdate{Type: "error", SessionID: sess.ID, Error: engine.ErrExecutionFailed.WithDetails(err.Error())}
				break
			}
			out = u
		default:
			out = SessionUpdate{Type: "error", Error: engine.ErrInvalidParams.WithDetails("unknown frame type " + req.Type)}
		}
		if err := conn.WriteJSON(out); err != nil {
			h.svc.logger.Warn("websocket write error", zap.Error(err))
			return
		}
	}
}
