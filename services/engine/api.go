package engine

// Request types and the error taxonomy shared by the HTTP and gRPC surfaces

import (
	"fmt"
	"net/http"
	"strings"

	"pivot-backtest/strategies"
)

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	cause error
}

var (
	ErrInvalidParams   = &APIError{Code: "INVALID_PARAMS", Message: "Invalid parameters provided"}
	ErrDataNotFound    = &APIError{Code: "DATA_NOT_FOUND", Message: "Required data not available"}
	ErrExecutionFailed = &APIError{Code: "EXECUTION_FAILED", Message: "Strategy execution failed"}
	ErrJobNotFound     = &APIError{Code: "JOB_NOT_FOUND", Message: "Backtest job not found"}
	ErrUnauthorized    = &APIError{Code: "UNAUTHORIZED", Message: "Missing or invalid credentials"}
	ErrTimeout         = &APIError{Code: "TIMEOUT", Message: "Operation timed out"}
)

func (e *APIError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Details)
}

func (e *APIError) Unwrap() error { return e.cause }

// Is matches on the code, so errors.Is(err, ErrDataNotFound) holds for any
// detailed copy.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.Code == e.Code
}

func (e *APIError) WithDetails(details string) *APIError {
	c := *e
	c.Details = details
	return &c
}

func (e *APIError) Wrap(cause error) *APIError {
	c := *e
	c.cause = cause
	return &c
}

// HTTPStatus maps the code onto a response status.
func (e *APIError) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidParams.Code:
		return http.StatusBadRequest
	case ErrDataNotFound.Code, ErrJobNotFound.Code:
		return http.StatusNotFound
	case ErrUnauthorized.Code:
		return http.StatusUnauthorized
	case ErrTimeout.Code:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type BacktestRunRequest struct {
	Symbols   []string                    `json:"symbols"`
	StartTime int64                       `json:"start_time"`
	EndTime   int64                       `json:"end_time"`
	Timeframe string                      `json:"timeframe"`
	Strategy  *strategies.HigherLowConfig `json:"strategy,omitempty"`
	FillMode  string                      `json:"fill_mode,omitempty"`
	Slippage  string                      `json:"slippage_mode,omitempty"`
	Notional  float64                     `json:"notional,omitempty"`
	Trace     bool                        `json:"trace,omitempty"`
}

type BacktestRunResponse struct {
	JobID  string    `json:"job_id"`
	Status string    `json:"status"`
	Error  *APIError `json:"error,omitempty"`
}

type BacktestResultResponse struct {
	JobID   string          `json:"job_id"`
	Status  string          `json:"status"`
	Results *BacktestResult `json:"results,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Job statuses
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// JobDefaults fill what a request leaves out.
type JobDefaults struct {
	Strategy    strategies.HigherLowConfig
	Timeframe   string
	FillMode    FillMode
	Slippage    SlippageMode
	Rules       ExchangeRules
	InitialCash float64
	Notional    float64
}

// ToJob validates the request and merges it over the defaults.
func (r BacktestRunRequest) ToJob(jobID string, d JobDefaults) (*BacktestJob, error) {
	if len(r.Symbols) == 0 {
		return nil, ErrInvalidParams.WithDetails("symbols must not be empty")
	}
	symbols := make([]string, 0, len(r.Symbols))
	for _, s := range r.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return nil, ErrInvalidParams.WithDetails("empty symbol")
		}
		symbols = append(symbols, s)
	}
	if r.EndTime > 0 && r.EndTime <= r.StartTime {
		return nil, ErrInvalidParams.WithDetails("end_time must be after start_time")
	}

	job := &BacktestJob{
		JobID:     jobID,
		Symbols:   symbols,
		Timeframe: d.Timeframe,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Strategy:  d.Strategy,
		Trace:     r.Trace,
		Paper: PaperSettings{
			FillMode:    d.FillMode,
			Slippage:    d.Slippage,
			Rules:       d.Rules,
			InitialCash: d.InitialCash,
			Notional:    d.Notional,
		},
	}
	if r.Timeframe != "" {
		job.Timeframe = r.Timeframe
	}
	if r.Strategy != nil {
		job.Strategy = *r.Strategy
	}
	if err := job.Strategy.Validate(); err != nil {
		return nil, ErrInvalidParams.WithDetails(err.Error()).Wrap(err)
	}
	if r.FillMode != "" {
		m, err := ParseFillMode(r.FillMode)
		if err != nil {
			return nil, ErrInvalidParams.WithDetails(err.Error())
		}
		job.Paper.FillMode = m
	}
	if r.Slippage != "" {
		m, err := ParseSlippageMode(r.Slippage)
		if err != nil {
			return nil, ErrInvalidParams.WithDetails(err.Error())
		}
		job.Paper.Slippage = m
	}
	if r.Notional > 0 {
		job.Paper.Notional = r.Notional
	}
	return job, nil
}
