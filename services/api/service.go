// Package api serves backtests over HTTP and websocket. The same Service backs the
// gRPC surface in package proto.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pivot-backtest/services/arrowpipeline"
	"pivot-backtest/services/engine"
	"pivot-backtest/services/monitoring"
)

// ResultSink persists finished symbol results, e.g. into ClickHouse.
type ResultSink interface {
	Write(ctx context.Context, jobID string, res *engine.SymbolResult) error
}

type Service struct {
	runner    *engine.Runner
	defaults  engine.JobDefaults
	jobs      *JobStore
	manifests *engine.ManifestStore
	pipeline  *arrowpipeline.Pipeline
	metrics   *monitoring.Metrics
	sink      ResultSink
	logger    *zap.Logger
	timeout   time.Duration
	newID     func() string

	// background jobs, drained by Shutdown
	wg sync.WaitGroup
	// ctx is cancelled by Shutdown to abort running jobs
	ctx    context.Context
	cancel context.CancelFunc
}

type ServiceOption func(*Service)

func WithMetrics(m *monitoring.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

func WithSink(sink ResultSink) ServiceOption {
	return func(s *Service) { s.sink = sink }
}

func WithPipeline(p *arrowpipeline.Pipeline) ServiceOption {
	return func(s *Service) { s.pipeline = p }
}

// WithJobTimeout bounds every job's run time. Zero means no limit.
func WithJobTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.timeout = d }
}

func NewService(runner *engine.Runner, defaults engine.JobDefaults, logger *zap.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		runner:    runner,
		defaults:  defaults,
		jobs:      NewJobStore(),
		manifests: engine.NewManifestStore(),
		logger:    logger,
		newID:     uuid.NewString,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pipeline == nil {
		// the zero config is always valid
		s.pipeline, _ = arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger)
	}
	return s
}

func (s *Service) Defaults() engine.JobDefaults { return s.defaults }

func (s *Service) Logger() *zap.Logger { return s.logger }

// Submit validates the request and runs it in the background.
func (s *Service) Submit(req engine.BacktestRunRequest) (engine.BacktestRunResponse, error) {
	job, err := req.ToJob(s.newID(), s.defaults)
	if err != nil {
		return engine.BacktestRunResponse{}, err
	}
	s.jobs.Create(job)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, job)
	}()
	return engine.BacktestRunResponse{JobID: job.JobID, Status: engine.StatusQueued}, nil
}

// Execute validates the request and runs it before returning.
func (s *Service) Execute(ctx context.Context, req engine.BacktestRunRequest) (*engine.BacktestResult, error) {
	job, err := req.ToJob(s.newID(), s.defaults)
	if err != nil {
		return nil, err
	}
	s.jobs.Create(job)
	res, apiErr := s.execute(ctx, job)
	if apiErr != nil {
		return nil, apiErr
	}
	return res, nil
}

func (s *Service) execute(ctx context.Context, job *engine.BacktestJob) (*engine.BacktestResult, *engine.APIError) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if s.metrics != nil {
		defer s.metrics.JobStarted()()
	}
	s.jobs.Start(job.JobID)

	res, err := s.runner.Run(ctx, job)
	if err != nil {
		apiErr := toAPIError(err)
		s.jobs.Fail(job.JobID, apiErr)
		return nil, apiErr
	}
	s.manifests.Put(res.Manifest)
	if s.sink != nil {
		for _, sr := range res.SymbolResults {
			if err := s.sink.Write(ctx, job.JobID, sr); err != nil {
				// results stay available in memory
				s.logger.Warn("failed to persist symbol result",
					zap.String("job_id", job.JobID),
					zap.String("symbol", sr.Symbol),
					zap.Error(err))
			}
		}
	}
	s.jobs.Complete(job.JobID, res)
	return res, nil
}

// Result reports a job's status, with its results once completed.
func (s *Service) Result(jobID string) (engine.BacktestResultResponse, error) {
	j, ok := s.jobs.Get(jobID)
	if !ok {
		return engine.BacktestResultResponse{}, engine.ErrJobNotFound.WithDetails(jobID)
	}
	return engine.BacktestResultResponse{JobID: j.ID, Status: j.Status, Results: j.Result, Error: j.Err}, nil
}

func (s *Service) Manifest(jobID string) (*engine.RunManifest, error) {
	m, ok := s.manifests.Get(jobID)
	if !ok {
		return nil, engine.ErrJobNotFound.WithDetails(jobID)
	}
	return m, nil
}

// SymbolResult returns one symbol of a completed job.
func (s *Service) SymbolResult(jobID, symbol string) (*engine.SymbolResult, error) {
	j, ok := s.jobs.Get(jobID)
	if !ok || j.Result == nil {
		return nil, engine.ErrJobNotFound.WithDetails(jobID)
	}
	for _, sr := range j.Result.SymbolResults {
		if sr.Symbol == symbol {
			return sr, nil
		}
	}
	return nil, engine.ErrDataNotFound.WithDetails("symbol " + symbol + " not in job " + jobID)
}

// Shutdown cancels running jobs and waits for them, or for ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toAPIError(err error) *engine.APIError {
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.ErrTimeout.WithDetails(err.Error()).Wrap(err)
	}
	var apiErr *engine.APIError
	if errors.As(err, &apiErr) {
		// keep the symbol prefix added by the runner
		return apiErr.WithDetails(err.Error())
	}
	return engine.ErrExecutionFailed.WithDetails(err.Error()).Wrap(err)
}
