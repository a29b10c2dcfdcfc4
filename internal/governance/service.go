// Package governance runs one extraction request end to end: admission,
// concurrent extraction passes, validation and consensus.
package governance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/consensus"
	"github.com/clinical-coding/platform/internal/extraction"
	"github.com/clinical-coding/platform/internal/ledger"
	"github.com/clinical-coding/platform/internal/shared/config"
	apperrors "github.com/clinical-coding/platform/internal/shared/errors"
	"github.com/clinical-coding/platform/internal/shared/logging"
	"github.com/clinical-coding/platform/internal/validation"
)

// maxPasses bounds an explicit pass count on a request.
const maxPasses = 10

// Mode names the two extraction modes.
type Mode string

const (
	ModeStandard      Mode = "standard"
	ModeHighPrecision Mode = "high_precision"
)

// Request is one extraction request.
type Request struct {
	Text          string `json:"text"`
	HighPrecision bool   `json:"high_precision"`
	// Passes overrides the pass count of the mode when positive.
	Passes int `json:"passes,omitempty"`
}

// Response is the reconciled result of a request.
type Response struct {
	RequestID string               `json:"request_id"`
	Mode      Mode                 `json:"mode"`
	Passes    int                  `json:"passes"`
	Concepts  []consensus.Concept  `json:"concepts"`
	Stability *consensus.Stability `json:"stability,omitempty"`
	Cost      ledger.Money         `json:"cost"`
	Model     string               `json:"model,omitempty"`
	Usage     *admission.Usage     `json:"usage,omitempty"`
	Duration  time.Duration        `json:"duration_ns"`
}

// Service orchestrates the pipeline. It is safe for concurrent use.
type Service struct {
	admission  *admission.Controller
	extractor  extraction.Extractor
	validator  *validation.Validator
	reconciler *consensus.Reconciler

	highPrecisionPasses int
	maxAttempts         int
	callTimeout         time.Duration
	retryDelay          time.Duration
	estimatedCost       ledger.Money

	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewService wires the pipeline components.
func NewService(
	ctrl *admission.Controller,
	extractor extraction.Extractor,
	validator *validation.Validator,
	pipeline config.PipelineConfig,
	quota config.QuotaConfig,
	logger *logging.Logger,
) *Service {
	s := &Service{
		admission:           ctrl,
		extractor:           extractor,
		validator:           validator,
		reconciler:          consensus.NewReconciler(pipeline.SimilarityThreshold),
		highPrecisionPasses: pipeline.HighPrecisionPasses,
		maxAttempts:         pipeline.MaxAttempts,
		callTimeout:         pipeline.CallTimeout,
		retryDelay:          pipeline.RetryDelay,
		estimatedCost:       ledger.Units(quota.CostPerCall),
		logger:              logger.Named("governance"),
		sleep:               sleepContext,
	}
	if s.maxAttempts < 1 {
		s.maxAttempts = 1
	}
	if s.highPrecisionPasses < 3 {
		s.highPrecisionPasses = 3
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// passCount resolves the mode and number of passes of a request. An
// explicit count is 1 for standard mode or 3 to maxPasses for high
// precision.
func (s *Service) passCount(req Request) (Mode, int, error) {
	mode := ModeStandard
	n := 1
	if req.HighPrecision {
		mode = ModeHighPrecision
		n = s.highPrecisionPasses
	}
	if req.Passes > 0 {
		if req.Passes == 2 || req.Passes > maxPasses {
			return mode, 0, apperrors.Validation("invalid request", map[string]string{
				"passes": fmt.Sprintf("must be 1 or between 3 and %d", maxPasses),
			})
		}
		n = req.Passes
		if n > 1 {
			mode = ModeHighPrecision
		}
	}
	return mode, n, nil
}

// Extract runs the request. Quota for every pass is reserved before any
// call is made; a denial consumes nothing. On failure or cancellation,
// passes that already completed stay recorded in the ledger and partial
// results are discarded.
func (s *Service) Extract(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	if strings.TrimSpace(req.Text) == "" {
		return nil, apperrors.Validation("invalid request", map[string]string{"text": "text is required"})
	}
	mode, n, err := s.passCount(req)
	if err != nil {
		return nil, err
	}

	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
		ctx = logging.WithRequestID(ctx, requestID)
	}

	reservations, err := s.reserve(ctx, n)
	if err != nil {
		return nil, err
	}

	results := make([]*extraction.Result, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range reservations {
		g.Go(func() error {
			res, err := s.runPass(gctx, i, req.Text, reservations[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn(ctx, "extraction failed", zap.Int("passes", n), zap.Error(err))
		return nil, err
	}

	passes := make([][]validation.Concept, n)
	resp := &Response{RequestID: requestID, Mode: mode, Passes: n}
	for i, res := range results {
		concepts, err := s.validator.ValidateAll(ctx, res.Candidates)
		if err != nil {
			return nil, apperrors.Wrap(err, "validation failed")
		}
		passes[i] = concepts
		resp.Cost += ledger.Units(res.ActualCost)
		if resp.Model == "" {
			resp.Model = res.Model
		}
	}

	resp.Concepts = s.reconciler.Reconcile(passes)
	if n > 1 {
		stability := consensus.MeasureStability(passes)
		resp.Stability = &stability
	}

	if usage, err := s.admission.CurrentUsage(ctx); err != nil {
		s.logger.Warn(ctx, "usage snapshot unavailable", zap.Error(err))
	} else {
		resp.Usage = &usage
	}
	resp.Duration = time.Since(started)

	s.logger.Info(ctx, "extraction completed",
		zap.String("mode", string(mode)),
		zap.Int("passes", n),
		zap.Int("concepts", len(resp.Concepts)),
		zap.Stringer("cost", resp.Cost),
		zap.Duration("duration", resp.Duration),
	)
	return resp, nil
}

// reserve authorizes n calls. Any denial releases what was already held.
func (s *Service) reserve(ctx context.Context, n int) ([]*admission.Reservation, error) {
	held := make([]*admission.Reservation, 0, n)
	for i := 0; i < n; i++ {
		decision, res, err := s.admission.Authorize(ctx, s.estimatedCost)
		if err == nil && decision == admission.Allow {
			held = append(held, res)
			continue
		}

		s.releaseAll(ctx, held)
		if err != nil {
			return nil, err
		}
		denied := s.quotaError(ctx, decision)
		denied.Details["requested"] = fmt.Sprint(n)
		return nil, denied
	}
	return held, nil
}

func (s *Service) releaseAll(ctx context.Context, held []*admission.Reservation) {
	ctx = context.WithoutCancel(ctx)
	for _, res := range held {
		if err := s.admission.Release(ctx, res); err != nil {
			s.logger.Error(ctx, "failed to release reservation", zap.String("reservation", res.ID), zap.Error(err))
		}
	}
}

// runPass performs one pass with its reservation. Transient failures are
// retried, each retry being admitted again.
func (s *Service) runPass(ctx context.Context, pass int, text string, res *admission.Reservation) (*extraction.Result, error) {
	settleCtx := context.WithoutCancel(ctx)

	for attempt := 1; ; attempt++ {
		result, err := s.call(ctx, text)
		if err == nil {
			if err := s.admission.Commit(settleCtx, res, ledger.Units(result.ActualCost)); err != nil {
				return nil, err
			}
			return result, nil
		}

		if rErr := s.admission.Release(settleCtx, res); rErr != nil {
			s.logger.Error(ctx, "failed to release reservation", zap.String("reservation", res.ID), zap.Error(rErr))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !extraction.IsTransient(err) {
			return nil, apperrors.ExtractionPermanent(err)
		}
		if attempt >= s.maxAttempts {
			return nil, apperrors.ExtractionTransient(err, attempt)
		}

		s.logger.Warn(ctx, "retrying extraction pass",
			zap.Int("pass", pass),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if err := s.sleep(ctx, s.retryDelay*time.Duration(attempt)); err != nil {
			return nil, err
		}

		decision, next, err := s.admission.Authorize(ctx, s.estimatedCost)
		if err != nil {
			return nil, err
		}
		if decision != admission.Allow {
			return nil, s.quotaError(ctx, decision)
		}
		res = next
	}
}

func (s *Service) call(ctx context.Context, text string) (*extraction.Result, error) {
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	result, err := s.extractor.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &extraction.PermanentError{Err: fmt.Errorf("extractor returned no result")}
	}
	return result, nil
}

// quotaError describes a denial with the current usage of the quota.
func (s *Service) quotaError(ctx context.Context, decision admission.Decision) *apperrors.AppError {
	limits := s.admission.Limits()
	used, limit := "", ""

	usage, err := s.admission.CurrentUsage(ctx)
	if err == nil {
		switch decision {
		case admission.DenyDaily:
			used, limit = fmt.Sprint(usage.Daily.CallCount), fmt.Sprint(limits.DailyCalls)
		case admission.DenyHourly:
			used, limit = fmt.Sprint(usage.Hourly.CallCount), fmt.Sprint(limits.HourlyCalls)
		case admission.DenyCost:
			used, limit = usage.Daily.CostAccrued.String(), limits.DailyCost.String()
		}
	}
	return apperrors.QuotaExceeded(decision.Scope(), used, limit)
}
