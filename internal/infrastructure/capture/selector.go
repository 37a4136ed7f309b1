package capture

import (
	"errors"
	"fmt"

	"meshlink/internal/core/domain"
	"meshlink/internal/core/ports"
	mlerrors "meshlink/pkg/errors"

	"go.uber.org/zap"
)

// SelectorConfig fixes the capture tunables and the platform profile used
// to order strategies. The probe happens once, at construction.
type SelectorConfig struct {
	Capture domain.CaptureConfig
	// Platform "restricted" marks platforms where long-lived element
	// capture is unreliable and the chunked recorder must lead.
	Platform string
}

// StrategySelector picks a capture strategy for a media source and walks
// the fallback chain when attempts fail. Capture configuration is
// preserved unchanged across attempts.
type StrategySelector struct {
	config     SelectorConfig
	strategies []strategy
	logger     *zap.SugaredLogger
}

// NewStrategySelector creates a selector with the strategy order derived
// from the platform profile.
func NewStrategySelector(config SelectorConfig, logger *zap.SugaredLogger) *StrategySelector {
	native := &nativeStrategy{logger: logger}
	canvas := &canvasStrategy{logger: logger}
	recorder := &recorderStrategy{logger: logger}

	var order []strategy
	if config.Platform == "restricted" {
		order = []strategy{recorder, canvas, native}
	} else {
		order = []strategy{native, canvas, recorder}
	}

	return &StrategySelector{
		config:     config,
		strategies: order,
		logger:     logger,
	}
}

// CreateStream attempts the primary strategy, then each fallback in
// order. Each strategy is attempted at most once; only after all are
// exhausted does the call fail.
func (s *StrategySelector) CreateStream(source ports.MediaSource, sink ports.ChunkSink) (*ports.StreamResult, error) {
	var attemptErrs []error

	for _, strat := range s.strategies {
		result, err := strat.acquire(source, s.config.Capture, sink)
		if err != nil {
			s.logger.Warnw("capture strategy failed, trying next",
				"source", source.ID(),
				"strategy", strat.name(),
				"error", err,
			)
			attemptErrs = append(attemptErrs, fmt.Errorf("%s: %w", strat.name(), err))
			continue
		}

		s.logger.Infow("capture stream created",
			"source", source.ID(),
			"strategy", result.Strategy,
		)
		return result, nil
	}

	err := mlerrors.Wrap(
		errors.Join(append(attemptErrs, domain.ErrAllStrategiesFailed)...),
		mlerrors.ErrCodeStrategyExhausted,
		"all streaming strategies failed",
	)
	s.logger.Errorw("capture strategy exhaustion", "source", source.ID(), "error", err)
	return nil, err
}

// Order exposes the probe-derived strategy order for diagnostics.
func (s *StrategySelector) Order() []domain.Strategy {
	order := make([]domain.Strategy, len(s.strategies))
	for i, strat := range s.strategies {
		order[i] = strat.name()
	}
	return order
}

var _ ports.StreamProvider = (*StrategySelector)(nil)
