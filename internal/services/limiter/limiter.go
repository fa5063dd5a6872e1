// -----------------------------------------------------------------------
// Limiter - process-wide token bucket gating extractor traffic
// -----------------------------------------------------------------------

package limiter

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/papyrus/internal/common"
	"github.com/ternarybob/papyrus/internal/interfaces"
	"golang.org/x/time/rate"
)

// tierDefaults couples refill rate, burst and dispatcher concurrency per
// provider tier. Rate and concurrency are tuned jointly: more workers than
// tokens per second only produces queueing at the bucket.
type tierDefaults struct {
	Rate          float64
	Burst         int
	MaxConcurrent int
}

var tiers = map[string]tierDefaults{
	common.TierStandard: {Rate: 15, Burst: 20, MaxConcurrent: 15},
	common.TierFree:     {Rate: 1, Burst: 1, MaxConcurrent: 1},
}

// Service is the single shared token bucket per provider instance. The
// bucket starts full; Acquire blocks until one token is available or the
// context is cancelled.
type Service struct {
	limiter       *rate.Limiter
	maxConcurrent int
	tier          string
	logger        arbor.ILogger
}

// NewService builds the limiter from the extractor configuration. Explicit
// rate/burst/max_concurrent values override the tier defaults.
func NewService(config *common.ExtractorConfig, logger arbor.ILogger) (*Service, error) {
	tier := config.Tier
	if tier == "" {
		tier = common.TierStandard
	}
	defaults, ok := tiers[tier]
	if !ok {
		return nil, fmt.Errorf("unknown limiter tier: %s", tier)
	}

	r := defaults.Rate
	if config.Rate > 0 {
		r = config.Rate
	}
	burst := defaults.Burst
	if config.Burst > 0 {
		burst = config.Burst
	}
	maxConcurrent := defaults.MaxConcurrent
	if config.MaxConcurrent > 0 {
		maxConcurrent = config.MaxConcurrent
	}

	logger.Info().
		Str("tier", tier).
		Float64("rate", r).
		Int("burst", burst).
		Int("max_concurrent", maxConcurrent).
		Msg("Extractor limiter initialized")

	return &Service{
		limiter:       rate.NewLimiter(rate.Limit(r), burst),
		maxConcurrent: maxConcurrent,
		tier:          tier,
		logger:        logger,
	}, nil
}

// Acquire blocks until exactly one token is available. Oversubscription is
// impossible by construction: rate.Limiter reserves before returning.
func (s *Service) Acquire(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("limiter acquire: %w", err)
	}
	return nil
}

// MaxConcurrent returns the dispatcher pool size for the active tier.
func (s *Service) MaxConcurrent() int {
	return s.maxConcurrent
}

// Tier returns the active tier name.
func (s *Service) Tier() string {
	return s.tier
}

var _ interfaces.Limiter = (*Service)(nil)
