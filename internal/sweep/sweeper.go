package sweep

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pesio-ai/be-travel-approvals/internal/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

// Engine is the part of the coordinator the sweeper drives.
type Engine interface {
	SweepCandidates(ctx context.Context) ([]*repository.ApprovalRequest, error)
	SweepOne(ctx context.Context, req *repository.ApprovalRequest, now time.Time) (*service.TransitionResult, error)
}

// Config tunes the sweeper.
type Config struct {
	Interval      time.Duration
	RatePerSecond int
	Workers       int
}

// Sweeper periodically expires, escalates and reminds pending requests.
type Sweeper struct {
	engine  Engine
	cfg     Config
	limiter *rate.Limiter
	log     *logger.Logger
	now     func() time.Time
}

// Report counts outcomes of one pass.
type Report struct {
	Scanned  int
	Outcomes map[service.Outcome]int
	Failed   int
}

// New creates a sweeper. RatePerSecond <= 0 disables throttling.
func New(engine Engine, cfg Config, log *logger.Logger) *Sweeper {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	limit := rate.Inf
	burst := 1
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
		burst = cfg.RatePerSecond
	}
	return &Sweeper{
		engine:  engine,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		log:     log.Component("sweeper"),
		now:     time.Now,
	}
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info().Dur("interval", s.cfg.Interval).Int("workers", s.cfg.Workers).Msg("Starting sweeper")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Sweep failed")
		}
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass over every pending request. Failures on one
// request are logged and do not stop the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (*Report, error) {
	candidates, err := s.engine.SweepCandidates(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Scanned: len(candidates), Outcomes: make(map[service.Outcome]int)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, req := range candidates {
		if err := s.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			res, err := s.engine.SweepOne(gctx, req, s.now())

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Sweep step failed")
				return nil
			}
			report.Outcomes[res.Outcome]++
			return nil
		})
	}
	_ = g.Wait()

	if report.Scanned > 0 {
		s.log.Info().
			Int("scanned", report.Scanned).
			Int("expired", report.Outcomes[service.OutcomeExpired]).
			Int("escalated", report.Outcomes[service.OutcomeEscalated]).
			Int("reminded", report.Outcomes[service.OutcomeReminded]).
			Int("failed", report.Failed).
			Msg("Sweep completed")
	}
	return report, ctx.Err()
}
