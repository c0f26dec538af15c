package service

import (
	"context"
	"sync"
	"time"

	"consenthub/internal/core/domain"
	"consenthub/internal/core/ports"

	"github.com/rs/zerolog"
)

// Redeliverer re-attempts a claimed retry entry.
type Redeliverer interface {
	Redeliver(ctx context.Context, entry *domain.DeliveryLog)
}

// Sweeper is the background retry scheduler. Each tick it claims due
// retrying entries (atomic status CAS in the repository, so overlapping
// sweeps never double-deliver) and re-attempts them through the dispatcher.
type Sweeper struct {
	deliveryRepo ports.DeliveryLogRepository
	redeliverer  Redeliverer
	interval     time.Duration
	batchSize    int
	workers      int
	log          zerolog.Logger
	stop         chan struct{}
	wg           sync.WaitGroup
	now          func() time.Time
}

// NewSweeper creates the retry sweeper.
func NewSweeper(
	deliveryRepo ports.DeliveryLogRepository,
	redeliverer Redeliverer,
	interval time.Duration,
	batchSize int,
	workers int,
	log zerolog.Logger,
) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if workers <= 0 {
		workers = 8
	}
	return &Sweeper{
		deliveryRepo: deliveryRepo,
		redeliverer:  redeliverer,
		interval:     interval,
		batchSize:    batchSize,
		workers:      workers,
		log:          log,
		stop:         make(chan struct{}),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the polling loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.interval).
		Int("batch_size", s.batchSize).
		Int("workers", s.workers).
		Msg("starting webhook retry sweeper")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop shuts the loop down and waits for in-flight re-attempts to settle.
func (s *Sweeper) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info().Msg("webhook retry sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error().Err(err).Msg("retry sweep failed")
			}
		}
	}
}

// Sweep claims one batch of due retries and re-attempts each of them,
// bounded by the worker limit. It returns the number of claimed entries
// after all re-attempts have settled.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := s.deliveryRepo.ClaimDueRetries(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	s.log.Debug().Int("claimed", len(entries)).Msg("retry sweep claimed entries")

	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup
	for i := range entries {
		entry := entries[i]
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.redeliverer.Redeliver(ctx, &entry)
		}()
	}
	wg.Wait()

	return len(entries), nil
}
