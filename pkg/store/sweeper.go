package store

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper periodically hard-deletes expired session rows. Reads already
// filter on expiry, so the sweep only reclaims space.
type Sweeper struct {
	store  *SQLiteStore
	cron   *cron.Cron
	logger zerolog.Logger
}

// SweeperConfig holds sweeper configuration.
type SweeperConfig struct {
	Store *SQLiteStore
	// Schedule is a cron expression; defaults to every 10 minutes.
	Schedule string
	Logger   zerolog.Logger
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "@every 10m"
	}

	s := &Sweeper{
		store:  cfg.Store,
		cron:   cron.New(),
		logger: cfg.Logger.With().Str("component", "sweeper").Logger(),
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}

	return s, nil
}

// Start begins the sweep schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info().Msg("Expiry sweeper started")
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Expiry sweeper stopped")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.store.PurgeExpired(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Expiry sweep failed")
	}
}
