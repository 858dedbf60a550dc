// Package leader elects the single primary instance through a lease record
// in the Job Store. The primary runs trigger evaluation; every instance may
// run workers.
package leader

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/store"
)

// Config holds selector configuration
type Config struct {
	Logger     *slog.Logger
	Store      store.LeaseStore
	InstanceID string
	Key        string

	// LeaseDuration is how long an acquired or renewed lease stays valid
	LeaseDuration time.Duration

	// RenewInterval is how often Run renews or retries acquisition; it must
	// be well below LeaseDuration
	RenewInterval time.Duration

	Clock func() time.Time

	// OnChange is called with the new role whenever it flips
	OnChange func(primary bool)
}

// Selector tracks whether this instance holds the primary lease
type Selector struct {
	logger     *slog.Logger
	store      store.LeaseStore
	instanceID string
	key        string
	ttl        time.Duration
	interval   time.Duration
	clock      func() time.Time
	onChange   func(primary bool)

	mu        sync.Mutex
	primary   bool
	expiresAt time.Time
}

// NewSelector creates a new selector instance
func NewSelector(cfg *Config) *Selector {
	key := cfg.Key
	if key == "" {
		key = domain.CoordinationKey
	}
	ttl := cfg.LeaseDuration
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	interval := cfg.RenewInterval
	if interval <= 0 || interval >= ttl {
		interval = ttl / 3
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Selector{
		logger:     cfg.Logger,
		store:      cfg.Store,
		instanceID: cfg.InstanceID,
		key:        key,
		ttl:        ttl,
		interval:   interval,
		clock:      clock,
		onChange:   cfg.OnChange,
	}
}

// InstanceID returns the holder identity used for the lease
func (s *Selector) InstanceID() string {
	return s.instanceID
}

// IsPrimary reports whether this instance holds an unexpired lease. The
// local expiry is measured from before the store write, so it never outlives
// the stored one.
func (s *Selector) IsPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primary && s.clock().Before(s.expiresAt)
}

// TryAcquireLease attempts to take the lease
func (s *Selector) TryAcquireLease(ctx context.Context) (bool, error) {
	now := s.clock()
	ok, err := s.store.TryAcquireLease(ctx, s.key, s.instanceID, now, s.ttl)
	if err != nil {
		s.logger.Warn("Failed to acquire primary lease",
			slog.String("instance_id", s.instanceID),
			slog.Any("error", err),
		)
		s.setRole(false, time.Time{})
		return false, err
	}
	if !ok {
		s.setRole(false, time.Time{})
		return false, nil
	}
	s.setRole(true, now.Add(s.ttl))
	return true, nil
}

// RenewLease extends the lease. Any failure demotes this instance at once.
func (s *Selector) RenewLease(ctx context.Context) (bool, error) {
	now := s.clock()
	ok, err := s.store.RenewLease(ctx, s.key, s.instanceID, now, s.ttl)
	if err != nil {
		s.logger.Error("Failed to renew primary lease, stepping down",
			slog.String("instance_id", s.instanceID),
			slog.Any("error", err),
		)
		s.setRole(false, time.Time{})
		return false, err
	}
	if !ok {
		s.logger.Warn("Primary lease lost",
			slog.String("instance_id", s.instanceID),
		)
		s.setRole(false, time.Time{})
		return false, nil
	}
	s.setRole(true, now.Add(s.ttl))
	return true, nil
}

// Step renews the lease when primary, otherwise tries to acquire it, and
// reports the resulting role
func (s *Selector) Step(ctx context.Context) bool {
	s.mu.Lock()
	wasPrimary := s.primary
	s.mu.Unlock()

	var ok bool
	if wasPrimary {
		ok, _ = s.RenewLease(ctx)
	} else {
		ok, _ = s.TryAcquireLease(ctx)
	}
	return ok
}

// Run keeps the role current until ctx is canceled, then resigns
func (s *Selector) Run(ctx context.Context) {
	s.logger.Info("Primary selector started",
		slog.String("instance_id", s.instanceID),
		slog.Duration("lease_duration", s.ttl),
		slog.Duration("renew_interval", s.interval),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Step(ctx)
	for {
		select {
		case <-ctx.Done():
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.Resign(resignCtx)
			cancel()
			s.logger.Info("Primary selector stopped", slog.String("instance_id", s.instanceID))
			return
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// Resign releases the lease if held so another instance can take over
// without waiting for expiry
func (s *Selector) Resign(ctx context.Context) {
	s.mu.Lock()
	wasPrimary := s.primary
	s.mu.Unlock()
	if !wasPrimary {
		return
	}

	s.setRole(false, time.Time{})
	if err := s.store.ReleaseLease(ctx, s.key, s.instanceID); err != nil {
		s.logger.Warn("Failed to release primary lease",
			slog.String("instance_id", s.instanceID),
			slog.Any("error", err),
		)
	}
}

func (s *Selector) setRole(primary bool, expiresAt time.Time) {
	s.mu.Lock()
	changed := s.primary != primary
	s.primary = primary
	s.expiresAt = expiresAt
	s.mu.Unlock()

	if !changed {
		return
	}
	if primary {
		s.logger.Info("Became primary",
			slog.String("instance_id", s.instanceID),
			slog.Time("lease_expires_at", expiresAt),
		)
	} else {
		s.logger.Info("No longer primary", slog.String("instance_id", s.instanceID))
	}
	if s.onChange != nil {
		s.onChange(primary)
	}
}
