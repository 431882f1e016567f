// Package pledge keeps renewal schedules running. Each active pledge gets
// its own Scheduler goroutine that catches up on renewals missed while the
// process was down, then renews once per frequency period. A Supervisor
// launches and shuts down the schedulers.
package pledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"verdant/internal/logging"
	"verdant/internal/store"
)

// wakeBuffer pads every sleep so the scheduler never wakes a hair before
// the period boundary and spins.
const wakeBuffer = 1300 * time.Millisecond

// Store is the persistence surface a Scheduler needs.
type Store interface {
	GetPledge(ctx context.Context, userID, name string) (*store.Pledge, error)
	ApplyRenewal(ctx context.Context, userID, name string, renewedAt time.Time) error
}

// CatchUp reports how many whole frequency periods have elapsed since the
// last renewal, and how far into the current period `now` sits.
func CatchUp(lastRenewal time.Time, freq time.Duration, now time.Time) (periods int, elapsedIntoPeriod time.Duration) {
	if freq <= 0 {
		return 0, 0
	}
	elapsed := now.Sub(lastRenewal)
	if elapsed < 0 {
		return 0, 0
	}
	return int(elapsed / freq), elapsed % freq
}

// Scheduler renews a single pledge. It holds no pledge state of its own;
// the store row is the source of truth and each renewal advances it by
// exactly one frequency period.
type Scheduler struct {
	Store  Store
	UserID string
	Name   string

	// Buffer pads each sleep past the period boundary. Tests shrink it.
	Buffer time.Duration

	// Now is injectable for tests; nil means time.Now.
	Now func() time.Time

	log *zap.Logger
}

// NewScheduler builds a scheduler for one pledge with default timing.
func NewScheduler(st Store, userID, name string) *Scheduler {
	return &Scheduler{
		Store:  st,
		UserID: userID,
		Name:   name,
		Buffer: wakeBuffer,
		log:    logging.Named("pledge").With(zap.String("pledge", name)),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run drives the pledge until ctx is cancelled or the pledge disappears
// from the store. A deleted pledge terminates the scheduler cleanly; any
// other renewal failure is retried on the next pass without advancing the
// schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.log == nil {
		s.log = logging.Named("pledge").With(zap.String("pledge", s.Name))
	}

	p, err := s.Store.GetPledge(ctx, s.UserID, s.Name)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Info("pledge gone, scheduler stopping")
		return nil
	}
	if err != nil {
		return err
	}
	last := p.LastRenewal
	freq := p.Frequency
	// A corrupt row with a non-positive frequency would make the steady
	// loop renew hot forever.
	if freq <= 0 {
		s.log.Error("pledge has a non-positive frequency, scheduler stopping",
			zap.Duration("frequency", freq))
		return fmt.Errorf("pledge %s/%s: non-positive frequency %v", s.UserID, s.Name, freq)
	}

	// Renewals missed while the process was down are applied in order,
	// each advancing last_renewal by exactly one period. A persistence
	// failure stops the pass; the steady loop retries from the same spot.
	periods, _ := CatchUp(last, freq, s.now())
	for i := 0; i < periods; i++ {
		next := last.Add(freq)
		if err := s.Store.ApplyRenewal(ctx, s.UserID, s.Name, next); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.log.Info("pledge gone, scheduler stopping")
				return nil
			}
			s.log.Warn("catch-up renewal failed, retrying later", zap.Error(err))
			break
		}
		last = next
	}
	if periods > 0 {
		s.log.Info("caught up on missed renewals", zap.Int("periods", periods))
	}

	// Steady loop. The first pass doubles as alignment with the period
	// boundary; rechecking remaining after each wake guards against
	// clock drift and early wakes.
	for {
		remaining := freq - s.now().Sub(last)
		if remaining > 0 {
			if !s.sleep(ctx, remaining+s.Buffer) {
				return ctx.Err()
			}
			continue
		}

		next := last.Add(freq)
		if err := s.Store.ApplyRenewal(ctx, s.UserID, s.Name, next); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.log.Info("pledge gone, scheduler stopping")
				return nil
			}
			s.log.Warn("renewal failed, retrying", zap.Error(err))
			if !s.sleep(ctx, s.Buffer) {
				return ctx.Err()
			}
			continue
		}
		last = next
		s.log.Info("pledge renewed", zap.Time("renewed_at", next))
	}
}

// sleep blocks for d or until ctx is cancelled; false means cancelled.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
