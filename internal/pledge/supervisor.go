package pledge

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"verdant/internal/logging"
	"verdant/internal/store"
	"verdant/internal/task"
)

// SupervisorStore extends Store with the boot-time pledge scan.
type SupervisorStore interface {
	Store
	ActivePledges(ctx context.Context, userID string) ([]store.Pledge, error)
}

// Supervisor owns one Scheduler goroutine per watched pledge. Schedulers
// are fault-isolated: one failing or terminating never affects its
// siblings or the dialogue path.
type Supervisor struct {
	store  SupervisorStore
	buffer time.Duration
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks []*task.Task
}

// NewSupervisor builds a supervisor over the given store.
func NewSupervisor(st SupervisorStore) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:  st,
		buffer: wakeBuffer,
		log:    logging.Named("pledge"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Resume scans the user's active pledges and attaches a scheduler to each.
// Called once at boot.
func (s *Supervisor) Resume(userID string) error {
	pledges, err := s.store.ActivePledges(s.ctx, userID)
	if err != nil {
		return err
	}
	for _, p := range pledges {
		s.Watch(p.UserID, p.Name)
	}
	s.log.Info("resumed pledge schedulers", zap.Int("count", len(pledges)))
	return nil
}

// Watch launches a scheduler for the named pledge on its own goroutine.
func (s *Supervisor) Watch(userID, name string) {
	sched := NewScheduler(s.store, userID, name)
	sched.Buffer = s.buffer

	t := task.Spawn(s.ctx, func(ctx context.Context, _ ...any) (any, error) {
		err := sched.Run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("pledge scheduler stopped",
				zap.String("pledge", name), zap.Error(err))
		}
		// Faults stay contained here; siblings keep running.
		return nil, nil
	})

	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

// Close cancels every scheduler and waits for them to exit.
func (s *Supervisor) Close() {
	s.cancel()
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()
	for _, t := range tasks {
		t.Await(context.Background())
	}
}
