// Package scheduler drives logical turns: workers claim pending session work
// under the one-active-turn-per-key discipline, aggregate messages into a
// turn, run the agent's pipeline, and commit or supersede the result. The
// package also hosts the orphan and idle-session sweepers.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/metrics"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/pipeline"
	"github.com/ruche-ai/ruche/pkg/scenario"
	"github.com/ruche-ai/ruche/pkg/store"
	"github.com/ruche-ai/ruche/pkg/toolbox"
)

// Scheduler owns the worker pool of one pod.
type Scheduler struct {
	cfg       *config.Config
	podID     string
	sessions  store.SessionStore
	turns     store.TurnStore
	router    *events.Router
	pipelines *pipeline.Registry
	tools     *toolbox.Executor
	navigator *scenario.Navigator
	resolver  scenario.VariableResolver
	deliver   ChannelAdapter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

// Options wires a Scheduler. Resolver, Deliver and Metrics are optional;
// Deliver defaults to a LogAdapter.
type Options struct {
	Config    *config.Config
	PodID     string
	Sessions  store.SessionStore
	Turns     store.TurnStore
	Router    *events.Router
	Pipelines *pipeline.Registry
	Tools     *toolbox.Executor
	Navigator *scenario.Navigator
	Resolver  scenario.VariableResolver
	Deliver   ChannelAdapter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// New creates a Scheduler.
func New(opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deliver := opts.Deliver
	if deliver == nil {
		deliver = &LogAdapter{Logger: logger}
	}
	return &Scheduler{
		cfg:       opts.Config,
		podID:     opts.PodID,
		sessions:  opts.Sessions,
		turns:     opts.Turns,
		router:    opts.Router,
		pipelines: opts.Pipelines,
		tools:     opts.Tools,
		navigator: opts.Navigator,
		resolver:  opts.Resolver,
		deliver:   deliver,
		metrics:   opts.Metrics,
		logger:    logger,
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// Start releases any turns left over from an unclean shutdown of this pod and
// launches the workers and sweepers.
func (s *Scheduler) Start(ctx context.Context) error {
	released, err := s.turns.ReleasePodTurns(ctx, s.podID)
	if err != nil {
		return err
	}
	for _, turnID := range released {
		s.logger.Warn("Requeued turn from previous run", slog.String("turn_id", turnID), slog.String("pod_id", s.podID))
	}

	sched := s.cfg.ACF.Scheduler
	for i := 0; i < sched.WorkerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
	s.wg.Add(2)
	go s.orphanLoop(ctx)
	go s.idleLoop(ctx)

	s.logger.Info("Scheduler started",
		slog.String("pod_id", s.podID),
		slog.Int("workers", sched.WorkerCount),
		slog.Int("max_concurrent_turns", sched.MaxConcurrentTurns))
	return nil
}

// Stop signals the workers and waits up to the configured graceful shutdown
// timeout for running turns to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	close(s.stop)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.cfg.ACF.Scheduler.GracefulShutdownTimeout
	select {
	case <-done:
		s.logger.Info("Scheduler stopped", slog.String("pod_id", s.podID))
		return nil
	case <-time.After(timeout):
		released, err := s.turns.ReleasePodTurns(ctx, s.podID)
		if err != nil {
			s.logger.Error("Failed to release turns on shutdown", slog.String("error", err.Error()))
		}
		s.logger.Warn("Shutdown timeout reached, released running turns",
			slog.String("pod_id", s.podID), slog.Int("released", len(released)))
		return errors.New("graceful shutdown timeout exceeded")
	}
}

func (s *Scheduler) workerLoop(ctx context.Context, worker int) {
	defer s.wg.Done()
	sched := s.cfg.ACF.Scheduler
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.pollDelay()):
		}

		if sched.MaxConcurrentTurns > 0 {
			running, err := s.turns.RunningCount(ctx)
			if err != nil {
				s.logger.Error("Failed to count running turns", slog.String("error", err.Error()))
				continue
			}
			if running >= sched.MaxConcurrentTurns {
				continue
			}
		}

		turn, err := s.turns.ClaimNext(ctx, s.podID)
		if errors.Is(err, store.ErrNoWork) {
			continue
		}
		if err != nil {
			s.logger.Error("Failed to claim turn", slog.String("error", err.Error()))
			continue
		}
		s.runTurn(ctx, turn, worker)
	}
}

func (s *Scheduler) pollDelay() time.Duration {
	sched := s.cfg.ACF.Scheduler
	delay := sched.PollInterval
	if sched.PollIntervalJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(sched.PollIntervalJitter)))
	}
	return delay
}

// orphanLoop fails turns whose heartbeat went stale and releases their
// messages for a fresh claim.
func (s *Scheduler) orphanLoop(ctx context.Context) {
	defer s.wg.Done()
	sched := s.cfg.ACF.Scheduler
	ticker := time.NewTicker(sched.OrphanDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := s.now().Add(-sched.OrphanThreshold)
		requeued, err := s.turns.RequeueOrphans(ctx, cutoff)
		if err != nil {
			s.logger.Error("Orphan sweep failed", slog.String("error", err.Error()))
			continue
		}
		for _, turnID := range requeued {
			s.logger.Warn("Requeued orphaned turn", slog.String("turn_id", turnID))
			if s.metrics != nil {
				s.metrics.OrphansRecovered.Inc()
			}
			s.router.Emit(ctx, &models.Event{
				Type:    events.EventTurnOrphaned,
				Payload: map[string]any{"turn_id": turnID},
			})
		}
	}
}

// idleLoop walks sessions through active -> idle -> closed on inactivity.
func (s *Scheduler) idleLoop(ctx context.Context) {
	defer s.wg.Done()
	sched := s.cfg.ACF.Scheduler
	if sched.SessionIdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(sched.SessionIdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.sweepIdle(ctx)
	}
}

func (s *Scheduler) sweepIdle(ctx context.Context) {
	sched := s.cfg.ACF.Scheduler
	idleCutoff := s.now().Add(-sched.SessionIdleTimeout)
	// A session lingers in idle for another full timeout before closing.
	closeCutoff := s.now().Add(-2 * sched.SessionIdleTimeout)

	// Closed pass runs first so one sweep never walks a session through both
	// transitions.
	s.transitionIdle(ctx, models.SessionStatusIdle, models.SessionStatusClosed, closeCutoff, events.EventSessionClosed)
	s.transitionIdle(ctx, models.SessionStatusActive, models.SessionStatusIdle, idleCutoff, events.EventSessionIdle)
}

func (s *Scheduler) transitionIdle(ctx context.Context, from, to models.SessionStatus, cutoff time.Time, eventType string) {
	sessions, err := s.sessions.ListIdle(ctx, from, cutoff, 100)
	if err != nil {
		s.logger.Error("Idle sweep failed", slog.String("error", err.Error()))
		return
	}
	for _, session := range sessions {
		session.Status = to
		session.UpdatedAt = s.now().UTC()
		if err := s.sessions.CompareAndSwap(ctx, session, session.Version); err != nil {
			// A concurrent turn touched the session; it is no longer idle.
			continue
		}
		s.router.Emit(ctx, &models.Event{
			Type:           eventType,
			SessionKey:     session.Key,
			TenantID:       session.TenantID,
			AgentID:        session.AgentID,
			InterlocutorID: session.InterlocutorID,
			Payload:        map[string]any{"reason": "idle_timeout"},
		})
	}
}
