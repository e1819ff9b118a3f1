package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mbd888/lnescrow/internal/metrics"
	"github.com/mbd888/lnescrow/internal/nostr"
	"github.com/mbd888/lnescrow/internal/retry"
)

// JobID identifies a submitted job.
type JobID string

// JobFunc is the body of a job. It must return promptly once ctx is done.
type JobFunc func(ctx context.Context, sess Session) error

// Config controls the scheduler.
type Config struct {
	Relays []string
	Proxy  string

	// GracePeriod is how long an idle session stays open waiting for new work.
	GracePeriod time.Duration
	// RetryDelay is the base backoff after a session failure.
	RetryDelay time.Duration
	// MaxRetryDelay caps the session failure backoff.
	MaxRetryDelay time.Duration
	// LaunchRate and LaunchBurst pace job launches against the relays.
	LaunchRate  rate.Limit
	LaunchBurst int
	// PublishTimeout bounds a single publish job.
	PublishTimeout time.Duration
}

// DefaultConfig returns the production defaults for relays.
func DefaultConfig(relays []string) Config {
	return Config{
		Relays:         relays,
		GracePeriod:    10 * time.Second,
		RetryDelay:     time.Second,
		MaxRetryDelay:  time.Minute,
		LaunchRate:     20,
		LaunchBurst:    5,
		PublishTimeout: 10 * time.Second,
	}
}

type job struct {
	id     JobID
	kind   string
	run    JobFunc
	onDone func()
	once   sync.Once
	cancel context.CancelFunc // set by the driver when launched
}

func (j *job) finish() {
	j.once.Do(func() {
		if j.onDone != nil {
			j.onDone()
		}
	})
}

type driverHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler multiplexes jobs over one relay session. All methods are safe for
// concurrent use.
type Scheduler struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger
	limiter   *rate.Limiter

	// lifecycle serializes Start, Stop and restarts.
	lifecycle sync.Mutex

	mu      sync.Mutex
	queue   []*job
	running map[JobID]*job
	relays  []string
	proxy   string
	driver  *driverHandle
	baseCtx context.Context

	signal chan struct{}
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(cfg Config, transport Transport, logger *slog.Logger) *Scheduler {
	def := DefaultConfig(nil)
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = def.GracePeriod
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.LaunchRate <= 0 {
		cfg.LaunchRate = def.LaunchRate
	}
	if cfg.LaunchBurst <= 0 {
		cfg.LaunchBurst = def.LaunchBurst
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = def.PublishTimeout
	}
	return &Scheduler{
		cfg:       cfg,
		transport: transport,
		logger:    logger,
		limiter:   rate.NewLimiter(cfg.LaunchRate, cfg.LaunchBurst),
		running:   make(map[JobID]*job),
		relays:    slices.Clone(cfg.Relays),
		proxy:     cfg.Proxy,
		signal:    make(chan struct{}, 1),
	}
}

// Start launches the driver. It fails if the scheduler is already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.driver != nil {
		return ErrAlreadyStarted
	}
	s.baseCtx = ctx
	s.startDriverLocked()
	s.logger.Debug("relay scheduler started", "relays", len(s.relays))
	return nil
}

// Stop cancels the driver and every running job, and ends every queued job.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	h := s.driver
	s.driver = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	h.cancel()
	<-h.done

	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, j := range queued {
		j.finish()
		metrics.RelayJobsTotal.WithLabelValues(j.kind, "cancelled").Inc()
	}
	s.logger.Debug("relay scheduler stopped", "droppedJobs", len(queued))
}

// Running reports whether the driver is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver != nil
}

// SetProxy changes the transport proxy. A running driver is torn down and
// restarted immediately: running jobs are cancelled, queued jobs are kept.
func (s *Scheduler) SetProxy(proxy string) {
	s.reconfigure(func() bool {
		if s.proxy == proxy {
			return false
		}
		s.proxy = proxy
		return true
	})
}

// SetRelays replaces the relay set, restarting the driver like SetProxy.
func (s *Scheduler) SetRelays(relays []string) {
	s.reconfigure(func() bool {
		if slices.Equal(s.relays, relays) {
			return false
		}
		s.relays = slices.Clone(relays)
		return true
	})
}

// Relays returns the configured relay set.
func (s *Scheduler) Relays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.relays)
}

func (s *Scheduler) reconfigure(apply func() bool) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	changed := apply()
	h := s.driver
	s.mu.Unlock()
	if !changed || h == nil {
		return
	}

	h.cancel()
	<-h.done

	s.mu.Lock()
	s.startDriverLocked()
	s.mu.Unlock()
	s.logger.Info("relay scheduler restarted after transport change")
}

func (s *Scheduler) startDriverLocked() {
	ctx, cancel := context.WithCancel(s.baseCtx)
	h := &driverHandle{cancel: cancel, done: make(chan struct{})}
	s.driver = h
	go s.drive(ctx, h.done)
	if len(s.queue) > 0 {
		s.wake()
	}
}

// Submit queues a job and returns its id.
func (s *Scheduler) Submit(fn JobFunc) JobID {
	return s.enqueue("custom", fn, nil)
}

// Fetch queues a subscription whose events are put into sink. The sink is
// closed exactly once when the subscription ends for any reason.
func (s *Scheduler) Fetch(filter nostr.Filter, sink *EventSink) JobID {
	run := func(ctx context.Context, sess Session) error {
		events, err := sess.Subscribe(ctx, filter)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		sink.MarkSubscribed()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				sink.Put(ev)
			}
		}
	}
	return s.enqueue("fetch", run, sink.Close)
}

// Publish queues the broadcast of a signed event.
func (s *Scheduler) Publish(ev *nostr.Event) JobID {
	run := func(ctx context.Context, sess Session) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
		defer cancel()
		id, err := sess.Publish(ctx, ev)
		if err != nil {
			return fmt.Errorf("publish %s: %w", ev.ID, err)
		}
		s.logger.Debug("event published", "eventId", id, "kind", ev.Kind)
		return nil
	}
	return s.enqueue("publish", run, nil)
}

// Cancel removes a queued job or cancels a running one. Unknown or finished
// ids are ignored.
func (s *Scheduler) Cancel(id JobID) {
	s.mu.Lock()
	for i, j := range s.queue {
		if j.id == id {
			s.queue = slices.Delete(s.queue, i, i+1)
			s.mu.Unlock()
			j.finish()
			metrics.RelayJobsTotal.WithLabelValues(j.kind, "cancelled").Inc()
			return
		}
	}
	j, ok := s.running[id]
	s.mu.Unlock()
	if ok && j.cancel != nil {
		j.cancel()
	}
}

func (s *Scheduler) enqueue(kind string, run JobFunc, onDone func()) JobID {
	j := &job{id: JobID(uuid.NewString()), kind: kind, run: run, onDone: onDone}
	s.mu.Lock()
	s.queue = append(s.queue, j)
	s.mu.Unlock()
	metrics.RelayJobsTotal.WithLabelValues(kind, "submitted").Inc()
	s.wake()
	return j.id
}

func (s *Scheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Scheduler) hasQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) > 0
}

func (s *Scheduler) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0 && len(s.running) == 0
}

// Session close reasons, used as metric labels.
const (
	closeIdle    = "idle"
	closeError   = "error"
	closeStopped = "stopped"
)

func (s *Scheduler) drive(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	failures := 0
	for {
		if !s.hasQueued() {
			select {
			case <-ctx.Done():
				return
			case <-s.signal:
				continue
			}
		}

		sess, err := s.openSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := retry.Backoff(failures, s.cfg.RetryDelay, s.cfg.MaxRetryDelay)
			failures++
			s.logger.Warn("relay session open failed", "error", err, "retryIn", delay)
			if retry.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}

		reason, err := s.runSession(ctx, sess)
		if cerr := sess.Close(); cerr != nil {
			s.logger.Debug("relay session close", "error", cerr)
		}
		metrics.RelaySessionOpen.Set(0)
		metrics.RelaySessionsClosed.WithLabelValues(reason).Inc()

		switch reason {
		case closeStopped:
			return
		case closeIdle:
			failures = 0
			s.logger.Debug("relay session closed after grace period")
		case closeError:
			delay := retry.Backoff(failures, s.cfg.RetryDelay, s.cfg.MaxRetryDelay)
			failures++
			s.logger.Warn("relay session failed", "error", err, "retryIn", delay)
			if retry.Sleep(ctx, delay) != nil {
				return
			}
		}
	}
}

func (s *Scheduler) openSession(ctx context.Context) (Session, error) {
	s.mu.Lock()
	cfg := SessionConfig{Relays: slices.Clone(s.relays), Proxy: s.proxy}
	s.mu.Unlock()
	if len(cfg.Relays) == 0 {
		return nil, ErrNoRelays
	}

	// Sessions authenticate with a throwaway key so relays cannot link them.
	identity, err := nostr.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	cfg.Identity = identity

	sess, err := s.transport.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	metrics.RelaySessionsOpened.Inc()
	metrics.RelaySessionOpen.Set(1)
	s.logger.Debug("relay session opened", "relays", len(cfg.Relays), "proxy", cfg.Proxy != "")
	return sess, nil
}

// runSession launches queued jobs on sess until the session goes idle for the
// grace period, fails, or ctx is cancelled. Every job launched here has
// finished by the time it returns.
func (s *Scheduler) runSession(ctx context.Context, sess Session) (string, error) {
	sessCtx, cancel := context.WithCancel(ctx)
	finished := make(chan JobID)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.mu.Lock()
		metrics.RelayJobsRunning.Sub(float64(len(s.running)))
		clear(s.running)
		s.mu.Unlock()
	}()

	var grace *time.Timer
	var graceC <-chan time.Time
	defer func() {
		if grace != nil {
			grace.Stop()
		}
	}()

	for {
		s.launch(sessCtx, sess, finished, &wg)

		if s.idle() {
			if graceC == nil {
				grace = time.NewTimer(s.cfg.GracePeriod)
				graceC = grace.C
			}
		} else if graceC != nil {
			grace.Stop()
			graceC = nil
		}

		select {
		case <-ctx.Done():
			return closeStopped, ctx.Err()
		case <-sess.Done():
			err := sess.Err()
			if err == nil {
				err = ErrSessionClosed
			}
			return closeError, err
		case <-s.signal:
		case id := <-finished:
			s.mu.Lock()
			if _, ok := s.running[id]; ok {
				delete(s.running, id)
				metrics.RelayJobsRunning.Dec()
			}
			s.mu.Unlock()
		case <-graceC:
			graceC = nil
			if s.idle() {
				return closeIdle, nil
			}
		}
	}
}

func (s *Scheduler) launch(sessCtx context.Context, sess Session, finished chan<- JobID, wg *sync.WaitGroup) {
	for s.hasQueued() {
		if err := s.limiter.Wait(sessCtx); err != nil {
			return
		}

		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		j := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		jobCtx, cancelJob := context.WithCancel(sessCtx)
		j.cancel = cancelJob
		s.running[j.id] = j
		s.mu.Unlock()
		metrics.RelayJobsRunning.Inc()

		wg.Add(1)
		go s.runJob(jobCtx, sessCtx, sess, j, finished, wg)
	}
}

func (s *Scheduler) runJob(ctx, sessCtx context.Context, sess Session, j *job, finished chan<- JobID, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("relay job panicked", "jobId", j.id, "kind", j.kind, "panic", r)
			metrics.RelayJobsTotal.WithLabelValues(j.kind, "panic").Inc()
		}
		j.cancel()
		j.finish()
		select {
		case finished <- j.id:
		case <-sessCtx.Done():
		}
	}()

	err := j.run(ctx, sess)
	switch {
	case ctx.Err() != nil:
		metrics.RelayJobsTotal.WithLabelValues(j.kind, "cancelled").Inc()
	case err != nil && !errors.Is(err, context.Canceled):
		s.logger.Warn("relay job failed", "jobId", j.id, "kind", j.kind, "error", err)
		metrics.RelayJobsTotal.WithLabelValues(j.kind, "failed").Inc()
	default:
		metrics.RelayJobsTotal.WithLabelValues(j.kind, "done").Inc()
	}
}
