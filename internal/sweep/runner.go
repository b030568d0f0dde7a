package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultInterval is how often the background runner sweeps
const DefaultInterval = 15 * time.Minute

// Runner sweeps on a fixed interval, decoupled from request handling
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	last    *Result
	started bool
	once    sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a periodic sweep runner
func NewRunner(sweeper *Sweeper, interval time.Duration, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start sweeps once immediately and then every interval
func (r *Runner) Start() {
	r.once.Do(func() {
		r.mu.Lock()
		r.started = true
		r.mu.Unlock()
		go r.loop()
		r.logger.Info("sweep runner started", zap.Duration("interval", r.interval))
	})
}

// Stop waits for the current sweep to finish. It returns at once if the
// runner was never started.
func (r *Runner) Stop() {
	r.cancel()
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
	r.logger.Info("sweep runner stopped")
}

// Last returns the result of the most recent sweep
func (r *Runner) Last() (Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Result{}, false
	}
	return *r.last, true
}

func (r *Runner) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runOnce()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runOnce()
		}
	}
}

func (r *Runner) runOnce() {
	res := r.sweeper.Run(r.ctx, r.now())
	r.mu.Lock()
	r.last = &res
	r.mu.Unlock()
}
