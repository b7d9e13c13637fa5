// Package daemon runs the scheduling loop: poll the queue, claim due pulses,
// drive the executor with bounded concurrency, and drain gracefully on
// shutdown.
package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/reeve/reeve/internal/common/logger"
	"github.com/reeve/reeve/internal/pulse/executor"
	"github.com/reeve/reeve/internal/pulse/models"
	"github.com/reeve/reeve/internal/pulse/queue"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("daemon is already running")
	ErrNotRunning     = errors.New("daemon is not running")
)

// Runner executes one pulse invocation. *executor.Executor satisfies it;
// tests substitute stubs.
type Runner interface {
	Execute(ctx context.Context, prompt, sessionID string) (*executor.ExecutionResult, error)
}

// Config holds scheduling loop configuration.
type Config struct {
	TickInterval  time.Duration // how often the loop polls for due pulses
	BatchSize     int           // pulses claimed per tick
	MaxConcurrent int           // in-flight execution cap
	GracePeriod   time.Duration // shutdown drain window
	ErrorBackoff  time.Duration // sleep after a queue poll error
}

// DefaultConfig returns the single-user deployment defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		BatchSize:     10,
		MaxConcurrent: 1,
		GracePeriod:   30 * time.Second,
		ErrorBackoff:  5 * time.Second,
	}
}

// Status is a snapshot of the daemon for the HTTP status endpoint.
type Status struct {
	Running       bool      `json:"running"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	InFlight      int64     `json:"in_flight"`
	MaxConcurrent int       `json:"max_concurrent"`
	Processed     int64     `json:"processed"`
	Failed        int64     `json:"failed"`
}

// Daemon is the supervisory loop.
type Daemon struct {
	queue  *queue.Queue
	runner Runner
	logger *logger.Logger
	cfg    Config
	sem    *semaphore.Weighted

	inFlight  int64
	processed int64
	failed    int64

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	stopCh     chan struct{}
	loopWG     sync.WaitGroup
	execWG     sync.WaitGroup
	execCtx    context.Context
	execCancel context.CancelFunc
}

// New creates a daemon over the queue and runner.
func New(q *queue.Queue, runner Runner, log *logger.Logger, cfg Config) *Daemon {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	return &Daemon{
		queue:  q,
		runner: runner,
		logger: log.WithComponent("daemon"),
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// Start reconciles orphaned pulses and begins the scheduling loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.startedAt = time.Now()
	d.stopCh = make(chan struct{})
	// Executions outlive the loop context so a shutdown can drain them;
	// execCancel abandons them only after the grace period.
	d.execCtx, d.execCancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	if _, err := d.queue.ReconcileOrphans(ctx); err != nil {
		d.logger.Error("orphan reconciliation failed", zap.Error(err))
	}

	d.logger.Info("daemon starting",
		zap.Duration("tick_interval", d.cfg.TickInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("max_concurrent", d.cfg.MaxConcurrent))

	d.loopWG.Add(1)
	go d.processLoop(ctx)

	return nil
}

// Stop halts claiming, drains in-flight executions up to the grace period,
// and abandons anything still running after it.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	close(d.stopCh)
	d.mu.Unlock()

	d.loopWG.Wait()

	drained := make(chan struct{})
	go func() {
		d.execWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		d.logger.Info("daemon stopped")
	case <-time.After(d.cfg.GracePeriod):
		d.logger.Warn("grace period expired, abandoning in-flight executions",
			zap.Int64("in_flight", atomic.LoadInt64(&d.inFlight)))
		d.execCancel()
	}
	return nil
}

// IsRunning returns true while the scheduling loop is active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Status returns a snapshot for the status endpoint.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	running := d.running
	startedAt := d.startedAt
	d.mu.Unlock()

	var uptime int64
	if running {
		uptime = int64(time.Since(startedAt).Seconds())
	}
	return Status{
		Running:       running,
		StartedAt:     startedAt,
		UptimeSeconds: uptime,
		InFlight:      atomic.LoadInt64(&d.inFlight),
		MaxConcurrent: d.cfg.MaxConcurrent,
		Processed:     atomic.LoadInt64(&d.processed),
		Failed:        atomic.LoadInt64(&d.failed),
	}
}

// processLoop polls once per tick until stopped.
func (d *Daemon) processLoop(ctx context.Context) {
	defer d.loopWG.Done()

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("loop stopping: context cancelled")
			return
		case <-d.stopCh:
			d.logger.Info("loop stopping: stop signal")
			return
		case <-ticker.C:
			if err := d.processTick(ctx); err != nil {
				// Transient store errors self-heal; back off and let the
				// next tick re-observe everything.
				d.logger.Error("tick failed", zap.Error(err))
				select {
				case <-time.After(d.cfg.ErrorBackoff):
				case <-d.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// processTick claims due pulses and launches one execution task per claim.
func (d *Daemon) processTick(ctx context.Context) error {
	due, err := d.queue.GetDue(ctx, d.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, p := range due {
		select {
		case <-d.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		claimed, err := d.queue.MarkProcessing(ctx, p.ID)
		if err != nil {
			d.logger.Error("claim failed", zap.Int64("pulse_id", p.ID), zap.Error(err))
			continue
		}
		if !claimed {
			// Lost the CAS to a competing claimer; skip.
			continue
		}

		d.execWG.Add(1)
		go d.executePulse(p)
	}
	return nil
}

// executePulse runs one claimed pulse to completion and reports the outcome.
func (d *Daemon) executePulse(p *models.Pulse) {
	defer d.execWG.Done()

	ctx := d.execCtx
	if err := d.sem.Acquire(ctx, 1); err != nil {
		// Shutdown abandoned us before a slot opened; the pulse stays
		// PROCESSING and is reconciled on next startup.
		return
	}
	defer d.sem.Release(1)

	atomic.AddInt64(&d.inFlight, 1)
	defer atomic.AddInt64(&d.inFlight, -1)

	log := d.logger.WithPulseID(p.ID)
	log.Info("executing pulse",
		zap.String("priority", string(p.Priority)),
		zap.String("prompt", p.PromptExcerpt(100)))

	start := time.Now()
	prompt := executor.BuildPrompt(p.Prompt, p.StickyNotes)
	result, err := d.runner.Execute(ctx, prompt, p.SessionID)
	elapsed := time.Since(start)

	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		d.reportFailure(reportCtx, p, err)
		return
	}
	if result.IsError {
		// Exit code 0 but the stream carried a structured error.
		d.reportFailureText(reportCtx, p, result.ErrorMessage, true)
		return
	}

	durationMS := elapsed.Milliseconds()
	if durationMS < 1 {
		durationMS = 1
	}
	if err := d.queue.MarkCompleted(reportCtx, p.ID, durationMS); err != nil {
		log.Error("failed to record completion", zap.Error(err))
		return
	}
	atomic.AddInt64(&d.processed, 1)
	log.Info("pulse executed",
		zap.Int64("duration_ms", durationMS),
		zap.Int("tool_calls", result.ToolCallCount),
		zap.String("session_id", result.SessionID))
}

func (d *Daemon) reportFailure(ctx context.Context, p *models.Pulse, err error) {
	shouldRetry := true
	message := err.Error()

	var execErr *executor.ExecutionError
	if errors.As(err, &execErr) {
		shouldRetry = execErr.Retriable()
		message = execErr.Message
		if execErr.Result != nil && execErr.Result.SessionID != "" {
			d.logger.WithPulseID(p.ID).Info("session id recovered from failed run",
				zap.String("session_id", execErr.Result.SessionID))
		}
	}
	d.reportFailureText(ctx, p, message, shouldRetry)
}

func (d *Daemon) reportFailureText(ctx context.Context, p *models.Pulse, message string, shouldRetry bool) {
	retry, err := d.queue.MarkFailed(ctx, p.ID, message, shouldRetry)
	if err != nil {
		d.logger.WithPulseID(p.ID).Error("failed to record failure", zap.Error(err))
		return
	}
	atomic.AddInt64(&d.failed, 1)
	if retry != nil {
		d.logger.WithPulseID(p.ID).Info("retry scheduled",
			zap.Int64("retry_id", retry.ID),
			zap.Time("retry_at", retry.ScheduledAt))
	}
}
