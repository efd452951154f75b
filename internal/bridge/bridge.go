// Package bridge runs the high-level action library on one dedicated worker.
//
// The action library is not safe to drive from several goroutines at once, and the
// rest of the control plane must never block waiting on it. Every call is handed
// to the worker through a channel and the caller waits in a select that also
// watches its own context, a per-call timer and the worker's liveness.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInitialization means the worker could not come up. It is not retried.
	ErrInitialization = errors.New("runtime bridge: initialization failed")
	// ErrTimeout means a submitted task did not finish within its bound.
	ErrTimeout = errors.New("runtime bridge: task timed out")
	// ErrWorkerDead means the worker is not running (never started, stopped or abandoned).
	ErrWorkerDead = errors.New("runtime bridge: worker is not running")
)

// Task is a unit of work executed on the worker. The context is cancelled when
// the caller gives up on the task.
type Task func(ctx context.Context) (any, error)

// Options configures a Bridge.
type Options struct {
	ReadyTimeout   time.Duration
	DefaultTimeout time.Duration
	StopTimeout    time.Duration
	QueueSize      int
	// AbandonGrace is how long a timed-out task may keep the worker after its
	// context is cancelled. Past it the task's goroutine is abandoned and a
	// replacement worker takes over the queue.
	AbandonGrace time.Duration
	// LockOSThread pins the worker goroutine to one OS thread for its lifetime.
	LockOSThread bool
	// Init runs on the worker before it accepts tasks.
	Init func(ctx context.Context) error
	// Shutdown runs on the worker after it stops accepting tasks.
	Shutdown func()
}

func (o Options) readyTimeout() time.Duration {
	if o.ReadyTimeout <= 0 {
		return 5 * time.Second
	}
	return o.ReadyTimeout
}

func (o Options) defaultTimeout() time.Duration {
	if o.DefaultTimeout <= 0 {
		return 60 * time.Second
	}
	return o.DefaultTimeout
}

func (o Options) stopTimeout() time.Duration {
	if o.StopTimeout <= 0 {
		return 5 * time.Second
	}
	return o.StopTimeout
}

func (o Options) abandonGrace() time.Duration {
	if o.AbandonGrace <= 0 {
		return time.Second
	}
	return o.AbandonGrace
}

func (o Options) queueSize() int {
	if o.QueueSize <= 0 {
		return 64
	}
	return o.QueueSize
}

type state int

const (
	stateIdle state = iota
	stateStarting
	stateRunning
	stateFailed
	stateStopped
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateFailed:
		return "failed"
	case stateStopped:
		return "stopped"
	}
	return "unknown"
}

type outcome struct {
	value any
	err   error
}

type job struct {
	ctx    context.Context
	task   Task
	result chan outcome

	// worker is the generation that picked the job up; set before started closes.
	worker   int
	started  chan struct{}
	finished chan struct{}
}

// Bridge owns the dedicated worker.
type Bridge struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	state    state
	startErr error
	readyCh  chan struct{}
	jobs     chan *job
	done     chan struct{}
	workerCx context.Context
	cancel   context.CancelFunc

	// generation identifies the goroutine currently serving jobs. It changes when
	// a stuck worker is replaced.
	generation int
	replaced   int
}

// New creates a bridge. The worker is not spawned until Start.
func New(opts Options, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		opts:   opts,
		logger: logger.Named("bridge"),
	}
}

// Start spawns the worker and waits until Init has completed. Calling Start on a
// running bridge is a no-op; calling it after a failed start returns the original
// failure.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case stateRunning:
		b.mu.Unlock()
		return nil
	case stateFailed:
		err := b.startErr
		b.mu.Unlock()
		return err
	case stateStarting:
		ready := b.readyCh
		b.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrInitialization, ctx.Err())
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.startErr
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	jobs := make(chan *job, b.opts.queueSize())
	done := make(chan struct{})
	readyCh := make(chan struct{})
	b.state = stateStarting
	b.startErr = nil
	b.readyCh = readyCh
	b.jobs = jobs
	b.done = done
	b.workerCx = workerCtx
	b.cancel = cancel
	b.generation = 0
	b.mu.Unlock()

	initResult := make(chan error, 1)
	go b.run(workerCtx, jobs, done, initResult)

	timeout := b.opts.readyTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case initErr := <-initResult:
		if initErr != nil {
			err = fmt.Errorf("%w: %v", ErrInitialization, initErr)
		}
	case <-timer.C:
		err = fmt.Errorf("%w: worker not ready within %s", ErrInitialization, timeout)
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", ErrInitialization, ctx.Err())
	}

	b.mu.Lock()
	if err != nil {
		cancel()
		b.state = stateFailed
		b.startErr = err
		b.logger.Error("worker failed to start", zap.Error(err))
	} else {
		b.state = stateRunning
		b.logger.Debug("worker ready", zap.Bool("locked_os_thread", b.opts.LockOSThread))
	}
	close(readyCh)
	b.mu.Unlock()
	return err
}

func (b *Bridge) run(ctx context.Context, jobs <-chan *job, done chan<- struct{}, initResult chan<- error) {
	if b.opts.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if b.opts.Init != nil {
		if err := protect(func() error { return b.opts.Init(ctx) }); err != nil {
			initResult <- err
			close(done)
			return
		}
	}
	initResult <- nil
	b.serve(ctx, jobs, done, 0)
}

// serve executes jobs until the worker context ends. Only the current
// generation runs the shutdown hook and closes done; a replaced generation
// returns as soon as its stuck task does.
func (b *Bridge) serve(ctx context.Context, jobs <-chan *job, done chan<- struct{}, gen int) {
	for {
		select {
		case <-ctx.Done():
			if b.isCurrent(gen) {
				b.shutdown()
				close(done)
			}
			return
		case j := <-jobs:
			b.execute(j, gen)
			if !b.isCurrent(gen) {
				b.logger.Debug("replaced worker exiting", zap.Int("generation", gen))
				return
			}
		}
	}
}

func (b *Bridge) isCurrent(gen int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation == gen
}

func (b *Bridge) shutdown() {
	if b.opts.Shutdown == nil {
		return
	}
	if err := protect(func() error { b.opts.Shutdown(); return nil }); err != nil {
		b.logger.Warn("shutdown hook failed", zap.Error(err))
	}
}

func (b *Bridge) execute(j *job, gen int) {
	defer close(j.finished)
	if err := j.ctx.Err(); err != nil {
		// The caller already gave up before the task was picked up.
		j.result <- outcome{err: err}
		return
	}
	j.worker = gen
	close(j.started)

	var out outcome
	err := protect(func() error {
		v, taskErr := j.task(j.ctx)
		out = outcome{value: v, err: taskErr}
		return nil
	})
	if err != nil {
		out = outcome{err: err}
	}
	j.result <- out
}

// reclaim waits for a timed-out job to hand the worker back. If the job is still
// running after the grace period its goroutine is abandoned and a new worker
// generation starts serving the queue.
func (b *Bridge) reclaim(j *job) {
	timer := time.NewTimer(b.opts.abandonGrace())
	defer timer.Stop()
	select {
	case <-j.finished:
		return
	case <-timer.C:
	}

	b.mu.Lock()
	if b.state != stateRunning || b.generation != j.worker {
		b.mu.Unlock()
		return
	}
	b.generation++
	b.replaced++
	gen, ctx, jobs, done := b.generation, b.workerCx, b.jobs, b.done
	b.mu.Unlock()

	b.logger.Warn("task ignored cancellation, replacing worker",
		zap.Int("generation", gen),
		zap.Duration("grace", b.opts.abandonGrace()))
	go func() {
		if b.opts.LockOSThread {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
		}
		b.serve(ctx, jobs, done, gen)
	}()
}

// Replaced reports how many times a stuck worker has been replaced.
func (b *Bridge) Replaced() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replaced
}

// protect converts a panic into an error so one bad task cannot kill the worker.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runtime bridge: task panicked: %v", r)
		}
	}()
	return fn()
}

// Submit runs task on the worker and waits for its result. A timeout of zero uses
// the default timeout. On timeout the task context is cancelled and ErrTimeout is
// returned. A task that keeps running past the abandon grace is left behind and a
// fresh worker serves the tasks after it.
func (b *Bridge) Submit(ctx context.Context, task Task, timeout time.Duration) (any, error) {
	b.mu.Lock()
	if b.state != stateRunning {
		st := b.state
		b.mu.Unlock()
		return nil, fmt.Errorf("%w (state %s)", ErrWorkerDead, st)
	}
	jobs, done, workerCtx := b.jobs, b.done, b.workerCx
	b.mu.Unlock()

	if timeout <= 0 {
		timeout = b.opts.defaultTimeout()
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopLink := context.AfterFunc(workerCtx, cancel)
	defer stopLink()

	j := &job{
		ctx:      taskCtx,
		task:     task,
		result:   make(chan outcome, 1),
		started:  make(chan struct{}),
		finished: make(chan struct{}),
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case jobs <- j:
	case <-done:
		return nil, ErrWorkerDead
	case <-workerCtx.Done():
		return nil, ErrWorkerDead
	case <-timer.C:
		return nil, fmt.Errorf("%w: queue full for %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-j.result:
		return out.value, out.err
	case <-done:
		return nil, ErrWorkerDead
	case <-timer.C:
		cancel()
		b.logger.Warn("task timed out, cancelling", zap.Duration("timeout", timeout))
		b.abandon(j)
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		cancel()
		b.abandon(j)
		return nil, ctx.Err()
	}
}

// abandon starts reclaiming the worker from a job the caller stopped waiting for.
func (b *Bridge) abandon(j *job) {
	select {
	case <-j.started:
		go b.reclaim(j)
	default:
	}
}

// FireAndForget schedules task without waiting for it.
func (b *Bridge) FireAndForget(task Task) {
	go func() {
		if _, err := b.Submit(context.Background(), task, 0); err != nil {
			b.logger.Debug("fire-and-forget task failed", zap.Error(err))
		}
	}()
}

// Stop halts the worker and waits up to the stop timeout for it to exit. A worker
// that does not exit in time is abandoned; Submit reports ErrWorkerDead from then on.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	if b.state != stateRunning && b.state != stateFailed {
		b.mu.Unlock()
		return nil
	}
	cancel, done := b.cancel, b.done
	b.state = stateStopped
	b.mu.Unlock()

	cancel()
	timeout := b.opts.stopTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		b.logger.Debug("worker stopped")
		return nil
	case <-timer.C:
		b.logger.Warn("worker did not exit in time, abandoning it", zap.Duration("timeout", timeout))
		return fmt.Errorf("%w: worker abandoned after %s", ErrWorkerDead, timeout)
	}
}

// Alive reports whether the worker is running and accepting tasks.
func (b *Bridge) Alive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateRunning {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

// Do is the typed form of Submit.
func Do[T any](ctx context.Context, b *Bridge, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := b.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, timeout)
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok {
		return zero, nil
	}
	return out, nil
}
