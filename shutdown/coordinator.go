package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Coordinator implements ShutdownCoordinator.
type Coordinator struct {
	config Config

	mu       sync.Mutex
	handlers []registration

	once    sync.Once
	done    chan struct{}
	err     error
	result  *ShutdownResult
	started time.Time

	signals chan os.Signal
}

// NewCoordinator creates a coordinator. Zero fields in config take their
// DefaultConfig values.
func NewCoordinator(config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = defaults.DefaultPhase
	}
	if config.ReleasePhase == 0 {
		config.ReleasePhase = defaults.ReleasePhase
	}
	return &Coordinator{
		config:  config,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler ShutdownHandler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler to phase.
func (c *Coordinator) RegisterWithPhase(name string, handler ShutdownHandler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers fn in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, ShutdownFunc(fn))
}

// RegisterFuncWithPhase registers fn in phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, ShutdownFunc(fn), phase)
}

// Shutdown runs every phase once. Concurrent and later calls wait for the
// first one and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.started = time.Now()
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout runs Shutdown with a deadline. A zero timeout uses
// the configured default.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Trigger starts shutdown in the background with the default timeout. It is
// used when the server ends on its own, e.g. at EOF on stdin.
func (c *Coordinator) Trigger() {
	go func() { _ = c.ShutdownWithTimeout(0) }()
}

// HandleSignals starts shutdown on SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() (stop func()) {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	quit := make(chan struct{})
	go func() {
		select {
		case <-c.signals:
			_ = c.ShutdownWithTimeout(0)
		case <-quit:
		case <-c.done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(c.signals)
			close(quit)
		})
	}
}

// Done is closed when shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns per-handler results, or nil before Done is closed.
func (c *Coordinator) Result() *ShutdownResult {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	result := &ShutdownResult{Results: make([]HandlerResult, 0, len(handlers))}
	defer func() {
		result.TotalDuration = time.Since(c.started)
		c.result = result
	}()

	var failed []string
	timedOut := false
	for _, group := range groupByPhase(handlers) {
		phase := group[0].phase
		if ctx.Err() != nil {
			timedOut = true
			// Release phases only close local resources, so they still run
			// after the deadline; skipping them would leave the store open.
			if phase < c.config.ReleasePhase {
				for _, r := range group {
					result.Results = append(result.Results, HandlerResult{Name: r.name, Phase: phase, Err: ErrTimeout, Skipped: true})
				}
				continue
			}
		}

		for _, hr := range c.runPhase(ctx, group) {
			result.Results = append(result.Results, hr)
			if hr.Err != nil {
				failed = append(failed, hr.Name)
			}
		}
		if len(failed) > 0 && !c.config.ContinueOnError {
			break
		}
	}

	switch {
	case len(failed) > 0:
		result.Err = fmt.Errorf("%w: %s", ErrHandlerFailed, strings.Join(failed, ", "))
	case timedOut:
		result.Err = ErrTimeout
	}
	return result.Err
}

// runPhase runs one phase's handlers concurrently. A panicking handler is
// reported as failed.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		wg.Add(1)
		go func(i int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := invoke(ctx, r.handler)
			results[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}
			if c.config.OnProgress != nil {
				c.config.OnProgress(results[i])
			}
		}(i, r)
	}
	wg.Wait()
	return results
}

func invoke(ctx context.Context, h ShutdownHandler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase splits handlers, already sorted by phase, into one group per
// phase.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i + 1
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
