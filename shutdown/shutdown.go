package shutdown

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vinayprograms/taskkit/logging"
)

// Phases used by taskmcp. Lower phases shut down first.
const (
	PhaseTransports = 10  // stop accepting requests
	PhaseIndex      = 50  // event bus and rate limiter
	PhaseStore      = 90  // task store and the search index it wraps
	PhaseTelemetry  = 100 // flush spans and the audit log
)

var (
	// ErrTimeout reports that the context expired before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed wraps the names of the handlers that returned errors.
	ErrHandlerFailed = errors.New("shutdown handlers failed")

	ErrInvalidConfig = errors.New("invalid shutdown configuration")
)

// ShutdownHandler is implemented by components that need graceful shutdown.
type ShutdownHandler interface {
	// OnShutdown releases the component. ctx carries the shutdown deadline.
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to ShutdownHandler.
type ShutdownFunc func(ctx context.Context) error

// OnShutdown implements ShutdownHandler.
func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Closer adapts an io.Closer, such as a task store, to a ShutdownHandler.
func Closer(c io.Closer) ShutdownHandler {
	return ShutdownFunc(func(context.Context) error {
		return c.Close()
	})
}

// ShutdownCoordinator runs registered handlers phase by phase.
type ShutdownCoordinator interface {
	Register(name string, handler ShutdownHandler)

	// RegisterWithPhase adds a handler to phase. Lower phases run first;
	// handlers sharing a phase run concurrently.
	RegisterWithPhase(name string, handler ShutdownHandler, phase int)

	// Shutdown runs every phase once; repeated calls return the first error.
	Shutdown(ctx context.Context) error

	ShutdownWithTimeout(timeout time.Duration) error

	// HandleSignals starts shutdown on SIGTERM or SIGINT. The returned
	// function stops listening.
	HandleSignals() (stop func())

	// Trigger starts shutdown in the background.
	Trigger()

	Done() <-chan struct{}
	Err() error
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error

	// Skipped is set when the deadline passed before the handler's phase.
	Skipped bool
}

// ShutdownResult collects every handler's outcome.
type ShutdownResult struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether shutdown ended with an error.
func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned errors.
// Skipped handlers are not included.
func (r *ShutdownResult) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil && !hr.Skipped {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// DefaultTimeout bounds ShutdownWithTimeout(0), Trigger and signal
	// driven shutdown. Default: 30s.
	DefaultTimeout time.Duration

	// DefaultPhase is used by Register. Default: PhaseTelemetry.
	DefaultPhase int

	// ReleasePhase is the lowest phase that still runs after the deadline.
	// Handlers at or above it must not block on ctx. Default: PhaseStore.
	ReleasePhase int

	// ContinueOnError runs later phases after a handler fails.
	ContinueOnError bool

	// OnProgress is called as each handler finishes.
	OnProgress func(result HandlerResult)
}

// LogProgress returns an OnProgress callback that logs each handler result.
func LogProgress(log *logging.Logger) func(HandlerResult) {
	return func(r HandlerResult) {
		fields := map[string]interface{}{
			"handler":  r.Name,
			"phase":    r.Phase,
			"duration": r.Duration.String(),
		}
		if r.Err != nil {
			fields["error"] = r.Err.Error()
			log.Error("shutdown_handler_failed", fields)
			return
		}
		log.Info("shutdown_handler_done", fields)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 || c.ReleasePhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns the configuration taskmcp starts from.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    PhaseTelemetry,
		ReleasePhase:    PhaseStore,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
