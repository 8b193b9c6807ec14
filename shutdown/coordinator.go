package shutdown

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vinayprograms/gatekit/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool

	done   chan struct{}
	result *Result
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Coordinator{
		config: cfg,
		logger: cfg.Logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds h to phase. Registrations after Shutdown started are ignored.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.handlers = append(c.handlers, registration{name: name, phase: phase, handler: h})
}

func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, Func(fn))
}

// Shutdown runs every phase. Only the first call runs handlers; a later
// call waits for it and returns its error, or ErrAlreadyShutdown if ctx ends
// first.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.result.Err
		case <-ctx.Done():
			return ErrAlreadyShutdown
		}
	}
	c.started = true
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	c.result = c.run(ctx, handlers)
	close(c.done)
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or by the configured
// Timeout when timeout is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed when the first Shutdown returns.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result is nil until Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	res := &Result{}
	var failed []string
	stop := false

	for _, group := range phases(handlers) {
		if !stop && ctx.Err() != nil {
			res.Err = ErrTimeout
			stop = true
		}
		if stop {
			for _, r := range group {
				res.Handlers = append(res.Handlers, HandlerResult{Name: r.name, Phase: r.phase, Skipped: true})
				c.logger.Warn("shutdown step skipped", map[string]interface{}{"name": r.name, "phase": r.phase})
			}
			continue
		}

		results := c.runPhase(ctx, group)
		res.Handlers = append(res.Handlers, results...)
		for _, hr := range results {
			if hr.Err != nil {
				failed = append(failed, hr.Name)
			}
		}
		if len(failed) > 0 && c.config.StopOnError {
			stop = true
		}
	}

	if res.Err == nil && len(failed) > 0 {
		res.Err = fmt.Errorf("%w: %s", ErrHandlerFailed, strings.Join(failed, ", "))
	}
	res.Duration = time.Since(start)
	return res
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, r := range group {
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			began := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[i] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(began), Err: err}

			fields := map[string]interface{}{
				"name":        r.name,
				"phase":       r.phase,
				"duration_ms": time.Since(began).Milliseconds(),
			}
			if err != nil {
				fields["error"] = err
				c.logger.Warn("shutdown step failed", fields)
				return
			}
			c.logger.Debug("shutdown step done", fields)
		}()
	}
	wg.Wait()
	return results
}

// phases splits handlers, already sorted by phase, into one group per phase.
func phases(handlers []registration) [][]registration {
	var groups [][]registration
	for i := 0; i < len(handlers); {
		j := i
		for j < len(handlers) && handlers[j].phase == handlers[i].phase {
			j++
		}
		groups = append(groups, handlers[i:j])
		i = j
	}
	return groups
}
