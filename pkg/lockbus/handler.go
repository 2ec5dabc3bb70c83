package lockbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// HandlerState is the lifecycle state of a Handler.
type HandlerState int32

const (
	HandlerIdle HandlerState = iota
	HandlerOpening
	HandlerRunning
	HandlerError
	HandlerClosed
)

func (s HandlerState) String() string {
	switch s {
	case HandlerIdle:
		return "idle"
	case HandlerOpening:
		return "opening"
	case HandlerRunning:
		return "running"
	case HandlerError:
		return "error"
	case HandlerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const readyPollInterval = 100 * time.Millisecond

// Handler owns one transport link and drives its open/close/reconnect state
// machine. Every transport call goes through the handler's mutex, so a
// background renewal and a foreground settle or receive never race on the
// same link state.
//
// A Handler is meant to have a single logical owner. Concurrent Open and
// Close calls from more than one owner are not supported.
type Handler struct {
	cfg        Config
	factory    TransportFactory
	logger     Logger
	backoff    BackoffStrategy
	breaker    *gobreaker.CircuitBreaker
	sessionful bool

	// mu serializes transport access across the owning caller and the lock
	// renewer's background goroutine.
	mu        sync.Mutex
	transport Transport
	state     atomic.Int32
	closedErr error
}

// NewHandler creates a handler for the configured entity. The transport link
// is built lazily on first use.
func NewHandler(cfg Config, opts ...HandlerOption) (*Handler, error) {
	options := handlerOptions{
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.factory == nil && options.transport == nil {
		return nil, errors.New("a transport or a transport factory is required")
	}

	if options.backoff == nil {
		options.backoff = NewExponentialBackoff(cfg.Backoff)
	}

	h := &Handler{
		cfg:       cfg,
		factory:   options.factory,
		transport: options.transport,
		logger:    options.logger,
		backoff:   options.backoff,
	}

	if cfg.Breaker.Enabled {
		h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "lockbus-mgmt",
			MaxRequests: cfg.Breaker.MaxRequests,
			Interval:    cfg.Breaker.Interval,
			Timeout:     cfg.Breaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				h.logger.Info().
					Str("name", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("circuit breaker state changed")
			},
		})
	}

	return h, nil
}

// State returns the current lifecycle state.
func (h *Handler) State() HandlerState {
	return HandlerState(h.state.Load())
}

// IsRunning reports whether the handler holds an open, authenticated link.
func (h *Handler) IsRunning() bool {
	return h.State() == HandlerRunning
}

// Open establishes the transport link and waits until it reports ready.
// It is a no-op when the handler is already running. Failures during open are
// classified: retryable ones trigger a reconnect (bounded by the retry
// policy) when auto-reconnect is enabled, fatal ones close the handler and
// surface as typed errors.
func (h *Handler) Open(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.openLocked(ctx)
}

func (h *Handler) openLocked(ctx context.Context) error {
	switch h.State() {
	case HandlerRunning:
		return nil
	case HandlerClosed:
		return h.closedError()
	}

	var lastErr error
	for attempt := 0; attempt <= h.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, h.backoff.Backoff(attempt)); err != nil {
				return err
			}
			if err := h.rebuildLocked(); err != nil {
				return err
			}
		}

		lastErr = h.openOnce(ctx)
		if lastErr == nil {
			h.state.Store(int32(HandlerRunning))
			h.logger.Debug().Str("address", h.cfg.Address()).Msg("handler is running")

			return nil
		}

		c := Classify(lastErr, h.sessionful)
		if !c.Retryable || !h.cfg.Retry.AutoReconnect {
			break
		}

		h.state.Store(int32(HandlerError))
		h.logger.Warn().
			Err(lastErr).
			Str("kind", c.Kind.String()).
			Msg("open failed, reconnecting")
	}

	classified := classifiedError(lastErr, h.sessionful)
	h.closeLocked(classified)

	return classified
}

func (h *Handler) openOnce(ctx context.Context) error {
	h.state.Store(int32(HandlerOpening))

	if h.transport == nil {
		transport, err := h.factory(h.cfg)
		if err != nil {
			return fmt.Errorf("failed to build transport: %w", err)
		}
		h.transport = transport
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.OpenTimeout)
	defer cancel()

	if err := h.transport.Open(ctx); err != nil {
		return err
	}

	for {
		ready, err := h.transport.Ready()
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		if err := sleepContext(ctx, readyPollInterval); err != nil {
			return err
		}
	}
}

// Reconnect tears the current link down and rebuilds a fresh one with the
// same endpoint and auth material. In-flight session locks do not survive
// this; sessionful callers see that as a fatal lock loss, never a silent
// retry.
func (h *Handler) Reconnect(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() == HandlerClosed {
		return h.closedError()
	}

	if err := h.rebuildLocked(); err != nil {
		return err
	}

	return h.openLocked(ctx)
}

func (h *Handler) rebuildLocked() error {
	if h.transport != nil {
		if err := h.transport.Close(); err != nil {
			h.logger.Debug().Err(err).Msg("failed to close stale transport")
		}
	}

	if h.factory == nil {
		// A pinned transport gets reopened in place.
		h.state.Store(int32(HandlerIdle))
		return nil
	}

	transport, err := h.factory(h.cfg)
	if err != nil {
		return fmt.Errorf("failed to rebuild transport: %w", err)
	}

	h.transport = transport
	h.state.Store(int32(HandlerIdle))

	return nil
}

// Close releases the transport link and records the closing error. It is
// idempotent; the first recorded error wins.
func (h *Handler) Close(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closeLocked(err)
}

func (h *Handler) closeLocked(err error) error {
	if h.State() == HandlerClosed {
		return nil
	}

	if err == nil {
		err = ErrHandlerClosed
	}
	h.closedErr = err
	h.state.Store(int32(HandlerClosed))

	if h.transport == nil {
		return nil
	}

	closeErr := h.transport.Close()
	h.transport = nil

	return closeErr
}

func (h *Handler) closedError() error {
	if h.closedErr == nil || errors.Is(h.closedErr, ErrHandlerClosed) {
		return ErrHandlerClosed
	}
	return fmt.Errorf("%w: %w", ErrHandlerClosed, h.closedErr)
}

// do runs one transport operation under the handler's mutex, opening the
// link on first use. Failures are classified exactly once per attempt and
// either retried transparently or returned as typed errors.
func (h *Handler) do(ctx context.Context, fn func(Transport) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= h.cfg.Retry.MaxRetries; attempt++ {
		if err := h.openLocked(ctx); err != nil {
			return err
		}

		lastErr = fn(h.transport)
		if lastErr == nil {
			return nil
		}

		c := Classify(lastErr, h.sessionful)
		if !c.Retryable {
			classified := classifiedError(lastErr, h.sessionful)
			if c.ShutdownHandler {
				h.closeLocked(classified)
			}
			return classified
		}

		if c.ShutdownHandler {
			// The link is gone; rebuild it before the next attempt.
			h.state.Store(int32(HandlerError))
			if !h.cfg.Retry.AutoReconnect {
				classified := classifiedError(lastErr, h.sessionful)
				h.closeLocked(classified)
				return classified
			}
			if err := h.rebuildLocked(); err != nil {
				return err
			}
		}

		if err := sleepContext(ctx, h.backoff.Backoff(attempt+1)); err != nil {
			return err
		}
	}

	return classifiedError(lastErr, h.sessionful)
}

// Mgmt issues a request over the management channel, routed through the
// circuit breaker when one is configured. A tripped breaker fails fast
// without touching the transport.
func (h *Handler) Mgmt(ctx context.Context, operation string, fields map[string]any) (MgmtResponse, error) {
	run := func() (MgmtResponse, error) {
		var resp MgmtResponse
		err := h.do(ctx, func(t Transport) error {
			reqCtx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
			defer cancel()

			var err error
			resp, err = t.Mgmt(reqCtx, operation, fields)

			return err
		})

		return resp, err
	}

	if h.breaker == nil {
		return run()
	}

	result, err := h.breaker.Execute(func() (any, error) {
		return run()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return MgmtResponse{}, NewError(KindService, "management channel is failing fast", ErrCircuitOpen)
		}
		return MgmtResponse{}, err
	}

	return result.(MgmtResponse), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
