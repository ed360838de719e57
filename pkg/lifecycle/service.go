package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

const tracerName = "github.com/StricklySoft/authorhub/pkg/lifecycle"

// StateChangeHandler observes transitions. Handlers run synchronously
// under the service's state lock and must not call lifecycle methods on
// the same service. A panicking handler is recovered and logged.
type StateChangeHandler func(old, new State)

// Hook runs during a start or stop transition. An error moves the
// service to [StateFailed].
type Hook func(ctx context.Context) error

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type namedCheck struct {
	name  string
	check Check
}

// Info is a point-in-time snapshot of a service.
type Info struct {
	Name      string        `json:"name"`
	Version   string        `json:"version"`
	State     State         `json:"state"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Uptime    time.Duration `json:"uptime_ns,omitempty"`
}

// Service tracks the lifecycle of a long-running process. It is safe for
// concurrent use. Build one with [NewServiceBuilder].
type Service struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	tracer trace.Tracer
	logger *slog.Logger

	onStart Hook
	onStop  Hook
	checks  []namedCheck

	stateHandlers []StateChangeHandler
}

// Name returns the service name.
func (s *Service) Name() string { return s.name }

// Version returns the service version.
func (s *Service) Version() string { return s.version }

// State returns the current state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns a snapshot. Uptime is only set while running.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := Info{Name: s.name, Version: s.version, State: s.state}
	if s.startedAt != nil && s.state == StateRunning {
		t := *s.startedAt
		info.StartedAt = &t
		info.Uptime = time.Since(t)
	}
	return info
}

// Health returns nil when the service is running and every registered
// check passes. Otherwise it returns [sserr.CodeUnavailable] with the
// failing checks listed in the "checks" detail.
func (s *Service) Health(ctx context.Context) error {
	if state := s.State(); state != StateRunning {
		return sserr.Unavailable("lifecycle: service is not running").
			WithDetail("state", state.String())
	}

	var failed []string
	var firstErr error
	for _, c := range s.checks {
		if err := c.check(ctx); err != nil {
			failed = append(failed, c.name)
			if firstErr == nil {
				firstErr = err
			}
			s.logger.WarnContext(ctx, "lifecycle: health check failed",
				"service", s.name,
				"check", c.name,
				"error", err,
			)
		}
	}
	if len(failed) > 0 {
		return sserr.Wrap(firstErr, sserr.CodeUnavailable,
			"lifecycle: health checks failed: "+strings.Join(failed, ", ")).
			WithDetail("checks", failed)
	}
	return nil
}

// SetState moves the service to next after validating the transition and
// notifies state change handlers. An invalid transition returns
// [sserr.CodeInternal].
func (s *Service) SetState(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeInternal,
			"lifecycle: invalid state transition from %q to %q", old, next)
	}
	s.state = next

	for _, h := range s.stateHandlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("lifecycle: state change handler panicked",
						"panic", r,
						"service", s.name,
						"old_state", string(old),
						"new_state", string(next),
					)
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Start runs the start hook between [StateStarting] and [StateRunning].
// A cancelled ctx returns [sserr.CodeTimeout] without changing state. A
// hook error moves the service to [StateFailed] and is returned as
// [sserr.CodeInternal].
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Start")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return failSpan(span, sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution"))
	}
	if err := s.SetState(StateStarting); err != nil {
		return failSpan(span, err)
	}

	s.logger.InfoContext(ctx, "lifecycle: starting service",
		"service", s.name,
		"version", s.version,
	)

	if s.onStart != nil {
		if err := s.onStart(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: start hook failed", "service", s.name, "error", err)
			_ = s.SetState(StateFailed)
			return failSpan(span, sserr.Wrap(err, sserr.CodeInternal, "lifecycle: start hook failed"))
		}
	}

	if err := s.SetState(StateRunning); err != nil {
		return failSpan(span, err)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	s.startedAt = &now
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service started", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

// Stop runs the stop hook between [StateStopping] and [StateStopped]. It
// is a no-op in a terminal state, so it is safe to defer.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "lifecycle.Stop")
	defer span.End()

	if s.State().IsTerminal() {
		span.SetStatus(codes.Ok, "")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return failSpan(span, sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: stop canceled before execution"))
	}
	if err := s.SetState(StateStopping); err != nil {
		return failSpan(span, err)
	}

	s.logger.InfoContext(ctx, "lifecycle: stopping service", "service", s.name)

	if s.onStop != nil {
		if err := s.onStop(ctx); err != nil {
			s.logger.ErrorContext(ctx, "lifecycle: stop hook failed", "service", s.name, "error", err)
			_ = s.SetState(StateFailed)
			return failSpan(span, sserr.Wrap(err, sserr.CodeInternal, "lifecycle: stop hook failed"))
		}
	}

	if err := s.SetState(StateStopped); err != nil {
		return failSpan(span, err)
	}
	s.mu.Lock()
	s.startedAt = nil
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "lifecycle: service stopped", "service", s.name)
	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Service) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.name", s.name),
			attribute.String("service.version", s.version),
		),
	)
}

func failSpan(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ServiceBuilder assembles a [Service].
type ServiceBuilder struct {
	name          string
	version       string
	logger        *slog.Logger
	onStart       Hook
	onStop        Hook
	checks        []namedCheck
	stateHandlers []StateChangeHandler
}

// NewServiceBuilder starts a builder for a service called name.
func NewServiceBuilder(name, version string) *ServiceBuilder {
	return &ServiceBuilder{name: name, version: version}
}

// WithLogger sets the logger. The default is [slog.Default].
func (b *ServiceBuilder) WithLogger(logger *slog.Logger) *ServiceBuilder {
	b.logger = logger
	return b
}

// WithOnStart sets the start hook.
func (b *ServiceBuilder) WithOnStart(hook Hook) *ServiceBuilder {
	b.onStart = hook
	return b
}

// WithOnStop sets the stop hook.
func (b *ServiceBuilder) WithOnStop(hook Hook) *ServiceBuilder {
	b.onStop = hook
	return b
}

// WithCheck adds a dependency check run by [Service.Health].
func (b *ServiceBuilder) WithCheck(name string, check Check) *ServiceBuilder {
	b.checks = append(b.checks, namedCheck{name: name, check: check})
	return b
}

// OnStateChange adds a transition observer.
func (b *ServiceBuilder) OnStateChange(handler StateChangeHandler) *ServiceBuilder {
	b.stateHandlers = append(b.stateHandlers, handler)
	return b
}

// Build validates the builder and returns the service in [StateUnknown].
//
// Error codes returned:
//   - [sserr.CodeValidationRequired]: empty name or version
//   - [sserr.CodeValidation]: a nil check or state change handler
func (b *ServiceBuilder) Build() (*Service, error) {
	if strings.TrimSpace(b.name) == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: service name is required")
	}
	if strings.TrimSpace(b.version) == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: service version is required")
	}
	for _, c := range b.checks {
		if c.check == nil || c.name == "" {
			return nil, sserr.Validation("lifecycle: health checks need a name and a function")
		}
	}
	for _, h := range b.stateHandlers {
		if h == nil {
			return nil, sserr.Validation("lifecycle: state change handler must not be nil")
		}
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		name:          b.name,
		version:       b.version,
		state:         StateUnknown,
		tracer:        otel.Tracer(tracerName),
		logger:        logger,
		onStart:       b.onStart,
		onStop:        b.onStop,
		checks:        append([]namedCheck(nil), b.checks...),
		stateHandlers: append([]StateChangeHandler(nil), b.stateHandlers...),
	}, nil
}
