package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

func mustBuild(t *testing.T, b *ServiceBuilder) *Service {
	t.Helper()
	svc, err := b.Build()
	require.NoError(t, err)
	return svc
}

func codeOf(t *testing.T, err error) sserr.Code {
	t.Helper()
	var ssErr *sserr.Error
	require.True(t, errors.As(err, &ssErr), "error type = %T, want *sserr.Error", err)
	return ssErr.Code
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

func TestServiceBuilder_Build(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewServiceBuilder("authorhub", "1.2.0"))
	assert.Equal(t, "authorhub", svc.Name())
	assert.Equal(t, "1.2.0", svc.Version())
	assert.Equal(t, StateUnknown, svc.State())
}

func TestServiceBuilder_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		b    *ServiceBuilder
		code sserr.Code
	}{
		{"empty name", NewServiceBuilder(" ", "1.0.0"), sserr.CodeValidationRequired},
		{"empty version", NewServiceBuilder("svc", ""), sserr.CodeValidationRequired},
		{"nil check", NewServiceBuilder("svc", "1.0.0").WithCheck("redis", nil), sserr.CodeValidation},
		{"unnamed check", NewServiceBuilder("svc", "1.0.0").WithCheck("", func(context.Context) error { return nil }), sserr.CodeValidation},
		{"nil handler", NewServiceBuilder("svc", "1.0.0").OnStateChange(nil), sserr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.b.Build()
			require.Error(t, err)
			assert.Equal(t, tt.code, codeOf(t, err))
		})
	}
}

// ---------------------------------------------------------------------------
// Start and Stop
// ---------------------------------------------------------------------------

func TestService_StartStop(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	var calls []string
	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0").
		WithOnStart(func(ctx context.Context) error {
			calls = append(calls, "start")
			return nil
		}).
		WithOnStop(func(ctx context.Context) error {
			calls = append(calls, "stop")
			return nil
		}).
		OnStateChange(func(old, new State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, old.String()+"->"+new.String())
		}))

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
	info := svc.Info()
	require.NotNil(t, info.StartedAt)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, StateStopped, svc.State())
	assert.Nil(t, svc.Info().StartedAt)

	assert.Equal(t, []string{"start", "stop"}, calls)
	assert.Equal(t, []string{
		"unknown->starting", "starting->running",
		"running->stopping", "stopping->stopped",
	}, transitions)
}

func TestService_StartTwiceFails(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0"))
	require.NoError(t, svc.Start(context.Background()))

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, sserr.CodeInternal, codeOf(t, err))
	assert.Equal(t, StateRunning, svc.State())
}

func TestService_StartHookFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("metadata unreachable")
	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0").
		WithOnStart(func(context.Context) error { return cause }))

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, sserr.CodeInternal, codeOf(t, err))
	assert.Equal(t, StateFailed, svc.State())

	// Failed services can be restarted.
	svc.onStart = nil
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StateRunning, svc.State())
}

func TestService_StartCanceledContext(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := svc.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeTimeout, codeOf(t, err))
	assert.Equal(t, StateUnknown, svc.State())
}

func TestService_StopHookFailure(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0").
		WithOnStop(func(context.Context) error { return errors.New("close failed") }))
	require.NoError(t, svc.Start(context.Background()))

	err := svc.Stop(context.Background())
	require.Error(t, err)
	assert.Equal(t, sserr.CodeInternal, codeOf(t, err))
	assert.Equal(t, StateFailed, svc.State())
}

func TestService_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	stops := 0
	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0").
		WithOnStop(func(context.Context) error { stops++; return nil }))
	require.NoError(t, svc.Start(context.Background()))

	require.NoError(t, svc.Stop(context.Background()))
	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, 1, stops)
}

func TestService_PanickingHandlerDoesNotBlockTransition(t *testing.T) {
	t.Parallel()

	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0").
		OnStateChange(func(old, new State) { panic("boom") }))

	require.NoError(t, svc.SetState(StateStarting))
	assert.Equal(t, StateStarting, svc.State())
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestService_Health(t *testing.T) {
	t.Parallel()

	var redisErr error
	svc := mustBuild(t, NewServiceBuilder("svc", "1.0.0").
		WithCheck("metadata", func(context.Context) error { return nil }).
		WithCheck("redis", func(context.Context) error { return redisErr }))

	err := svc.Health(context.Background())
	require.Error(t, err, "not running yet")
	assert.Equal(t, sserr.CodeUnavailable, codeOf(t, err))
	var notRunning *sserr.Error
	require.True(t, errors.As(err, &notRunning))
	assert.Equal(t, "unknown", notRunning.Details["state"])

	require.NoError(t, svc.Start(context.Background()))
	require.NoError(t, svc.Health(context.Background()))

	redisErr = errors.New("connection refused")
	err = svc.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, sserr.CodeUnavailable, codeOf(t, err))
	assert.ErrorIs(t, err, redisErr)
	assert.Contains(t, err.Error(), "redis")

	var ssErr *sserr.Error
	require.True(t, errors.As(err, &ssErr))
	assert.Equal(t, []string{"redis"}, ssErr.Details["checks"])
}
