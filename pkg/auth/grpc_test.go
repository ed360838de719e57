package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/StricklySoft/authorhub/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/authorhub/pkg/errors"
)

// mockServerStream implements grpc.ServerStream for testing.
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}

func incomingContext(authorization ...string) context.Context {
	md := metadata.MD{}
	for _, v := range authorization {
		md.Append("authorization", v)
	}
	return metadata.NewIncomingContext(context.Background(), md)
}

// ---------------------------------------------------------------------------
// UnaryServerInterceptor
// ---------------------------------------------------------------------------

func TestUnaryServerInterceptor_ValidToken(t *testing.T) {
	t.Parallel()
	g := NewGateway(&stubValidator{identity: testIdentity("read")}, nil, WithLogger(discardLogger()))
	interceptor := UnaryServerInterceptor(g)

	var captured context.Context
	handler := func(ctx context.Context, req any) (any, error) {
		captured = ctx
		return "response", nil
	}

	resp, err := interceptor(incomingContext("Bearer a.b.c"), "request", &grpc.UnaryServerInfo{}, handler)
	require.NoError(t, err)
	assert.Equal(t, "response", resp)

	identity, ok := IdentityFromContext(captured)
	require.True(t, ok)
	assert.Equal(t, fixtures.Subject, identity.Subject())
}

func TestUnaryServerInterceptor_MissingMetadata(t *testing.T) {
	t.Parallel()
	g := NewGateway(&stubValidator{identity: testIdentity("read")}, nil, WithLogger(discardLogger()))
	interceptor := UnaryServerInterceptor(g)

	handler := func(ctx context.Context, req any) (any, error) {
		t.Error("handler should not be called without credentials")
		return nil, nil
	}

	_, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{}, handler)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.Equal(t, ReasonHeaderRequired, st.Message())
}

func TestUnaryServerInterceptor_InvalidToken(t *testing.T) {
	t.Parallel()
	g := NewGateway(&stubValidator{err: sserr.New(sserr.CodeAuthenticationExpired, "expired")}, nil, WithLogger(discardLogger()))
	interceptor := UnaryServerInterceptor(g)

	_, err := interceptor(incomingContext("Bearer a.b.c"), "request", &grpc.UnaryServerInfo{},
		func(ctx context.Context, req any) (any, error) { return nil, nil })
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestUnaryServerInterceptor_InternalFailure(t *testing.T) {
	t.Parallel()
	g := NewGateway(&stubValidator{panicVal: "boom"}, nil, WithLogger(discardLogger()))
	interceptor := UnaryServerInterceptor(g)

	_, err := interceptor(incomingContext("Bearer a.b.c"), "request", &grpc.UnaryServerInfo{},
		func(ctx context.Context, req any) (any, error) { return nil, nil })
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Equal(t, ReasonAuthenticationError, st.Message())
}

// ---------------------------------------------------------------------------
// StreamServerInterceptor
// ---------------------------------------------------------------------------

func TestStreamServerInterceptor_ValidToken(t *testing.T) {
	t.Parallel()
	g := NewGateway(&stubValidator{identity: testIdentity("read")}, nil, WithLogger(discardLogger()))
	interceptor := StreamServerInterceptor(g)

	var captured context.Context
	err := interceptor(nil, &mockServerStream{ctx: incomingContext("Bearer a.b.c")}, &grpc.StreamServerInfo{},
		func(srv any, ss grpc.ServerStream) error {
			captured = ss.Context()
			return nil
		})
	require.NoError(t, err)

	_, ok := IdentityFromContext(captured)
	assert.True(t, ok)
}

func TestStreamServerInterceptor_WrongScheme(t *testing.T) {
	t.Parallel()
	g := NewGateway(&stubValidator{identity: testIdentity("read")}, nil, WithLogger(discardLogger()))
	interceptor := StreamServerInterceptor(g)

	err := interceptor(nil, &mockServerStream{ctx: incomingContext("Basic abc")}, &grpc.StreamServerInfo{},
		func(srv any, ss grpc.ServerStream) error {
			t.Error("handler should not be called")
			return nil
		})
	st, _ := status.FromError(err)
	assert.Equal(t, codes.Unauthenticated, st.Code())
	assert.Equal(t, ReasonBearerPrefixRequired, st.Message())
}

// ---------------------------------------------------------------------------
// Policy interceptors
// ---------------------------------------------------------------------------

func TestUnaryPolicyInterceptor(t *testing.T) {
	t.Parallel()
	engine := newDefaultEngine(t)
	interceptor := UnaryPolicyInterceptor(engine, map[string]string{
		"/authorhub.Books/List":   PolicyReadScope,
		"/authorhub.Admin/Status": PolicyAdminRole,
	})
	ok := func(ctx context.Context, req any) (any, error) { return "ok", nil }
	reader := ContextWithIdentity(context.Background(), testIdentity("read"))

	resp, err := interceptor(reader, nil, &grpc.UnaryServerInfo{FullMethod: "/authorhub.Books/List"}, ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)

	_, err = interceptor(reader, nil, &grpc.UnaryServerInfo{FullMethod: "/authorhub.Admin/Status"}, ok)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/authorhub.Books/List"}, ok)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/authorhub.Health/Check"}, ok)
	assert.NoError(t, err, "unmapped methods pass through")
}

func TestStreamPolicyInterceptor(t *testing.T) {
	t.Parallel()
	engine := newDefaultEngine(t)
	interceptor := StreamPolicyInterceptor(engine, map[string]string{"/authorhub.Books/Watch": PolicyReadScope})
	writer := &mockServerStream{ctx: ContextWithIdentity(context.Background(), testIdentity("write"))}

	err := interceptor(nil, writer, &grpc.StreamServerInfo{FullMethod: "/authorhub.Books/Watch"},
		func(srv any, ss grpc.ServerStream) error { return nil })
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestGRPCCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, codes.Unauthenticated, grpcCode(401))
	assert.Equal(t, codes.PermissionDenied, grpcCode(403))
	assert.Equal(t, codes.Internal, grpcCode(500))
}
