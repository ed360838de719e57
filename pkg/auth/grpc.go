package auth

import (
	"context"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor authenticates unary calls with g using the
// "authorization" metadata and stores the [Identity] in the handler's
// context. Failures are returned as Unauthenticated or Internal statuses
// carrying the gateway's reason.
func UnaryServerInterceptor(g *Gateway) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := authenticateGRPC(ctx, g)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming form of [UnaryServerInterceptor].
func StreamServerInterceptor(g *Gateway) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := authenticateGRPC(ss.Context(), g)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// UnaryPolicyInterceptor enforces policies per full method name
// ("/pkg.Service/Method"). Methods absent from policies pass through. It
// must be chained after [UnaryServerInterceptor].
func UnaryPolicyInterceptor(engine *PolicyEngine, policies map[string]string) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		if err := authorizeGRPC(ctx, engine, policies, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamPolicyInterceptor is the streaming form of [UnaryPolicyInterceptor].
func StreamPolicyInterceptor(engine *PolicyEngine, policies map[string]string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if err := authorizeGRPC(ss.Context(), engine, policies, info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func authenticateGRPC(ctx context.Context, g *Gateway) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	identity, failure := g.Authenticate(ctx, md.Get(strings.ToLower(HeaderAuthorization)))
	if failure != nil {
		return ctx, status.Error(grpcCode(failure.Status), failure.Reason)
	}
	return ContextWithIdentity(ctx, identity), nil
}

func authorizeGRPC(ctx context.Context, engine *PolicyEngine, policies map[string]string, method string) error {
	name, ok := policies[method]
	if !ok {
		return nil
	}
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, ReasonInvalidToken)
	}
	if err := engine.Authorize(identity, name); err != nil {
		httpStatus, reason := denial(err)
		return status.Error(grpcCode(httpStatus), reason)
	}
	return nil
}

// grpcCode maps a gateway HTTP status to a gRPC code.
func grpcCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	default:
		return codes.Internal
	}
}

// wrappedServerStream overrides Context so stream handlers see the
// authenticated identity.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
