package grpc

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/auth"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// healthPrefix marks methods served without a token.
var healthPrefix = "/" + grpc_health_v1.Health_ServiceDesc.ServiceName + "/"

// accessTokenInterceptor binds a normal scope from the access token, hands it
// to the handler through the context and releases it once the handler returns.
func (s *GRPCServer) accessTokenInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if strings.HasPrefix(info.FullMethod, healthPrefix) {
		return handler(ctx, req)
	}

	md, _ := metadata.FromIncomingContext(ctx)
	accessToken := first(md, common.AccessTokenHeaderName)
	if len(accessToken) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing token")
	}

	p, err := auth.ParseToken(accessToken, s.jwtSecret)
	if err != nil {
		s.logger.Warn(ctx, "rejected token", "method", info.FullMethod, "error", err)
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}

	scope, err := principal.Bind(p,
		principal.WithClientInfo(remoteIP(ctx), first(md, "user-agent")),
		principal.WithSession(first(md, common.SessionHeaderName)),
	)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	defer scope.Release()

	resp, err := handler(principal.WithScope(ctx, scope), req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// toStatus maps domain errors to gRPC codes. Messages never carry details
// about the target row.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, common.ErrUnauthenticated) && !errors.Is(err, common.ErrAccessDenied):
		code = codes.Unauthenticated
	case errors.Is(err, common.ErrAccessDenied), errors.Is(err, common.ErrOwnershipMismatch):
		code = codes.PermissionDenied
	case errors.Is(err, common.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, common.ErrEncryptionOpaque), errors.Is(err, common.ErrInvalidArgument):
		code = codes.InvalidArgument
	case common.IsRetryable(err):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, common.PublicMessage(err))
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		return p.Addr.String()
	}
	return host
}
