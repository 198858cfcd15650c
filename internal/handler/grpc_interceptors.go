package handler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
)

// metadataUserID is the lowercased gRPC form of HeaderUserID.
const metadataUserID = "x-user-id"

type userIDKey struct{}

// userID returns the acting user attached by UserContextInterceptor, or "".
func userID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey{}).(string); ok {
		return id
	}
	return ""
}

// UserContextInterceptor copies the x-user-id metadata into the request context.
func UserContextInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(metadataUserID); len(vals) > 0 {
				if id := strings.TrimSpace(vals[0]); id != "" {
					ctx = context.WithValue(ctx, userIDKey{}, id)
				}
			}
		}
		return handler(ctx, req)
	}
}

// LoggingInterceptor logs every call with its status code and latency.
func LoggingInterceptor(log *logger.Logger, rec *metrics.Recorder) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		rec.Timing("grpc", start, "method:"+info.FullMethod, "grpc_code:"+code.String())

		evt := log.Info()
		if code == codes.Internal || code == codes.Unknown {
			evt = log.Error().Err(err)
		}
		evt.
			Str("method", info.FullMethod).
			Str("user_id", userID(ctx)).
			Str("code", code.String()).
			Dur("latency", time.Since(start)).
			Msg("[grpc]")
		return resp, err
	}
}

// RecoveryInterceptor converts a handler panic into codes.Internal.
func RecoveryInterceptor(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("method", info.FullMethod).
					Str("stack", string(debug.Stack())).
					Msg(fmt.Sprintf("Panic occurred: %v", r))
				err = status.Error(codes.Internal, "서버 오류가 발생했습니다")
			}
		}()
		return handler(ctx, req)
	}
}
