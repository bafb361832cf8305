package middleware

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-travel-approvals/internal/logger"
)

const requestIDKey = "x-request-id"

// UnaryLogger logs every unary RPC with its status code.
func UnaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		ctx, reqID := withRequestID(ctx)

		resp, err := handler(ctx, req)

		code := status.Code(err)
		ev := log.Info()
		switch code {
		case codes.OK:
		case codes.Internal, codes.Unknown, codes.DataLoss, codes.Unavailable:
			ev = log.Error().Err(err)
		default:
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).
			Str("code", code.String()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("request_id", reqID).
			Msg("gRPC request")

		return resp, err
	}
}

// UnaryRecovery converts a handler panic into codes.Internal.
func UnaryRecovery(log *logger.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("method", info.FullMethod).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

// withRequestID reuses the caller's x-request-id or mints one.
func withRequestID(ctx context.Context) (context.Context, string) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get(requestIDKey); len(vals) > 0 && vals[0] != "" {
			return ctx, vals[0]
		}
		md = md.Copy()
		id := uuid.NewString()
		md.Set(requestIDKey, id)
		return metadata.NewIncomingContext(ctx, md), id
	}
	id := uuid.NewString()
	return metadata.NewIncomingContext(ctx, metadata.Pairs(requestIDKey, id)), id
}
