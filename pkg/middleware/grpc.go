package middleware

import (
	"context"
	"time"

	"smallbiznis-commission/pkg/errutil"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// UnaryLogger logs every unary call with its status code.
func UnaryLogger() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		start := time.Now()
		resp, err = handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			zap.L().Warn("grpc request", append(fields, zap.Error(err))...)
			return resp, err
		}
		zap.L().Debug("grpc request", fields...)
		return resp, nil
	}
}

// UnaryErrors maps domain errors returned by handlers to gRPC statuses.
func UnaryErrors() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		resp, err := handler(ctx, req)
		return resp, errutil.ToGRPCError(err)
	}
}
