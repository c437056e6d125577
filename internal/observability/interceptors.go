package observability

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"voice-transcribe-bot/internal/observability/logging"
	"voice-transcribe-bot/internal/observability/metrics"
)

// UnaryServerInterceptor counts unary calls by method and status code.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observeCall(m, info.FullMethod, false, start, err)
		return resp, err
	}
}

// StreamServerInterceptor counts streams (health Watch) by method and status
// code once they end.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observeCall(m, info.FullMethod, true, start, err)
		return err
	}
}

// observeCall logs at debug level: container probes hit the health service
// every few seconds.
func observeCall(m *metrics.Metrics, method string, stream bool, start time.Time, err error) {
	code := status.Code(err).String()
	m.RecordGRPCCall(method, code)

	logger := logging.WithComponent("grpc")
	evt := logger.Debug()
	if err != nil {
		evt = logger.Warn().Err(err)
	}
	evt.Str("method", method).
		Str("code", code).
		Bool("stream", stream).
		Dur("duration", time.Since(start)).
		Msg("gRPC call finished")
}
