package gwservice

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/nvmeof-gw/internal/gwerr"
	"github.com/cuemby/nvmeof-gw/internal/metrics"
)

// RecoveryInterceptor recovers panics inside a handler, logs them with a
// correlation id, and surfaces them as Internal rather than letting them
// cross the gRPC boundary — grounded on the teacher's interceptor shape
// (pkg/api/interceptor.go), generalized from a read-only allowlist to
// panic recovery plus request metrics per §7/§9.
func RecoveryInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()
		defer timer.ObserveDurationVec(metrics.APIRequestDuration, method)

		defer func() {
			if r := recover(); r != nil {
				correlationID := uuid.NewString()
				logger.Error().
					Interface("panic", r).
					Str("method", method).
					Str("correlation_id", correlationID).
					Msg("recovered panic in gateway rpc handler")
				err = status.Errorf(codes.Internal, "internal error (correlation id %s)", correlationID)
				metrics.APIRequestsTotal.WithLabelValues(method, string(gwerr.Internal)).Inc()
			}
		}()

		resp, err = handler(ctx, req)
		metrics.APIRequestsTotal.WithLabelValues(method, string(gwerr.KindOf(err))).Inc()
		return resp, err
	}
}

func methodName(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}
