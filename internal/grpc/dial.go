package grpc

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"crew-chat-service/internal/errs"
	"crew-chat-service/internal/observability"
)

// Dial opens an instrumented client connection to target.
func Dial(target string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// classify maps a call failure onto the error kinds callers branch on.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Transient(op, err)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return errs.Transient(op, err)
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s: %v", errs.ErrUnauthenticated, op, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %s: %v", errs.ErrNotFound, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
