package middleware

import (
	"context"
	"testing"

	"smallbiznis-commission/pkg/errutil"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestUnaryErrorsMapsDomainErrors(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/commission.v1.PayoutService/ApprovePayout"}
	chain := func(err error) error {
		logged := UnaryLogger()
		mapped := UnaryErrors()
		_, out := logged(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return mapped(ctx, req, info, func(context.Context, interface{}) (interface{}, error) {
				return nil, err
			})
		})
		return out
	}

	require.NoError(t, chain(nil))
	require.Equal(t, codes.NotFound, status.Code(chain(errutil.NotFound("payout not found", nil))))
	require.Equal(t, codes.Aborted, status.Code(chain(errutil.Conflict("payout is PAID", nil))))
	require.Equal(t, codes.InvalidArgument, status.Code(chain(status.Error(codes.InvalidArgument, "bad"))))
}
