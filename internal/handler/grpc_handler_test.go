package handler

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-ops-return-workflows/internal/errors"
	"github.com/pesio-ai/be-ops-return-workflows/internal/logger"
	"github.com/pesio-ai/be-ops-return-workflows/internal/metrics"
	"github.com/pesio-ai/be-ops-return-workflows/internal/service"
)

func newGRPCConn(t *testing.T) *grpc.ClientConn {
	t.Helper()
	engine, _ := newTestEngine(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(logger.Nop()),
		UserContextInterceptor(),
		LoggingInterceptor(logger.Nop(), metrics.Nop()),
	))
	NewGRPCHandler(engine, logger.Nop()).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func invoke(t *testing.T, conn *grpc.ClientConn, user, method string, fields map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(fields)
	require.NoError(t, err)

	ctx := context.Background()
	if user != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, metadataUserID, user)
	}
	resp := &structpb.Struct{}
	err = conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp)
	return resp, err
}

func workflowField(resp *structpb.Struct, name string) string {
	return resp.GetFields()["data"].GetStructValue().
		GetFields()["workflow"].GetStructValue().
		GetFields()[name].GetStringValue()
}

func TestGRPCHandler_Flow(t *testing.T) {
	conn := newGRPCConn(t)

	resp, err := invoke(t, conn, "U1", "StartWorkflow", map[string]any{
		"asset_id":   "A1",
		"department": "개발팀",
	})
	require.NoError(t, err)
	assert.True(t, resp.GetFields()["success"].GetBoolValue())
	id := workflowField(resp, "id")
	require.NotEmpty(t, id)
	assert.Equal(t, "U1", workflowField(resp, "requester_id"))
	assert.Equal(t, "dept_approval", workflowField(resp, "current_step"))

	_, err = invoke(t, conn, "am-1", "ApproveStep", map[string]any{"workflow_id": id})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	resp, err = invoke(t, conn, "dm-dev", "ApproveStep", map[string]any{"workflow_id": id, "comment": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "asset_manager_approval", workflowField(resp, "current_step"))

	resp, err = invoke(t, conn, "am-1", "RejectStep", map[string]any{"workflow_id": id, "reason": "파손"})
	require.NoError(t, err)
	assert.Equal(t, "rejected", workflowField(resp, "status"))

	_, err = invoke(t, conn, "am-1", "RejectStep", map[string]any{"workflow_id": id, "reason": "again"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	resp, err = invoke(t, conn, "", "GetWorkflow", map[string]any{"workflow_id": id})
	require.NoError(t, err)
	assert.Equal(t, "rejected", workflowField(resp, "current_step"))
}

func TestGRPCHandler_Errors(t *testing.T) {
	conn := newGRPCConn(t)

	_, err := invoke(t, conn, "", "ApproveStep", map[string]any{"workflow_id": "x"})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = invoke(t, conn, "dm-dev", "ApproveStep", map[string]any{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = invoke(t, conn, "", "GetWorkflow", map[string]any{"workflow_id": "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = invoke(t, conn, "U1", "StartWorkflow", map[string]any{"department": "개발팀"})
	st, _ := status.FromError(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "자산 ID는 필수입니다", st.Message())
}

func TestMapErrorToGRPC(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errors.Wrap(service.ErrVersionConflict, errors.ErrCodeConflict, "stale"), codes.Aborted},
		{errors.Wrap(service.ErrTerminalState, errors.ErrCodeConflict, "end"), codes.FailedPrecondition},
		{errors.Wrap(service.ErrRejectNotAllowed, errors.ErrCodeConflict, "late"), codes.FailedPrecondition},
		{errors.New(errors.ErrCodeUnavailable, "down"), codes.Unavailable},
		{errors.NotFound("return_workflow", "x"), codes.NotFound},
		{assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, status.Code(mapErrorToGRPC(tt.err)), tt.err.Error())
	}
	assert.NoError(t, mapErrorToGRPC(nil))
}
