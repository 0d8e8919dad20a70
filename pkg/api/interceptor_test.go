package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsReadOnlyMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{FullMethod("Status"), true},
		{FullMethod("Search"), true},
		{FullMethod("ListWorkers"), true},
		{FullMethod("History"), true},
		{FullMethod("WatchEvents"), true},
		{FullMethod("Submit"), false},
		{FullMethod("SubmitItinerary"), false},
		{FullMethod("Cancel"), false},
		{FullMethod("CancelGroup"), false},
		{FullMethod("Complete"), false},
		{FullMethod("Heartbeat"), false},
		{FullMethod("PurgeHistory"), false},
		{"/other.Service/Status", false},
		{"Status", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			assert.Equal(t, tt.want, isReadOnlyMethod(tt.method))
		})
	}
}

func TestReadOnlyInterceptor(t *testing.T) {
	interceptor := ReadOnlyInterceptor()
	called := false
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		called = true
		return "ok", nil
	}

	resp, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod("Status")}, handler)
	assert.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.True(t, called)

	called = false
	_, err = interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: FullMethod("Submit")}, handler)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.False(t, called)
}
