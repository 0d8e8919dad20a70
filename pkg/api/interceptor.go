package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// readOnlyMethods may be called on the Unix socket
var readOnlyMethods = map[string]bool{
	"Status":      true,
	"Search":      true,
	"ListWorkers": true,
	"History":     true,
	"WatchEvents": true,
}

// ReadOnlyInterceptor creates a gRPC unary interceptor that only allows read-only operations.
// This is used for the Unix socket listener so local tooling can inspect but not mutate.
func ReadOnlyInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !isReadOnlyMethod(info.FullMethod) {
			return nil, permissionDenied(info.FullMethod)
		}
		return handler(ctx, req)
	}
}

// ReadOnlyStreamInterceptor is the streaming counterpart of ReadOnlyInterceptor
func ReadOnlyStreamInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		if !isReadOnlyMethod(info.FullMethod) {
			return permissionDenied(info.FullMethod)
		}
		return handler(srv, ss)
	}
}

func permissionDenied(method string) error {
	return status.Errorf(
		codes.PermissionDenied,
		"%s is not allowed on the Unix socket - use the TCP API address",
		method,
	)
}

// isReadOnlyMethod checks if a gRPC method is read-only
func isReadOnlyMethod(method string) bool {
	// Extract method name from full path (e.g., "/dispatch.v1.Dispatch/Status" -> "Status")
	parts := strings.Split(method, "/")
	if len(parts) < 3 || parts[1] != ServiceName {
		return false
	}
	return readOnlyMethods[parts[len(parts)-1]]
}
