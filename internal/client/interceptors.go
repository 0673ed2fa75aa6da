package client

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// actorMetadataKey matches the key the approval service reads the actor from.
const actorMetadataKey = "x-actor-id"

// forwardMetadata is a gRPC unary client interceptor that propagates
// incoming request metadata to outgoing calls, so a service that proxies to
// the approval service keeps the caller's actor id.
func forwardMetadata(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

// withActor attaches a fixed actor id unless the outgoing context already
// carries one.
func withActor(actorID string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if actorID != "" {
			md, _ := metadata.FromOutgoingContext(ctx)
			if len(md.Get(actorMetadataKey)) == 0 {
				ctx = metadata.AppendToOutgoingContext(ctx, actorMetadataKey, actorID)
			}
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
