package api

import (
	"context"

	"github.com/cuemby/dispatch/pkg/events"
	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "dispatch.v1.Dispatch"

// DispatchServer is the server API of the dispatch service
type DispatchServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	SubmitItinerary(context.Context, *SubmitItineraryRequest) (*SubmitItineraryResponse, error)
	Status(context.Context, *StatusRequest) (*StatusResponse, error)
	Search(context.Context, *SearchRequest) (*SearchResponse, error)
	Cancel(context.Context, *CancelRequest) (*CancelResponse, error)
	CancelGroup(context.Context, *CancelGroupRequest) (*CancelGroupResponse, error)
	Complete(context.Context, *CompleteRequest) (*CompleteResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	ListWorkers(context.Context, *ListWorkersRequest) (*ListWorkersResponse, error)
	History(context.Context, *HistoryRequest) (*HistoryResponse, error)
	PurgeHistory(context.Context, *PurgeHistoryRequest) (*PurgeHistoryResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
}

// EventStream is the server side of WatchEvents
type EventStream interface {
	Send(*events.Event) error
	Context() context.Context
}

// FullMethod returns the gRPC method path of name
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the dispatch service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", DispatchServer.Submit),
		unary("SubmitItinerary", DispatchServer.SubmitItinerary),
		unary("Status", DispatchServer.Status),
		unary("Search", DispatchServer.Search),
		unary("Cancel", DispatchServer.Cancel),
		unary("CancelGroup", DispatchServer.CancelGroup),
		unary("Complete", DispatchServer.Complete),
		unary("Heartbeat", DispatchServer.Heartbeat),
		unary("ListWorkers", DispatchServer.ListWorkers),
		unary("History", DispatchServer.History),
		unary("PurgeHistory", DispatchServer.PurgeHistory),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "dispatch/v1/dispatch.json",
}

// unary builds the method descriptor of one request/response method
func unary[Req, Resp any](name string, call func(DispatchServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DispatchServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: FullMethod(name),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DispatchServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DispatchServer).WatchEvents(in, &eventStream{stream})
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(e *events.Event) error {
	return s.ServerStream.SendMsg(e)
}
