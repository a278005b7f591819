// Package api is the daemon's control service: a gRPC service over the
// profile's unix socket whose messages are JSON-shaped structs.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "conversa.v1.Control"

// Method names.
const (
	MethodStatus             = "Status"
	MethodLogin              = "Login"
	MethodRequestOTP         = "RequestOTP"
	MethodRegister           = "Register"
	MethodListChats          = "ListChats"
	MethodListUsers          = "ListUsers"
	MethodOpenConversation   = "OpenConversation"
	MethodCloseConversation  = "CloseConversation"
	MethodCreateConversation = "CreateConversation"
	MethodListMessages       = "ListMessages"
	MethodSetInput           = "SetInput"
	MethodSendMessage        = "SendMessage"
	MethodDeleteMessage      = "DeleteMessage"
	MethodSearchMessages     = "SearchMessages"
	MethodWatchEvents        = "WatchEvents"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ControlServer is the server side of the control service.
type ControlServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestOTP(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListUsers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetInput(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type unaryCall func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).WatchEvents(in, &eventStream{stream})
}

// ControlServiceDesc describes the control service to grpc.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ControlServer.Status),
		unary(MethodLogin, ControlServer.Login),
		unary(MethodRequestOTP, ControlServer.RequestOTP),
		unary(MethodRegister, ControlServer.Register),
		unary(MethodListChats, ControlServer.ListChats),
		unary(MethodListUsers, ControlServer.ListUsers),
		unary(MethodOpenConversation, ControlServer.OpenConversation),
		unary(MethodCloseConversation, ControlServer.CloseConversation),
		unary(MethodCreateConversation, ControlServer.CreateConversation),
		unary(MethodListMessages, ControlServer.ListMessages),
		unary(MethodSetInput, ControlServer.SetInput),
		unary(MethodSendMessage, ControlServer.SendMessage),
		unary(MethodDeleteMessage, ControlServer.DeleteMessage),
		unary(MethodSearchMessages, ControlServer.SearchMessages),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "conversa/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ControlServiceDesc, srv)
}
