package query

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bookreplay.v1.SnapshotQuery"

const (
	methodGetSnapshot     = "/" + ServiceName + "/GetSnapshot"
	methodHistoryRange    = "/" + ServiceName + "/HistoryRange"
	methodListInstruments = "/" + ServiceName + "/ListInstruments"
)

// SnapshotQueryServer answers archive lookups. Messages use the well-known
// types so no generated code is needed:
//
//	GetSnapshot:     Struct{ticker, timestamp} -> Struct (archived snapshot)
//	HistoryRange:    StringValue(ticker)       -> Struct{minTimestamp, maxTimestamp}
//	ListInstruments: Empty                     -> ListValue of tickers
type SnapshotQueryServer interface {
	GetSnapshot(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HistoryRange(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListInstruments(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// RegisterSnapshotQueryServer registers srv on s.
func RegisterSnapshotQueryServer(s grpc.ServiceRegistrar, srv SnapshotQueryServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SnapshotQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSnapshot", Handler: getSnapshotHandler},
		{MethodName: "HistoryRange", Handler: historyRangeHandler},
		{MethodName: "ListInstruments", Handler: listInstrumentsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bookreplay/v1/query.proto",
}

func getSnapshotHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotQueryServer).GetSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetSnapshot}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotQueryServer).GetSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func historyRangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotQueryServer).HistoryRange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodHistoryRange}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotQueryServer).HistoryRange(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listInstrumentsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotQueryServer).ListInstruments(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListInstruments}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SnapshotQueryServer).ListInstruments(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
