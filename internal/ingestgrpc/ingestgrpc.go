// Package ingestgrpc defines the API-worker task status contract with a
// manually registered service descriptor and a JSON payload codec, so no
// protoc toolchain is required to build either service.
package ingestgrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the canonical gRPC service name for ingest task status calls.
	ServiceName = "mgnrega.v1.TaskStatus"
	// jsonCodecName is the registered gRPC content subtype for JSON payloads.
	jsonCodecName = "json"
)

// GetTaskStatusRequest asks the worker for one ingest task's latest status.
type GetTaskStatusRequest struct {
	TaskID string `json:"task_id"`
}

// WatchTaskProgressRequest starts a worker status stream for one ingest task.
type WatchTaskProgressRequest struct {
	TaskID         string `json:"task_id"`
	PollIntervalMS int32  `json:"poll_interval_ms,omitempty"`
}

// TaskStatusReply returns one status snapshot for an ingest task.
type TaskStatusReply struct {
	TaskID          string `json:"task_id"`
	DistrictCode    string `json:"district_code"`
	YearMonth       string `json:"year_month"`
	State           string `json:"state"`
	Attempt         int32  `json:"attempt"`
	ProgressPercent int32  `json:"progress_percent"`
	Message         string `json:"message"`
	Timestamp       string `json:"timestamp"`
}

// TaskStatusClient defines client RPC calls used by the API service.
type TaskStatusClient interface {
	GetTaskStatus(ctx context.Context, in *GetTaskStatusRequest, opts ...grpc.CallOption) (*TaskStatusReply, error)
	WatchTaskProgress(ctx context.Context, in *WatchTaskProgressRequest, opts ...grpc.CallOption) (TaskStatus_WatchTaskProgressClient, error)
}

// TaskStatusServer defines server RPC methods implemented by the worker service.
type TaskStatusServer interface {
	GetTaskStatus(context.Context, *GetTaskStatusRequest) (*TaskStatusReply, error)
	WatchTaskProgress(*WatchTaskProgressRequest, TaskStatus_WatchTaskProgressServer) error
}

// TaskStatus_WatchTaskProgressClient provides stream receive helpers for clients.
type TaskStatus_WatchTaskProgressClient interface {
	Recv() (*TaskStatusReply, error)
	grpc.ClientStream
}

// TaskStatus_WatchTaskProgressServer provides stream send helpers for servers.
type TaskStatus_WatchTaskProgressServer interface {
	Send(*TaskStatusReply) error
	grpc.ServerStream
}

// UnimplementedTaskStatusServer provides forward-compatible default server behavior.
type UnimplementedTaskStatusServer struct{}

// GetTaskStatus returns an unimplemented error by default.
func (UnimplementedTaskStatusServer) GetTaskStatus(context.Context, *GetTaskStatusRequest) (*TaskStatusReply, error) {
	return nil, status.Errorf(codes.Unimplemented, "method GetTaskStatus not implemented")
}

// WatchTaskProgress returns an unimplemented error by default.
func (UnimplementedTaskStatusServer) WatchTaskProgress(*WatchTaskProgressRequest, TaskStatus_WatchTaskProgressServer) error {
	return status.Errorf(codes.Unimplemented, "method WatchTaskProgress not implemented")
}

// NewTaskStatusClient builds a typed client around a grpc.ClientConn.
func NewTaskStatusClient(cc grpc.ClientConnInterface) TaskStatusClient {
	return &taskStatusClient{cc: cc}
}

type taskStatusClient struct {
	cc grpc.ClientConnInterface
}

// GetTaskStatus invokes the unary worker status RPC.
func (c *taskStatusClient) GetTaskStatus(ctx context.Context, in *GetTaskStatusRequest, opts ...grpc.CallOption) (*TaskStatusReply, error) {
	out := new(TaskStatusReply)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetTaskStatus", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WatchTaskProgress invokes the streaming worker progress RPC.
func (c *taskStatusClient) WatchTaskProgress(ctx context.Context, in *WatchTaskProgressRequest, opts ...grpc.CallOption) (TaskStatus_WatchTaskProgressClient, error) {
	stream, err := c.cc.NewStream(ctx, &TaskStatus_ServiceDesc.Streams[0], "/"+ServiceName+"/WatchTaskProgress", opts...)
	if err != nil {
		return nil, err
	}
	x := &taskStatusWatchClient{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

type taskStatusWatchClient struct {
	grpc.ClientStream
}

// Recv receives one TaskStatusReply from the server stream.
func (x *taskStatusWatchClient) Recv() (*TaskStatusReply, error) {
	m := new(TaskStatusReply)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// RegisterTaskStatusServer binds the TaskStatus service implementation to a grpc.Server.
func RegisterTaskStatusServer(s grpc.ServiceRegistrar, srv TaskStatusServer) {
	s.RegisterService(&TaskStatus_ServiceDesc, srv)
}

// TaskStatus_ServiceDesc describes service methods/streams for manual registration.
var TaskStatus_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TaskStatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetTaskStatus",
			Handler:    _TaskStatus_GetTaskStatus_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchTaskProgress",
			Handler:       _TaskStatus_WatchTaskProgress_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "contracts/grpc/task-status-v1.proto",
}

// _TaskStatus_GetTaskStatus_Handler dispatches unary GetTaskStatus RPC calls.
func _TaskStatus_GetTaskStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetTaskStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TaskStatusServer).GetTaskStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: "/" + ServiceName + "/GetTaskStatus",
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(TaskStatusServer).GetTaskStatus(ctx, req.(*GetTaskStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// _TaskStatus_WatchTaskProgress_Handler dispatches streaming RPC calls.
func _TaskStatus_WatchTaskProgress_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(WatchTaskProgressRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TaskStatusServer).WatchTaskProgress(m, &taskStatusWatchServer{ServerStream: stream})
}

type taskStatusWatchServer struct {
	grpc.ServerStream
}

// Send writes one stream event back to the caller.
func (x *taskStatusWatchServer) Send(m *TaskStatusReply) error {
	return x.ServerStream.SendMsg(m)
}

// DefaultClientCallOptions returns required call options for JSON gRPC payloads.
func DefaultClientCallOptions() []grpc.CallOption {
	return []grpc.CallOption{
		grpc.CallContentSubtype(jsonCodecName),
		grpc.ForceCodec(jsonCodec{}),
	}
}

// init registers the JSON codec so grpc can marshal non-protobuf payloads.
func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals gRPC request/response payloads with standard JSON encoding.
type jsonCodec struct{}

// Name returns the registered codec name.
func (jsonCodec) Name() string {
	return jsonCodecName
}

// Marshal encodes one payload value.
func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes one payload value.
func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return status.Errorf(codes.InvalidArgument, "multiple JSON values in payload")
		}
		return err
	}
	return nil
}
