package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

const (
	// ServiceName is the fully qualified name of the presence admin service.
	ServiceName    = "syndicate.admin.v1.PresenceAdmin"
	SnapshotMethod = "/" + ServiceName + "/Snapshot"
	WatchMethod    = "/" + ServiceName + "/Watch"

	watchBuffer = 256
)

// PresenceSource is the slice of the session the admin service reads.
type PresenceSource interface {
	Snapshot() []session.AvatarState
	Watch(buffer int) ([]session.AvatarState, *events.Subscription, error)
}

// PresenceAdminServer is the server API for the presence admin service.
type PresenceAdminServer interface {
	Snapshot(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Watch(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// PresenceAdminServiceDesc describes the service without generated stubs; the
// messages are well-known protobuf types so the default codec handles them.
var PresenceAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PresenceAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Snapshot", Handler: snapshotHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Watch", Handler: watchHandler, ServerStreams: true},
	},
	Metadata: "syndicate/admin/v1/presence.proto",
}

func snapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PresenceAdminServer).Snapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PresenceAdminServer).Snapshot(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(PresenceAdminServer).Watch(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// Service implements PresenceAdminServer on top of a session.
type Service struct {
	source PresenceSource
	logger *logging.Logger
}

// NewService wires the admin service to the presence source.
func NewService(source PresenceSource, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.L()
	}
	return &Service{source: source, logger: logger.With(logging.String("component", "grpc_admin"))}
}

// Snapshot returns every active avatar ordered by id.
func (s *Service) Snapshot(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	if s == nil || s.source == nil {
		return nil, status.Error(codes.FailedPrecondition, "presence unavailable")
	}
	return AvatarList(s.source.Snapshot()), nil
}

// Watch streams a snapshot message followed by one message per presence event.
// A watcher that falls behind is cut off with ResourceExhausted.
func (s *Service) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.source == nil {
		return status.Error(codes.FailedPrecondition, "presence unavailable")
	}
	snapshot, sub, err := s.source.Watch(watchBuffer)
	if err != nil {
		return status.Errorf(codes.Unavailable, "subscribe: %v", err)
	}
	defer sub.Close()

	ctx := stream.Context()
	if err := stream.Send(SnapshotMessage(snapshot)); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			//1.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case evt, ok := <-sub.Events():
			if !ok {
				s.logger.Warn("admin watcher dropped")
				return status.Error(codes.ResourceExhausted, "watcher fell behind")
			}
			if err := stream.Send(EventMessage(evt)); err != nil {
				return err
			}
		}
	}
}

// AvatarList renders avatars as a list of {id, x, y} structs.
func AvatarList(avatars []session.AvatarState) *structpb.ListValue {
	values := make([]*structpb.Value, len(avatars))
	for i, avatar := range avatars {
		values[i] = structpb.NewStructValue(avatarStruct(avatar))
	}
	return &structpb.ListValue{Values: values}
}

// SnapshotMessage is the first message of a watch stream.
func SnapshotMessage(avatars []session.AvatarState) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":    structpb.NewStringValue("snapshot"),
		"avatars": structpb.NewListValue(AvatarList(avatars)),
	}}
}

// EventMessage renders one presence event.
func EventMessage(evt events.Event) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":      structpb.NewStringValue("event"),
		"seq":       structpb.NewNumberValue(float64(evt.Sequence)),
		"kind":      structpb.NewStringValue(string(evt.Kind)),
		"avatar_id": structpb.NewNumberValue(float64(evt.AvatarID)),
		"x":         structpb.NewNumberValue(float64(evt.X)),
		"y":         structpb.NewNumberValue(float64(evt.Y)),
		"at":        structpb.NewStringValue(evt.At.UTC().Format(time.RFC3339Nano)),
	}}
}

func avatarStruct(avatar session.AvatarState) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id": structpb.NewNumberValue(float64(avatar.ID)),
		"x":  structpb.NewNumberValue(float64(avatar.X)),
		"y":  structpb.NewNumberValue(float64(avatar.Y)),
	}}
}

var _ PresenceAdminServer = (*Service)(nil)
