package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AnythingTechPro/Syndicate/internal/events"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/session"
)

type presenceStub struct {
	hub     *events.Hub
	avatars []session.AvatarState
}

func (p *presenceStub) Snapshot() []session.AvatarState { return p.avatars }

func (p *presenceStub) Watch(buffer int) ([]session.AvatarState, *events.Subscription, error) {
	sub, err := p.hub.Subscribe(buffer)
	if err != nil {
		return nil, nil, err
	}
	return p.avatars, sub, nil
}

func startAdmin(t *testing.T, token string) (*presenceStub, *grpc.ClientConn) {
	t.Helper()
	stub := &presenceStub{
		hub:     events.NewHub(),
		avatars: []session.AvatarState{{ID: 1, X: 100, Y: 100}, {ID: 3, X: -7, Y: 42}},
	}
	lis := bufconn.Listen(1 << 20)
	server := NewServer(stub, token, logging.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		stub.hub.Close()
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("admin server did not stop")
		}
	})
	return stub, conn
}

func number(t *testing.T, s *structpb.Struct, key string) float64 {
	t.Helper()
	v, ok := s.GetFields()[key]
	if !ok {
		t.Fatalf("missing field %q in %v", key, s)
	}
	return v.GetNumberValue()
}

func TestSnapshotReturnsAvatars(t *testing.T) {
	_, conn := startAdmin(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	list, err := NewClient(conn).Snapshot(ctx, grpc.UseCompressor(gzip.Name))
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(list.GetValues()) != 2 {
		t.Fatalf("expected 2 avatars, got %v", list)
	}
	second := list.GetValues()[1].GetStructValue()
	if number(t, second, "id") != 3 || number(t, second, "x") != -7 || number(t, second, "y") != 42 {
		t.Fatalf("unexpected avatar %v", second)
	}
}

func TestWatchStreamsSnapshotThenEvents(t *testing.T) {
	stub, conn := startAdmin(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := NewClient(conn).Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv snapshot: %v", err)
	}
	if first.GetFields()["type"].GetStringValue() != "snapshot" {
		t.Fatalf("expected snapshot first, got %v", first)
	}
	if n := len(first.GetFields()["avatars"].GetListValue().GetValues()); n != 2 {
		t.Fatalf("expected 2 avatars in snapshot, got %d", n)
	}

	//1.- The subscription exists once the snapshot arrived, so this publish is seen.
	stub.hub.Publish(events.KindMove, 1, 105, 95)
	msg, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv event: %v", err)
	}
	fields := msg.GetFields()
	if fields["type"].GetStringValue() != "event" || fields["kind"].GetStringValue() != "move" {
		t.Fatalf("unexpected event %v", msg)
	}
	if number(t, msg, "avatar_id") != 1 || number(t, msg, "x") != 105 || number(t, msg, "y") != 95 || number(t, msg, "seq") != 1 {
		t.Fatalf("unexpected event payload %v", msg)
	}
}

func TestWatchEndsWhenHubCloses(t *testing.T) {
	stub, conn := startAdmin(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := NewClient(conn).Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if _, err := stream.Recv(); err != nil {
		t.Fatalf("Recv snapshot: %v", err)
	}
	stub.hub.Close()
	if _, err := stream.Recv(); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}
}

func TestAdminTokenRequired(t *testing.T) {
	_, conn := startAdmin(t, "hunter2")
	client := NewClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := client.Snapshot(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}
	wrong := metadata.AppendToOutgoingContext(ctx, TokenMetadataKey, "nope")
	if _, err := client.Snapshot(wrong); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated with wrong token, got %v", err)
	}
	bearer := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer hunter2")
	if _, err := client.Snapshot(bearer); err != nil {
		t.Fatalf("expected bearer token to be accepted: %v", err)
	}

	stream, err := client.Watch(ctx)
	if err == nil {
		_, err = stream.Recv()
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated watch, got %v", err)
	}

	//1.- Health checks stay open.
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", resp.GetStatus())
	}
}

func TestServiceWithoutSource(t *testing.T) {
	var svc *Service
	if _, err := svc.Snapshot(context.Background(), &emptypb.Empty{}); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected FailedPrecondition, got %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name string
		md   metadata.MD
		want string
	}{
		{"header", metadata.Pairs(TokenMetadataKey, " abc "), "abc"},
		{"bearer", metadata.Pairs("authorization", "bearer xyz"), "xyz"},
		{"basic ignored", metadata.Pairs("authorization", "Basic xyz"), ""},
		{"empty", metadata.MD{}, ""},
	}
	for _, tc := range cases {
		if got := extractToken(tc.md); got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}
