package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AnythingTechPro/Syndicate/internal/client"
	"github.com/AnythingTechPro/Syndicate/internal/config"
	adminrpc "github.com/AnythingTechPro/Syndicate/internal/grpc"
	"github.com/AnythingTechPro/Syndicate/internal/logging"
	"github.com/AnythingTechPro/Syndicate/internal/replay"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Address = "127.0.0.1:0"
	cfg.HTTPAddress = "127.0.0.1:0"
	cfg.GRPCAddress = "127.0.0.1:0"
	cfg.ReplayDir = t.TempDir()
	cfg.ReplayFrameInterval = 50 * time.Millisecond
	return cfg
}

func TestBindRejectsBadAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTPAddress = "127.0.0.1:notaport"
	if _, err := bind(cfg); err == nil || !strings.Contains(err.Error(), "http listener") {
		t.Fatalf("expected http listener error, got %v", err)
	}
}

func TestRunServesPresenceAndAdmin(t *testing.T) {
	cfg := testConfig(t)
	lns, err := bind(cfg)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, lns, logging.NewTestLogger()) }()

	agent, err := client.Dial(ctx, lns.presence.Addr().String(), client.WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer agent.Close()
	if err := agent.RequestSpawn(); err != nil {
		t.Fatalf("RequestSpawn: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	owned, ok := agent.Owned()
	for !ok {
		if time.Now().After(deadline) {
			t.Fatal("avatar never assigned")
		}
		time.Sleep(5 * time.Millisecond)
		owned, ok = agent.Owned()
	}

	resp, err := http.Get("http://" + lns.http.Addr().String() + "/api/avatars")
	if err != nil {
		t.Fatalf("GET /api/avatars: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read /api/avatars: %v", err)
	}
	var list structpb.ListValue
	if err := protojson.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode avatars: %v", err)
	}
	if len(list.GetValues()) != 1 || list.GetValues()[0].GetStructValue().GetFields()["id"].GetNumberValue() != float64(owned.ID) {
		t.Fatalf("unexpected avatars %v", &list)
	}

	cc, err := grpc.NewClient(lns.grpc.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc client: %v", err)
	}
	defer cc.Close()
	rpcCtx, rpcCancel := context.WithTimeout(ctx, 2*time.Second)
	defer rpcCancel()
	snapshot, err := adminrpc.NewClient(cc).Snapshot(rpcCtx)
	if err != nil {
		t.Fatalf("grpc Snapshot: %v", err)
	}
	if len(snapshot.GetValues()) != 1 {
		t.Fatalf("unexpected grpc snapshot %v", snapshot)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not shut down")
	}
	select {
	case <-agent.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent connection survived shutdown")
	}

	entries, err := replay.List(cfg.ReplayDir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || !entries[0].Complete() {
		t.Fatalf("expected one complete bundle, got %+v", entries)
	}
	bundle, err := replay.ReadBundle(entries[0].Path)
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if len(bundle.Frames) < 2 {
		t.Fatalf("expected initial and final frames, got %d", len(bundle.Frames))
	}
}
