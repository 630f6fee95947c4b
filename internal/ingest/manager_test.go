package ingest

import (
	"context"
	"testing"
)

func TestGetOrCreateReplacesStoppedSession(t *testing.T) {
	manager := NewManager(func(serial string, cfg SessionConfig) ByteSource {
		return newFakeSource()
	}, nil, nil)

	ctx := context.Background()
	first, err := manager.GetOrCreate(ctx, "SERIAL1", SessionConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	first.Stop(context.Background())
	if first.IsRunning() {
		t.Fatalf("expected first session to be stopped")
	}

	second, err := manager.GetOrCreate(ctx, "SERIAL1", SessionConfig{})
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if second == first {
		t.Fatalf("expected GetOrCreate to replace a stopped session with a new one")
	}
	if !second.IsRunning() {
		t.Fatalf("expected the replacement session to be running")
	}

	second.Stop(context.Background())
}

func TestGetOrCreateReturnsRunningSessionUnchanged(t *testing.T) {
	manager := NewManager(func(serial string, cfg SessionConfig) ByteSource {
		return newFakeSource()
	}, nil, nil)

	ctx := context.Background()
	first, err := manager.GetOrCreate(ctx, "SERIAL2", SessionConfig{})
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	second, err := manager.GetOrCreate(ctx, "SERIAL2", SessionConfig{})
	if err != nil {
		t.Fatalf("second GetOrCreate: %v", err)
	}
	if second != first {
		t.Fatalf("expected GetOrCreate to return the same running session")
	}

	first.Stop(context.Background())
}
