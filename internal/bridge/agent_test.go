package bridge

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"
)

// listeningFakeBridge wraps fakeBridge so Forward spins up a real loopback
// listener on the requested port, letting AgentClient's dial-retry actually
// succeed the way a real device-bridge port forward would.
type listeningFakeBridge struct {
	*fakeBridge
	accepted chan net.Conn
}

func newListeningFakeBridge() *listeningFakeBridge {
	return &listeningFakeBridge{fakeBridge: newFakeBridge(), accepted: make(chan net.Conn, 1)}
}

func (f *listeningFakeBridge) Forward(ctx context.Context, serial string, hostPort int, abstractSocket string) error {
	if err := f.fakeBridge.Forward(ctx, serial, hostPort, abstractSocket); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(hostPort))
	if err != nil {
		return err
	}
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			f.accepted <- conn
		}
	}()
	return nil
}

func TestAgentClientStartConnectsAndStreamsData(t *testing.T) {
	bridge := newListeningFakeBridge()
	client := NewAgentClient("SERIAL", bridge, AgentConfig{MaxSize: 1024, MaxFPS: 30, BitRate: 1_000_000}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var serverConn net.Conn
	select {
	case serverConn = <-bridge.accepted:
	case <-time.After(5 * time.Second):
		t.Fatalf("agent never connected to the forwarded port")
	}
	defer serverConn.Close()

	stream := client.Stream(ctx)
	payload := []byte("hello-agent-stream")
	if _, err := serverConn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case chunk := <-stream:
		if string(chunk) != string(payload) {
			t.Fatalf("got %q, want %q", chunk, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for streamed chunk")
	}

	client.Stop(context.Background())
	if bridge.removeForwardsCalls < 2 {
		t.Fatalf("expected remove-forwards to be called at start and stop, got %d", bridge.removeForwardsCalls)
	}
}

func TestAgentClientStartUnwindsOnLaunchFailure(t *testing.T) {
	bridge := newFakeBridge()
	bridge.startProcessErr = errors.New("boom")
	client := NewAgentClient("SERIAL", bridge, AgentConfig{}, nil)

	err := client.Start(context.Background())
	if !errors.Is(err, ErrAgentLaunchFailed) {
		t.Fatalf("expected ErrAgentLaunchFailed, got %v", err)
	}
	if bridge.removeForwardsCalls == 0 {
		t.Fatalf("expected forwards to be cleaned up after launch failure")
	}
}

func TestAgentClientStopIsIdempotent(t *testing.T) {
	bridge := newListeningFakeBridge()
	client := NewAgentClient("SERIAL", bridge, AgentConfig{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-bridge.accepted

	client.Stop(context.Background())
	client.Stop(context.Background())
}
