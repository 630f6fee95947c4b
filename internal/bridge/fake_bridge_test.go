package bridge

import (
	"context"
	"io"
	"sync"
)

// fakeProcess is a Process whose Wait blocks until told to exit.
type fakeProcess struct {
	exit    chan error
	killed  chan struct{}
	killErr error

	mu         sync.Mutex
	killCalled bool
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exit: make(chan error, 1), killed: make(chan struct{})}
}

func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	if !p.killCalled {
		p.killCalled = true
		close(p.killed)
		select {
		case p.exit <- nil:
		default:
		}
	}
	p.mu.Unlock()
	return p.killErr
}

// fakeBridge records calls and lets tests script responses per-serial.
type fakeBridge struct {
	mu sync.Mutex

	pushErr            error
	removeForwardsErr  error
	forwardErr         error
	shellResponses     map[string]string
	shellErr           error
	startProcessErr    error
	startedProcesses   []*fakeProcess
	trackDevicesStream io.ReadCloser
	trackDevicesErr    error

	pushCalls            int
	removeForwardsCalls  int
	forwardCalls         int
	shellCalls           []string
	startProcessArgs     [][]string
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{shellResponses: make(map[string]string)}
}

func (f *fakeBridge) Push(ctx context.Context, serial, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	return f.pushErr
}

func (f *fakeBridge) RemoveAllForwards(ctx context.Context, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeForwardsCalls++
	return f.removeForwardsErr
}

func (f *fakeBridge) Forward(ctx context.Context, serial string, hostPort int, abstractSocket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardCalls++
	return f.forwardErr
}

func (f *fakeBridge) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := serial
	if len(args) > 0 {
		key = serial + ":" + args[len(args)-1]
	}
	f.shellCalls = append(f.shellCalls, key)
	if f.shellErr != nil {
		return "", f.shellErr
	}
	return f.shellResponses[key], nil
}

func (f *fakeBridge) StartProcess(ctx context.Context, serial string, args ...string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startProcessArgs = append(f.startProcessArgs, args)
	if f.startProcessErr != nil {
		return nil, f.startProcessErr
	}
	proc := newFakeProcess()
	f.startedProcesses = append(f.startedProcesses, proc)
	return proc, nil
}

func (f *fakeBridge) TrackDevices(ctx context.Context) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackDevicesErr != nil {
		return nil, f.trackDevicesErr
	}
	return f.trackDevicesStream, nil
}

// pipeReadCloser wraps an io.PipeReader so tests can feed bytes and close
// the stream to simulate a dropped track-devices connection.
type pipeReadCloser struct {
	*io.PipeReader
}

func (p pipeReadCloser) Close() error { return p.PipeReader.Close() }
