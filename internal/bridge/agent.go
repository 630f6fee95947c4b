package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"

	"devicecast/internal/observability/logging"
)

// AgentAbstractSocket is the device-side abstract-namespace socket the
// capture agent listens on.
const AgentAbstractSocket = "localabstract:devicecast-agent"

// AgentRemotePath is the fixed on-device path the agent jar is pushed to.
const AgentRemotePath = "/data/local/tmp/devicecast-agent.jar"

// DefaultReadSize is the chunk size the agent stream is read in.
const DefaultReadSize = 64 * 1024

// AgentConfig carries the derived launch flags for the capture agent.
type AgentConfig struct {
	JarPath   string
	MaxSize   int
	MaxFPS    int
	BitRate   int
	Codec     string
	MainClass string
	Version   string
}

func (c AgentConfig) mainClass() string {
	if c.MainClass != "" {
		return c.MainClass
	}
	return "com.devicecast.agent.Server"
}

func (c AgentConfig) version() string {
	if c.Version != "" {
		return c.Version
	}
	return "1.0"
}

// AgentClient manages the capture-agent lifecycle for one device: pushing
// the jar, installing the tunnel, launching the agent, and exposing its raw
// byte stream. It is component A.
type AgentClient struct {
	serial string
	bridge Bridge
	cfg    AgentConfig
	logger *slog.Logger

	mu      sync.Mutex
	proc    Process
	conn    net.Conn
	port    int
	running bool
	stopped sync.Once
}

// NewAgentClient constructs a client for one device.
func NewAgentClient(serial string, b Bridge, cfg AgentConfig, logger *slog.Logger) *AgentClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentClient{
		serial: serial,
		bridge: b,
		cfg:    cfg,
		logger: logging.WithComponent(logger, "bridge.agent"),
	}
}

// Start pushes the agent, installs the tunnel, launches it, and waits for it
// to accept a connection. On any failure it unwinds partial state before
// returning.
func (a *AgentClient) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	if a.cfg.JarPath != "" {
		if err := a.bridge.Push(ctx, a.serial, a.cfg.JarPath, AgentRemotePath); err != nil {
			return fmt.Errorf("%w: push agent: %v", ErrAgentLaunchFailed, err)
		}
	}

	if err := a.bridge.RemoveAllForwards(ctx, a.serial); err != nil {
		a.logger.Warn("remove existing forwards failed", "serial", a.serial, "error", err)
	}

	port, err := freeTCPPort()
	if err != nil {
		return fmt.Errorf("%w: allocate port: %v", ErrTunnelSetupFailed, err)
	}
	if err := a.bridge.Forward(ctx, a.serial, port, AgentAbstractSocket); err != nil {
		return fmt.Errorf("%w: %v", ErrTunnelSetupFailed, err)
	}
	a.port = port

	args := []string{
		"shell",
		"CLASSPATH=" + AgentRemotePath,
		"app_process", "/", a.cfg.mainClass(),
		a.cfg.version(),
		"tunnel_forward=true",
		"audio=false",
		"control=false",
		"cleanup=false",
		"raw_stream=true",
		"max_size=" + strconv.Itoa(a.cfg.MaxSize),
		"max_fps=" + strconv.Itoa(a.cfg.MaxFPS),
		"video_bit_rate=" + strconv.Itoa(a.cfg.BitRate),
	}
	if a.cfg.Codec != "" && a.cfg.Codec != "h264" {
		args = append(args, "video_codec="+a.cfg.Codec)
	}

	proc, err := a.bridge.StartProcess(ctx, a.serial, args...)
	if err != nil {
		_ = a.bridge.RemoveAllForwards(ctx, a.serial)
		return fmt.Errorf("%w: %v", ErrAgentLaunchFailed, err)
	}
	a.proc = proc

	select {
	case <-time.After(1500 * time.Millisecond):
	case <-ctx.Done():
		a.unwindLocked(ctx)
		return ctx.Err()
	}

	conn, err := a.connect(ctx)
	if err != nil {
		a.unwindLocked(ctx)
		return err
	}

	a.conn = conn
	a.running = true
	return nil
}

func (a *AgentClient) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	addr := "localhost:" + strconv.Itoa(a.port)
	err := retry.Do(
		func() error {
			c, dialErr := net.DialTimeout("tcp", addr, time.Second)
			if dialErr != nil {
				return dialErr
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(11),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}
	return conn, nil
}

func (a *AgentClient) unwindLocked(ctx context.Context) {
	if a.proc != nil {
		_ = a.proc.Kill()
		a.proc = nil
	}
	_ = a.bridge.RemoveAllForwards(ctx, a.serial)
}

// Stream returns a channel of raw byte chunks read from the agent
// connection. The channel closes on EOF, connection error, or ctx
// cancellation.
func (a *AgentClient) Stream(ctx context.Context) <-chan []byte {
	out := make(chan []byte, 4)
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		buf := make([]byte, DefaultReadSize)
		var total uint64
		for {
			select {
			case <-ctx.Done():
				a.logReadTotal(total)
				return
			default:
			}
			n, err := conn.Read(buf)
			if n > 0 {
				total += uint64(n)
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					a.logReadTotal(total)
					return
				}
			}
			if err != nil {
				a.logReadTotal(total)
				return
			}
		}
	}()
	return out
}

// logReadTotal reports the cumulative bytes pulled off the agent socket for
// this stream, in DefaultReadSize blocks, once the read loop exits.
func (a *AgentClient) logReadTotal(total uint64) {
	if total == 0 {
		return
	}
	a.logger.Debug("agent stream read loop exited",
		"serial", a.serial,
		"total_read", humanize.Bytes(total),
		"block_size", humanize.Bytes(uint64(DefaultReadSize)))
}

// Stop idempotently tears down the connection, agent process, and tunnel.
func (a *AgentClient) Stop(ctx context.Context) {
	a.stopped.Do(func() {
		a.mu.Lock()
		conn := a.conn
		proc := a.proc
		a.conn = nil
		a.running = false
		a.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if proc != nil {
			done := make(chan error, 1)
			go func() { done <- proc.Wait() }()
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				_ = proc.Kill()
				<-done
			}
		}
		_ = a.bridge.RemoveAllForwards(ctx, a.serial)
	})
}

func freeTCPPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
