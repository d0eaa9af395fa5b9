package conn

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// TCPConfig configures a TCP-backed Connection.
type TCPConfig struct {
	// Addr is the remote address to dial (e.g. "10.0.0.2:7780").
	Addr string
	// DialTimeout bounds Open's blocking time. Default: 5s.
	DialTimeout time.Duration
	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

const tcpReadBufSize = 4096

// TCPConnection implements Connection over a dialed TCP socket — one of
// the "concrete byte transports" spec §1 places out of core.
//
// Like SerialConnection, reading happens off a background goroutine: a
// single foreground net.Conn.Read only picks up whatever has arrived since
// the last call, so without a continuously draining reader, bytes sitting
// in the socket never make it into Available() between route ticks. The
// goroutine drains the socket into inbox; Read/Available serve out of it.
type TCPConnection struct {
	putBackQueue

	cfg TCPConfig
	log *slog.Logger

	mu     sync.Mutex
	conn   net.Conn
	inbox  []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTCPConnection creates a TCP-backed Connection. Open() dials lazily.
func NewTCPConnection(cfg TCPConfig) *TCPConnection {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TCPConnection{cfg: cfg, log: logger.WithGroup("conn.tcp")}
}

func (c *TCPConnection) Open() bool {
	conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.DialTimeout)
	if err != nil {
		c.log.Debug("dial failed", "addr", c.cfg.Addr, "error", err)
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.readLoop(ctx, conn, done)
	return true
}

// readLoop continuously drains the socket into inbox, mirroring the teacher's
// transport/serial.Transport.readLoop idiom for the TCP transport.
func (c *TCPConnection) readLoop(ctx context.Context, conn net.Conn, done chan struct{}) {
	defer close(done)

	buf := make([]byte, tcpReadBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.inbox = append(c.inbox, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			c.log.Debug("read error, stopping read loop", "error", err)
			return
		}
	}
}

func (c *TCPConnection) Close() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	done := c.done
	c.conn = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.clear()
	c.inbox = nil
	c.mu.Unlock()
}

func (c *TCPConnection) Read(dst []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.read(dst)
	if n < len(dst) {
		m := copy(dst[n:], c.inbox)
		c.inbox = c.inbox[m:]
		n += m
	}
	return n
}

func (c *TCPConnection) Write(src []byte) int {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0
	}
	n, err := conn.Write(src)
	if err != nil {
		c.log.Debug("write failed", "error", err)
	}
	return n
}

func (c *TCPConnection) Flush() bool {
	return true
}

func (c *TCPConnection) Clear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	c.inbox = nil
	return true
}

func (c *TCPConnection) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available() + len(c.inbox)
}

func (c *TCPConnection) PutBack(src []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putBack(src)
}
