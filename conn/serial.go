package conn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialConfig configures a serial-port-backed Connection, grounded in
// transport/serial.Config from the teacher's MeshCore bridge transport.
type SerialConfig struct {
	// Port is the OS device path (e.g. "/dev/ttyUSB0", "COM3").
	Port string
	// BaudRate defaults to 115200.
	BaudRate int
	// Logger for connection events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

const (
	defaultBaudRate  = 115200
	serialReadBufSize = 1024
)

// SerialConnection implements Connection over a physical/USB serial link —
// one of the embedded-device byte transports spec §1 places out of core.
//
// Reading happens off a background goroutine (grounded in the teacher's
// transport/serial.Transport.readLoop): serial.Port.Read only ever returns
// what's arrived since the last call, so a single foreground Read(dst) is
// not enough to make bytes show up in Available() between route ticks. The
// goroutine drains the port into inbox continuously; Read/Available then
// serve out of inbox the same way the in-memory pipe and MQTT connections do.
type SerialConnection struct {
	putBackQueue

	cfg SerialConfig
	log *slog.Logger

	mu     sync.Mutex
	port   serial.Port
	inbox  []byte
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSerialConnection creates a serial-backed Connection. Open() opens the
// port lazily so the route state machine can retry on failure.
func NewSerialConnection(cfg SerialConfig) *SerialConnection {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SerialConnection{cfg: cfg, log: logger.WithGroup("conn.serial")}
}

func (c *SerialConnection) Open() bool {
	port, err := serial.Open(c.cfg.Port, &serial.Mode{BaudRate: c.cfg.BaudRate})
	if err != nil {
		c.log.Debug("open failed", "port", c.cfg.Port, "error", err)
		return false
	}
	_ = port.SetReadTimeout(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	c.port = port
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.readLoop(ctx, port, done)
	return true
}

// readLoop continuously drains the serial port into inbox, exactly the
// idiom transport/serial.Transport.readLoop uses to assemble RS232 frames —
// here there is no frame assembly, since that's proto.ReadFrom's job once
// Available()/Read() see the bytes this loop collects.
func (c *SerialConnection) readLoop(ctx context.Context, port serial.Port, done chan struct{}) {
	defer close(done)

	buf := make([]byte, serialReadBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("serial read error, stopping read loop", "error", err)
			return
		}
		if n == 0 {
			continue
		}

		c.mu.Lock()
		c.inbox = append(c.inbox, buf[:n]...)
		c.mu.Unlock()
	}
}

func (c *SerialConnection) Close() {
	c.mu.Lock()
	cancel := c.cancel
	port := c.port
	done := c.done
	c.port = nil
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if port != nil {
		_ = port.Close()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.clear()
	c.inbox = nil
	c.mu.Unlock()
}

func (c *SerialConnection) Read(dst []byte) int {
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

func (c *SerialConnection) Write(src []byte) int {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return 0
	}
	n, err := port.Write(src)
	if err != nil {
		c.log.Debug("write error", "error", err)
	}
	return n
}

func (c *SerialConnection) Flush() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return false
	}
	return c.port.Drain() == nil
}

func (c *SerialConnection) Clear() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
	c.inbox = nil
	if c.port == nil {
		return false
	}
	return c.port.ResetInputBuffer() == nil
}

func (c *SerialConnection) Available() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available() + len(c.inbox)
}

func (c *SerialConnection) PutBack(src []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putBack(src)
}
