package serialmux

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// EmulatedController is a SerialPorter that behaves like a servo controller:
// it answers every command line with "OK" and PING with "PONG", and keeps
// the last angle commanded per channel. It backs the mux in dev mode.
type EmulatedController struct {
	mu     sync.Mutex
	r      *io.PipeReader
	w      *io.PipeWriter
	angles map[string]string
	lines  []string
	closed bool
}

// NewEmulatedController creates a controller that announces READY on start.
func NewEmulatedController() *EmulatedController {
	r, w := io.Pipe()
	c := &EmulatedController{r: r, w: w, angles: make(map[string]string)}
	go func() { c.reply("READY emulated") }()
	return c
}

// NewMockSerialMux creates a SerialMux backed by an EmulatedController.
func NewMockSerialMux() (*SerialMux[*EmulatedController], *EmulatedController) {
	c := NewEmulatedController()
	return NewSerialMux(c), c
}

func (c *EmulatedController) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Write records each command line and queues its reply.
func (c *EmulatedController) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("serial port closed")
	}
	var replies []string
	scan := bufio.NewScanner(bytes.NewReader(p))
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}
		c.lines = append(c.lines, line)
		fields := strings.Fields(line)
		switch {
		case strings.EqualFold(fields[0], "P"), strings.EqualFold(fields[0], "PING"):
			replies = append(replies, "PONG")
		case strings.EqualFold(fields[0], "S") && len(fields) == 3:
			c.angles[fields[1]] = fields[2]
			replies = append(replies, "OK "+line)
		case strings.EqualFold(fields[0], "S"):
			replies = append(replies, "ERR malformed set command")
		default:
			replies = append(replies, "OK "+line)
		}
	}
	c.mu.Unlock()

	// replies go out asynchronously so a writer never waits on a reader
	go func() {
		for _, r := range replies {
			c.reply(r)
		}
	}()
	return len(p), nil
}

func (c *EmulatedController) reply(line string) {
	c.w.Write([]byte(line + "\n"))
}

// Close stops the controller; pending reads return io.EOF.
func (c *EmulatedController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.w.Close()
}

// Angle returns the last angle string commanded on channel.
func (c *EmulatedController) Angle(channel string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.angles[channel]
	return a, ok
}

// Lines returns every command line received.
func (c *EmulatedController) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally blocking until data arrives.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	for t.BlockReads && !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed && t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, io.EOF
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	if t.ShortWrite && len(p) > 0 {
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
