// Package transport owns the child process behind one MCP server connection.
//
// Stdio spawns the server, writes requests to its stdin and turns its stdout into a stream
// of typed events. Reading is done by a single goroutine (recvLoop) because the pipe is a
// byte stream and frame boundaries only make sense to one reader:
//
//	Send(req id=1) ──┐
//	Send(req id=2) ──┼──→ stdin ──→ child process ──→ stdout ──→ recvLoop ──→ Events()
//	Send(notif)   ───┘                    │
//	                                      └──→ stderr ──→ logger (ERROR)
//
// The transport does not correlate anything and never retries: a failed spawn or write is
// reported to the caller immediately.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/codec"
	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/protocol"
)

var (
	ErrNotStarted     = errors.New("transport: not started")
	ErrClosed         = errors.New("transport: closed")
	ErrAlreadyStarted = errors.New("transport: already started")
)

const (
	DefaultGracePeriod = 2 * time.Second
	defaultEventBuffer = 64
)

type EventKind int

const (
	EventMessage EventKind = iota
	EventError
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is what the transport reports. Message is set for EventMessage, Err for EventError
// and, when the process exited abnormally, for EventClose.
type Event struct {
	Kind    EventKind
	Message *message.Message
	Err     error
}

type Stdio struct {
	launcher    Launcher
	codec       codec.Codec
	logger      *zap.Logger
	grace       time.Duration
	maxFrame    int
	eventBuffer int

	mu      sync.Mutex
	started bool
	closed  bool
	proc    Process
	events  chan Event
	done    chan struct{} // closed after the close event is delivered

	sending sync.Mutex // one frame at a time on stdin
}

type Option func(*Stdio)

func WithLauncher(l Launcher) Option { return func(t *Stdio) { t.launcher = l } }

func WithCodec(c codec.Codec) Option { return func(t *Stdio) { t.codec = c } }

// WithLogger sets the logger that receives the child's stderr lines.
func WithLogger(l *zap.Logger) Option { return func(t *Stdio) { t.logger = l } }

// WithGracePeriod bounds how long Close waits for a voluntary exit before killing.
func WithGracePeriod(d time.Duration) Option { return func(t *Stdio) { t.grace = d } }

func WithMaxFrameSize(n int) Option { return func(t *Stdio) { t.maxFrame = n } }

func WithEventBuffer(n int) Option { return func(t *Stdio) { t.eventBuffer = n } }

func NewStdio(opts ...Option) *Stdio {
	t := &Stdio{
		launcher:    ExecLauncher{},
		codec:       &codec.JSONCodec{},
		logger:      zap.NewNop(),
		grace:       DefaultGracePeriod,
		maxFrame:    protocol.MaxFrameSize,
		eventBuffer: defaultEventBuffer,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.events = make(chan Event, t.eventBuffer)
	t.done = make(chan struct{})
	return t
}

// Events is closed right after the close event. The consumer must keep draining it until
// then, or the reader stalls.
func (t *Stdio) Events() <-chan Event { return t.events }

// Done is closed once the process has exited and all events were delivered.
func (t *Stdio) Done() <-chan struct{} { return t.done }

// Start spawns the server described by cfg. extraEnv is layered over cfg.Env.
func (t *Stdio) Start(ctx context.Context, cfg message.ServerConfiguration, extraEnv map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.started {
		return ErrAlreadyStarted
	}

	spec := LaunchSpec{
		Command: cfg.Command,
		Args:    cfg.Args,
		Dir:     cfg.Cwd,
		Env:     BuildEnv(cfg.Env, extraEnv),
		Stderr:  cfg.Stderr,
	}
	proc, err := t.launcher.Launch(ctx, spec)
	if err != nil {
		return fmt.Errorf("transport: spawn %q: %w", cfg.Command, err)
	}

	t.proc = proc
	t.started = true

	var stderrDone sync.WaitGroup
	if stderr := proc.Stderr(); stderr != nil {
		stderrDone.Add(1)
		go func() {
			defer stderrDone.Done()
			t.drainStderr(stderr)
		}()
	}
	go t.recvLoop(proc, &stderrDone)

	t.logger.Debug("server process started", zap.String("command", cfg.Command), zap.Int("pid", proc.Pid()))
	return nil
}

// Send encodes v and writes it as one frame.
func (t *Stdio) Send(v any) error {
	t.mu.Lock()
	started, closed, proc := t.started, t.closed, t.proc
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	body, err := t.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if err := protocol.Encode(proc.Stdin(), body); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || t.isClosed() {
			return fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return fmt.Errorf("transport: %w", err)
	}
	return nil
}

// Close ends the process: stdin is closed so a well-behaved server exits on its own, then
// after the grace period the process is killed. Close waits for the reader to finish and
// is safe to call any number of times.
func (t *Stdio) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started, proc := t.started, t.proc
	t.mu.Unlock()

	if !started {
		close(t.events)
		close(t.done)
		return nil
	}

	_ = proc.Stdin().Close()

	timer := time.NewTimer(t.grace)
	defer timer.Stop()
	select {
	case <-t.done:
		return nil
	case <-timer.C:
	}

	t.logger.Warn("server did not exit after stdin closed, killing", zap.Int("pid", proc.Pid()))
	killErr := t.kill(proc)
	<-t.done
	return killErr
}

func (t *Stdio) kill(proc Process) error {
	err := proc.Kill()
	// unblock readers held open by grandchildren sharing the pipes
	_ = proc.Stdout().Close()
	if stderr := proc.Stderr(); stderr != nil {
		_ = stderr.Close()
	}
	return err
}

func (t *Stdio) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// recvLoop turns stdout frames into events until the stream ends, then reaps the process
// and emits the single close event.
func (t *Stdio) recvLoop(proc Process, stderrDone *sync.WaitGroup) {
	reader := protocol.NewReader(proc.Stdout(), t.maxFrame)
	var readErr error
	for {
		frame, err := reader.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.isClosed() {
				readErr = fmt.Errorf("transport: read: %w", err)
				t.events <- Event{Kind: EventError, Err: readErr}
				// stdout is no longer drained, so the server is unusable
				t.logger.Warn("killing server after read failure", zap.Int("pid", proc.Pid()), zap.Error(err))
				_ = t.kill(proc)
			}
			break
		}

		var msg message.Message
		if err := t.codec.Decode(frame, &msg); err != nil {
			t.events <- Event{Kind: EventError, Err: fmt.Errorf("transport: decode frame: %w", err)}
			continue
		}
		t.events <- Event{Kind: EventMessage, Message: &msg}
	}

	stderrDone.Wait()
	waitErr := proc.Wait()
	switch {
	case t.isClosed():
		// exit status after our own shutdown is expected
		waitErr = nil
	case readErr != nil:
		waitErr = readErr
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	t.events <- Event{Kind: EventClose, Err: waitErr}
	close(t.events)
	close(t.done)
}

func (t *Stdio) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t.logger.Error(line, zap.String("stream", "stderr"))
	}
}
