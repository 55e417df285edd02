// Package pipetest provides an in-memory transport.Launcher whose processes are played by
// Go functions, in the spirit of net/http/httptest. Nothing is spawned; stdin, stdout and
// stderr are io.Pipes.
package pipetest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/protocol"
	"github.com/Datarails/mcp-outlet/transport"
)

var errKilled = errors.New("signal: killed")

// HandlerFunc is invoked once per frame the client writes, in arrival order, on the
// process's own goroutine. It replies through p.
type HandlerFunc func(p *Process, msg *message.Message)

type Launcher struct {
	Handler HandlerFunc
	// Err, when set, makes every Launch fail.
	Err error
	// Stubborn processes keep running after stdin is closed, until killed.
	Stubborn bool

	mu        sync.Mutex
	processes []*Process
	specs     []transport.LaunchSpec
}

func NewLauncher(h HandlerFunc) *Launcher {
	return &Launcher{Handler: h}
}

var nextPid atomic.Int64

func (l *Launcher) Launch(ctx context.Context, spec transport.LaunchSpec) (transport.Process, error) {
	l.mu.Lock()
	l.specs = append(l.specs, spec)
	l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.Err != nil {
		return nil, l.Err
	}

	p := newProcess(spec, int(nextPid.Add(1)+1000))
	l.mu.Lock()
	l.processes = append(l.processes, p)
	l.mu.Unlock()

	go p.serve(l.Handler, l.Stubborn)
	return p, nil
}

// Launches reports how many launches were attempted.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.specs)
}

func (l *Launcher) LastSpec() (transport.LaunchSpec, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.specs) == 0 {
		return transport.LaunchSpec{}, false
	}
	return l.specs[len(l.specs)-1], true
}

func (l *Launcher) LastProcess() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.processes) == 0 {
		return nil
	}
	return l.processes[len(l.processes)-1]
}

type Process struct {
	spec transport.LaunchSpec
	pid  int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	writeMu sync.Mutex

	mu       sync.Mutex
	received []*message.Message

	killed   atomic.Bool
	exitErr  error
	finished sync.Once
	done     chan struct{}
}

func newProcess(spec transport.LaunchSpec, pid int) *Process {
	p := &Process{spec: spec, pid: pid, done: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	if spec.Stderr == "" || spec.Stderr == message.StderrPipe {
		p.stderrR, p.stderrW = io.Pipe()
	}
	return p
}

func (p *Process) Stdin() io.WriteCloser { return p.stdinW }
func (p *Process) Stdout() io.ReadCloser { return p.stdoutR }

func (p *Process) Stderr() io.ReadCloser {
	if p.stderrR == nil {
		return nil
	}
	return p.stderrR
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Spec() transport.LaunchSpec { return p.spec }

func (p *Process) Kill() error {
	p.killed.Store(true)
	p.stdinR.CloseWithError(errKilled)
	p.finish(errKilled)
	return nil
}

func (p *Process) Wait() error {
	<-p.done
	return p.exitErr
}

// Exit makes the process end on its own with err as its exit status.
func (p *Process) Exit(err error) {
	_ = p.stdinR.Close()
	p.finish(err)
}

// Exited is closed once the process is gone.
func (p *Process) Exited() <-chan struct{} { return p.done }

// Send writes v as one frame on stdout.
func (p *Process) Send(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return protocol.Encode(p.stdoutW, body)
}

// WriteRaw writes b to stdout unframed.
func (p *Process) WriteRaw(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdoutW.Write(b)
	return err
}

// Reply answers a request with result.
func (p *Process) Reply(id json.RawMessage, result any) error {
	return p.Send(map[string]any{"jsonrpc": message.JSONRPCVersion, "id": id, "result": result})
}

// ReplyError answers a request with a JSON-RPC error.
func (p *Process) ReplyError(id json.RawMessage, code int, msg string, data any) error {
	return p.Send(map[string]any{
		"jsonrpc": message.JSONRPCVersion,
		"id":      id,
		"error":   &message.Error{Code: code, Message: msg, Data: data},
	})
}

// Log writes one line to stderr. It is dropped when stderr is not piped.
func (p *Process) Log(line string) {
	if p.stderrW == nil {
		return
	}
	_, _ = p.stderrW.Write([]byte(line + "\n"))
}

// Received returns the frames read from stdin so far.
func (p *Process) Received() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.received...)
}

// Methods lists the method of every received frame, "" for responses.
func (p *Process) Methods() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.received))
	for i, m := range p.received {
		out[i] = m.Method
	}
	return out
}

func (p *Process) serve(h HandlerFunc, stubborn bool) {
	defer p.finish(nil)

	r := protocol.NewReader(p.stdinR, 0)
	for {
		frame, err := r.Decode()
		if err != nil {
			if stubborn && !p.killed.Load() {
				<-p.done
			}
			return
		}
		var msg message.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			continue
		}
		p.mu.Lock()
		p.received = append(p.received, &msg)
		p.mu.Unlock()
		if h != nil {
			h(p, &msg)
		}
	}
}

func (p *Process) finish(exitErr error) {
	p.finished.Do(func() {
		p.exitErr = exitErr
		_ = p.stdoutW.Close()
		if p.stderrW != nil {
			_ = p.stderrW.Close()
		}
		close(p.done)
	})
}
