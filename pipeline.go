package torlens

import (
	"context"
	"sync"
)

// opCommandPipeline labels errors originating from commandPipeline operations.
const opCommandPipeline = "commandPipeline"

// pendingCommand is one submitted command awaiting its reply.
type pendingCommand struct {
	cmd  string
	done chan pipelineResult
}

// pipelineResult carries a command's outcome back to its submitter.
type pipelineResult struct {
	msg *ControlMessage
	err error
}

// commandPipeline enforces strict one-in-flight command/reply binding.
// Tor's control protocol does not tag replies with a request id, so the
// only sound way to know which reply answers which command is to never
// have more than one command outstanding on the wire at a time. (A
// speculative variant that pipelines several in-flight commands and
// resynchronizes on ambiguity was considered and rejected in favor of this
// simpler, strictly-ordered design.)
type commandPipeline struct {
	write  func(line string) error
	logger Logger

	mu       sync.Mutex
	queue    []*pendingCommand
	current  *pendingCommand
	closed   bool
	closeErr error
}

// newCommandPipeline returns a commandPipeline that writes outgoing command
// lines (including the trailing CRLF) via write.
func newCommandPipeline(write func(string) error, logger Logger) *commandPipeline {
	if logger == nil {
		logger = noopLogger{}
	}
	return &commandPipeline{write: write, logger: logger}
}

// Submit enqueues cmd and blocks until its reply arrives, ctx is done, or the
// pipeline is closed. If no command is currently in flight, cmd is written
// immediately; otherwise it waits in FIFO order behind whatever is ahead of
// it. Canceling ctx stops the caller from waiting, but does not evict cmd
// from the wire-level queue — the protocol has no way to un-send a command,
// so its reply (when it eventually arrives) is still consumed before the
// next queued command is written.
func (p *commandPipeline) Submit(ctx context.Context, cmd string) (*ControlMessage, error) {
	pc := &pendingCommand{cmd: cmd, done: make(chan pipelineResult, 1)}

	p.mu.Lock()
	if p.closed {
		err := newError(ErrPipelineClosed, opCommandPipeline, "command submitted after pipeline closed", p.closeErr)
		p.mu.Unlock()
		return nil, err
	}
	shouldWrite := p.current == nil
	if shouldWrite {
		p.current = pc
	} else {
		p.queue = append(p.queue, pc)
	}
	p.mu.Unlock()

	if shouldWrite {
		p.writeCurrent(pc)
	}

	select {
	case res := <-pc.done:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, newError(ErrTimeout, opCommandPipeline, "command canceled before reply: "+cmd, ctx.Err())
	}
}

// writeCurrent writes pc's command line. A write failure resolves pc with
// ErrConnectionLost and advances the pipeline immediately, since no reply
// can arrive for a command that was never sent.
func (p *commandPipeline) writeCurrent(pc *pendingCommand) {
	if err := p.write(pc.cmd + "\r\n"); err != nil {
		pc.done <- pipelineResult{err: newError(ErrConnectionLost, opCommandPipeline, "failed to write command", err)}
		p.advance()
	}
}

// resolve delivers msg to the command currently at the head of the pipeline
// and promotes the next queued command, if any.
func (p *commandPipeline) resolve(msg *ControlMessage) {
	p.mu.Lock()
	pc := p.current
	p.mu.Unlock()

	if pc == nil {
		p.logger.Log("warn", "reply received with no command in flight", "code", msg.Code)
		return
	}
	pc.done <- pipelineResult{msg: msg}
	p.advance()
}

// advance promotes the next queued command (if any) to current and writes it.
func (p *commandPipeline) advance() {
	p.mu.Lock()
	p.current = nil
	var next *pendingCommand
	if len(p.queue) > 0 {
		next = p.queue[0]
		p.queue = p.queue[1:]
		p.current = next
	}
	p.mu.Unlock()

	if next != nil {
		p.writeCurrent(next)
	}
}

// Close fails the in-flight command and every queued command with
// ErrConnectionLost (wrapping cause, if non-nil), and refuses further
// submissions.
func (p *commandPipeline) Close(cause error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = cause
	queued := p.queue
	p.queue = nil
	current := p.current
	p.current = nil
	p.mu.Unlock()

	err := newError(ErrConnectionLost, opCommandPipeline, "connection closed with command pending", cause)
	if current != nil {
		current.done <- pipelineResult{err: err}
	}
	for _, pc := range queued {
		pc.done <- pipelineResult{err: err}
	}
}
