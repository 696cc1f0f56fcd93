package speech

import (
	"context"
	"sync"
)

// DefaultSendBuffer is the number of audio frames a Pipe queues before Write
// reports ErrBufferFull.
const DefaultSendBuffer = 64

// Pipe is the plumbing shared by provider stream adapters: a bounded,
// non-blocking audio queue drained by the adapter's send loop and an ordered
// results channel filled by its receive loop.
type Pipe struct {
	frames  chan []byte
	results chan Result
	done    chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once

	mu  sync.Mutex
	err error
}

// NewPipe returns a Pipe with the given audio queue depth.
func NewPipe(sendBuffer int) *Pipe {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Pipe{
		frames:  make(chan []byte, sendBuffer),
		results: make(chan Result, 32),
		done:    make(chan struct{}),
	}
}

// Write queues a frame for the send loop.
func (p *Pipe) Write(audio []byte) error {
	select {
	case <-p.done:
		return ErrStreamClosed
	default:
	}
	select {
	case p.frames <- audio:
		return nil
	case <-p.done:
		return ErrStreamClosed
	default:
		return ErrBufferFull
	}
}

// Frames is drained by the adapter's send loop.
func (p *Pipe) Frames() <-chan []byte { return p.frames }

// Done is closed once Shutdown has been called.
func (p *Pipe) Done() <-chan struct{} { return p.done }

// Shutdown marks the pipe closed. It reports true only for the first call.
func (p *Pipe) Shutdown() bool {
	first := false
	p.closeOnce.Do(func() {
		close(p.done)
		first = true
	})
	return first
}

// Emit delivers r to the consumer, giving up if ctx ends first.
func (p *Pipe) Emit(ctx context.Context, r Result) bool {
	select {
	case p.results <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal error and closes Results. Only the first call
// has any effect; the receive loop must not Emit afterwards.
func (p *Pipe) Finish(err error) {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.results)
	})
}

// Results implements Stream.
func (p *Pipe) Results() <-chan Result { return p.results }

// Err implements Stream.
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
