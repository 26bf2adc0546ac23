// Package mediastub provides a scriptable media.Pipeline that writes segment
// files on demand.
package mediastub

import (
	"context"
	"fmt"
	"os"
	"sync"

	"camvault/internal/media"
	"camvault/internal/segment"
)

type Pipeline struct {
	namer segment.Namer

	mu        sync.Mutex
	started   bool
	startSeq  uint64
	current   uint64
	stopped   bool
	err       error
	done      chan struct{}
	doneOnce  sync.Once
	startErr  error
	stopCalls int
	// FinalBytes is appended to the open segment when Stop is called.
	FinalBytes int
}

func New(namer segment.Namer) *Pipeline {
	return &Pipeline{namer: namer, done: make(chan struct{})}
}

// FailStart makes Start return err.
func (p *Pipeline) FailStart(err error) {
	p.mu.Lock()
	p.startErr = err
	p.mu.Unlock()
}

func (p *Pipeline) Start(_ context.Context, startSeq uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	if p.started {
		return fmt.Errorf("already started")
	}
	if err := os.MkdirAll(p.namer.Dir, 0o755); err != nil {
		return err
	}
	p.started = true
	p.startSeq = startSeq
	p.current = startSeq
	return nil
}

// StartSequence reports the number Start was called with.
func (p *Pipeline) StartSequence() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startSeq
}

// Write appends size bytes to the currently open segment.
func (p *Pipeline) Write(size int) error {
	p.mu.Lock()
	seq := p.current
	p.mu.Unlock()
	return appendBytes(p.namer.LocalPath(seq), size)
}

// Rotate opens the next segment with size bytes, like the real muxer does
// after closing the previous one.
func (p *Pipeline) Rotate(size int) error {
	p.mu.Lock()
	p.current++
	seq := p.current
	p.mu.Unlock()
	return appendBytes(p.namer.LocalPath(seq), size)
}

// Current returns the sequence of the open segment.
func (p *Pipeline) Current() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Crash ends the pipeline as if the process died.
func (p *Pipeline) Crash(err error) {
	p.mu.Lock()
	if err == nil {
		err = fmt.Errorf("%w: simulated crash", media.ErrUnexpectedExit)
	}
	p.err = err
	p.mu.Unlock()
	p.finish()
}

func (p *Pipeline) Stop(context.Context) error {
	p.mu.Lock()
	p.stopCalls++
	if !p.started || p.stopped || p.err != nil {
		p.mu.Unlock()
		p.finish()
		return nil
	}
	p.stopped = true
	seq := p.current
	extra := p.FinalBytes
	p.mu.Unlock()
	if extra > 0 {
		if err := appendBytes(p.namer.LocalPath(seq), extra); err != nil {
			return err
		}
	}
	p.finish()
	return nil
}

// StopCalls reports how often Stop was invoked.
func (p *Pipeline) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls
}

func (p *Pipeline) finish() {
	p.doneOnce.Do(func() { close(p.done) })
}

func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	return p.err
}

func appendBytes(path string, size int) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if size > 0 {
		if _, err := f.Write(make([]byte, size)); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
