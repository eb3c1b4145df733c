package discover

import "sync"

// loop is the serialized discovery worker: a single goroutine draining a
// FIFO job queue. Registry walks, cache mutation and notification handling
// all run here, so none of them ever interleave. OS-delivered events are
// posted onto the same queue, which preserves connect-before-disconnect
// ordering per device key.
type loop struct {
	mu     sync.Mutex
	jobs   chan func()
	closed bool
	done   chan struct{}
}

func newLoop() *loop {
	l := &loop{
		jobs: make(chan func(), 64),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *loop) run() {
	defer close(l.done)
	for job := range l.jobs {
		job()
	}
}

// do runs f on the loop and waits for it to finish.
func (l *loop) do(f func()) {
	fin := make(chan struct{})
	if !l.post(func() {
		defer close(fin)
		f()
	}) {
		return
	}
	<-fin
}

// post enqueues f without waiting. Returns false when the loop has shut
// down; the job is dropped, which is the correct fate for events arriving
// after stop.
func (l *loop) post(f func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.jobs <- f
	return true
}

// close drains outstanding jobs and stops the worker.
func (l *loop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.jobs)
	l.mu.Unlock()
	<-l.done
}
