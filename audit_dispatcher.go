package goMFA

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples sinks from request paths with one worker
// goroutine and a bounded queue.
type auditDispatcher struct {
	dropIfFull bool
	sink       AuditSink
	queue      chan AuditEvent
	stop       chan struct{}
	wg         sync.WaitGroup
	dropped    atomic.Uint64
	failed     atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
}

// newAuditDispatcher returns nil when audit is disabled; a nil dispatcher
// accepts and discards every call.
func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		dropIfFull: cfg.DropIfFull,
		sink:       sink,
		queue:      make(chan AuditEvent, size),
		stop:       make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *auditDispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.stop:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

// deliver shields the worker from a panicking sink.
func (d *auditDispatcher) deliver(event AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
		}
	}()
	d.sink.Emit(context.Background(), event)
}

// Emit queues event. With dropIfFull a full queue drops the event and
// counts it; otherwise Emit waits for room until ctx ends.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull {
		select {
		case d.queue <- event:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close drains queued events into the sink and stops the worker.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
		d.wg.Wait()
	})
}

func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// SinkFailures counts events whose sink panicked.
func (d *auditDispatcher) SinkFailures() uint64 {
	if d == nil {
		return 0
	}
	return d.failed.Load()
}
