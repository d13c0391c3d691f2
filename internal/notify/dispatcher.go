package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/clickroute/clickroute/internal/metrics"
)

const (
	// DefaultQueueSize bounds the number of events waiting for a worker.
	DefaultQueueSize = 1024

	// DefaultSendTimeout bounds a single sink delivery.
	DefaultSendTimeout = 2 * time.Second
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize   int
	Workers     int
	SendTimeout time.Duration
}

// Dispatcher fans events out to a Sink from a bounded queue.
// Emit never blocks: a full queue drops the event.
type Dispatcher struct {
	sink        Sink
	queue       chan Event
	workers     int
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     metrics.Recorder

	started bool
	closed  bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewDispatcher creates a Dispatcher. Call Start before emitting.
func NewDispatcher(sink Sink, cfg DispatcherConfig, logger *slog.Logger, recorder metrics.Recorder) *Dispatcher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		sink:        sink,
		queue:       make(chan Event, cfg.QueueSize),
		workers:     cfg.Workers,
		sendTimeout: cfg.SendTimeout,
		logger:      logger.With("component", "notify.dispatcher"),
		metrics:     recorder,
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatcher already started")
	}
	if d.closed {
		return errors.New("dispatcher closed")
	}
	d.started = true

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.logger.Info("notification dispatcher started", "workers", d.workers, "queue_size", cap(d.queue))
	return nil
}

// Emit implements Emitter.
func (d *Dispatcher) Emit(ev Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.IncNotifyEvent("dropped")
		return false
	}

	select {
	case d.queue <- ev:
		d.metrics.SetNotifyQueueDepth(int64(len(d.queue)))
		return true
	default:
		d.metrics.IncNotifyEvent("dropped")
		d.logger.Warn("notification queue full, dropping event", "event_id", ev.ID)
		return false
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.metrics.SetNotifyQueueDepth(int64(len(d.queue)))
		d.deliver(ev)
	}
}

func (d *Dispatcher) deliver(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()

	if err := d.sink.Send(ctx, ev); err != nil {
		d.metrics.IncNotifyEvent("failed")
		d.logger.Warn("failed to deliver notification",
			"event_id", ev.ID,
			"click_id", ev.ClickID,
			"error", err,
		)
		return
	}
	d.metrics.IncNotifyEvent("sent")
}

// Shutdown stops accepting events, drains the queue and closes the sink.
// It implements server.ShutdownFunc for integration with graceful shutdown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	close(d.queue)
	d.mu.Unlock()

	if started {
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.logger.Warn("notification dispatcher shutdown timed out", "pending", len(d.queue))
			return ctx.Err()
		}
	}

	d.logger.Info("notification dispatcher stopped")
	return d.sink.Close()
}
