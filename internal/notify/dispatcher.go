package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sendTimeout = 10 * time.Second

// Dispatcher delivers messages on a fixed pool of workers. Notify never
// blocks the caller: when the backlog is full the message is dropped.
type Dispatcher struct {
	size   int
	jobs   chan Message
	sender Sender
	log    *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(size, buffer int, sender Sender, logger *zap.Logger) *Dispatcher {
	if size < 1 {
		size = 1
	}
	if buffer < 1 {
		buffer = size
	}
	return &Dispatcher{
		size:   size,
		jobs:   make(chan Message, buffer),
		sender: sender,
		log:    logger,
	}
}

// Start launches the worker goroutines. Cancelling ctx does not stop them:
// queued messages are delivered until Close, and ctx only scopes the values
// sends inherit.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := 0; i < d.size; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for msg := range d.jobs {
		d.deliver(ctx, msg)
	}
	d.log.Debug("notification worker stopped", zap.Int("worker", id))
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := d.sender.Send(sendCtx, msg); err != nil {
		d.log.Warn("notification delivery failed",
			zap.String("event", msg.Event),
			zap.String("reservation_id", msg.ReservationID),
			zap.Error(err),
		)
	}
}

// Notify queues msg for delivery.
func (d *Dispatcher) Notify(_ context.Context, msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.log.Warn("notification dropped, dispatcher closed", zap.String("reservation_id", msg.ReservationID))
		return
	}

	select {
	case d.jobs <- msg:
	default:
		d.log.Warn("notification dropped, backlog full",
			zap.String("event", msg.Event),
			zap.String("reservation_id", msg.ReservationID),
		)
	}
}

// Close stops accepting messages and waits until every queued one has been
// handed to the sender.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
}
