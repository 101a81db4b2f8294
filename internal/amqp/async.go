package amqp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fintraq/internal/log"
)

const DefaultTriggerBuffer = 64

// Publisher sends sync requests to the broker.
type Publisher interface {
	PublishSyncRequest(ctx context.Context, localID int64, reason string) error
}

// AsyncTrigger turns capture notifications into sync requests without
// blocking the capture path. Bursts are coalesced into one message carrying
// the newest local id; notifications are dropped when the buffer is full.
type AsyncTrigger struct {
	pub     Publisher
	ch      chan int64
	logger  *log.Logger
	timeout time.Duration

	dropped   atomic.Int64
	published atomic.Int64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewAsyncTrigger(pub Publisher, buffer int, logger *log.Logger) *AsyncTrigger {
	if buffer <= 0 {
		buffer = DefaultTriggerBuffer
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentAMQP)
	}
	return &AsyncTrigger{
		pub:     pub,
		ch:      make(chan int64, buffer),
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Trigger never blocks.
func (t *AsyncTrigger) Trigger(localID int64) {
	select {
	case t.ch <- localID:
	default:
		t.dropped.Add(1)
	}
}

func (t *AsyncTrigger) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.running = true
	go t.loop(ctx, t.done)
}

// Stop waits for an in-flight publish to finish.
func (t *AsyncTrigger) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *AsyncTrigger) Dropped() int64   { return t.dropped.Load() }
func (t *AsyncTrigger) Published() int64 { return t.published.Load() }

func (t *AsyncTrigger) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-t.ch:
			id = t.drain(id)
			t.publish(ctx, id)
		}
	}
}

func (t *AsyncTrigger) drain(latest int64) int64 {
	for {
		select {
		case id := <-t.ch:
			if id > latest {
				latest = id
			}
		default:
			return latest
		}
	}
}

func (t *AsyncTrigger) publish(ctx context.Context, localID int64) {
	pctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.pub.PublishSyncRequest(pctx, localID, ReasonCaptured); err != nil {
		// the periodic pass picks the record up anyway
		t.logger.WarnContext(ctx, "Failed to publish sync request",
			log.FieldLocalID, localID,
			log.FieldError, err)
		return
	}
	t.published.Add(1)
}
