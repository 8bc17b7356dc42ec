package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/relayhub/internal/observability"
)

const (
	defaultRelayWorkers    = 2
	defaultMaxAttempts     = 3
	defaultRelayRetryDelay = 2 * time.Second
	maxDeadLetters         = 100
)

// PushSender hands one item to an external push gateway.
type PushSender interface {
	Push(ctx context.Context, item OutboundItem) error
}

// NoopPushSender accepts every item. It stands in when no push endpoint is
// configured.
type NoopPushSender struct{}

func (NoopPushSender) Push(context.Context, OutboundItem) error {
	return nil
}

type RelayOptions struct {
	Queue       OutboundQueue
	Sender      PushSender
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Now         func() time.Time
}

type DeadLetter struct {
	Item     OutboundItem `json:"item"`
	LastErr  string       `json:"lastError"`
	FailedAt time.Time    `json:"failedAt"`
}

type RelayStatus struct {
	Depth       int          `json:"depth"`
	Capacity    int          `json:"capacity"`
	Delivered   int          `json:"delivered"`
	Retried     int          `json:"retried"`
	DeadLetters []DeadLetter `json:"deadLetters"`
}

// Relay drains the outbound queue with a fixed worker pool. Failed pushes
// are re-queued after a linear delay until MaxAttempts, then kept as dead
// letters.
type Relay struct {
	queue       OutboundQueue
	sender      PushSender
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
	now         func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu          sync.Mutex
	delivered   int
	retried     int
	deadLetters []DeadLetter
}

func NewRelay(opts RelayOptions) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryOutboundQueue(0)
	}
	sender := opts.Sender
	if sender == nil {
		sender = NoopPushSender{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultRelayWorkers
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRelayRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		queue:       queue,
		sender:      sender,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
		ctx:         ctx,
		cancel:      cancel,
		closed:      make(chan struct{}),
	}
	r.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer r.wg.Done()
			r.worker()
		}()
	}
	return r
}

// Submit queues n without blocking.
func (r *Relay) Submit(_ context.Context, n Notification) error {
	select {
	case <-r.closed:
		return fmt.Errorf("%w: relay closed", ErrQueueFull)
	default:
	}
	if !r.queue.TryEnqueue(outboundItemFrom(n, r.now().UTC())) {
		r.metrics.RecordOutbound("dropped")
		return fmt.Errorf("%w: notification %s", ErrQueueFull, n.ID)
	}
	r.metrics.RecordOutbound("queued")
	r.metrics.SetOutboundDepth(r.queue.Depth())
	return nil
}

func (r *Relay) worker() {
	for {
		item, ok := r.queue.Dequeue(r.ctx)
		if !ok {
			return
		}
		r.metrics.SetOutboundDepth(r.queue.Depth())
		r.process(item)
	}
}

func (r *Relay) process(item OutboundItem) {
	item.Attempt++
	err := r.sender.Push(r.ctx, item)
	if err == nil {
		r.mu.Lock()
		r.delivered++
		r.mu.Unlock()
		r.metrics.RecordOutbound("delivered")
		return
	}
	if r.ctx.Err() != nil {
		return
	}

	if item.Attempt >= r.maxAttempts {
		r.mu.Lock()
		r.deadLetters = append(r.deadLetters, DeadLetter{Item: item, LastErr: err.Error(), FailedAt: r.now().UTC()})
		if len(r.deadLetters) > maxDeadLetters {
			r.deadLetters = r.deadLetters[len(r.deadLetters)-maxDeadLetters:]
		}
		r.mu.Unlock()
		r.metrics.RecordOutbound("dead_lettered")
		r.logger.Warn("out-of-band delivery dead-lettered", "notification_id", item.NotificationID, "user_id", item.UserID, "attempts", item.Attempt, "error", err)
		return
	}

	r.mu.Lock()
	r.retried++
	r.mu.Unlock()
	r.metrics.RecordOutbound("retried")
	r.logger.Debug("out-of-band delivery retry scheduled", "notification_id", item.NotificationID, "attempt", item.Attempt, "error", err)
	retry := item
	time.AfterFunc(r.retryDelay*time.Duration(item.Attempt), func() {
		select {
		case <-r.closed:
			return
		default:
		}
		if !r.queue.Enqueue(r.ctx, retry) {
			r.logger.Warn("out-of-band retry dropped", "notification_id", retry.NotificationID)
		}
	})
}

func (r *Relay) Status() RelayStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RelayStatus{
		Depth:       r.queue.Depth(),
		Capacity:    r.queue.Capacity(),
		Delivered:   r.delivered,
		Retried:     r.retried,
		DeadLetters: append([]DeadLetter{}, r.deadLetters...),
	}
}

// Close stops the workers and waits for in-flight pushes. Items still in a
// file queue are picked up by the next process.
func (r *Relay) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.closed)
		r.cancel()
		r.wg.Wait()
		err = r.queue.Close()
	})
	return err
}
