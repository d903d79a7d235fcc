package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dukerupert/nightwatch/internal/model"
)

// Sender delivers one message over one channel.
type Sender interface {
	Send(ctx context.Context, msg model.OutboxMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg model.OutboxMessage) error

func (f SenderFunc) Send(ctx context.Context, msg model.OutboxMessage) error {
	return f(ctx, msg)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	BackoffBase  time.Duration
	MaxBackoff   time.Duration
}

// Stats summarizes one drain pass.
type Stats struct {
	Sent    int
	Retried int
	Failed  int
}

// Dispatcher drains due messages and routes them to channel senders.
type Dispatcher struct {
	mu      sync.RWMutex
	queue   Queue
	senders map[model.Channel]Sender
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewDispatcher(queue Queue, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 6 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:   queue,
		senders: make(map[model.Channel]Sender),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Register routes a channel to a sender. Messages on channels with no
// sender are failed.
func (d *Dispatcher) Register(ch model.Channel, s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.senders[ch] = s
}

// SetClock overrides the time source used for retry scheduling.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// Start begins the polling loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
					d.logger.Error("outbox drain failed", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunOnce delivers one batch of due messages.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	msgs, err := d.queue.Dequeue(ctx, d.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("dequeue: %w", err)
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		sendErr := d.deliver(ctx, msg)
		if sendErr == nil {
			if err := d.queue.MarkSent(ctx, msg.ID); err != nil {
				return stats, fmt.Errorf("mark sent %s: %w", msg.ID, err)
			}
			stats.Sent++
			continue
		}

		attempt := msg.RetryCount + 1
		delay, stop := d.backoff(attempt)
		if stop || errors.Is(sendErr, ErrPermanent) {
			d.logger.Error("outbox message failed",
				"id", msg.ID, "type", msg.MessageType, "channel", msg.Channel,
				"attempts", attempt, "error", sendErr)
			if err := d.queue.MarkFailed(ctx, msg.ID, attempt, sendErr.Error()); err != nil {
				return stats, fmt.Errorf("mark failed %s: %w", msg.ID, err)
			}
			stats.Failed++
			continue
		}

		d.logger.Warn("outbox delivery failed, will retry",
			"id", msg.ID, "type", msg.MessageType, "attempt", attempt, "retry_in", delay, "error", sendErr)
		if err := d.queue.MarkRetry(ctx, msg.ID, attempt, d.now().Add(delay), sendErr.Error()); err != nil {
			return stats, fmt.Errorf("mark retry %s: %w", msg.ID, err)
		}
		stats.Retried++
	}

	if len(msgs) > 0 {
		d.logger.Debug("outbox drained", "sent", stats.Sent, "retried", stats.Retried, "failed", stats.Failed)
	}
	return stats, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg model.OutboxMessage) error {
	d.mu.RLock()
	s, ok := d.senders[msg.Channel]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no sender for channel %q", ErrPermanent, msg.Channel)
	}
	return s.Send(ctx, msg)
}

// backoff returns the delay before retry number attempt, or stop once the
// retry budget is spent.
func (d *Dispatcher) backoff(attempt int) (time.Duration, bool) {
	if d.cfg.MaxRetries <= 0 {
		return 0, true
	}
	b := retry.NewExponential(d.cfg.BackoffBase)
	b = retry.WithCappedDuration(d.cfg.MaxBackoff, b)
	b = retry.WithMaxRetries(uint64(d.cfg.MaxRetries), b)

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		var stop bool
		if delay, stop = b.Next(); stop {
			return 0, true
		}
	}
	return delay, false
}
