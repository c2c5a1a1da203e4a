package mail

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrMailQueueFull = errors.New("mail queue full")
	ErrMailerClosed  = errors.New("mailer closed")
)

// AsyncMailer hands messages to a background sender so callers never wait on
// SMTP. Delivery errors are logged and dropped.
type AsyncMailer struct {
	next        Mailer
	sendTimeout time.Duration
	ch          chan Message
	logger      *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncMailer(next Mailer, buffer int, sendTimeout time.Duration, logger *slog.Logger) *AsyncMailer {
	if buffer <= 0 {
		buffer = 64
	}
	if sendTimeout <= 0 {
		sendTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncMailer{
		next:        next,
		sendTimeout: sendTimeout,
		ch:          make(chan Message, buffer),
		logger:      logger,
		done:        make(chan struct{}),
	}
	go a.loop()
	return a
}

// Send queues msg and returns at once. It satisfies Mailer.
func (a *AsyncMailer) Send(_ context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrMailerClosed
	}
	select {
	case a.ch <- msg:
		return nil
	default:
		return ErrMailQueueFull
	}
}

// Close stops accepting messages and waits until the queued ones are sent or
// ctx expires.
func (a *AsyncMailer) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.ch)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AsyncMailer) loop() {
	defer close(a.done)
	for msg := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
		if err := a.next.Send(ctx, msg); err != nil {
			a.logger.Error("mail delivery failed", "to", msg.To, "subject", msg.Subject, "err", err)
		} else {
			a.logger.Info("mail sent", "to", msg.To, "subject", msg.Subject)
		}
		cancel()
	}
}
