package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Guizzs26/go-outbox-relay/pkg/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
)

// link owns one connection and one channel, and watches both for closure
type link struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	logger     *slog.Logger
	connClosed chan *amqp.Error
	chanClosed chan *amqp.Error
	closeOnce  sync.Once
	healthy    atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// openLink dials the endpoint, opens a channel and declares the queues named in queues
func openLink(ctx context.Context, e Endpoint, cred TokenCredential, l *slog.Logger, queues ...string) (*link, error) {
	c, err := Dial(ctx, e, cred)
	if err != nil {
		return nil, err
	}

	ch, err := c.Channel()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}

	for _, q := range queues {
		// Durable so queued messages survive broker restarts
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			c.Close()
			return nil, fmt.Errorf("failed to declare queue %s: %w", q, err)
		}
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	lk := &link{
		conn:       c,
		channel:    ch,
		logger:     l,
		connClosed: make(chan *amqp.Error, 1),
		chanClosed: make(chan *amqp.Error, 1),
		ctx:        monitorCtx,
		cancel:     cancel,
	}

	lk.healthy.Store(true)
	metrics.BrokerHealthy.Set(1)

	lk.conn.NotifyClose(lk.connClosed)
	lk.channel.NotifyClose(lk.chanClosed)

	go func() {
		select {
		case err := <-lk.connClosed:
			lk.markUnhealthy("connection", err)
		case err := <-lk.chanClosed:
			lk.markUnhealthy("channel", err)
		case <-lk.ctx.Done():
			return
		}
	}()

	l.Debug("Broker link established", "namespace", e.Namespace, "queue", e.Queue)
	return lk, nil
}

func (lk *link) markUnhealthy(what string, err *amqp.Error) {
	lk.healthy.Store(false)
	metrics.BrokerHealthy.Set(0)
	// A nil error means the close was requested by us
	if err != nil {
		lk.logger.Warn("Broker "+what+" closed", "error", err)
	}
}

// IsHealthy returns true if the connection and channel are active
func (lk *link) IsHealthy() bool {
	return lk.healthy.Load()
}

// Close shuts down the channel and connection once
func (lk *link) Close() error {
	var err error
	lk.closeOnce.Do(func() {
		lk.cancel()
		if lk.channel != nil {
			if cerr := lk.channel.Close(); cerr != nil && cerr != amqp.ErrClosed {
				err = cerr
			}
		}
		if lk.conn != nil {
			if cerr := lk.conn.Close(); cerr != nil && cerr != amqp.ErrClosed && err == nil {
				err = cerr
			}
		}
	})
	return err
}
