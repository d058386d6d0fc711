// Package ingest consumes ContentApproved events from an AMQP queue and
// feeds them to the admission hook. The webhook in internal/api is the
// other ingress; both converge on the same idempotent admission path.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/streadway/amqp"

	"gramq/internal/admission"
	"gramq/internal/store"
	logx "gramq/pkg/logx"
)

type Config struct {
	URL   string
	Queue string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Queue) == "" {
		c.Queue = "content.approved"
	}
	return c
}

type Consumer struct {
	cfg  Config
	hook *admission.Hook
	log  logx.Logger

	mu      sync.Mutex
	running bool
	conn    *amqp.Connection
	ch      *amqp.Channel
	done    chan struct{}
}

func NewConsumer(cfg Config, hook *admission.Hook, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{
		cfg:  cfg.withDefaults(),
		hook: hook,
		log:  log.With(logx.String("comp", "ingest")),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	if strings.TrimSpace(c.cfg.URL) == "" {
		return errors.New("ingest: amqp url is empty")
	}

	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("ingest: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("ingest: channel: %w", err)
	}

	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("ingest: declare %q: %w", c.cfg.Queue, err)
	}

	msgs, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("ingest: consume: %w", err)
	}

	c.conn = conn
	c.ch = ch
	c.done = make(chan struct{})
	c.running = true

	go c.loop(ctx, msgs)
	c.log.Info("ingest consuming", logx.String("queue", q.Name))
	return nil
}

func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	ch, conn, done := c.ch, c.conn, c.done
	c.ch, c.conn, c.done = nil, nil, nil
	c.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		conn.Close()
	}
	<-done
}

func (c *Consumer) loop(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var ev admission.ContentApproved
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.log.Warn("ingest: bad payload", logx.Err(err))
		_ = d.Nack(false, false)
		return
	}

	j, err := c.hook.HandleContentApproved(ctx, ev)
	switch {
	case err == nil:
		c.log.Debug("ingest: admitted",
			logx.String("job", j.ID),
			logx.String("account", ev.AccountID),
			logx.String("content", ev.ContentID))
		_ = d.Ack(false)
	case errors.Is(err, store.ErrNotFound):
		// Unknown account never becomes admissible; do not requeue.
		c.log.Warn("ingest: unknown account", logx.String("account", ev.AccountID))
		_ = d.Nack(false, false)
	default:
		// Transient store failure: requeue once, dead-letter after.
		requeue := !d.Redelivered
		c.log.Error("ingest: admission failed", logx.Err(err), logx.Bool("requeue", requeue))
		_ = d.Nack(false, requeue)
	}
}
