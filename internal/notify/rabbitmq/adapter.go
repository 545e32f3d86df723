package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"logview/internal/notify"

	"github.com/rabbitmq/amqp091-go"
)

// Config describes one cluster's attachment to the shared notification
// fanout exchange. Each cluster consumes from its own queue bound to the
// exchange.
type Config struct {
	Enabled       bool
	URL           string
	Exchange      string
	Queue         string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 64
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = 1024
	}
	if c.ConsumerTag == "" {
		c.ConsumerTag = "logview-notify"
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("rabbitmq url is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	return nil
}

// Adapter publishes local notifications to the fanout exchange and consumes
// peer notifications from its queue.
type Adapter struct {
	cfg     Config
	handler notify.Handler

	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

func NewAdapter(cfg Config, handler notify.Handler) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	return &Adapter{cfg: cfg, handler: handler, closed: make(chan struct{})}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if a.cfg.TLS.Enabled {
		dialCfg.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify,
			ServerName:         a.cfg.TLS.ServerName,
		}
	}
	conn, err := amqp091.DialConfig(a.cfg.URL, dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(a.cfg.Queue, "", a.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.closeErr.Store(err)
	}
	return err
}

// Broadcast publishes one notification to the fanout exchange. Every bound
// cluster queue receives it, including the writer's own; the writing adaptor
// discards that copy when processing, since its positions already lie below
// the adaptor's global version.
func (a *Adapter) Broadcast(ctx context.Context, m *notify.UpdateNotificationMessage) error {
	payload, err := notify.MarshalMessage(m)
	if err != nil {
		return err
	}
	return a.ch.PublishWithContext(ctx, a.cfg.Exchange, "", false, false, amqp091.Publishing{
		ContentType: "application/x-protobuf",
		Body:        payload,
	})
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			a.processDelivery(d)
		}
	}
}

// processDelivery dispatches one delivery. Undecodable or invalid payloads
// are dropped without requeue: a malformed notification never becomes valid,
// and the receiver repairs through its next read.
func (a *Adapter) processDelivery(d amqp091.Delivery) {
	m, err := notify.UnmarshalMessage(d.Body)
	if err != nil {
		_ = d.Nack(false, false)
		return
	}
	if err := notify.ValidateMessage(m); err != nil {
		_ = d.Nack(false, false)
		return
	}
	a.handler(m)
	_ = d.Ack(false)
}
