package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"logview/internal/notify"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Config describes one cluster's attachment to the shared notification
// topic.
type Config struct {
	Enabled       bool
	Brokers       []string
	Topic         string
	GroupID       string
	ClientID      string
	Workers       int
	QueueCapacity int
	TLS           TLSConfig
	Fetch         FetchConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Adapter consumes notification records from the topic and hands decoded
// messages to the handler; Broadcast produces a local write's notification
// keyed by grain so per-grain ordering holds.
type Adapter struct {
	cfg     Config
	client  *kgo.Client
	handler notify.Handler
	records chan *kgo.Record
	closed  atomic.Bool

	produce      func(ctx context.Context, rec *kgo.Record) error
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
}

func NewAdapter(cfg Config, handler notify.Handler, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		client:  cl,
		handler: handler,
		records: make(chan *kgo.Record, cfg.QueueCapacity),
	}
	a.produce = func(ctx context.Context, rec *kgo.Record) error {
		return cl.ProduceSync(ctx, rec).FirstErr()
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	return a, nil
}

// Broadcast publishes one notification to the topic.
func (a *Adapter) Broadcast(ctx context.Context, m *notify.UpdateNotificationMessage) error {
	payload, err := notify.MarshalMessage(m)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: a.cfg.Topic,
		Key:   []byte(m.Grain().String()),
		Value: payload,
	}
	return a.produce(ctx, rec)
}

// Start runs the poll loop until ctx is done. Records that fail to decode
// are committed and dropped: a bad notification must not wedge the queue,
// and the receiver repairs through its next read.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			if ctx.Err() != nil {
				close(a.records)
				wg.Wait()
				return ctx.Err()
			}
			return errs[0].Err
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			select {
			case a.records <- rec:
			case <-ctx.Done():
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) Stop() {
	a.closed.Store(true)
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		a.consumeRecord(ctx, rec)
	}
}

func (a *Adapter) consumeRecord(ctx context.Context, rec *kgo.Record) {
	m, err := notify.UnmarshalMessage(rec.Value)
	if err == nil {
		if verr := notify.ValidateMessage(m); verr == nil {
			a.handler(m)
		}
	}
	a.markCommit(rec)
	_ = a.commitMarked(ctx)
}
