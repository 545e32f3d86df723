package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"logview/internal/notify"
)

// BroadcastConfig lists the peer clusters a writer announces to.
type BroadcastConfig struct {
	Network     string
	Peers       []string
	AuthToken   string
	DialTimeout time.Duration
	TLSConfig   *tls.Config
}

func (c *BroadcastConfig) withDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
}

// Broadcaster pushes notification frames to each configured peer over a
// cached connection, redialing on the next broadcast after a failure.
type Broadcaster struct {
	cfg BroadcastConfig

	mu    sync.Mutex
	conns map[string]net.Conn
}

func NewBroadcaster(cfg BroadcastConfig) *Broadcaster {
	cfg.withDefaults()
	return &Broadcaster{cfg: cfg, conns: make(map[string]net.Conn)}
}

func (b *Broadcaster) Broadcast(ctx context.Context, m *notify.UpdateNotificationMessage) error {
	if m.AuthToken == "" {
		m.AuthToken = b.cfg.AuthToken
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, peer := range b.cfg.Peers {
		if err := b.sendLocked(ctx, peer, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Broadcaster) sendLocked(ctx context.Context, peer string, m *notify.UpdateNotificationMessage) error {
	conn, ok := b.conns[peer]
	if !ok {
		c, err := b.dial(ctx, peer)
		if err != nil {
			return err
		}
		b.conns[peer] = c
		conn = c
	}
	if err := notify.WriteMessageFrame(conn, m); err != nil {
		_ = conn.Close()
		delete(b.conns, peer)
		return err
	}
	return nil
}

func (b *Broadcaster) dial(ctx context.Context, peer string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: b.cfg.DialTimeout}
	if b.cfg.TLSConfig != nil {
		return (&tls.Dialer{NetDialer: dialer, Config: b.cfg.TLSConfig}).DialContext(ctx, b.cfg.Network, peer)
	}
	return dialer.DialContext(ctx, b.cfg.Network, peer)
}

func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for peer, conn := range b.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(b.conns, peer)
	}
	return errors.Join(errs...)
}
