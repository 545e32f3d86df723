package socket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"logview/internal/notify"
)

// Config describes one cluster's notification listener.
type Config struct {
	Network   string
	Address   string
	AuthToken string
	Workers   int
	QueueSize int
	TLSConfig *tls.Config
}

func (c *Config) withDefaults() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// Server accepts peer connections and feeds received notification frames to
// a handler. Frames that fail to decode, fail auth, or arrive while the
// queue is full are dropped: peers repair through their next read.
type Server struct {
	cfg     Config
	handler notify.Handler
	ln      net.Listener
	addr    atomic.Value
	queue   chan *notify.UpdateNotificationMessage
	done    chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup
}

func NewServer(cfg Config, handler notify.Handler) *Server {
	cfg.withDefaults()
	return &Server{
		cfg:     cfg,
		handler: handler,
		queue:   make(chan *notify.UpdateNotificationMessage, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

// Addr reports the bound listen address once Start has begun accepting.
func (s *Server) Addr() string {
	if v := s.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen(s.cfg.Network, s.cfg.Address)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.ln = ln
	s.addr.Store(ln.Addr().String())

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.runWorker()
	}
	go func() { <-ctx.Done(); _ = s.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.readLoop(conn)
		}()
	}
}

func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	close(s.done)
	s.wg.Wait()
	return nil
}

func (s *Server) readLoop(conn net.Conn) {
	r := bufio.NewReader(conn)
	for {
		m, err := notify.ReadMessageFrame(r)
		if err != nil {
			return
		}
		if s.cfg.AuthToken != "" && m.AuthToken != s.cfg.AuthToken {
			continue
		}
		if err := notify.ValidateMessage(m); err != nil {
			continue
		}
		select {
		case <-s.done:
			return
		case s.queue <- m:
		default:
		}
	}
}

func (s *Server) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case m := <-s.queue:
			s.handler(m)
		}
	}
}
