// Package shared holds the transport plumbing common to all exchange
// adapters: the reconnecting websocket session and the failure-rate window
// that escalates repeated auth/format errors to the supervisor.
package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

const (
	reconnectBase    = time.Second
	reconnectCap     = 30 * time.Second
	defaultReadLimit = 4 * 1024 * 1024
	writeTimeout     = 5 * time.Second
)

// WSConfig describes one exchange websocket endpoint.
type WSConfig struct {
	URL string
	// PingInterval triggers application-level pings; zero disables them.
	PingInterval time.Duration
	// PingPayload is the text frame sent as a ping (OKX "ping", Deribit
	// heartbeat test). Nil falls back to a protocol-level ping.
	PingPayload []byte
	ReadLimit   int64
	// OnConnect runs after every successful dial, before the read loop;
	// adapters re-subscribe and re-snapshot books here.
	OnConnect func(ctx context.Context) error
}

// WSSession is a websocket connection that redials forever with exponential
// backoff and full jitter until its context is cancelled.
type WSSession struct {
	cfg WSConfig
	log zerolog.Logger

	mu   sync.RWMutex
	conn *websocket.Conn

	reconnects func()
}

// NewWSSession builds a session; onReconnect (optional) is invoked once per
// redial attempt for metrics.
func NewWSSession(cfg WSConfig, log zerolog.Logger, onReconnect func()) *WSSession {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &WSSession{cfg: cfg, log: log, reconnects: onReconnect}
}

// Run dials, hands every frame to handler, and redials on any failure.
// Handler errors are logged and counted but do not tear down the connection
// unless they are fatal (see ErrorWindow). Run returns only when ctx ends.
func (s *WSSession) Run(ctx context.Context, handler func(ctx context.Context, frame []byte) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectBase
	bo.MaxInterval = reconnectCap
	bo.RandomizationFactor = 1 // full jitter

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
		if err != nil {
			if s.reconnects != nil {
				s.reconnects()
			}
			s.log.Warn().Err(err).Str("url", s.cfg.URL).Msg("websocket dial failed")
			if !sleepBackoff(ctx, bo) {
				return ctx.Err()
			}
			continue
		}
		conn.SetReadLimit(s.cfg.ReadLimit)

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		connCtx, connCancel := context.WithCancel(ctx)
		if s.cfg.OnConnect != nil {
			if err := s.cfg.OnConnect(connCtx); err != nil {
				s.log.Warn().Err(err).Msg("post-connect setup failed")
				connCancel()
				s.drop(conn)
				if !sleepBackoff(ctx, bo) {
					return ctx.Err()
				}
				continue
			}
		}
		bo.Reset()

		var wg sync.WaitGroup
		errCh := make(chan error, 2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn, handler)
		}()
		if s.cfg.PingInterval > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errCh <- s.pingLoop(connCtx, conn)
			}()
		}

		err = <-errCh
		connCancel()
		s.drop(conn)
		wg.Wait()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("websocket session ended, reconnecting")
		}
		if s.reconnects != nil {
			s.reconnects()
		}
		if !sleepBackoff(ctx, bo) {
			return ctx.Err()
		}
	}
}

func (s *WSSession) readLoop(ctx context.Context, conn *websocket.Conn, handler func(context.Context, []byte) error) error {
	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}
		if err := handler(ctx, frame); err != nil {
			return err
		}
	}
}

func (s *WSSession) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			var err error
			if len(s.cfg.PingPayload) > 0 {
				err = conn.Write(pingCtx, websocket.MessageText, s.cfg.PingPayload)
			} else {
				err = conn.Ping(pingCtx)
			}
			cancel()
			if err != nil {
				return fmt.Errorf("ws ping: %w", err)
			}
		}
	}
}

// Write sends a control frame on the live connection.
func (s *WSSession) Write(ctx context.Context, payload []byte) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

func (s *WSSession) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func sleepBackoff(ctx context.Context, bo *backoff.ExponentialBackOff) bool {
	wait := bo.NextBackOff()
	if wait == backoff.Stop {
		wait = reconnectCap
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
