package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/openordinal/execsync/internal/observability"
	"github.com/openordinal/execsync/internal/schema"
)

// UserStream maintains the user-data websocket connection. It owns the listen
// key lifecycle, keeps the key alive on a ticker, and reconnects with a fresh
// key after any read failure. Decoded execution reports go to the handler;
// every successful reconnect after the first connection triggers onReconnect
// so the owner can re-synchronize in-flight orders.
type UserStream struct {
	client *Client

	handler     func(schema.ExecutionReport)
	onReconnect func()
	errorChan   chan<- error

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once

	wg sync.WaitGroup
}

// UserStreamConfig wires the stream callbacks.
type UserStreamConfig struct {
	// Handler receives every decoded execution report in arrival order.
	Handler func(schema.ExecutionReport)
	// OnReconnect fires after each reconnection, once the new socket is live.
	OnReconnect func()
	// Errors receives non-fatal stream errors; sends never block.
	Errors chan<- error
}

// NewUserStream constructs a stream bound to the client's credentials.
func NewUserStream(client *Client, cfg UserStreamConfig) *UserStream {
	return &UserStream{
		client:      client,
		handler:     cfg.Handler,
		onReconnect: cfg.OnReconnect,
		errorChan:   cfg.Errors,
	}
}

// Start opens the user-data stream and blocks until the first connection is
// established or the context ends.
func (s *UserStream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ready = make(chan struct{})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.run(); err != nil && !errors.Is(err, context.Canceled) {
			s.reportError(fmt.Errorf("user stream terminated: %w", err))
		}
	}()

	select {
	case <-s.ready:
		return nil
	case <-time.After(10 * time.Second):
		s.cancel()
		return errors.New("timeout waiting for user stream connection")
	case <-s.ctx.Done():
		return fmt.Errorf("user stream context done: %w", s.ctx.Err())
	}
}

// Stop closes the connection and waits for the background loops to exit.
func (s *UserStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
	s.wg.Wait()
}

// run maintains the connection with automatic reconnection and exponential
// backoff. Each attempt acquires a fresh listen key; a stale key after an
// outage would otherwise silently deliver nothing.
func (s *UserStream) run() error {
	backoffCfg := backoff.NewExponentialBackOff()
	connected := false

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		listenKey, err := s.client.CreateListenKey(s.ctx)
		if err != nil {
			s.reportError(fmt.Errorf("create listen key: %w", err))
			if !s.sleep(backoffCfg.NextBackOff()) {
				return context.Canceled
			}
			continue
		}

		streamURL := s.client.opts.StreamURL + "/ws/" + listenKey
		conn, _, err := websocket.Dial(s.ctx, streamURL, nil)
		if err != nil {
			s.reportError(fmt.Errorf("dial user stream: %w", err))
			if !s.sleep(backoffCfg.NextBackOff()) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(1 << 20)

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		s.readyOnce.Do(func() { close(s.ready) })
		backoffCfg.Reset()

		if connected {
			observability.Log().Info("user stream reconnected", observability.F("url", s.client.opts.StreamURL))
			if s.onReconnect != nil {
				s.onReconnect()
			}
		}
		connected = true

		keepAliveCtx, stopKeepAlive := context.WithCancel(s.ctx)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.keepAliveLoop(keepAliveCtx)
		}()

		err = s.readLoop(conn)
		stopKeepAlive()

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()

		if errors.Is(err, context.Canceled) {
			return context.Canceled
		}
		if err != nil {
			s.reportError(fmt.Errorf("user stream read loop: %w", err))
		}

		if !s.sleep(backoffCfg.NextBackOff()) {
			return context.Canceled
		}
	}
}

// keepAliveLoop extends the listen key validity on a fixed interval.
func (s *UserStream) keepAliveLoop(ctx context.Context) {
	interval := s.client.opts.UserStreamKeepAlive
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.client.KeepAliveListenKey(ctx); err != nil {
				s.reportError(fmt.Errorf("listen key keepalive: %w", err))
			}
		}
	}
}

// readLoop reads frames until the connection fails. A listenKeyExpired event
// is connection-fatal and forces a reconnect with a fresh key.
func (s *UserStream) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(s.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}

		report, kind, err := parseUserEvent(data)
		switch {
		case err != nil:
			s.reportError(fmt.Errorf("decode user event: %w", err))
		case kind == eventListenKeyExpired:
			_ = conn.Close(websocket.StatusNormalClosure, "listen key expired")
			return errors.New("listen key expired")
		case kind == eventStreamError:
			_ = conn.Close(websocket.StatusNormalClosure, "stream error event")
			return fmt.Errorf("stream error event: %s", data)
		case kind == eventOrderUpdate:
			if s.handler != nil {
				s.handler(report)
			}
		}
	}
}

func (s *UserStream) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (s *UserStream) reportError(err error) {
	if err == nil {
		return
	}
	observability.Log().Warn("user stream error", observability.F("error", err.Error()))
	if s.errorChan == nil {
		return
	}
	select {
	case <-s.ctx.Done():
	case s.errorChan <- err:
	default:
	}
}
