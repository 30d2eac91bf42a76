package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/littleblessing/backend/internal/blessings"
	"go.uber.org/zap"
)

const (
	frameSnapshot = "snapshot"
	frameError    = "error"
	closeTimeout  = time.Second
)

var errMissingCallback = errors.New("client: update callback is required")

type pushFrame struct {
	Type     string             `json:"type"`
	Messages []blessings.Record `json:"messages"`
	Message  string             `json:"message"`
}

// Subscribe opens the server's websocket push channel and forwards every
// snapshot to onUpdate. A server error frame or a dropped connection is
// reported once through onError and ends delivery.
func (c *Client) Subscribe(ctx context.Context, onUpdate func([]blessings.Record), onError func(error)) (blessings.CancelFunc, error) {
	if onUpdate == nil {
		return nil, errMissingCallback
	}
	socketURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + socketPath
	conn, _, err := c.dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		return nil, blessings.Unavailable("dial push channel", err)
	}

	subscription := &socketSubscription{conn: conn, done: make(chan struct{}), logger: c.logger}
	go subscription.read(onUpdate, onError)
	go func() {
		select {
		case <-ctx.Done():
			subscription.cancel()
		case <-subscription.done:
		}
	}()
	return subscription.cancel, nil
}

type socketSubscription struct {
	conn      *websocket.Conn
	done      chan struct{}
	cancelled atomic.Bool
	once      sync.Once
	logger    *zap.Logger
}

func (s *socketSubscription) cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeTimeout))
		_ = s.conn.Close()
	})
}

func (s *socketSubscription) read(onUpdate func([]blessings.Record), onError func(error)) {
	defer close(s.done)
	defer s.cancel()
	for {
		var frame pushFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if !s.cancelled.Load() {
				s.logger.Warn("push channel closed", zap.Error(err))
				s.report(onError, blessings.Unavailable("push channel", err))
			}
			return
		}
		if s.cancelled.Load() {
			return
		}
		switch frame.Type {
		case frameSnapshot:
			records := frame.Messages
			if records == nil {
				records = []blessings.Record{}
			}
			onUpdate(records)
		case frameError:
			s.report(onError, blessings.Unavailable(frame.Message, nil))
			return
		}
	}
}

func (s *socketSubscription) report(onError func(error), err error) {
	if onError != nil {
		onError(err)
	}
}
