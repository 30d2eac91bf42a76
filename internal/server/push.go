package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/littleblessing/backend/internal/blessings"
	"go.uber.org/zap"
)

const (
	pushEventSnapshot = "snapshot"
	pushEventError    = "error"

	socketWriteTimeout = 10 * time.Second
	pushErrorMessage   = "live query failed"
)

// PushFrame is one message on the websocket push channel.
type PushFrame struct {
	Type     string             `json:"type"`
	Messages []blessings.Record `json:"messages,omitempty"`
	Message  string             `json:"message,omitempty"`
}

// pushMailbox keeps only the newest undelivered frame so a slow client never
// blocks the store's delivery goroutine.
type pushMailbox struct {
	mu      sync.Mutex
	pending *PushFrame
	closed  bool
	signal  chan struct{}
}

func newPushMailbox() *pushMailbox {
	return &pushMailbox{signal: make(chan struct{}, 1)}
}

func (m *pushMailbox) put(frame PushFrame) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if frame.Type == pushEventError {
		m.closed = true
	}
	m.pending = &frame
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *pushMailbox) take() (PushFrame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return PushFrame{}, false
	}
	frame := *m.pending
	m.pending = nil
	return frame, true
}

func (h *httpHandler) subscribe(ctx context.Context, mailbox *pushMailbox) (blessings.CancelFunc, error) {
	return h.subscriber.Subscribe(ctx,
		func(records []blessings.Record) {
			if records == nil {
				records = []blessings.Record{}
			}
			mailbox.put(PushFrame{Type: pushEventSnapshot, Messages: records})
		},
		func(err error) {
			h.logger.Warn("push subscription failed", zap.Error(err))
			mailbox.put(PushFrame{Type: pushEventError, Message: pushErrorMessage})
		},
	)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	mailbox := newPushMailbox()
	cancel, err := h.subscribe(ctx, mailbox)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-mailbox.signal:
		}
		frame, ok := mailbox.take()
		if !ok {
			return true
		}
		if frame.Type == pushEventError {
			c.SSEvent(pushEventError, gin.H{"message": frame.Message})
			return false
		}
		c.SSEvent(pushEventSnapshot, frame.Messages)
		return true
	})
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancelCtx := context.WithCancel(c.Request.Context())
	defer cancelCtx()

	mailbox := newPushMailbox()
	cancel, err := h.subscribe(ctx, mailbox)
	if err != nil {
		_ = writeFrame(conn, PushFrame{Type: pushEventError, Message: pushErrorMessage})
		return
	}
	defer cancel()

	// Inbound frames are ignored; a read error means the peer went away.
	go func() {
		defer cancelCtx()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mailbox.signal:
		}
		frame, ok := mailbox.take()
		if !ok {
			continue
		}
		if err := writeFrame(conn, frame); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			return
		}
		if frame.Type == pushEventError {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, frame.Message),
				time.Now().Add(socketWriteTimeout))
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame PushFrame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout)); err != nil {
		return err
	}
	if frame.Type == pushEventSnapshot {
		return conn.WriteJSON(snapshotFrame{Type: frame.Type, Messages: frame.Messages})
	}
	return conn.WriteJSON(frame)
}

// snapshotFrame always serializes messages, including an empty list.
type snapshotFrame struct {
	Type     string             `json:"type"`
	Messages []blessings.Record `json:"messages"`
}
