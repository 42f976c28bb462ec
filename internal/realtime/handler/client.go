package handler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/tripsync/internal/realtime"
)

// ClientConfig tunes one websocket connection.
type ClientConfig struct {
	SendBuffer     int
	PriorityBuffer int
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	// MessageRate and MessageBurst bound inbound commands; emergencies are never limited.
	MessageRate  float64
	MessageBurst int
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PriorityBuffer <= 0 {
		c.PriorityBuffer = 16
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 20
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 40
	}
	return c
}

// client pumps frames between one websocket and the coordinator. The outbound channels
// are never closed; done signals shutdown so concurrent senders cannot panic.
type client struct {
	conn     *websocket.Conn
	coord    *realtime.Coordinator
	session  *realtime.Session
	send     chan realtime.Event
	priority chan realtime.Event
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter
	cfg      ClientConfig
	logger   *zap.Logger
}

func newClient(conn *websocket.Conn, coord *realtime.Coordinator, cfg ClientConfig, logger *zap.Logger) *client {
	return &client{
		conn:     conn,
		coord:    coord,
		send:     make(chan realtime.Event, cfg.SendBuffer),
		priority: make(chan realtime.Event, cfg.PriorityBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst),
		cfg:      cfg,
		logger:   logger,
	}
}

// Send implements realtime.Conn. A full queue drops the event.
func (c *client) Send(evt realtime.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- evt:
		return true
	default:
		return false
	}
}

// SendPriority implements realtime.Conn.
func (c *client) SendPriority(evt realtime.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.priority <- evt:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		if err := c.coord.Disconnect(c.session); err != nil {
			c.logger.Warn("disconnect cleanup failed", zap.Error(err))
		}
		c.close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			c.close()
		case <-c.done:
		}
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("unexpected websocket close", zap.Error(err))
			}
			return
		}
		c.handleFrame(ctx, raw)
	}
}

func (c *client) handleFrame(ctx context.Context, raw []byte) {
	name, cmd, err := realtime.DecodeCommand(raw)
	if err != nil {
		c.Send(realtime.ErrorEvent(name, err))
		return
	}
	if _, sos := cmd.(realtime.EmergencySOS); !sos && !c.limiter.Allow() {
		c.Send(realtime.ErrorEvent(name, realtime.ErrRateLimited))
		return
	}
	if err := c.coord.Handle(ctx, c.session, cmd); err != nil {
		if realtime.Reason(err) == "internal" {
			c.logger.Error("command failed", zap.String("event", name), zap.Error(err))
		}
		c.Send(realtime.ErrorEvent(name, err))
	}
}

func (c *client) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		// priority frames go out before anything already queued
		select {
		case evt := <-c.priority:
			if !c.write(evt) {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteWait))
			return
		case evt := <-c.priority:
			if !c.write(evt) {
				return
			}
		case evt := <-c.send:
			if !c.write(evt) {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(evt realtime.Event) bool {
	payload, err := realtime.EncodeEvent(evt)
	if err != nil {
		c.logger.Error("encode event", zap.String("event", evt.Name), zap.Error(err))
		return true
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("websocket write failed", zap.Error(err))
		}
		return false
	}
	return true
}
