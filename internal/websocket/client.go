package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rajivgeraev/flippy-chat/internal/realtime"
)

const (
	// Максимальное время ожидания для pong от клиента
	pongWait = 60 * time.Second

	// Отправлять ping-сообщения клиенту с этим интервалом
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер сообщения от клиента
	maxMessageSize = 64 * 1024

	writeWait = 10 * time.Second

	// Размер буфера для отправляемых сообщений
	sendBufferSize = 256
)

// Client представляет собой отдельное WebSocket соединение
type Client struct {
	ID      uuid.UUID
	conn    *websocket.Conn
	send    chan []byte
	manager *Manager
	issuer  *realtime.TokenIssuer
	grace   time.Duration

	mu          sync.Mutex
	claims      *realtime.TokenClaims
	expiryTimer *time.Timer
	graceTimer  *time.Timer

	closeOnce sync.Once
	closeChan chan struct{}
}

// NewClient создает соединение, уже прошедшее проверку токена
func NewClient(conn *websocket.Conn, manager *Manager, issuer *realtime.TokenIssuer, claims *realtime.TokenClaims, grace time.Duration) *Client {
	return &Client{
		ID:        uuid.New(),
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		manager:   manager,
		issuer:    issuer,
		grace:     grace,
		claims:    claims,
		closeChan: make(chan struct{}),
	}
}

// ClientID идентификатор клиента из токена
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims.ClientID
}

// Start регистрирует клиента, запускает горутины чтения и записи и отправляет connected
func (c *Client) Start() {
	c.manager.AddClient(c)

	go c.readPump()
	go c.writePump()

	c.mu.Lock()
	c.scheduleExpiryLocked()
	frame := c.connectedFrameLocked()
	c.mu.Unlock()
	c.sendFrame(frame)
}

// Close закрывает соединение; повторные вызовы безопасны
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.expiryTimer != nil {
			c.expiryTimer.Stop()
		}
		if c.graceTimer != nil {
			c.graceTimer.Stop()
		}
		c.mu.Unlock()

		close(c.closeChan)
		c.conn.Close()
	})
}

// readPump обрабатывает входящие кадры от клиента
func (c *Client) readPump() {
	defer func() {
		c.manager.RemoveClient(c.ID)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.manager.log.Warn("unexpected close", "connection_id", c.ID, "error", err)
			}
			return
		}
		c.handleFrame(message)
	}
}

// writePump отправляет кадры клиенту и пингует соединение
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue кладёт кадр в буфер отправки без блокировки
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.closeChan:
		return true
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) sendFrame(frame realtime.Frame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !c.enqueue(payload) {
		c.Close()
	}
}

func (c *Client) sendError(code, channel, message string) {
	c.sendFrame(realtime.ErrorFrame(code, channel, message))
}

func (c *Client) handleFrame(message []byte) {
	var frame realtime.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.sendError(realtime.CodeBadRequest, "", "malformed frame")
		return
	}

	switch frame.Action {
	case realtime.ActionSubscribe:
		c.handleSubscribe(frame.Channel)
	case realtime.ActionUnsubscribe:
		if frame.Channel == "" {
			c.sendError(realtime.CodeBadRequest, "", "channel is required")
			return
		}
		c.manager.Unsubscribe(c, frame.Channel)
		c.sendFrame(realtime.Frame{Action: realtime.ActionUnsubscribed, Channel: frame.Channel})
	case realtime.ActionAuth:
		c.handleAuth(frame.Token)
	default:
		c.sendError(realtime.CodeBadRequest, frame.Channel, "unknown action "+frame.Action)
	}
}

func (c *Client) handleSubscribe(channel string) {
	if channel == "" {
		c.sendError(realtime.CodeBadRequest, "", "channel is required")
		return
	}

	c.mu.Lock()
	expired := c.expiredLocked()
	allowed := c.claims.Capability.Allows(channel, realtime.OpSubscribe)
	c.mu.Unlock()

	switch {
	case expired:
		c.sendError(realtime.CodeTokenExpired, channel, "token expired")
	case !allowed:
		c.sendError(realtime.CodeCapabilityDenied, channel, "subscribe is not permitted on this channel")
	default:
		c.manager.Subscribe(c, channel)
		c.sendFrame(realtime.Frame{Action: realtime.ActionSubscribed, Channel: channel})
	}
}

// handleAuth продлевает соединение новым токеном того же клиента
func (c *Client) handleAuth(token string) {
	claims, err := c.issuer.Verify(token)
	if err != nil {
		code := realtime.CodeUnauthorized
		if errors.Is(err, realtime.ErrTokenExpired) {
			code = realtime.CodeTokenExpired
		}
		c.sendError(code, "", err.Error())
		return
	}

	c.mu.Lock()
	if claims.ClientID != c.claims.ClientID {
		c.mu.Unlock()
		c.sendError(realtime.CodeUnauthorized, "", "client_id mismatch")
		c.Close()
		return
	}
	c.claims = claims
	c.scheduleExpiryLocked()
	frame := c.connectedFrameLocked()
	c.mu.Unlock()

	c.sendFrame(frame)
}

func (c *Client) expiredLocked() bool {
	return c.claims.ExpiresAt != nil && !time.Now().Before(c.claims.ExpiresAt.Time)
}

// scheduleExpiryLocked по истечении токена отправляет token_expired и ждет auth в течение grace
func (c *Client) scheduleExpiryLocked() {
	if c.expiryTimer != nil {
		c.expiryTimer.Stop()
	}
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.claims.ExpiresAt == nil {
		return
	}

	c.expiryTimer = time.AfterFunc(time.Until(c.claims.ExpiresAt.Time), func() {
		c.sendError(realtime.CodeTokenExpired, "", "token expired, send auth")

		c.mu.Lock()
		defer c.mu.Unlock()
		c.graceTimer = time.AfterFunc(c.grace, func() {
			c.mu.Lock()
			expired := c.expiredLocked()
			c.mu.Unlock()
			if expired {
				c.Close()
			}
		})
	})
}

func (c *Client) connectedFrameLocked() realtime.Frame {
	frame := realtime.Frame{
		Action:       realtime.ActionConnected,
		ConnectionID: c.ID.String(),
		ClientID:     c.claims.ClientID,
	}
	if c.claims.ExpiresAt != nil {
		exp := c.claims.ExpiresAt.Time.UTC()
		frame.ExpiresAt = &exp
	}
	return frame
}
