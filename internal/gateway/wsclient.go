package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	rerrors "github.com/p-blackswan/roomsync/internal/errors"
	"github.com/p-blackswan/roomsync/internal/model"
	"github.com/p-blackswan/roomsync/internal/retry"
)

// WSConfig holds WebSocket gateway configuration.
type WSConfig struct {
	// URL is the WebSocket endpoint, e.g. "wss://sync.example.com/ws".
	URL string

	// Token authenticates the device for a room.
	Token string

	// Room and Actor identify the shared room and this device.
	Room  string
	Actor string

	// RequestTimeout bounds a single request when ctx has no deadline.
	RequestTimeout time.Duration

	// ReconnectInterval is the first delay between reconnection attempts.
	ReconnectInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff.
	MaxReconnectInterval time.Duration
}

// DefaultWSConfig returns sane defaults.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		URL:                  "ws://localhost:8787/ws",
		RequestTimeout:       15 * time.Second,
		ReconnectInterval:    1 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
	}
}

// --- Protocol frames ---

// wsFrame is a raw protocol frame.
type wsFrame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *wsError        `json:"error,omitempty"`   // response error
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectParams struct {
	Token  string `json:"token,omitempty"`
	Room   string `json:"room"`
	Actor  string `json:"actor"`
	Client string `json:"client"`
}

type subscribeParams struct {
	SubID string `json:"subId"`
	Path  string `json:"path"`
}

type setParams struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

type getParams struct {
	Path string `json:"path"`
}

// snapshotPayload is the payload of "snapshot" events and "get" responses.
type snapshotPayload struct {
	SubID  string          `json:"subId,omitempty"`
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value"`
	Exists bool            `json:"exists"`
}

type wsSubscription struct {
	id  string
	sub *subscriber
}

// --- WSClient ---

// WSClient is a persistent WebSocket Gateway. It reconnects with backoff
// after a lost connection and re-establishes every open subscription.
type WSClient struct {
	cfg    WSConfig
	logger zerolog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan wsFrame
	subs    map[string]*wsSubscription

	connected     atomic.Bool
	closed        atomic.Bool
	reconnecting  atomic.Bool
	stopCh        chan struct{}
	stopReconnect chan struct{}
	closeOnce     sync.Once
}

var _ Gateway = (*WSClient)(nil)

// NewWSClient creates a new WebSocket client.
func NewWSClient(cfg WSConfig, logger zerolog.Logger) *WSClient {
	def := DefaultWSConfig()
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.MaxReconnectInterval == 0 {
		cfg.MaxReconnectInterval = def.MaxReconnectInterval
	}

	return &WSClient{
		cfg:           cfg,
		logger:        logger.With().Str("component", "ws-gateway").Logger(),
		pending:       make(map[string]chan wsFrame),
		subs:          make(map[string]*wsSubscription),
		stopCh:        make(chan struct{}),
		stopReconnect: make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and completes the handshake.
func (c *WSClient) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return fmt.Errorf("ws client closed: %w", rerrors.ErrNotConnected)
	}
	if c.connected.Load() {
		return nil
	}

	c.logger.Info().Str("url", c.cfg.URL).Str("room", c.cfg.Room).Msg("connecting to gateway")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("ws dial failed: %v: %w", err, rerrors.ErrUnavailable)
	}

	if err := c.handshake(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	go c.readLoop(conn)

	c.logger.Info().Msg("connected to gateway")
	return nil
}

// Reconnect starts redialing in the background unless the client is
// connected or closed. Used when the first Connect fails and the device
// starts offline.
func (c *WSClient) Reconnect() {
	if c.closed.Load() || c.connected.Load() {
		return
	}
	go c.reconnectLoop()
}

// handshake waits for the challenge and authenticates. It runs before the
// read loop, so it reads the connection directly.
func (c *WSClient) handshake(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		return fmt.Errorf("reading challenge: %v: %w", err, rerrors.ErrUnavailable)
	}
	if frame.Type != "event" || frame.Event != "connect.challenge" {
		return fmt.Errorf("expected connect.challenge, got %s/%s: %w", frame.Type, frame.Event, rerrors.ErrMalformed)
	}

	params, _ := json.Marshal(connectParams{
		Token:  c.cfg.Token,
		Room:   c.cfg.Room,
		Actor:  c.cfg.Actor,
		Client: "roomsync/1.0",
	})
	reqID := uuid.New().String()
	if err := conn.WriteJSON(wsFrame{Type: "req", ID: reqID, Method: "connect", Params: params}); err != nil {
		return fmt.Errorf("sending connect: %v: %w", err, rerrors.ErrUnavailable)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var resp wsFrame
		if err := conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("reading connect response: %v: %w", err, rerrors.ErrUnavailable)
		}
		// Skip events during handshake
		if resp.Type != "res" || resp.ID != reqID {
			continue
		}
		if resp.OK != nil && *resp.OK {
			return nil
		}
		code, msg := "UNAUTHORIZED", "connect rejected"
		if resp.Error != nil {
			code, msg = resp.Error.Code, resp.Error.Message
		}
		return rerrors.NewGatewayError("connect", "", code, msg)
	}
}

// readLoop reads frames and dispatches responses and snapshots.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.connected.Store(false)
		c.failPending()
		if !c.closed.Load() {
			go c.reconnectLoop()
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("ws parse error")
			continue
		}

		switch frame.Type {
		case "res":
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- frame
			}
		case "event":
			if frame.Event == "snapshot" {
				c.handleSnapshot(frame.Payload)
				continue
			}
			c.logger.Trace().Str("event", frame.Event).Msg("event received")
		}
	}
}

func (c *WSClient) handleSnapshot(payload json.RawMessage) {
	var p snapshotPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		c.logger.Warn().Err(err).Msg("bad snapshot payload")
		return
	}
	c.mu.Lock()
	s, ok := c.subs[p.SubID]
	c.mu.Unlock()
	if !ok {
		return
	}
	value := p.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	s.sub.deliver(Snapshot{Path: s.sub.path, Value: value, Exists: p.Exists})
}

func (c *WSClient) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- wsFrame{
			Type:  "res",
			ID:    id,
			Error: &wsError{Code: "DISCONNECTED", Message: "connection lost"},
		}
		delete(c.pending, id)
	}
}

// reconnectLoop redials with exponential backoff until connected or closed,
// then re-establishes all subscriptions.
func (c *WSClient) reconnectLoop() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	backoff := retry.Config{
		BaseDelay: c.cfg.ReconnectInterval,
		MaxDelay:  c.cfg.MaxReconnectInterval,
		Jitter:    true,
	}
	for attempt := 0; ; attempt++ {
		select {
		case <-c.stopReconnect:
			return
		case <-time.After(backoff.Backoff(attempt)):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.Connect(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
			continue
		}
		c.resubscribe()
		return
	}
}

func (c *WSClient) resubscribe() {
	c.mu.Lock()
	subs := make([]*wsSubscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.sendSubscribe(ctx, s)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Str("path", s.sub.path.String()).Msg("resubscribe failed")
		}
	}
	c.logger.Info().Int("subscriptions", len(subs)).Msg("subscriptions restored")
}

// request sends a request frame and waits for its response.
func (c *WSClient) request(ctx context.Context, method, path string, params any) (wsFrame, error) {
	if !c.connected.Load() {
		return wsFrame{}, rerrors.NewGatewayError(method, path, "DISCONNECTED", "not connected")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return wsFrame{}, fmt.Errorf("marshaling %s params: %w", method, err)
	}

	reqID := uuid.New().String()
	respCh := make(chan wsFrame, 1)
	c.mu.Lock()
	conn := c.conn
	c.pending[reqID] = respCh
	c.mu.Unlock()

	c.writeMu.Lock()
	err = conn.WriteJSON(wsFrame{Type: "req", ID: reqID, Method: method, Params: paramsJSON})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return wsFrame{}, rerrors.NewGatewayError(method, path, "DISCONNECTED", err.Error())
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return wsFrame{}, rerrors.NewGatewayError(method, path, resp.Error.Code, resp.Error.Message)
		}
		if resp.OK == nil || !*resp.OK {
			return wsFrame{}, rerrors.NewGatewayError(method, path, "", "request failed")
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return wsFrame{}, rerrors.NewGatewayError(method, path, "TIMEOUT", "no response")
		}
		return wsFrame{}, ctx.Err()
	}
}

// Subscribe implements Gateway. The subscription survives reconnects.
func (c *WSClient) Subscribe(ctx context.Context, path model.Path) (<-chan Snapshot, error) {
	s := &wsSubscription{id: uuid.New().String(), sub: newSubscriber(path)}

	c.mu.Lock()
	c.subs[s.id] = s
	c.mu.Unlock()

	if err := c.sendSubscribe(ctx, s); err != nil {
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-c.stopCh:
		}
		c.mu.Lock()
		delete(c.subs, s.id)
		c.mu.Unlock()
		s.sub.close()
		if c.connected.Load() {
			uctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
			defer cancel()
			_, _ = c.request(uctx, "unsubscribe", path.String(), subscribeParams{SubID: s.id, Path: path.String()})
		}
	}()
	return s.sub.ch, nil
}

func (c *WSClient) sendSubscribe(ctx context.Context, s *wsSubscription) error {
	p := s.sub.path.String()
	_, err := c.request(ctx, "subscribe", p, subscribeParams{SubID: s.id, Path: p})
	return err
}

// WriteValue implements Gateway.
func (c *WSClient) WriteValue(ctx context.Context, path model.Path, value any) error {
	p := path.String()
	_, err := c.request(ctx, "set", p, setParams{Path: p, Value: value})
	if err == nil {
		c.logger.Debug().Str("path", p).Msg("value written")
	}
	return err
}

// ObserveOnce implements Gateway.
func (c *WSClient) ObserveOnce(ctx context.Context, path model.Path) (Snapshot, error) {
	p := path.String()
	resp, err := c.request(ctx, "get", p, getParams{Path: p})
	if err != nil {
		return Snapshot{}, err
	}
	var payload snapshotPayload
	if err := json.Unmarshal(resp.Payload, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("parsing get response: %v: %w", err, rerrors.ErrMalformed)
	}
	value := payload.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Snapshot{Path: path, Value: value, Exists: payload.Exists}, nil
}

// Close gracefully shuts down the connection and ends all subscriptions.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopReconnect)
		close(c.stopCh)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		c.connected.Store(false)

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteMessage(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			)
			c.writeMu.Unlock()
			err = conn.Close()
		}
	})
	return err
}

// IsConnected returns true if the client is connected.
func (c *WSClient) IsConnected() bool {
	return c.connected.Load()
}

// Ping reports whether the gateway connection is up.
func (c *WSClient) Ping(ctx context.Context) error {
	if !c.connected.Load() {
		return rerrors.ErrNotConnected
	}
	return nil
}
