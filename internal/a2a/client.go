package a2a

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/titanmem/titan/internal/domain"
)

// Client connection defaults.
const (
	DefaultReconnectBase  = time.Second
	DefaultReconnectCap   = 30 * time.Second
	DefaultMaxReconnects  = 10
	DefaultRequestTimeout = 10 * time.Second
)

// ClientConfig identifies the agent and tunes its connection behaviour.
type ClientConfig struct {
	URL            string
	AgentID        string
	Name           string
	Type           domain.AgentType
	Capabilities   []domain.Capability
	RequestTimeout time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
	MaxReconnects  int
}

func (c *ClientConfig) fillDefaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = DefaultReconnectCap
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
}

// EventHandler receives broadcast events that are not replies to pending
// requests.
type EventHandler func(msg Message)

// Client is one agent's connection to the coordination server. It
// re-registers and replays on reconnect using its resume token.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	mu          sync.Mutex
	ws          *websocket.Conn
	state       domain.ConnState
	pending     map[string]chan Message
	resumeToken string
	lastSeq     uint64
	heartbeat   time.Duration
	handler     EventHandler

	writeMu sync.Mutex
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	cfg.fillDefaults()
	return &Client{
		cfg:     cfg,
		logger:  logger,
		state:   domain.ConnDisconnected,
		pending: make(map[string]chan Message),
		stopCh:  make(chan struct{}),
	}
}

// OnEvent sets the broadcast handler. Must be called before Connect.
func (c *Client) OnEvent(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// State returns the connection state.
func (c *Client) State() domain.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server, registers the agent, and starts the read and
// heartbeat loops.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	if err := c.register(ctx); err != nil {
		c.teardownConn()
		return err
	}
	c.wg.Add(1)
	go c.heartbeatLoop()
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	c.mu.Lock()
	c.state = domain.ConnConnecting
	c.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.state = domain.ConnDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	c.mu.Lock()
	c.ws = ws
	c.state = domain.ConnConnected
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(ws)
	return nil
}

func (c *Client) register(ctx context.Context) error {
	caps := make([]any, 0, len(c.cfg.Capabilities))
	for _, capability := range c.cfg.Capabilities {
		caps = append(caps, string(capability))
	}
	c.mu.Lock()
	payload := map[string]any{
		"agent_id":     c.cfg.AgentID,
		"name":         c.cfg.Name,
		"type":         string(c.cfg.Type),
		"capabilities": caps,
	}
	if c.resumeToken != "" {
		payload["resume_token"] = c.resumeToken
		payload["last_seq"] = c.lastSeq
	}
	c.mu.Unlock()

	reply, err := c.Request(ctx, domain.EventAgentRegister, payload)
	if err != nil {
		return err
	}
	token, _ := reply.Payload["resume_token"].(string)
	next, _ := reply.Payload["next_heartbeat_ms"].(float64)

	c.mu.Lock()
	c.resumeToken = token
	if next > 0 {
		c.heartbeat = time.Duration(next) * time.Millisecond
	}
	c.mu.Unlock()
	return nil
}

// Request sends a correlated message and waits for its reply or the request
// timeout.
func (c *Client) Request(ctx context.Context, msgType domain.EventType, payload map[string]any) (Message, error) {
	msg := NewMessage(c.cfg.AgentID, msgType, payload)

	ch := make(chan Message, 1)
	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		return Message{}, NewError(CodeConnectionClosed, "not connected")
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.write(ws, msg); err != nil {
		return Message{}, err
	}

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()
	select {
	case reply := <-ch:
		if reply.Type == domain.EventError {
			return Message{}, ErrorFromPayload(reply)
		}
		return reply, nil
	case <-timeout.C:
		return Message{}, NewError(CodeTimeout, "request timed out")
	case <-ctx.Done():
		return Message{}, NewError(CodeTimeout, ctx.Err().Error())
	case <-c.stopCh:
		return Message{}, NewError(CodeConnectionClosed, "client closed")
	}
}

// Send fires a message without waiting for a reply.
func (c *Client) Send(msgType domain.EventType, payload map[string]any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return NewError(CodeConnectionClosed, "not connected")
	}
	return c.write(ws, NewMessage(c.cfg.AgentID, msgType, payload))
}

// write serializes sends; gorilla allows one concurrent writer.
func (c *Client) write(ws *websocket.Conn, msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	if werr := ws.WriteMessage(websocket.TextMessage, data); werr != nil {
		return NewError(CodeConnectionClosed, werr.Error())
	}
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Warn("connection lost", zap.Error(err))
			c.reconnect()
			return
		}
		msg, derr := DecodeMessage(data)
		if derr != nil {
			c.logger.Warn("dropping malformed message", zap.Error(derr))
			continue
		}
		c.route(msg)
	}
}

func (c *Client) route(msg Message) {
	if seq, ok := msg.Payload["seq"].(float64); ok {
		c.mu.Lock()
		if uint64(seq) > c.lastSeq {
			c.lastSeq = uint64(seq)
		}
		c.mu.Unlock()
	}

	if msg.CorrelationID != "" {
		c.mu.Lock()
		ch, ok := c.pending[msg.CorrelationID]
		c.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
		// Late reply after timeout; drop it.
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

// reconnect retries with exponential backoff capped at ReconnectCap, then
// re-registers with the resume token.
func (c *Client) reconnect() {
	c.teardownConn()
	c.mu.Lock()
	c.state = domain.ConnReconnecting
	c.mu.Unlock()

	delay := c.cfg.ReconnectBase
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.dial(ctx)
		if err == nil {
			err = c.register(ctx)
		}
		cancel()
		if err == nil {
			c.logger.Info("reconnected", zap.Int("attempt", attempt))
			return
		}
		c.teardownConn()
		c.logger.Warn("reconnect failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
		delay *= 2
		if delay > c.cfg.ReconnectCap {
			delay = c.cfg.ReconnectCap
		}
	}
	c.mu.Lock()
	c.state = domain.ConnDisconnected
	c.mu.Unlock()
	c.logger.Error("gave up reconnecting")
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		interval := c.heartbeat
		c.mu.Unlock()
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-c.stopCh:
			return
		case <-time.After(interval):
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		if _, err := c.Request(ctx, domain.EventAgentHeartbeat, nil); err != nil {
			c.logger.Warn("heartbeat failed", zap.Error(err))
		}
		cancel()
	}
}

// AcquireLock requests a lock and returns its grant.
func (c *Client) AcquireLock(ctx context.Context, resource domain.LockResource, mode domain.LockMode) (*domain.Lock, error) {
	reply, err := c.Request(ctx, domain.EventLockRequest, map[string]any{
		"resource": resource.String(),
		"mode":     string(mode),
	})
	if err != nil {
		return nil, err
	}
	if reply.Type == domain.EventLockDenied {
		code, _ := reply.Payload["code"].(string)
		message, _ := reply.Payload["message"].(string)
		if code == "" {
			code = string(CodeLockFailed)
		}
		return nil, NewError(ErrorCode(code), message)
	}
	lockID, _ := reply.Payload["lock_id"].(string)
	grantedAt, _ := reply.Payload["granted_at"].(time.Time)
	expiresAt, _ := reply.Payload["expires_at"].(time.Time)
	return &domain.Lock{
		LockID:        lockID,
		Resource:      resource,
		Mode:          mode,
		HolderAgentID: c.cfg.AgentID,
		GrantedAt:     grantedAt,
		ExpiresAt:     expiresAt,
	}, nil
}

// ReleaseLock frees a held lock.
func (c *Client) ReleaseLock(ctx context.Context, lockID string) error {
	_, err := c.Request(ctx, domain.EventLockRelease, map[string]any{
		"lock_id": lockID,
	})
	return err
}

// Subscribe installs a filtered subscription; events arrive via OnEvent.
func (c *Client) Subscribe(ctx context.Context, filter domain.SubscriptionFilter) (string, error) {
	payload := map[string]any{}
	if len(filter.EventTypes) > 0 {
		types := make([]any, 0, len(filter.EventTypes))
		for _, t := range filter.EventTypes {
			types = append(types, string(t))
		}
		payload["event_types"] = types
	}
	if len(filter.Layers) > 0 {
		layers := make([]any, 0, len(filter.Layers))
		for _, l := range filter.Layers {
			layers = append(layers, string(l))
		}
		payload["layers"] = layers
	}
	if len(filter.AgentIDs) > 0 {
		ids := make([]any, 0, len(filter.AgentIDs))
		for _, id := range filter.AgentIDs {
			ids = append(ids, id)
		}
		payload["agent_ids"] = ids
	}
	if len(filter.Tags) > 0 {
		tags := make([]any, 0, len(filter.Tags))
		for _, t := range filter.Tags {
			tags = append(tags, t)
		}
		payload["tags"] = tags
	}
	reply, err := c.Request(ctx, domain.EventSubscribe, payload)
	if err != nil {
		return "", err
	}
	subID, _ := reply.Payload["subscription_id"].(string)
	return subID, nil
}

func (c *Client) teardownConn() {
	c.mu.Lock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.mu.Unlock()
}

// Close disconnects and stops every loop.
func (c *Client) Close() error {
	c.stopped.Do(func() {
		_ = c.Send(domain.EventAgentDisconnect, nil)
		close(c.stopCh)
		c.teardownConn()
	})
	c.wg.Wait()
	return nil
}
