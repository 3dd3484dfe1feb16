package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/titanmem/titan/internal/buildconfig"
	"github.com/titanmem/titan/internal/domain"
)

const (
	serverSenderID = "a2a-server"
	// connSendBuffer bounds per-connection outbound queueing; a slow
	// consumer is disconnected rather than blocking the broker.
	connSendBuffer = 64
	sweepInterval  = 5 * time.Second
	writeDeadline  = 10 * time.Second
)

// ServerConfig carries the coordination server limits and timings.
type ServerConfig struct {
	Addr              string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	LockExpiry        time.Duration
	LockTimeout       time.Duration
	MaxAgents         int
	MaxLocksPerAgent  int
	MaxWaitQueueSize  int
	RateLimitRPS      float64
	RateLimitBurst    int
	ConflictStrategy  domain.ConflictStrategy
}

// Server is the A2A coordination hub: one WebSocket endpoint multiplexing
// the registry, lock manager, broker, and conflict detector.
type Server struct {
	cfg       ServerConfig
	router    chi.Router
	http      *http.Server
	registry  *Registry
	locks     *LockManager
	broker    *Broker
	conflicts *ConflictDetector
	upgrader  websocket.Upgrader
	logger    *zap.Logger

	mu     sync.Mutex
	conns  map[string]*serverConn
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// serverConn is one live WebSocket connection.
type serverConn struct {
	agentID string
	ws      *websocket.Conn
	send    chan Message
	limiter *rate.Limiter
	subs    []string
	closeMu sync.Once
	closed  chan struct{}
}

func NewServer(cfg ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxAgents, cfg.HeartbeatTimeout, logger),
		locks: NewLockManager(LockManagerConfig{
			LockExpiry:       cfg.LockExpiry,
			LockTimeout:      cfg.LockTimeout,
			MaxLocksPerAgent: cfg.MaxLocksPerAgent,
			MaxWaitQueueSize: cfg.MaxWaitQueueSize,
		}, logger),
		broker: NewBroker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[string]*serverConn),
		stopCh: make(chan struct{}),
	}
	s.conflicts = NewConflictDetector(cfg.ConflictStrategy, s.broker)

	s.registry.OnExpire(func(agentID string) {
		s.locks.ReleaseAgent(agentID)
		s.broker.UnsubscribeAgent(agentID)
		s.dropConn(agentID)
	})
	s.locks.OnRelease(func(lock domain.Lock) {
		s.broker.Publish(domain.EventLockReleased, serverSenderID, map[string]any{
			"lock_id":  lock.LockID,
			"resource": lock.Resource.String(),
			"agent_id": lock.HolderAgentID,
		})
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/ws", s.handleWS)
	s.router = r
	s.http = &http.Server{Addr: cfg.Addr, Handler: r}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start begins serving and the periodic sweeps. It returns once the
// listener is handed off.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.registry.SweepExpired()
				s.locks.SweepExpired()
				s.conflicts.Sweep()
			case <-s.stopCh:
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("a2a server listening", zap.String("addr", s.cfg.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("a2a server failed", zap.Error(err))
		}
	}()
	return nil
}

// Close shuts the server down, disconnecting every agent.
func (s *Server) Close(ctx context.Context) error {
	close(s.stopCh)
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.closeConn(c)
	}
	s.wg.Wait()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"build":  buildconfig.Current(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"agents":      s.registry.Count(),
		"locks":       s.locks.Count(),
		"subscribers": s.broker.SubscriberCount(),
		"conflicts":   s.conflicts.Detected(),
		"last_seq":    s.broker.LastSeq(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &serverConn{
		ws:      ws,
		send:    make(chan Message, connSendBuffer),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RateLimitRPS), s.cfg.RateLimitBurst),
		closed:  make(chan struct{}),
	}
	s.wg.Add(2)
	go s.writePump(conn)
	go s.readPump(conn)
}

func (s *Server) writePump(conn *serverConn) {
	defer s.wg.Done()
	for {
		select {
		case msg := <-conn.send:
			data, err := EncodeMessage(msg)
			if err != nil {
				s.logger.Warn("failed to encode message", zap.Error(err))
				continue
			}
			conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.closeConn(conn)
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (s *Server) readPump(conn *serverConn) {
	defer s.wg.Done()
	defer s.cleanupConn(conn)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		if !conn.limiter.Allow() {
			s.sendError(conn, Message{}, NewError(CodeRateLimited, "request rate exceeded"))
			continue
		}
		msg, derr := DecodeMessage(data)
		if derr != nil {
			s.sendError(conn, Message{}, derr.(*Error))
			continue
		}
		s.dispatch(conn, msg)
	}
}

// dispatch routes one inbound message. Lock requests run on their own
// goroutine because they may wait in the FIFO queue.
func (s *Server) dispatch(conn *serverConn, msg Message) {
	if msg.Type != domain.EventAgentRegister && conn.agentID == "" {
		s.sendError(conn, msg, NewError(CodeAgentNotRegistered, "register first"))
		return
	}

	switch msg.Type {
	case domain.EventAgentRegister:
		s.handleRegister(conn, msg)
	case domain.EventAgentHeartbeat:
		s.handleHeartbeat(conn, msg)
	case domain.EventAgentDisconnect:
		s.closeConn(conn)
	case domain.EventAgentList:
		s.handleList(conn, msg)
	case domain.EventLockRequest:
		go s.handleLockRequest(conn, msg)
	case domain.EventLockRelease:
		s.handleLockRelease(conn, msg)
	case domain.EventSubscribe:
		s.handleSubscribe(conn, msg)
	case domain.EventUnsubscribe:
		s.handleUnsubscribe(conn, msg)
	case domain.EventMemoryAdded, domain.EventMemoryUpdated, domain.EventMemoryDeleted, domain.EventMemoryRecalled:
		s.handleMemoryEvent(conn, msg)
	default:
		s.sendError(conn, msg, NewError(CodeInvalidMessage, "unsupported message type "+string(msg.Type)))
	}
}

func (s *Server) handleRegister(conn *serverConn, msg Message) {
	agentID, _ := msg.Payload["agent_id"].(string)
	name, _ := msg.Payload["name"].(string)
	agentType, _ := msg.Payload["type"].(string)
	var caps []domain.Capability
	if raw, ok := msg.Payload["capabilities"].([]any); ok {
		for _, c := range raw {
			if cs, ok := c.(string); ok {
				caps = append(caps, domain.Capability(cs))
			}
		}
	}
	resumeToken, _ := msg.Payload["resume_token"].(string)
	lastSeq, _ := msg.Payload["last_seq"].(float64)

	resumable := agentID != "" && s.registry.ValidateResumeToken(agentID, resumeToken)

	agent, err := s.registry.Register(agentID, name, domain.AgentType(agentType), caps)
	if err != nil {
		s.sendError(conn, msg, err.(*Error))
		return
	}
	conn.agentID = agent.ID

	s.mu.Lock()
	if old, ok := s.conns[agent.ID]; ok && old != conn {
		defer s.closeConn(old)
	}
	s.conns[agent.ID] = conn
	s.mu.Unlock()

	s.sendTo(conn, msg.Reply(serverSenderID, domain.EventAgentRegistered, map[string]any{
		"agent":             agentView(agent),
		"resume_token":      agent.ResumeToken,
		"next_heartbeat_ms": s.cfg.HeartbeatInterval.Milliseconds(),
		"resumed":           resumable,
	}))

	// A valid resume token replays the events missed while away.
	if resumable {
		for _, ev := range s.broker.ReplaySince(uint64(lastSeq)) {
			s.sendTo(conn, eventMessage(ev))
		}
	}

	s.broker.Publish(domain.EventAgentRegistered, serverSenderID, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"type":     string(agent.Type),
	})
}

func (s *Server) handleHeartbeat(conn *serverConn, msg Message) {
	if _, err := s.registry.Heartbeat(conn.agentID); err != nil {
		s.sendError(conn, msg, err.(*Error))
		return
	}
	s.sendTo(conn, msg.Reply(serverSenderID, domain.EventAgentHeartbeatAck, map[string]any{
		"next_heartbeat_ms": s.cfg.HeartbeatInterval.Milliseconds(),
	}))
}

func (s *Server) handleList(conn *serverConn, msg Message) {
	agents := s.registry.List()
	views := make([]map[string]any, 0, len(agents))
	for i := range agents {
		views = append(views, agentView(&agents[i]))
	}
	s.sendTo(conn, msg.Reply(serverSenderID, domain.EventAgentListResponse, map[string]any{
		"agents": views,
	}))
}

func (s *Server) handleLockRequest(conn *serverConn, msg Message) {
	resourceStr, _ := msg.Payload["resource"].(string)
	modeStr, _ := msg.Payload["mode"].(string)
	resource, err := domain.ParseLockResource(resourceStr)
	if err != nil {
		s.sendError(conn, msg, NewError(CodeInvalidMessage, "bad resource "+resourceStr))
		return
	}
	lock, lerr := s.locks.Acquire(conn.agentID, resource, domain.LockMode(modeStr))
	if lerr != nil {
		reply := msg.Reply(serverSenderID, domain.EventLockDenied, map[string]any{
			"resource":    resourceStr,
			"code":        string(lerr.Code),
			"message":     lerr.Message,
			"recoverable": lerr.Recoverable,
		})
		s.sendTo(conn, reply)
		return
	}
	s.sendTo(conn, msg.Reply(serverSenderID, domain.EventLockGranted, map[string]any{
		"lock_id":    lock.LockID,
		"resource":   lock.Resource.String(),
		"mode":       string(lock.Mode),
		"granted_at": lock.GrantedAt,
		"expires_at": lock.ExpiresAt,
	}))
	s.broker.Publish(domain.EventLockGranted, conn.agentID, map[string]any{
		"lock_id":  lock.LockID,
		"resource": lock.Resource.String(),
		"agent_id": conn.agentID,
	})
}

func (s *Server) handleLockRelease(conn *serverConn, msg Message) {
	lockID, _ := msg.Payload["lock_id"].(string)
	if err := s.locks.Release(conn.agentID, lockID); err != nil {
		s.sendError(conn, msg, err)
		return
	}
	s.sendTo(conn, msg.Reply(serverSenderID, domain.EventLockReleased, map[string]any{
		"lock_id": lockID,
	}))
}

func (s *Server) handleSubscribe(conn *serverConn, msg Message) {
	filter := parseFilter(msg.Payload)
	subID := s.broker.Subscribe(conn.agentID, filter, func(ev domain.Event) {
		s.sendTo(conn, eventMessage(ev))
	})
	s.mu.Lock()
	conn.subs = append(conn.subs, subID)
	s.mu.Unlock()
	s.sendTo(conn, msg.Reply(serverSenderID, domain.EventSubscribeAck, map[string]any{
		"subscription_id": subID,
		"last_seq":        s.broker.LastSeq(),
	}))
}

func (s *Server) handleUnsubscribe(conn *serverConn, msg Message) {
	subID, _ := msg.Payload["subscription_id"].(string)
	s.broker.Unsubscribe(subID)
	s.sendTo(conn, msg.Reply(serverSenderID, domain.EventUnsubscribeAck, map[string]any{
		"subscription_id": subID,
	}))
}

// handleMemoryEvent re-broadcasts a client memory event and, for unlocked
// writes, feeds the conflict detector.
func (s *Server) handleMemoryEvent(conn *serverConn, msg Message) {
	memoryID, _ := msg.Payload["memory_id"].(string)
	locked, _ := msg.Payload["locked"].(bool)
	if memoryID != "" && !locked && msg.Type != domain.EventMemoryRecalled {
		s.conflicts.ObserveWrite(memoryID, conn.agentID, msg.Payload)
	}
	s.broker.Publish(msg.Type, conn.agentID, msg.Payload)
}

func (s *Server) sendTo(conn *serverConn, msg Message) {
	select {
	case conn.send <- msg:
	case <-conn.closed:
	default:
		s.logger.Warn("send buffer full, dropping connection",
			zap.String("agent", conn.agentID))
		s.closeConn(conn)
	}
}

func (s *Server) sendError(conn *serverConn, req Message, e *Error) {
	s.sendTo(conn, req.ErrorReply(serverSenderID, e))
}

// cleanupConn runs when a read pump exits: release locks, drop subs,
// deregister.
func (s *Server) cleanupConn(conn *serverConn) {
	s.closeConn(conn)
	if conn.agentID == "" {
		return
	}
	s.locks.ReleaseAgent(conn.agentID)
	s.broker.UnsubscribeAgent(conn.agentID)
	s.registry.Disconnect(conn.agentID)
	s.mu.Lock()
	if s.conns[conn.agentID] == conn {
		delete(s.conns, conn.agentID)
	}
	s.mu.Unlock()
}

func (s *Server) closeConn(conn *serverConn) {
	conn.closeMu.Do(func() {
		close(conn.closed)
		conn.ws.Close()
	})
}

func (s *Server) dropConn(agentID string) {
	s.mu.Lock()
	conn := s.conns[agentID]
	delete(s.conns, agentID)
	s.mu.Unlock()
	if conn != nil {
		s.closeConn(conn)
	}
}

func eventMessage(ev domain.Event) Message {
	payload := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	payload["seq"] = ev.Seq
	return NewMessage(ev.Sender, ev.Type, payload)
}

func agentView(a *domain.Agent) map[string]any {
	caps := make([]string, 0, len(a.Capabilities))
	for _, c := range a.Capabilities {
		caps = append(caps, string(c))
	}
	return map[string]any{
		"id":           a.ID,
		"name":         a.Name,
		"type":         string(a.Type),
		"capabilities": caps,
	}
}

func parseFilter(payload map[string]any) domain.SubscriptionFilter {
	var f domain.SubscriptionFilter
	if raw, ok := payload["event_types"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				f.EventTypes = append(f.EventTypes, domain.EventType(s))
			}
		}
	}
	if raw, ok := payload["layers"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				f.Layers = append(f.Layers, domain.Layer(s))
			}
		}
	}
	if raw, ok := payload["agent_ids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				f.AgentIDs = append(f.AgentIDs, s)
			}
		}
	}
	if raw, ok := payload["tags"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				f.Tags = append(f.Tags, s)
			}
		}
	}
	return f
}
