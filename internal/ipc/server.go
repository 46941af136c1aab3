package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"meritd/internal/logging"
)

// Handler processes daemon requests arriving over IPC.
type Handler interface {
	HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, client *Client, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, client *Client, msg *Message) (*Message, error) {
	return f(ctx, client, msg)
}

// DisconnectHandler is implemented by handlers that need to know when a
// client goes away, e.g. to clear state the client pushed while connected.
type DisconnectHandler interface {
	HandleDisconnect(clientID string)
}

// Client is the server-side state of one connection. The exported fields
// are filled in during handshake and authentication; handlers read them
// to check permissions and to attribute app-origin merit.
type Client struct {
	mu            sync.Mutex
	ID            string
	Permission    PermissionLevel
	Authenticated bool
	Version       string
	Name          string
	AppID         string
	ConnectedAt   time.Time
	LastActivity  time.Time

	conn net.Conn
	subs map[EventType]bool

	out   chan *Message // frames queued for the writer goroutine
	wdone chan struct{} // closed when the writer exits
	gone  chan struct{} // closed when the connection unregisters
}

// send queues a frame for the connection's writer. Replies wait for queue
// space; droppable frames (events, pings) are discarded instead, so one
// stalled reader cannot back up the daemon.
func (c *Client) send(msg *Message, droppable bool) bool {
	if droppable {
		select {
		case c.out <- msg:
			return true
		default:
			return false
		}
	}
	select {
	case c.out <- msg:
		return true
	case <-c.wdone:
		return false
	}
}

// wants reports whether the connection subscribed to the event type.
func (c *Client) wants(t EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[t]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.LastActivity = time.Now()
	c.mu.Unlock()
}

// allEventTypes is the subscription set an empty subscribe request expands to.
var allEventTypes = []EventType{
	EventStatsUpdated,
	EventInputPop,
	EventHeatmapUpdated,
	EventListeningChanged,
	EventListenerError,
	EventSettingsUpdated,
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string // Unix socket path, or named pipe path on Windows
	Version        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
}

// DefaultServerConfig returns sensible defaults for the given socket path.
func DefaultServerConfig(socketPath string) ServerConfig {
	return ServerConfig{
		SocketPath:     socketPath,
		Version:        "1.0.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 100,
	}
}

// Server accepts local clients on the daemon socket and routes their
// requests to a Handler. Handshake, authentication, keepalive, and event
// fan-out are resolved here; everything else belongs to the handler.
type Server struct {
	socketPath string
	version    string
	handler    Handler

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxConns     int

	mu       sync.RWMutex
	listener net.Listener
	clients  map[string]*Client

	evq     chan *Event
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	connSeq atomic.Uint64
}

// NewServer creates a server for the given socket path. Zero timeouts and
// limits fall back to the defaults.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("socket path required")
	}

	def := DefaultServerConfig(cfg.SocketPath)
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		socketPath:   cfg.SocketPath,
		version:      cfg.Version,
		handler:      handler,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		maxConns:     cfg.MaxConnections,
		clients:      make(map[string]*Client),
		evq:          make(chan *Event, 128),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start binds the socket and begins accepting clients. A socket with a
// live daemon behind it is an error; a stale socket file is removed.
func (s *Server) Start() error {
	if err := prepareSocket(s.socketPath); err != nil {
		return err
	}

	ln, err := listenSocket(s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	if err := SetSocketPermissions(s.socketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(2)
	go s.accept(ln)
	go s.fanOut()

	logging.Info("ipc server listening", "socket", s.socketPath)
	return nil
}

// Stop closes the listener and every connection, then removes the socket
// file. Safe to call more than once.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logging.Warn("ipc server shutdown timed out waiting for connections")
	}

	if err := CleanupSocket(s.socketPath); err != nil {
		logging.Warn("ipc socket cleanup failed", "error", err)
	}

	logging.Info("ipc server stopped")
	return nil
}

// SocketPath returns the socket path the server is bound to.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast queues an event for delivery to subscribed clients. It never
// blocks; when the queue is full the event is dropped.
func (s *Server) Broadcast(event *Event) {
	if !s.running.Load() {
		return
	}
	select {
	case s.evq <- event:
	default:
	}
}

func (s *Server) accept(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Warn("ipc accept failed", "error", err)
			continue
		}

		if c := s.admit(conn); c != nil {
			s.wg.Add(2)
			go s.readLoop(c)
			go s.writeLoop(c)
		}
	}
}

// admit registers a connection unless the server is stopping or the
// client cap is reached. New connections start read-only and
// unauthenticated.
func (s *Server) admit(conn net.Conn) *Client {
	now := time.Now()
	c := &Client{
		ID:           fmt.Sprintf("conn-%d", s.connSeq.Add(1)),
		Permission:   PermReadOnly,
		ConnectedAt:  now,
		LastActivity: now,
		conn:         conn,
		out:          make(chan *Message, 64),
		wdone:        make(chan struct{}),
		gone:         make(chan struct{}),
	}

	s.mu.Lock()
	switch {
	case !s.running.Load():
		s.mu.Unlock()
		conn.Close()
		return nil
	case len(s.clients) >= s.maxConns:
		s.mu.Unlock()
		conn.Close()
		logging.Warn("ipc connection refused, client cap reached", "cap", s.maxConns)
		return nil
	}
	s.clients[c.ID] = c
	s.mu.Unlock()

	logging.Debug("ipc client connected", "client", c.ID)
	return c
}

// readLoop drives one connection: frames in, replies out. Replies go
// through the writer's queue so they interleave cleanly with broadcast
// events.
func (s *Server) readLoop(c *Client) {
	defer s.wg.Done()
	defer s.drop(c)

	for s.ctx.Err() == nil {
		c.conn.SetReadDeadline(time.Now().Add(s.readTimeout))

		msg, err := ReadMessage(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Idle connection; ping so the peer can prove liveness.
				c.send(NewMessage(MsgPing, 0, nil), true)
				continue
			}
			logging.Debug("ipc read failed", "client", c.ID, "error", err)
			return
		}

		c.touch()

		reply, err := s.dispatch(c, msg)
		if err != nil {
			reply = NewErrorMessage(msg.Header.RequestID, ErrInternalError, err.Error())
		}
		if reply != nil && !c.send(reply, false) {
			return
		}
	}
}

// writeLoop serializes all frames onto one connection. Closing the conn
// on a write failure unblocks the read side as well.
func (s *Server) writeLoop(c *Client) {
	defer s.wg.Done()
	defer close(c.wdone)

	for {
		select {
		case <-c.gone:
			return
		case msg := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := msg.Write(c.conn); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// drop unregisters a connection and lets the handler clean up after it.
func (s *Server) drop(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.ID)
	s.mu.Unlock()

	c.conn.Close()
	close(c.gone)

	if dh, ok := s.handler.(DisconnectHandler); ok {
		dh.HandleDisconnect(c.ID)
	}
	logging.Debug("ipc client disconnected", "client", c.ID)
}

// dispatch resolves protocol messages inline and passes the rest to the
// handler. Before authentication only the status probe goes through, so
// health checks work without a handshake.
func (s *Server) dispatch(c *Client, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil
	case MsgPong:
		return nil, nil
	case MsgHandshake:
		return s.onHandshake(c, msg)
	case MsgAuthenticate:
		return s.onAuthenticate(c, msg)
	case MsgSubscribe:
		return s.onSubscribe(c, msg)
	case MsgUnsubscribe:
		return s.onUnsubscribe(c, msg)
	}

	if !c.Authenticated && msg.Header.Type != MsgStatusRequest {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, "not authenticated"), nil
	}
	if s.handler == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "no handler"), nil
	}
	return s.handler.HandleMessage(s.ctx, c, msg)
}

func (s *Server) onHandshake(c *Client, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid handshake"), nil
	}

	c.mu.Lock()
	c.Version = req.ClientVersion
	c.Name = req.ClientName
	c.AppID = req.ClientID
	perm := c.Permission
	c.mu.Unlock()

	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, &HandshakeResponse{
		ServerVersion:   s.version,
		ProtocolVersion: ProtocolVersion,
		ConnectionID:    c.ID,
		Permission:      perm,
	})
}

// onAuthenticate resolves the connection's permission level. The socket
// mode already restricts access to the owning user; the pid method
// additionally checks kernel peer credentials and grants full control on
// a match.
func (s *Server) onAuthenticate(c *Client, msg *Message) (*Message, error) {
	var req AuthRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid auth request"), nil
	}

	perm, ok := PermReadWrite, true
	if req.Method == "pid" {
		perm, ok = s.peerPermission(c)
	}

	if ok {
		c.mu.Lock()
		c.Authenticated = true
		c.Permission = perm
		c.mu.Unlock()
	}

	resp := &AuthResponse{Success: ok, Permission: perm}
	if !ok {
		resp.Error = "peer is not the socket owner"
	}
	return NewResponse(MsgAuthResponse, msg.Header.RequestID, resp)
}

// peerPermission maps kernel peer credentials to a permission level. A
// failed credential lookup falls back to read-write rather than refusing;
// the socket mode is the primary gate and some transports cannot report
// credentials at all.
func (s *Server) peerPermission(c *Client) (PermissionLevel, bool) {
	sameUser, err := VerifyPeerIsCurrentUser(c.conn)
	if err != nil {
		logging.Debug("peer credential check failed", "client", c.ID, "error", err)
		return PermReadWrite, true
	}
	if !sameUser {
		return PermReadOnly, false
	}
	return PermFullControl, true
}

// onSubscribe replaces the connection's event subscriptions. An empty
// request subscribes to every event type.
func (s *Server) onSubscribe(c *Client, msg *Message) (*Message, error) {
	var req SubscribeRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid subscribe request"), nil
		}
	}

	types := req.Events
	if len(types) == 0 {
		types = allEventTypes
	}

	subs := make(map[EventType]bool, len(types))
	for _, t := range types {
		subs[t] = true
	}

	c.mu.Lock()
	c.subs = subs
	c.mu.Unlock()

	return NewResponse(MsgSubscribeResp, msg.Header.RequestID, &SubscribeResponse{
		Success: true,
		Events:  types,
	})
}

func (s *Server) onUnsubscribe(c *Client, msg *Message) (*Message, error) {
	c.mu.Lock()
	c.subs = nil
	c.mu.Unlock()

	return NewResponse(MsgUnsubscribeResp, msg.Header.RequestID, &UnsubscribeResponse{Success: true})
}

// fanOut delivers queued events to subscribed clients. Each event is
// encoded once; delivery goes through the per-connection write queues,
// so events reach every client in publish order and a stalled client
// only loses its own.
func (s *Server) fanOut() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.evq:
			payload, err := Encode(event)
			if err != nil {
				logging.Warn("ipc event encode failed", "type", event.Type, "error", err)
				continue
			}

			s.mu.RLock()
			targets := make([]*Client, 0, len(s.clients))
			for _, c := range s.clients {
				if c.wants(event.Type) {
					targets = append(targets, c)
				}
			}
			s.mu.RUnlock()

			for _, c := range targets {
				c.send(NewMessage(MsgEvent, 0, payload), true)
			}
		}
	}
}
