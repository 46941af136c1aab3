package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"meritd/internal/history"
	"meritd/internal/merit"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrTimeout          = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// Client-side frame timeouts. The idle read timeout matches the server's
// read timeout; both ends ping a quiet connection instead of dropping it.
const (
	frameWriteTimeout = 10 * time.Second
	idleReadTimeout   = 60 * time.Second
)

// DaemonError is an error the daemon reported for a request.
type DaemonError struct {
	Code    int
	Message string
}

func (e *DaemonError) Error() string {
	return e.Message
}

// callTable routes reply frames to the requests waiting on them.
type callTable struct {
	mu sync.Mutex
	m  map[uint32]chan *Message
}

// expect registers a waiter for the request id.
func (t *callTable) expect(id uint32) chan *Message {
	ch := make(chan *Message, 1)
	t.mu.Lock()
	if t.m == nil {
		t.m = make(map[uint32]chan *Message)
	}
	t.m[id] = ch
	t.mu.Unlock()
	return ch
}

func (t *callTable) forget(id uint32) {
	t.mu.Lock()
	delete(t.m, id)
	t.mu.Unlock()
}

// settle hands a reply to its waiter, if one is still registered.
func (t *callTable) settle(id uint32, msg *Message) {
	t.mu.Lock()
	if ch, ok := t.m[id]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
	t.mu.Unlock()
}

// failAll closes every waiter so in-flight requests fail fast when the
// connection is lost.
func (t *callTable) failAll() {
	t.mu.Lock()
	for _, ch := range t.m {
		close(ch)
	}
	t.m = make(map[uint32]chan *Message)
	t.mu.Unlock()
}

// IPCClient talks to the meritd daemon over its local socket. One
// connection carries concurrent requests plus the event stream; a reader
// goroutine per connection routes replies to waiters by request id.
type IPCClient struct {
	config ClientConfig

	mu            sync.RWMutex
	conn          net.Conn
	connectionID  string
	serverVersion string
	permission    PermissionLevel

	connectMu    sync.Mutex // serializes Connect against redial
	wmu          sync.Mutex // concurrent requests share one socket
	connected    atomic.Bool
	reconnecting atomic.Bool

	calls  callTable
	reqSeq atomic.Uint32

	eventChan    chan *Event
	eventHandler EventHandler
	eventMu      sync.RWMutex

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ClientID       string // stable app id, used to attribute app-origin merit
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration
	MaxReconnect   int
}

// DefaultClientConfig returns sensible defaults for the given socket path.
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ClientID:       "meritctl",
		ClientName:     "meritctl",
		ClientVersion:  "1.0.0",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		AutoReconnect:  true,
		ReconnectWait:  time.Second,
		MaxReconnect:   3,
	}
}

// EventHandler is called when events are received
type EventHandler func(event *Event)

// NewClient creates a client for the daemon socket. Zero timeouts fall
// back to the defaults.
func NewClient(cfg ClientConfig) *IPCClient {
	def := DefaultClientConfig(cfg.SocketPath)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &IPCClient{
		config:    cfg,
		eventChan: make(chan *Event, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Connect dials the daemon, then runs the handshake and authentication
// exchange.
func (c *IPCClient) Connect() error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.ctx.Err() != nil {
		return c.ctx.Err()
	}
	if c.connected.Load() {
		return nil
	}

	conn, err := c.dialSocket()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)

	// The reader must be live before the first request so its reply can
	// be routed back.
	c.wg.Add(1)
	go c.readFrames(conn)

	if err := c.login(); err != nil {
		c.teardown(conn)
		return err
	}
	return nil
}

// login runs the handshake and authentication on a fresh connection.
// Authentication uses the pid method; the daemon checks kernel peer
// credentials rather than trusting the claimed pid.
func (c *IPCClient) login() error {
	hello := &HandshakeRequest{
		ClientID:        c.config.ClientID,
		ClientName:      c.config.ClientName,
		ClientVersion:   c.config.ClientVersion,
		ProtocolVersion: ProtocolVersion,
	}
	resp, err := c.request(MsgHandshake, hello)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	var ack HandshakeResponse
	if err := decodeResponse(resp, MsgHandshakeAck, &ack); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	c.connectionID = ack.ConnectionID
	c.serverVersion = ack.ServerVersion
	c.permission = ack.Permission
	c.mu.Unlock()

	resp, err = c.request(MsgAuthenticate, &AuthRequest{Method: "pid", PID: os.Getpid()})
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	var auth AuthResponse
	if err := decodeResponse(resp, MsgAuthResponse, &auth); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if !auth.Success {
		return fmt.Errorf("authenticate: %s", auth.Error)
	}

	c.mu.Lock()
	c.permission = auth.Permission
	c.mu.Unlock()
	return nil
}

// Close shuts the client down and closes the event channel once the
// reader has exited.
func (c *IPCClient) Close() error {
	c.cancel()
	if conn := c.current(); conn != nil {
		c.teardown(conn)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.closeOnce.Do(func() { close(c.eventChan) })
	case <-time.After(2 * time.Second):
		// Reader still alive; leave the event channel open rather than
		// risk a send on a closed channel.
	}

	return nil
}

// teardown closes a connection and fails its in-flight requests. A stale
// reader whose connection was already replaced must not touch the new
// one, so only the current connection is torn down.
func (c *IPCClient) teardown(conn net.Conn) bool {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
	if current {
		c.connected.Store(false)
		c.calls.failAll()
	}
	return current
}

// current returns the live connection, nil when disconnected.
func (c *IPCClient) current() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// IsConnected returns whether the client is connected
func (c *IPCClient) IsConnected() bool {
	return c.connected.Load()
}

// ConnectionID returns the connection id assigned by the server
func (c *IPCClient) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// ServerVersion returns the daemon version reported in the handshake
func (c *IPCClient) ServerVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverVersion
}

// Permission returns the granted permission level
func (c *IPCClient) Permission() PermissionLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.permission
}

// SetEventHandler sets the handler for streamed events
func (c *IPCClient) SetEventHandler(handler EventHandler) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventHandler = handler
}

// Events returns the event channel for streamed events
func (c *IPCClient) Events() <-chan *Event {
	return c.eventChan
}

// writeFrame writes one frame under the write lock.
func (c *IPCClient) writeFrame(conn net.Conn, msg *Message) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(frameWriteTimeout))
	return msg.Write(conn)
}

// request sends a frame and waits for the matching reply.
func (c *IPCClient) request(msgType MessageType, payload any) (*Message, error) {
	return c.requestWithTimeout(msgType, payload, c.config.RequestTimeout)
}

// requestWithTimeout sends a request with a custom timeout
func (c *IPCClient) requestWithTimeout(msgType MessageType, payload any, timeout time.Duration) (*Message, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}

	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	id := c.reqSeq.Add(1)
	ch := c.calls.expect(id)
	defer c.calls.forget(id)

	if err := c.writeFrame(conn, NewMessage(msgType, id, data)); err != nil {
		if c.teardown(conn) && c.config.AutoReconnect {
			go c.redial()
		}
		return nil, fmt.Errorf("write message: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// readFrames reads and routes frames until the connection dies. On an
// unexpected loss it tears the connection down and, when configured,
// kicks off reconnection.
func (c *IPCClient) readFrames(conn net.Conn) {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(idleReadTimeout))

		msg, err := ReadMessage(conn)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Quiet stretch; ping so the daemon knows we are alive.
				c.writeFrame(conn, NewMessage(MsgPing, 0, nil))
				continue
			}
			if c.teardown(conn) && c.config.AutoReconnect {
				go c.redial()
			}
			return
		}

		c.route(conn, msg)
	}
}

// route dispatches one incoming frame by type.
func (c *IPCClient) route(conn net.Conn, msg *Message) {
	switch msg.Header.Type {
	case MsgPing:
		// Server liveness probe; echo the id back.
		c.writeFrame(conn, NewMessage(MsgPong, msg.Header.RequestID, nil))

	case MsgPong:
		// Reply to our keepalive.

	case MsgEvent:
		var event Event
		if err := Decode(msg.Payload, &event); err == nil {
			c.deliver(&event)
		}

	default:
		c.calls.settle(msg.Header.RequestID, msg)
	}
}

// deliver hands an event to the channel and the handler. A full channel
// drops the event.
func (c *IPCClient) deliver(event *Event) {
	select {
	case c.eventChan <- event:
	default:
	}

	c.eventMu.RLock()
	handler := c.eventHandler
	c.eventMu.RUnlock()
	if handler != nil {
		go handler(event)
	}
}

// redial retries Connect a bounded number of times after a lost
// connection. Only one redial loop runs at a time.
func (c *IPCClient) redial() {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer c.reconnecting.Store(false)

	for attempt := 0; attempt < c.config.MaxReconnect; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.config.ReconnectWait):
		}

		if err := c.Connect(); err == nil {
			return
		}
	}
}

// decodeResponse validates a reply frame and decodes its payload. Error
// frames come back as *DaemonError.
func decodeResponse(resp *Message, want MessageType, out any) error {
	if resp.Header.Type == MsgError {
		var er ErrorResponse
		if err := Decode(resp.Payload, &er); err != nil {
			return &DaemonError{Code: ErrUnknown, Message: "undecodable error response"}
		}
		return &DaemonError{Code: er.Code, Message: er.Message}
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response type: 0x%04X", uint16(resp.Header.Type))
	}
	if out == nil {
		return nil
	}
	return Decode(resp.Payload, out)
}

// ackCall sends a mutation and unwraps its acknowledgement.
func (c *IPCClient) ackCall(msgType, respType MessageType, payload any) error {
	resp, err := c.request(msgType, payload)
	if err != nil {
		return err
	}

	var ack AckResponse
	if err := decodeResponse(resp, respType, &ack); err != nil {
		return err
	}
	if !ack.Success {
		if ack.Error != "" {
			return errors.New(ack.Error)
		}
		return errors.New("operation failed")
	}
	return nil
}

// High-level API methods

// Ping checks if the daemon is responsive
func (c *IPCClient) Ping() error {
	resp, err := c.requestWithTimeout(MsgPing, nil, 5*time.Second)
	if err != nil {
		return err
	}

	if resp.Header.Type != MsgPong {
		return fmt.Errorf("unexpected response: %d", resp.Header.Type)
	}

	return nil
}

// Status requests daemon status. With includeCounts the response carries
// the running total and today's count.
func (c *IPCClient) Status(includeCounts bool) (*StatusResponse, error) {
	req := &StatusRequest{IncludeCounts: includeCounts}

	resp, err := c.request(MsgStatusRequest, req)
	if err != nil {
		return nil, err
	}

	var status StatusResponse
	if err := decodeResponse(resp, MsgStatusResponse, &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// Perf requests pipeline metrics.
func (c *IPCClient) Perf() (map[string]any, error) {
	resp, err := c.request(MsgPerfRequest, nil)
	if err != nil {
		return nil, err
	}

	var perf map[string]any
	if err := decodeResponse(resp, MsgPerfResponse, &perf); err != nil {
		return nil, err
	}

	return perf, nil
}

// SetPerfEnabled switches pipeline metrics recording on or off.
func (c *IPCClient) SetPerfEnabled(enabled bool) error {
	return c.ackCall(MsgSetPerfEnabled, MsgSetPerfEnabledResp, &SetPerfEnabledRequest{Enabled: enabled})
}

// Stats requests the live counters.
func (c *IPCClient) Stats() (*merit.MeritStatsLite, error) {
	resp, err := c.request(MsgStatsRequest, nil)
	if err != nil {
		return nil, err
	}

	var result StatsResponse
	if err := decodeResponse(resp, MsgStatsResponse, &result); err != nil {
		return nil, err
	}

	return &result.Stats, nil
}

// RecentDays requests the most recent days, today included, newest first.
func (c *IPCClient) RecentDays(days int) ([]merit.DailyStats, error) {
	resp, err := c.request(MsgRecentDays, &RecentDaysRequest{Days: days})
	if err != nil {
		return nil, err
	}

	var result RecentDaysResponse
	if err := decodeResponse(resp, MsgRecentDaysResp, &result); err != nil {
		return nil, err
	}

	return result.Days, nil
}

// RecentDaysLite is RecentDays without the heavy per-key maps.
func (c *IPCClient) RecentDaysLite(days int) ([]merit.DailyStatsLite, error) {
	resp, err := c.request(MsgRecentDaysLite, &RecentDaysRequest{Days: days})
	if err != nil {
		return nil, err
	}

	var result RecentDaysLiteResponse
	if err := decodeResponse(resp, MsgRecentDaysLiteResp, &result); err != nil {
		return nil, err
	}

	return result.Days, nil
}

// Aggregates sums the heavy counters over a date-key range. Empty keys
// leave that side open.
func (c *IPCClient) Aggregates(startKey, endKey string) (*history.Aggregates, error) {
	req := &AggregatesRequest{StartKey: startKey, EndKey: endKey}

	resp, err := c.request(MsgAggregates, req)
	if err != nil {
		return nil, err
	}

	var result AggregatesResponse
	if err := decodeResponse(resp, MsgAggregatesResp, &result); err != nil {
		return nil, err
	}

	return result.Aggregates, nil
}

// Monitors requests the daemon's display list.
func (c *IPCClient) Monitors() (*MonitorsResponse, error) {
	resp, err := c.request(MsgMonitors, nil)
	if err != nil {
		return nil, err
	}

	var result MonitorsResponse
	if err := decodeResponse(resp, MsgMonitorsResp, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// HeatmapGrid requests one display's click grid resampled to cols x rows.
// An empty dateKey selects the all-time grid.
func (c *IPCClient) HeatmapGrid(displayID string, cols, rows int, dateKey string) (*HeatmapGridResponse, error) {
	req := &HeatmapGridRequest{
		DisplayID: displayID,
		Cols:      cols,
		Rows:      rows,
		DateKey:   dateKey,
	}

	resp, err := c.request(MsgHeatmapGrid, req)
	if err != nil {
		return nil, err
	}

	var result HeatmapGridResponse
	if err := decodeResponse(resp, MsgHeatmapGridResp, &result); err != nil {
		return nil, err
	}

	return &result, nil
}

// ClearHeatmap clears click heatmaps. Empty displayID clears all displays;
// empty dateKey clears the all-time grids plus every recorded day.
func (c *IPCClient) ClearHeatmap(displayID, dateKey string) error {
	req := &ClearHeatmapRequest{DisplayID: displayID, DateKey: dateKey}
	return c.ackCall(MsgClearHeatmap, MsgClearHeatmapResp, req)
}

// AddMerit counts explicit in-app actions.
func (c *IPCClient) AddMerit(source merit.InputSource, count uint64) error {
	req := &AddMeritRequest{Source: source, Count: count}
	return c.ackCall(MsgAddMerit, MsgAddMeritResp, req)
}

// ClearHistory clears daily history, keeping the running total.
func (c *IPCClient) ClearHistory() error {
	return c.ackCall(MsgClearHistory, MsgClearHistoryResp, nil)
}

// ResetAll zeroes every counter including the running total.
func (c *IPCClient) ResetAll() error {
	return c.ackCall(MsgResetAll, MsgResetAllResp, nil)
}

// Vacuum asks the daemon to compact the history database.
func (c *IPCClient) Vacuum() error {
	return c.ackCall(MsgVacuum, MsgVacuumResp, nil)
}

// Settings requests the current settings.
func (c *IPCClient) Settings() (*merit.Settings, error) {
	resp, err := c.request(MsgGetSettings, nil)
	if err != nil {
		return nil, err
	}

	var result SettingsResponse
	if err := decodeResponse(resp, MsgGetSettingsResp, &result); err != nil {
		return nil, err
	}

	return &result.Settings, nil
}

// UpdateSettings replaces the settings and returns the applied values,
// which may differ where the daemon normalized them.
func (c *IPCClient) UpdateSettings(settings merit.Settings) (*merit.Settings, error) {
	req := &UpdateSettingsRequest{Settings: settings}

	resp, err := c.request(MsgUpdateSettings, req)
	if err != nil {
		return nil, err
	}

	var result SettingsResponse
	if err := decodeResponse(resp, MsgUpdateSettingsResp, &result); err != nil {
		return nil, err
	}

	return &result.Settings, nil
}

// ListeningStart enables input capture.
func (c *IPCClient) ListeningStart() (bool, error) {
	return c.listeningCall(MsgListeningStart)
}

// ListeningStop disables input capture.
func (c *IPCClient) ListeningStop() (bool, error) {
	return c.listeningCall(MsgListeningStop)
}

// ListeningToggle flips input capture and reports the new state.
func (c *IPCClient) ListeningToggle() (bool, error) {
	return c.listeningCall(MsgListeningToggle)
}

// ListeningStatus reports whether input capture is enabled.
func (c *IPCClient) ListeningStatus() (bool, error) {
	return c.listeningCall(MsgListeningStatus)
}

func (c *IPCClient) listeningCall(msgType MessageType) (bool, error) {
	resp, err := c.request(msgType, nil)
	if err != nil {
		return false, err
	}

	var result ListeningResponse
	if err := decodeResponse(resp, MsgListeningResp, &result); err != nil {
		return false, err
	}

	return result.Listening, nil
}

// ListenerError reports the last capture failure, nil when healthy.
func (c *IPCClient) ListenerError() (*ListenerErrorInfo, error) {
	resp, err := c.request(MsgListenerError, nil)
	if err != nil {
		return nil, err
	}

	var result ListenerErrorResponse
	if err := decodeResponse(resp, MsgListenerErrorResp, &result); err != nil {
		return nil, err
	}

	return result.Error, nil
}

// SetWindowBounds reports where the companion window sits so the daemon
// can ignore OS clicks on it.
func (c *IPCClient) SetWindowBounds(x, y, width, height float64) error {
	req := &WindowBoundsRequest{X: x, Y: y, Width: width, Height: height}
	return c.ackCall(MsgSetWindowBounds, MsgSetWindowBoundsResp, req)
}

// ClearWindowBounds drops the reported window bounds.
func (c *IPCClient) ClearWindowBounds() error {
	return c.ackCall(MsgClearWindowBounds, MsgClearWindowBoundsResp, nil)
}

// Subscribe subscribes to event streams. Without arguments it subscribes
// to everything.
func (c *IPCClient) Subscribe(eventTypes ...EventType) error {
	req := &SubscribeRequest{Events: eventTypes}

	resp, err := c.request(MsgSubscribe, req)
	if err != nil {
		return err
	}

	var result SubscribeResponse
	if err := decodeResponse(resp, MsgSubscribeResp, &result); err != nil {
		return err
	}

	if !result.Success {
		return errors.New("subscription failed")
	}

	return nil
}

// Unsubscribe removes all subscriptions for this connection.
func (c *IPCClient) Unsubscribe() error {
	resp, err := c.request(MsgUnsubscribe, &UnsubscribeRequest{})
	if err != nil {
		return err
	}

	var result UnsubscribeResponse
	return decodeResponse(resp, MsgUnsubscribeResp, &result)
}
