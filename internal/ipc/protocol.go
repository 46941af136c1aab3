// Package ipc implements the wire protocol between the meritd daemon and
// its clients (meritctl, the companion UI).
//
// Messages are length-prefixed frames over a Unix socket (named pipe on
// Windows): a fixed 16-byte big-endian header followed by a JSON payload.
// Requests carry a client-chosen request id that the matching response
// echoes back, so a client can keep several requests in flight on one
// connection. Server-initiated event frames use request id 0.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"meritd/internal/history"
	"meritd/internal/merit"
)

// Protocol constants
const (
	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// ProtocolMagic identifies meritd IPC messages ("MIPC")
	ProtocolMagic = 0x4D495043

	// HeaderSize is the fixed header size in bytes
	HeaderSize = 16

	// MaxPayloadSize caps a single message payload (16MB)
	MaxPayloadSize = 16 * 1024 * 1024
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgHandshake    MessageType = 0x0003
	MsgHandshakeAck MessageType = 0x0004
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006
	MsgAuthenticate MessageType = 0x0007
	MsgAuthResponse MessageType = 0x0008

	// Status and diagnostics (0x01xx)
	MsgStatusRequest      MessageType = 0x0100
	MsgStatusResponse     MessageType = 0x0101
	MsgPerfRequest        MessageType = 0x0102
	MsgPerfResponse       MessageType = 0x0103
	MsgSetPerfEnabled     MessageType = 0x0104
	MsgSetPerfEnabledResp MessageType = 0x0105

	// Counter queries (0x02xx)
	MsgStatsRequest       MessageType = 0x0200
	MsgStatsResponse      MessageType = 0x0201
	MsgRecentDays         MessageType = 0x0202
	MsgRecentDaysResp     MessageType = 0x0203
	MsgRecentDaysLite     MessageType = 0x0204
	MsgRecentDaysLiteResp MessageType = 0x0205
	MsgAggregates         MessageType = 0x0206
	MsgAggregatesResp     MessageType = 0x0207

	// Heatmap queries (0x03xx)
	MsgMonitors         MessageType = 0x0300
	MsgMonitorsResp     MessageType = 0x0301
	MsgHeatmapGrid      MessageType = 0x0302
	MsgHeatmapGridResp  MessageType = 0x0303
	MsgClearHeatmap     MessageType = 0x0304
	MsgClearHeatmapResp MessageType = 0x0305

	// Counter mutations (0x04xx)
	MsgAddMerit         MessageType = 0x0400
	MsgAddMeritResp     MessageType = 0x0401
	MsgClearHistory     MessageType = 0x0402
	MsgClearHistoryResp MessageType = 0x0403
	MsgResetAll         MessageType = 0x0404
	MsgResetAllResp     MessageType = 0x0405
	MsgVacuum           MessageType = 0x0406
	MsgVacuumResp       MessageType = 0x0407

	// Settings (0x05xx)
	MsgGetSettings        MessageType = 0x0500
	MsgGetSettingsResp    MessageType = 0x0501
	MsgUpdateSettings     MessageType = 0x0502
	MsgUpdateSettingsResp MessageType = 0x0503

	// Listening control (0x06xx)
	MsgListeningStart    MessageType = 0x0600
	MsgListeningStop     MessageType = 0x0601
	MsgListeningToggle   MessageType = 0x0602
	MsgListeningStatus   MessageType = 0x0603
	MsgListeningResp     MessageType = 0x0604
	MsgListenerError     MessageType = 0x0605
	MsgListenerErrorResp MessageType = 0x0606

	// Companion window (0x07xx)
	MsgSetWindowBounds       MessageType = 0x0700
	MsgSetWindowBoundsResp   MessageType = 0x0701
	MsgClearWindowBounds     MessageType = 0x0702
	MsgClearWindowBoundsResp MessageType = 0x0703

	// Event streaming (0x08xx)
	MsgSubscribe       MessageType = 0x0800
	MsgSubscribeResp   MessageType = 0x0801
	MsgUnsubscribe     MessageType = 0x0802
	MsgUnsubscribeResp MessageType = 0x0803
	MsgEvent           MessageType = 0x0804
)

// EventType identifies streamed event types
type EventType uint16

const (
	EventStatsUpdated     EventType = 0x0001
	EventInputPop         EventType = 0x0002
	EventHeatmapUpdated   EventType = 0x0003
	EventListeningChanged EventType = 0x0004
	EventListenerError    EventType = 0x0005
	EventSettingsUpdated  EventType = 0x0006
)

// EventName returns the wire name for an event type. Names match the event
// channel names the companion UI subscribes to.
func EventName(t EventType) string {
	switch t {
	case EventStatsUpdated:
		return "merit-updated"
	case EventInputPop:
		return "input-event"
	case EventHeatmapUpdated:
		return "click-heatmap-updated"
	case EventListeningChanged:
		return "listening-changed"
	case EventListenerError:
		return "input-listener-error"
	case EventSettingsUpdated:
		return "settings-updated"
	default:
		return fmt.Sprintf("event-%d", t)
	}
}

// PermissionLevel defines client permission levels
type PermissionLevel uint8

const (
	PermReadOnly    PermissionLevel = 1
	PermReadWrite   PermissionLevel = 2
	PermFullControl PermissionLevel = 3
)

// Header is the fixed-size message header
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for matching responses
	Length    uint32      // Payload length
}

// Message flags
const (
	FlagJSON uint8 = 0x01 // Payload is JSON encoded
)

// Write serializes the header to a writer
func (h *Header) Write(w io.Writer) error {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader deserializes a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic: 0x%08X", h.Magic)
	}
	if h.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Message is a complete IPC message
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with a JSON payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Flags:     FlagJSON,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write serializes the complete message to a writer
func (m *Message) Write(w io.Writer) error {
	m.Header.Length = uint32(len(m.Payload))
	if err := m.Header.Write(w); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// ReadMessage deserializes a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	header, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	if header.Length > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes", header.Length)
	}

	msg := &Message{Header: *header}
	if header.Length > 0 {
		msg.Payload = make([]byte, header.Length)
		if _, err := io.ReadFull(r, msg.Payload); err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
	}

	return msg, nil
}

// Encode marshals a payload value to JSON
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Decode unmarshals a JSON payload into a value
func Decode(data []byte, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(data, v)
}

// ---- Control payloads ----

// HandshakeRequest is sent by a client after connecting.
type HandshakeRequest struct {
	ClientID        string `json:"client_id"`
	ClientName      string `json:"client_name"`
	ClientVersion   string `json:"client_version"`
	ProtocolVersion int    `json:"protocol_version"`
}

// HandshakeResponse confirms the connection and assigns a connection id.
type HandshakeResponse struct {
	ServerVersion   string          `json:"server_version"`
	ProtocolVersion int             `json:"protocol_version"`
	ConnectionID    string          `json:"connection_id"`
	Permission      PermissionLevel `json:"permission"`
}

// AuthRequest requests elevated permissions.
type AuthRequest struct {
	Method string `json:"method"` // "pid" for local process verification
	PID    int    `json:"pid"`
}

// AuthResponse confirms authentication.
type AuthResponse struct {
	Success    bool            `json:"success"`
	Permission PermissionLevel `json:"permission"`
	Error      string          `json:"error,omitempty"`
}

// ErrorResponse carries an error back to the client.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown          = 1
	ErrInvalidRequest   = 2
	ErrNotFound         = 3
	ErrPermissionDenied = 4
	ErrInternalError    = 5
	ErrNotInitialized   = 6
)

// AckResponse is the generic reply for mutations that return no data.
type AckResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ---- Status payloads ----

// StatusRequest asks for daemon status.
type StatusRequest struct {
	IncludeCounts bool `json:"include_counts,omitempty"`
}

// ListenerErrorInfo mirrors the capture subsystem's last error.
type ListenerErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SetPerfEnabledRequest switches pipeline metrics recording on or off.
// Disabling freezes the counters rather than resetting them.
type SetPerfEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// StatusResponse reports daemon status.
type StatusResponse struct {
	Version       string             `json:"version"`
	StartedAt     time.Time          `json:"started_at"`
	Uptime        time.Duration      `json:"uptime"`
	Listening     bool               `json:"listening"`
	CaptureActive bool               `json:"capture_active"`
	ListenerError *ListenerErrorInfo `json:"listener_error,omitempty"`

	StatePath         string `json:"state_path,omitempty"`
	HistoryPath       string `json:"history_path,omitempty"`
	DatabaseSizeBytes int64  `json:"database_size_bytes,omitempty"`
	ClientCount       int    `json:"client_count"`

	TotalMerit uint64 `json:"total_merit,omitempty"`
	TodayTotal uint64 `json:"today_total,omitempty"`
}

// ---- Counter query payloads ----

// StatsResponse carries the lightweight live counters.
type StatsResponse struct {
	Stats merit.MeritStatsLite `json:"stats"`
}

// RecentDaysRequest asks for the most recent days, today included.
type RecentDaysRequest struct {
	Days int `json:"days"`
}

// RecentDaysResponse carries fully hydrated days, newest first.
type RecentDaysResponse struct {
	Days []merit.DailyStats `json:"days"`
}

// RecentDaysLiteResponse carries days without the heavy per-key maps.
type RecentDaysLiteResponse struct {
	Days []merit.DailyStatsLite `json:"days"`
}

// AggregatesRequest sums the heavy counters over a date-key range.
// Empty keys leave that side of the range open.
type AggregatesRequest struct {
	StartKey string `json:"start_key,omitempty"`
	EndKey   string `json:"end_key,omitempty"`
}

// AggregatesResponse wraps the summed counters.
type AggregatesResponse struct {
	Aggregates *history.Aggregates `json:"aggregates"`
}

// ---- Heatmap payloads ----

// MonitorInfo describes one display as the daemon sees it.
type MonitorInfo struct {
	ID          string  `json:"id"`
	X           int     `json:"x"`
	Y           int     `json:"y"`
	Width       uint32  `json:"width"`
	Height      uint32  `json:"height"`
	ScaleFactor float64 `json:"scale_factor"`
}

// MonitorsResponse lists the cached displays.
type MonitorsResponse struct {
	Monitors []MonitorInfo `json:"monitors"`
	Version  uint64        `json:"version"`
}

// HeatmapGridRequest asks for one display's click grid resampled to the
// given output resolution. Zero dims fall back to defaults; a date key
// selects one day instead of the all-time grid.
type HeatmapGridRequest struct {
	DisplayID string `json:"display_id"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	DateKey   string `json:"date_key,omitempty"`
}

// HeatmapGridResponse carries the resampled grid in row-major order.
type HeatmapGridResponse struct {
	DisplayID   string   `json:"display_id"`
	Cols        int      `json:"cols"`
	Rows        int      `json:"rows"`
	Counts      []uint64 `json:"counts"`
	Max         uint64   `json:"max"`
	TotalClicks uint64   `json:"total_clicks"`
}

// ClearHeatmapRequest scopes a heatmap clear. Empty display id clears all
// displays; empty date key clears the all-time grids plus every day.
type ClearHeatmapRequest struct {
	DisplayID string `json:"display_id,omitempty"`
	DateKey   string `json:"date_key,omitempty"`
}

// ---- Mutation payloads ----

// AddMeritRequest counts explicit in-app actions (taps on the companion
// window). App-origin actions bypass the source toggles.
type AddMeritRequest struct {
	Source merit.InputSource `json:"source"`
	Count  uint64            `json:"count"`
}

// ---- Settings payloads ----

// SettingsResponse wraps the current settings.
type SettingsResponse struct {
	Settings merit.Settings `json:"settings"`
}

// UpdateSettingsRequest replaces the settings wholesale. The daemon
// normalizes out-of-range values before applying.
type UpdateSettingsRequest struct {
	Settings merit.Settings `json:"settings"`
}

// ---- Listening payloads ----

// ListeningResponse reports the listening state after a control operation.
type ListeningResponse struct {
	Listening bool `json:"listening"`
}

// ListenerErrorResponse carries the last capture failure, nil when healthy.
type ListenerErrorResponse struct {
	Error *ListenerErrorInfo `json:"error,omitempty"`
}

// ---- Window payloads ----

// WindowBoundsRequest reports where the companion window sits, in the
// capture source's coordinate space.
type WindowBoundsRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ---- Event streaming payloads ----

// SubscribeRequest subscribes to event streams. An empty list means all.
type SubscribeRequest struct {
	Events []EventType `json:"events,omitempty"`
}

// SubscribeResponse confirms a subscription.
type SubscribeResponse struct {
	Success bool        `json:"success"`
	Events  []EventType `json:"events,omitempty"`
}

// UnsubscribeRequest removes all subscriptions for the connection.
type UnsubscribeRequest struct{}

// UnsubscribeResponse confirms removal.
type UnsubscribeResponse struct {
	Success bool `json:"success"`
}

// Event is a streamed event pushed to subscribers.
type Event struct {
	Type      EventType       `json:"type"`
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with the payload marshaled in place.
func NewEvent(t EventType, payload any) (*Event, error) {
	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return &Event{
		Type:      t,
		Name:      EventName(t),
		Timestamp: time.Now(),
		Data:      data,
	}, nil
}

// ---- Message constructors ----

// NewErrorMessage creates an error response message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message with an encoded payload
func NewResponse(msgType MessageType, requestID uint32, payload any) (*Message, error) {
	data, err := Encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return NewMessage(msgType, requestID, data), nil
}
