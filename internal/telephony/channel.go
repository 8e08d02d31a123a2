// Package telephony wraps an accepted media-stream websocket connection and
// translates between the provider's framed JSON protocol and typed control
// events. Audio payloads cross this boundary base64-decoded; the rest of the
// bridge only ever sees raw u-law bytes.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned by ReceiveEvent once the telephony peer has
// disconnected. It terminates the telephony forwarding loop.
var ErrChannelClosed = errors.New("telephony: channel closed")

// ProtocolError reports a malformed frame from the telephony peer. The
// forwarding loop logs it, drops the frame, and continues.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "telephony: " + e.Reason
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// EventType identifies a decoded control event.
type EventType int

const (
	EventConnected EventType = iota // websocket handshake acknowledged
	EventStarted                    // stream started, carries the stream SID
	EventMedia                      // inbound audio, carries raw u-law bytes
	EventStopped                    // stream ended
	EventMark                       // playback mark acknowledgement, ignored
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventStarted:
		return "started"
	case EventMedia:
		return "media"
	case EventStopped:
		return "stopped"
	case EventMark:
		return "mark"
	default:
		return "unknown"
	}
}

// ControlEvent is one decoded frame from the telephony peer.
type ControlEvent struct {
	Type      EventType
	StreamSID string // set for EventStarted
	Payload   []byte // raw u-law bytes, set for EventMedia
}

// Media-stream wire frames.
type inboundFrame struct {
	Event string        `json:"event"`
	Start *startFrame   `json:"start,omitempty"`
	Media *mediaPayload `json:"media,omitempty"`
}

type startFrame struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid"`
}

type mediaPayload struct {
	Payload string `json:"payload"` // base64-encoded u-law audio
}

type outboundMediaFrame struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type outboundClearFrame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// Channel wraps one accepted media-stream connection. The receive side is
// read by exactly one goroutine; sends may originate from either forwarding
// loop and are serialized by a mutex.
type Channel struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewChannel wraps an upgraded websocket connection from the telephony peer.
func NewChannel(conn *websocket.Conn, logger *slog.Logger) *Channel {
	return &Channel{
		conn:   conn,
		logger: logger.With("subsystem", "telephony"),
	}
}

// ReceiveEvent blocks until one frame arrives and decodes it. Malformed
// frames yield a ProtocolError; a disconnected peer yields ErrChannelClosed.
func (c *Channel) ReceiveEvent() (ControlEvent, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return ControlEvent{}, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return ControlEvent{}, protocolErrorf("malformed frame: %v", err)
	}

	switch frame.Event {
	case "connected":
		return ControlEvent{Type: EventConnected}, nil
	case "start":
		if frame.Start == nil || frame.Start.StreamSID == "" {
			return ControlEvent{}, protocolErrorf("start frame missing streamSid")
		}
		return ControlEvent{Type: EventStarted, StreamSID: frame.Start.StreamSID}, nil
	case "media":
		if frame.Media == nil {
			return ControlEvent{}, protocolErrorf("media frame missing payload")
		}
		audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if err != nil {
			return ControlEvent{}, protocolErrorf("media payload is not valid base64: %v", err)
		}
		return ControlEvent{Type: EventMedia, Payload: audio}, nil
	case "stop":
		return ControlEvent{Type: EventStopped}, nil
	case "mark":
		return ControlEvent{Type: EventMark}, nil
	default:
		return ControlEvent{}, protocolErrorf("unknown event %q", frame.Event)
	}
}

// SendMedia base64-encodes u-law audio and frames it as a media event
// addressed to the given stream SID. The bridge guarantees the SID is known
// before any send; an empty SID here is a programming error.
func (c *Channel) SendMedia(streamSID string, mulaw []byte) error {
	if streamSID == "" {
		return errors.New("telephony: SendMedia called without a stream SID")
	}

	frame := outboundMediaFrame{
		Event:     "media",
		StreamSID: streamSID,
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(mulaw)},
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// SendClear frames a clear event, flushing any audio the peer has queued for
// playback. Used on barge-in.
func (c *Channel) SendClear(streamSID string) error {
	if streamSID == "" {
		return errors.New("telephony: SendClear called without a stream SID")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(outboundClearFrame{Event: "clear", StreamSID: streamSID}); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Close releases the underlying connection. Safe to call more than once;
// closing also unblocks a pending ReceiveEvent.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
