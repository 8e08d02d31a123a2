// Package upstream manages the websocket session with the generative-audio
// service: the setup handshake, the priming turn, realtime audio input, and
// decoding of server messages into typed events.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultEndpoint is the bidirectional generation websocket endpoint.
const DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"

// DefaultHandshakeTimeout bounds the wait for the setup acknowledgement.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrChannelClosed is returned by ReceiveEvents once the upstream connection
// has ended. It terminates the upstream forwarding loop.
var ErrChannelClosed = errors.New("upstream: channel closed")

// SetupError reports a failed session handshake. It aborts the bridge session
// before any audio is exchanged; there is no retry within a call.
type SetupError struct {
	Reason string
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream setup: %s: %v", e.Reason, e.Err)
	}
	return "upstream setup: " + e.Reason
}

func (e *SetupError) Unwrap() error { return e.Err }

// Config holds the session parameters for the generative service.
type Config struct {
	APIKey           string
	Model            string
	Voice            string
	Endpoint         string        // defaults to DefaultEndpoint
	HandshakeTimeout time.Duration // defaults to DefaultHandshakeTimeout
}

// EventType identifies a decoded upstream event.
type EventType int

const (
	EventAudioPart   EventType = iota // one inline-audio part, 24kHz PCM
	EventInterrupted                  // the far end barged in; flush playback
	EventServerError                  // non-fatal error reported by the service
	EventOther                        // anything the bridge does not act on
)

func (t EventType) String() string {
	switch t {
	case EventAudioPart:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventServerError:
		return "server-error"
	case EventOther:
		return "other"
	default:
		return "unknown"
	}
}

// Event is one decoded upstream occurrence. A single server message may
// carry several inline-audio parts; each becomes its own event, in order.
type Event struct {
	Type    EventType
	PCM     []byte // 24kHz 16-bit little-endian PCM, set for EventAudioPart
	Message string // set for EventServerError
}

// Outbound wire messages.
type setupMessage struct {
	Setup setupPayload `json:"setup"`
}

type setupPayload struct {
	Model            string           `json:"model"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string     `json:"role"`
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Inbound wire messages.
type serverMessage struct {
	Error         *serverError    `json:"error,omitempty"`
	SetupComplete json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent  `json:"serverContent,omitempty"`
}

type serverError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type serverContent struct {
	ModelTurn   *modelTurn `json:"modelTurn,omitempty"`
	Interrupted bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []serverPart `json:"parts"`
}

type serverPart struct {
	InlineData *inlineData `json:"inlineData,omitempty"`
	Text       string      `json:"text,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Channel is the open session with the generative service. The receive side
// is read by exactly one goroutine; sends may originate from either
// forwarding loop and are serialized by a mutex.
type Channel struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Open dials the service, sends the setup message declaring model, audio
// response modality and voice, and waits for the acknowledgement. Any
// failure, including an acknowledgement that does not arrive within the
// handshake timeout, yields a SetupError.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Channel, error) {
	if cfg.APIKey == "" {
		return nil, &SetupError{Reason: "api key not configured"}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, endpoint+"?key="+url.QueryEscape(cfg.APIKey), nil)
	if err != nil {
		return nil, &SetupError{Reason: "dialing service", Err: err}
	}

	c := &Channel{
		conn:   conn,
		logger: logger.With("subsystem", "upstream"),
	}

	setup := setupMessage{
		Setup: setupPayload{
			Model: cfg.Model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
					},
				},
			},
		},
	}
	if err := c.writeJSON(setup); err != nil {
		conn.Close()
		return nil, &SetupError{Reason: "sending setup message", Err: err}
	}

	// The acknowledgement must arrive within the handshake timeout; an
	// unbounded wait here would leak the session.
	conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, &SetupError{Reason: "awaiting setup acknowledgement", Err: err}
	}
	conn.SetReadDeadline(time.Time{})

	var ack serverMessage
	if err := json.Unmarshal(data, &ack); err != nil {
		conn.Close()
		return nil, &SetupError{Reason: "malformed setup acknowledgement", Err: err}
	}
	if ack.Error != nil {
		conn.Close()
		return nil, &SetupError{Reason: fmt.Sprintf("service rejected setup: %s", ack.Error.Message)}
	}
	if ack.SetupComplete == nil {
		conn.Close()
		return nil, &SetupError{Reason: "setup acknowledgement missing setupComplete"}
	}

	c.logger.Info("upstream session established", "model", cfg.Model, "voice", cfg.Voice)
	return c, nil
}

// SendPrimingTurn sends an initial completed user turn. The service does not
// speak until prompted, so this elicits the opening utterance.
func (c *Channel) SendPrimingTurn(prompt string) error {
	msg := clientContentMessage{
		ClientContent: clientContent{
			Turns: []contentTurn{{
				Role:  "user",
				Parts: []textPart{{Text: prompt}},
			}},
			TurnComplete: true,
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("sending priming turn: %w", err)
	}
	return nil
}

// SendAudioChunk forwards 16kHz PCM as a realtime-input media chunk.
func (c *Channel) SendAudioChunk(pcm16k []byte) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MimeType: "audio/pcm;rate=16000",
				Data:     base64.StdEncoding.EncodeToString(pcm16k),
			}},
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// ReceiveEvents blocks until one server message arrives and decodes it into
// zero or more events, preserving the order of inline-audio parts. A closed
// connection yields ErrChannelClosed.
func (c *Channel) ReceiveEvents() ([]Event, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed upstream message", "error", err)
		return []Event{{Type: EventOther}}, nil
	}

	var events []Event
	if msg.Error != nil {
		events = append(events, Event{Type: EventServerError, Message: msg.Error.Message})
	}
	if msg.ServerContent != nil {
		if msg.ServerContent.ModelTurn != nil {
			for _, part := range msg.ServerContent.ModelTurn.Parts {
				if part.InlineData == nil {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
				if err != nil {
					c.logger.Warn("dropping inline audio part with bad base64", "error", err)
					continue
				}
				events = append(events, Event{Type: EventAudioPart, PCM: pcm})
			}
		}
		if msg.ServerContent.Interrupted {
			events = append(events, Event{Type: EventInterrupted})
		}
	}
	if len(events) == 0 {
		events = append(events, Event{Type: EventOther})
	}
	return events, nil
}

// Close releases the underlying connection. Safe to call more than once;
// closing also unblocks a pending ReceiveEvents.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Channel) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}
