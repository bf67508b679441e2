// Package protocol defines the realtime speech channel's JSON messages.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/eva/internal/intent"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// client -> server
	TypeAudio      MessageType = "audio"
	TypeSynthesize MessageType = "synthesize"
	TypeChat       MessageType = "chat"
	TypePing       MessageType = "ping"
	TypeInterrupt  MessageType = "interrupt"

	// server -> client
	TypeConnected     MessageType = "connected"
	TypeTranscription MessageType = "transcription"
	TypeResponse      MessageType = "response"
	TypeResponseChunk MessageType = "response_chunk"
	TypeError         MessageType = "error"
	TypePong          MessageType = "pong"
	TypeInterrupted   MessageType = "interrupted"
	TypeSync          MessageType = "sync"
)

const (
	DefaultLanguage = "en-US"
	MaxChatLength   = 10000
)

var (
	ErrInvalidMessage  = errors.New("invalid message")
	ErrUnsupportedType = errors.New("unsupported message type")
)

// UnsupportedTypeError carries the unknown type so it can be echoed back.
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string { return "Unknown message type: " + e.Type }

func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

type Envelope struct {
	Type MessageType `json:"type"`
}

type Audio struct {
	Type     MessageType `json:"type"`
	Data     string      `json:"data"`
	Language string      `json:"language,omitempty"`
	Engine   string      `json:"engine,omitempty"`

	// Bytes holds Data decoded during parsing.
	Bytes []byte `json:"-"`
}

type Synthesize struct {
	Type     MessageType `json:"type"`
	Text     string      `json:"text"`
	Voice    string      `json:"voice,omitempty"`
	Language string      `json:"language,omitempty"`
	Engine   string      `json:"engine,omitempty"`
}

type Chat struct {
	Type         MessageType `json:"type"`
	Message      string      `json:"message"`
	SessionID    string      `json:"session_id,omitempty"`
	IncludeAudio bool        `json:"include_audio,omitempty"`
	SyncDevices  bool        `json:"sync_devices,omitempty"`
	Stream       bool        `json:"stream,omitempty"`
	Language     string      `json:"language,omitempty"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Interrupt struct {
	Type MessageType `json:"type"`
}

type Connected struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
	UserID   string      `json:"user_id"`
	Message  string      `json:"message"`
}

type Transcription struct {
	Type       MessageType   `json:"type"`
	Text       string        `json:"text"`
	Confidence float64       `json:"confidence"`
	Language   string        `json:"language"`
	Engine     string        `json:"engine"`
	Intent     intent.Result `json:"intent"`
}

type AudioOut struct {
	Type            MessageType `json:"type"`
	Data            string      `json:"data"`
	ContentType     string      `json:"content_type"`
	DurationSeconds float64     `json:"duration_seconds"`
	Engine          string      `json:"engine"`
}

type Response struct {
	Type             MessageType    `json:"type"`
	Text             string         `json:"text"`
	Success          bool           `json:"success"`
	SessionID        string         `json:"session_id,omitempty"`
	Error            string         `json:"error,omitempty"`
	Intent           *intent.Result `json:"intent,omitempty"`
	Audio            string         `json:"audio,omitempty"`
	AudioContentType string         `json:"audio_content_type,omitempty"`
	AudioDuration    float64        `json:"audio_duration,omitempty"`
}

type ResponseChunk struct {
	Type      MessageType `json:"type"`
	Text      string      `json:"text"`
	Done      bool        `json:"done"`
	SessionID string      `json:"session_id,omitempty"`
}

// Error codes sent alongside the human-readable message.
const (
	CodeInvalidMessage     = "invalid_message"
	CodeUnsupportedType    = "unsupported_type"
	CodeUpstreamMedia      = "upstream_media"
	CodeUpstreamGeneration = "upstream_generation"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

type ErrorEvent struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
	Code  string      `json:"code,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

type Interrupted struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Sync struct {
	Type       MessageType `json:"type"`
	Event      string      `json:"event"`
	FromDevice string      `json:"from_device"`
	Message    string      `json:"message"`
	Response   string      `json:"response"`
}

func NewError(code, msg string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Error: msg, Code: code}
}

// ParseClientMessage decodes and validates one inbound frame. Failures wrap
// ErrInvalidMessage or ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypePing:
		return Ping{Type: TypePing}, nil
	case TypeInterrupt:
		return Interrupt{Type: TypeInterrupt}, nil
	case TypeAudio:
		var msg Audio
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, invalid("No audio data provided")
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(msg.Data))
		if err != nil {
			return nil, invalid("Audio data is not valid base64")
		}
		msg.Bytes = data
		msg.Language = orDefault(msg.Language, DefaultLanguage)
		return msg, nil
	case TypeSynthesize:
		var msg Synthesize
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, invalid("No text provided")
		}
		msg.Language = orDefault(msg.Language, DefaultLanguage)
		return msg, nil
	case TypeChat:
		var msg Chat
		if err := decode(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Message) == "" {
			return nil, invalid("No message provided")
		}
		if len([]rune(msg.Message)) > MaxChatLength {
			return nil, invalid(fmt.Sprintf("Message exceeds %d characters", MaxChatLength))
		}
		msg.Language = orDefault(msg.Language, DefaultLanguage)
		return msg, nil
	default:
		t := string(env.Type)
		if t == "" {
			t = "unknown"
		}
		return nil, &UnsupportedTypeError{Type: t}
	}
}

// ValidationMessage returns the client-safe text of a parse error.
func ValidationMessage(err error) string {
	var ut *UnsupportedTypeError
	if errors.As(err, &ut) {
		return ut.Error()
	}
	var ve *validationError
	if errors.As(err, &ve) {
		return ve.msg
	}
	return "Invalid message"
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return ErrInvalidMessage.Error() + ": " + e.msg }

func (e *validationError) Is(target error) bool { return target == ErrInvalidMessage }

func invalid(msg string) error { return &validationError{msg: msg} }

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid("Malformed message fields")
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}
