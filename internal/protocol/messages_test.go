package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageAudio(t *testing.T) {
	raw := []byte(`{"type":"audio","data":"AQID","engine":"mock"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}

	audio, ok := msg.(Audio)
	if !ok {
		t.Fatalf("message type = %T, want Audio", msg)
	}
	if string(audio.Bytes) != "\x01\x02\x03" || audio.Language != DefaultLanguage || audio.Engine != "mock" {
		t.Fatalf("unexpected audio: %+v", audio)
	}
}

func TestParseClientMessageRejectsUnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if got := ValidationMessage(err); got != "Unknown message type: wat" {
		t.Fatalf("ValidationMessage() = %q", got)
	}

	_, err = ParseClientMessage([]byte(`{"text":"no type"}`))
	if got := ValidationMessage(err); got != "Unknown message type: unknown" {
		t.Fatalf("ValidationMessage() = %q", got)
	}
}

func TestParseClientMessageChat(t *testing.T) {
	raw := []byte(`{"type":"chat","message":"What's the weather?","session_id":"kitchen","include_audio":true,"sync_devices":true,"language":"it-IT"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	chat, ok := msg.(Chat)
	if !ok {
		t.Fatalf("message type = %T, want Chat", msg)
	}
	if chat.SessionID != "kitchen" || !chat.IncludeAudio || !chat.SyncDevices || chat.Stream || chat.Language != "it-IT" {
		t.Fatalf("unexpected chat: %+v", chat)
	}
}

func TestParseClientMessageValidation(t *testing.T) {
	long := `{"type":"chat","message":"` + strings.Repeat("a", MaxChatLength+1) + `"}`
	cases := map[string]struct {
		raw  string
		want string
	}{
		"not json":    {`{"type":`, "Invalid message"},
		"empty audio": {`{"type":"audio","data":""}`, "No audio data provided"},
		"bad base64":  {`{"type":"audio","data":"!!!"}`, "Audio data is not valid base64"},
		"empty text":  {`{"type":"synthesize","text":"  "}`, "No text provided"},
		"empty chat":  {`{"type":"chat"}`, "No message provided"},
		"wrong field": {`{"type":"chat","message":42}`, "Malformed message fields"},
		"too long":    {long, "Message exceeds 10000 characters"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.raw))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("error = %v, want ErrInvalidMessage", err)
			}
			if got := ValidationMessage(err); got != tc.want {
				t.Fatalf("ValidationMessage() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestParseClientMessageControl(t *testing.T) {
	for raw, want := range map[string]any{
		`{"type":"ping"}`:      Ping{Type: TypePing},
		`{"type":"interrupt"}`: Interrupt{Type: TypeInterrupt},
	} {
		msg, err := ParseClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", raw, err)
		}
		if msg != want {
			t.Fatalf("ParseClientMessage(%s) = %#v, want %#v", raw, msg, want)
		}
	}
}

func TestOutboundShapes(t *testing.T) {
	out, err := json.Marshal(Response{Type: TypeResponse, Text: "hi", Success: true})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(out) != `{"type":"response","text":"hi","success":true}` {
		t.Fatalf("response = %s", out)
	}
	out, _ = json.Marshal(NewError(CodeInvalidMessage, "No text provided"))
	if string(out) != `{"type":"error","error":"No text provided","code":"invalid_message"}` {
		t.Fatalf("error = %s", out)
	}
}
