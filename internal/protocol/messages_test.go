package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessageSend(t *testing.T) {
	msg, err := ParseClientMessage([]byte(`{"type":"send_message","content":"I help startups with pricing"}`))
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	send, ok := msg.(SendMessage)
	if !ok {
		t.Fatalf("message type = %T, want SendMessage", msg)
	}
	if send.Content != "I help startups with pricing" {
		t.Fatalf("Content = %q", send.Content)
	}
}

func TestParseClientMessageControlFrames(t *testing.T) {
	for raw, want := range map[string]MessageType{
		`{"type":"start"}`:  TypeStart,
		`{"type":"cancel"}`: TypeCancel,
	} {
		msg, err := ParseClientMessage([]byte(raw))
		if err != nil {
			t.Fatalf("ParseClientMessage(%s) error = %v", raw, err)
		}
		switch m := msg.(type) {
		case Start:
			if want != TypeStart {
				t.Fatalf("got Start for %s", raw)
			}
		case Cancel:
			if want != TypeCancel {
				t.Fatalf("got Cancel for %s", raw)
			}
		default:
			t.Fatalf("message type = %T", m)
		}
	}
}

func TestParseClientMessageRejects(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"wat"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if _, err := ParseClientMessage([]byte(`{"type":"send_message","content":"  "}`)); err == nil {
		t.Fatalf("blank send_message accepted")
	}
	if _, err := ParseClientMessage([]byte(`not json`)); err == nil {
		t.Fatalf("malformed frame accepted")
	}
}

func TestAssistantMessageFrameShape(t *testing.T) {
	raw, err := json.Marshal(AssistantMessage{Type: TypeAssistantMessage, SessionID: "s1"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"is_streaming":false`) {
		t.Fatalf("frame = %s, want explicit is_streaming false", raw)
	}
}
