// Package transport implements the bidirectional message channel between the
// chat client and the agent backend.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// ErrMalformedFrame reports an inbound payload that is not a usable frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one JSON message on the wire.
//
// Outbound frames carry only content and sender. The backend may decorate
// replies with an id, a timestamp, a session id or an error marker; those are
// informational and decoded leniently.
type Frame struct {
	Content   string
	Sender    domain.Sender
	ID        string
	Timestamp string
	// Failed is set when the backend marks the reply as a fallback produced
	// after an internal error. The content is still meant for the user.
	Failed bool
	// ErrorDetail is the backend's error text, when it sent one.
	ErrorDetail string
}

// inboundFrame holds the decorations as raw JSON since the backend does not
// type them consistently ("error" is a bool from some agents, text from others).
type inboundFrame struct {
	Content   string          `json:"content"`
	Sender    domain.Sender   `json:"sender"`
	ID        json.RawMessage `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Error     json.RawMessage `json:"error"`
}

type outboundFrame struct {
	Content string        `json:"content"`
	Sender  domain.Sender `json:"sender"`
}

// Encode serializes an outbound frame.
func Encode(content string, sender domain.Sender) ([]byte, error) {
	data, err := json.Marshal(outboundFrame{Content: content, Sender: sender})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses an inbound payload. It only checks that the payload is a JSON
// object; use ValidateReply for the agent reply contract.
func Decode(data []byte) (Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	f := Frame{
		Content:   in.Content,
		Sender:    in.Sender,
		ID:        looseString(in.ID),
		Timestamp: looseString(in.Timestamp),
	}
	f.Failed, f.ErrorDetail = errorMarker(in.Error)
	return f, nil
}

// looseString renders a scalar JSON value as text. Strings are unquoted,
// null and absent values are empty, anything else keeps its JSON form.
func looseString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func errorMarker(raw json.RawMessage) (failed bool, detail string) {
	if len(raw) == 0 {
		return false, ""
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return flag, ""
	}
	detail = looseString(raw)
	return detail != "", detail
}

// ValidateReply checks that f is an agent reply with non-empty content.
func (f Frame) ValidateReply() error {
	if !f.Sender.Valid() {
		return fmt.Errorf("%w: unknown sender %q", ErrMalformedFrame, f.Sender)
	}
	if f.Sender != domain.SenderAgent {
		return fmt.Errorf("%w: unexpected sender %q", ErrMalformedFrame, f.Sender)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrMalformedFrame)
	}
	return nil
}
