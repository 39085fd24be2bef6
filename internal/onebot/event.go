package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// rawEvent mirrors the subset of a OneBot event the bridge reads.
// Message is left raw because gateways send it either as a segment
// array or, in string message format, as a plain string.
type rawEvent struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	GroupID     int64           `json:"group_id"`
	UserID      *int64          `json:"user_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  *string         `json:"raw_message"`
}

// ParseEvent decodes a gateway event. The text is the first message
// segment's data.text; it is nil when the event has no message, the
// first segment has no text, or the post is not a message. Only
// malformed JSON is an error.
func ParseEvent(body []byte) (InboundEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		return InboundEvent{}, fmt.Errorf("decode event: %w", err)
	}

	ev := InboundEvent{
		GroupID:     raw.GroupID,
		UserID:      raw.UserID,
		PostType:    raw.PostType,
		MessageType: raw.MessageType,
	}

	if raw.PostType != "" && raw.PostType != "message" {
		return ev, nil
	}

	ev.Text = messageText(raw.Message)
	if ev.Text == nil && isAbsent(raw.Message) {
		ev.Text = raw.RawMessage
	}
	return ev, nil
}

// messageText extracts the first segment's text from either message
// encoding. A message that fits neither shape yields nil.
func messageText(msg json.RawMessage) *string {
	if isAbsent(msg) {
		return nil
	}

	switch bytes.TrimSpace(msg)[0] {
	case '"':
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil
		}
		return &s
	case '[':
		var segs []struct {
			Data struct {
				Text *string `json:"text"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &segs); err != nil || len(segs) == 0 {
			return nil
		}
		return segs[0].Data.Text
	default:
		return nil
	}
}

func isAbsent(msg json.RawMessage) bool {
	t := bytes.TrimSpace(msg)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
