// Package onebot implements the wire contract of a OneBot v11 style
// chat gateway: inbound group message events and outbound
// send_group_msg requests.
package onebot

import "encoding/json"

// InboundEvent is one inbound chat event. It is produced once per
// webhook call (or websocket frame) and never modified afterwards.
type InboundEvent struct {
	GroupID int64
	UserID  *int64
	Text    *string

	// PostType and MessageType are captured for logging only.
	PostType    string
	MessageType string
}

// HasText reports whether the event carried a text payload.
func (e InboundEvent) HasText() bool { return e.Text != nil }

// Outbound is a message bound for a group. The set of variants is
// closed: [Text] and [Image].
type Outbound interface {
	// Group returns the destination group id.
	Group() int64
	segment() Segment
}

// Text is a plain text reply.
type Text struct {
	GroupID int64
	Body    string
}

func (t Text) Group() int64 { return t.GroupID }

func (t Text) segment() Segment {
	return Segment{Type: "text", Data: SegmentData{Text: t.Body}}
}

// Image is an image reference the gateway fetches from URL.
type Image struct {
	GroupID int64
	URL     string
}

func (i Image) Group() int64 { return i.GroupID }

func (i Image) segment() Segment {
	return Segment{Type: "image", Data: SegmentData{File: i.URL}}
}

// Segment is one element of a OneBot message array.
type Segment struct {
	Type string      `json:"type,omitempty"`
	Data SegmentData `json:"data"`
}

// SegmentData carries the fields of the segment types the bridge uses.
type SegmentData struct {
	Text string `json:"text,omitempty"`
	File string `json:"file,omitempty"`
}

// sendGroupMsg is the send_group_msg request body.
type sendGroupMsg struct {
	GroupID int64     `json:"group_id"`
	Message []Segment `json:"message"`
}

// actionResponse is the gateway's reply envelope.
type actionResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Message string          `json:"message,omitempty"`
	Wording string          `json:"wording,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
