package onebot

import "testing"

func strp(s string) *string { return &s }

func TestParseEvent(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantGroup int64
		wantUser  *int64
		wantText  *string
	}{
		{
			name:      "segment array",
			body:      `{"post_type":"message","message_type":"group","group_id":63616,"user_id":42,"message":[{"type":"text","data":{"text":"/ha turn on the light"}}]}`,
			wantGroup: 63616,
			wantUser:  func() *int64 { v := int64(42); return &v }(),
			wantText:  strp("/ha turn on the light"),
		},
		{
			name:      "first segment only",
			body:      `{"group_id":1,"message":[{"type":"text","data":{"text":"first"}},{"type":"text","data":{"text":"second"}}]}`,
			wantGroup: 1,
			wantText:  strp("first"),
		},
		{
			name:      "first segment without text",
			body:      `{"group_id":1,"message":[{"type":"image","data":{"file":"a.png"}},{"type":"text","data":{"text":"later"}}]}`,
			wantGroup: 1,
		},
		{
			name:      "empty message array",
			body:      `{"group_id":1,"message":[]}`,
			wantGroup: 1,
		},
		{
			name:      "missing message",
			body:      `{"group_id":1}`,
			wantGroup: 1,
		},
		{
			name:      "string message format",
			body:      `{"group_id":2,"message":"/screen please"}`,
			wantGroup: 2,
			wantText:  strp("/screen please"),
		},
		{
			name:      "raw_message fallback",
			body:      `{"group_id":3,"raw_message":"hello"}`,
			wantGroup: 3,
			wantText:  strp("hello"),
		},
		{
			name:      "empty text is present",
			body:      `{"group_id":4,"message":[{"data":{"text":""}}]}`,
			wantGroup: 4,
			wantText:  strp(""),
		},
		{
			name:      "heartbeat has no text",
			body:      `{"post_type":"meta_event","meta_event_type":"heartbeat","message":"ignored"}`,
			wantGroup: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseEvent error: %v", err)
			}
			if ev.GroupID != tt.wantGroup {
				t.Errorf("GroupID = %d, want %d", ev.GroupID, tt.wantGroup)
			}
			switch {
			case tt.wantUser == nil && ev.UserID != nil:
				t.Errorf("UserID = %d, want nil", *ev.UserID)
			case tt.wantUser != nil && (ev.UserID == nil || *ev.UserID != *tt.wantUser):
				t.Errorf("UserID = %v, want %d", ev.UserID, *tt.wantUser)
			}
			switch {
			case tt.wantText == nil && ev.Text != nil:
				t.Errorf("Text = %q, want nil", *ev.Text)
			case tt.wantText != nil && (ev.Text == nil || *ev.Text != *tt.wantText):
				t.Errorf("Text = %v, want %q", ev.Text, *tt.wantText)
			}
			if ev.HasText() != (tt.wantText != nil) {
				t.Errorf("HasText() = %v", ev.HasText())
			}
		})
	}
}

func TestParseEvent_InvalidJSON(t *testing.T) {
	for _, body := range []string{"", "{", "not json", `{"group_id":"abc"}`} {
		if _, err := ParseEvent([]byte(body)); err == nil {
			t.Errorf("ParseEvent(%q) should fail", body)
		}
	}
}

func TestParseEvent_CapturesPostType(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"post_type":"message","message_type":"group","group_id":9}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.PostType != "message" || ev.MessageType != "group" {
		t.Errorf("PostType/MessageType = %q/%q", ev.PostType, ev.MessageType)
	}
}
