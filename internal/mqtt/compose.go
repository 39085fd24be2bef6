package mqtt

import (
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/qqbot-ha/internal/onebot"
)

// StagedCompose holds the message being assembled from the panel's
// text inputs. The target group persists across sends so repeated
// messages can go to the same group; the text is cleared after each
// send.
type StagedCompose struct {
	mu    sync.Mutex
	group int64 // 0 means unset
	text  string
}

// NewStagedCompose starts with the given target group (0 for none).
func NewStagedCompose(group int64) *StagedCompose {
	return &StagedCompose{group: group}
}

// SetText replaces the staged text.
func (s *StagedCompose) SetText(text string) {
	s.mu.Lock()
	s.text = text
	s.mu.Unlock()
}

// SetGroup parses payload as a group id and stores it. A payload that
// is not an integer is discarded and the previous group kept.
func (s *StagedCompose) SetGroup(payload string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0, false
	}
	s.mu.Lock()
	s.group = id
	s.mu.Unlock()
	return id, true
}

// Take returns the staged message and clears the text, provided both
// a group and non-empty text are staged. Otherwise it returns false
// and leaves the state untouched. The check and the clear happen under
// one lock.
func (s *StagedCompose) Take() (onebot.Text, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.group == 0 || s.text == "" {
		return onebot.Text{}, false
	}
	msg := onebot.Text{GroupID: s.group, Body: s.text}
	s.text = ""
	return msg, true
}

// Snapshot returns the current group and text.
func (s *StagedCompose) Snapshot() (group int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.group, s.text
}
