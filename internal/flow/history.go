package flow

import "time"

// ConversationMessage represents a single message in the free-form history.
type ConversationMessage struct {
	Role      string    `json:"role"`      // "user" or "assistant"
	Content   string    `json:"content"`   // message content
	Timestamp time.Time `json:"timestamp"` // when the message was sent
}

// ConversationHistory is a bounded FIFO window of free-form turns. When the
// cap is exceeded the oldest turns are evicted first; relative order of the
// retained turns is preserved.
type ConversationHistory struct {
	limit    int
	messages []ConversationMessage
}

// NewConversationHistory creates an empty history capped at limit turns.
func NewConversationHistory(limit int) *ConversationHistory {
	return &ConversationHistory{limit: limit}
}

// Append adds a turn, evicting the oldest turn if the window is full.
func (h *ConversationHistory) Append(role, content string) {
	h.messages = append(h.messages, ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	if len(h.messages) > h.limit {
		h.messages = h.messages[len(h.messages)-h.limit:]
	}
}

// Messages returns the retained turns in chronological order.
func (h *ConversationHistory) Messages() []ConversationMessage {
	out := make([]ConversationMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of retained turns.
func (h *ConversationHistory) Len() int {
	return len(h.messages)
}

// Clear discards all turns.
func (h *ConversationHistory) Clear() {
	h.messages = nil
}
