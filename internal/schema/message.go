package schema

import (
	"strings"
	"time"
)

// Message is one inbound chat message as seen by the scheduling core.
//
// GroupID is empty for private chats. MergedIDs is set only on synthetic
// messages produced by the bundler and lists the ids that were folded in.
type Message struct {
	ID         string         `json:"id"`
	GroupID    string         `json:"group_id,omitempty"`
	SenderID   string         `json:"sender_id"`
	SenderName string         `json:"sender_name,omitempty"`
	Text       string         `json:"text"`
	Private    bool           `json:"private,omitempty"`
	Mentioned  bool           `json:"mentioned,omitempty"`
	Time       time.Time      `json:"time"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	MergedIDs  []string       `json:"merged_ids,omitempty"`
}

// IsPrivate reports whether the message belongs to a one-to-one chat.
func (m Message) IsPrivate() bool {
	return m.Private || m.GroupID == ""
}

// ConversationKey identifies the conversation a reply is delivered to:
// the group id, or "private:<sender>" for direct chats.
func (m Message) ConversationKey() string {
	if m.IsPrivate() {
		return "private:" + m.SenderID
	}
	return m.GroupID
}

// SenderKey is the composite "conversation:sender" key used by the
// per-sender registries (admission, bundler).
func (m Message) SenderKey() string {
	return SenderKey(m.ConversationKey(), m.SenderID)
}

// HistoryGroup is the key under which the history manager stores this
// message's conversation state.
func (m Message) HistoryGroup() string {
	return m.ConversationKey()
}

// PlainText returns the trimmed text content; empty means nothing to compare.
func (m Message) PlainText() string {
	return strings.TrimSpace(m.Text)
}

// Preview returns a short snippet of the message content for logging.
func (m Message) Preview() string {
	preview := m.Text
	if len(preview) > 80 {
		preview = preview[:80] + "..."
	}
	return preview
}

// SenderKey joins a conversation key and a sender id.
func SenderKey(conversationKey, senderID string) string {
	return conversationKey + ":" + senderID
}

// Turn is one committed history entry. PairID and Timestamp are denormalized
// from the conversation pair so flat history can be regrouped and trimmed.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	PairID    string    `json:"pair_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
