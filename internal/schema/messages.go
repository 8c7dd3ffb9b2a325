package schema

// ChatMessage is one entry of a model request.
type ChatMessage struct {
	Role    string
	Content string
}

// Messages is the ordered list of messages exchanged with the LLM.
// It owns typed append methods so callers never construct raw slices.
type Messages struct {
	Messages []ChatMessage
}

// NewMessages returns a Messages initialised with the given messages.
// Called with no arguments it returns an empty Messages ready for use.
func NewMessages(msgs ...ChatMessage) Messages {
	if len(msgs) == 0 {
		return Messages{Messages: make([]ChatMessage, 0)}
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	return Messages{Messages: out}
}

// AddSystem appends a system message.
func (mh *Messages) AddSystem(content string) {
	mh.Messages = append(mh.Messages, ChatMessage{Role: RoleSystem, Content: content})
}

// AddUser appends a user message.
func (mh *Messages) AddUser(content string) {
	mh.Messages = append(mh.Messages, ChatMessage{Role: RoleUser, Content: content})
}

// AddAssistant appends an assistant message.
func (mh *Messages) AddAssistant(content string) {
	mh.Messages = append(mh.Messages, ChatMessage{Role: RoleAssistant, Content: content})
}

// AddTurns appends committed history turns in order.
func (mh *Messages) AddTurns(turns []Turn) {
	for _, t := range turns {
		mh.Messages = append(mh.Messages, ChatMessage{Role: t.Role, Content: t.Content})
	}
}

// Append copies all messages from other into mh.
func (mh *Messages) Append(other Messages) {
	mh.Messages = append(mh.Messages, other.Messages...)
}

// Len returns the number of messages.
func (mh *Messages) Len() int { return len(mh.Messages) }

// Clone returns a copy of mh with an independent backing slice.
func (mh *Messages) Clone() Messages {
	cloned := make([]ChatMessage, len(mh.Messages))
	copy(cloned, mh.Messages)
	return Messages{Messages: cloned}
}

func NewSystemMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: content}
}

func NewUserMessage(content string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: content}
}
