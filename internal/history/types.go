package history

import (
	"time"

	"github.com/crystaldolphin/replyflow/internal/schema"
)

type Config struct {
	MaxConversationPairs int           `mapstructure:"maxConversationPairs" yaml:"maxConversationPairs"`
	SenderTimeout        time.Duration `mapstructure:"senderTimeout" yaml:"senderTimeout"`
	SnapshotTTL          time.Duration `mapstructure:"snapshotTTL" yaml:"snapshotTTL"`
	PairLogLimit         int           `mapstructure:"pairLogLimit" yaml:"pairLogLimit"`
}

func DefaultConfig() Config {
	return Config{
		MaxConversationPairs: 20,
		SenderTimeout:        2 * time.Minute,
		SnapshotTTL:          7 * 24 * time.Hour,
		PairLogLimit:         200,
	}
}

// CommitMode selects where a finished pair lands.
type CommitMode string

const (
	// CommitShared appends to the group-wide conversation list.
	CommitShared CommitMode = "shared"
	// CommitScoped appends to the scope sender's private buffer.
	CommitScoped CommitMode = "scoped"
)

// PairStatus is the conversation pair lifecycle state.
//
//	building --finish(both sides non-empty)--> finished
//	building --finish(either side empty) or cancel--> cancelled
type PairStatus string

const (
	PairBuilding  PairStatus = "building"
	PairFinished  PairStatus = "finished"
	PairCancelled PairStatus = "cancelled"
)

// Pair is one user turn plus one assistant turn under construction.
// Pairs live in GroupState.ActivePairs only while building.
type Pair struct {
	ID            string        `json:"id"`
	Assistant     string        `json:"assistant"`
	UserContent   string        `json:"user_content,omitempty"`
	Messages      []schema.Turn `json:"messages,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Status        PairStatus    `json:"status"`
	ScopeSenderID string        `json:"scope_sender_id,omitempty"`
	CommitMode    CommitMode    `json:"commit_mode"`
}

// PairOptions configures StartAssistantMessage.
type PairOptions struct {
	ScopeSenderID string
	CommitMode    CommitMode
}

// ContextOptions configures GetConversationHistoryForContext. Zero values
// disable the corresponding filter.
type ContextOptions struct {
	TimeStart   time.Time
	TimeEnd     time.Time
	RecentPairs int
	MaxTokens   int
	// SenderID also includes that sender's scoped conversations.
	SenderID string
}

// GroupState is the per-group conversation state. Conversations never
// contains turns from an unfinished pair.
type GroupState struct {
	GroupID           string                   `json:"group_id"`
	Conversations     []schema.Turn            `json:"conversations"`
	Scoped            map[string][]schema.Turn `json:"scoped,omitempty"`
	Pending           []schema.Message         `json:"pending,omitempty"`
	Processing        []schema.Message         `json:"processing,omitempty"`
	SenderLastMessage map[string]time.Time     `json:"sender_last_message,omitempty"`
	UpdatedAt         time.Time                `json:"updated_at"`

	// In-flight generations do not survive a restart.
	ActivePairs map[string]Pair `json:"-"`
}

func newGroupState(groupID string) *GroupState {
	return &GroupState{
		GroupID:           groupID,
		Conversations:     []schema.Turn{},
		Scoped:            map[string][]schema.Turn{},
		SenderLastMessage: map[string]time.Time{},
		ActivePairs:       map[string]Pair{},
	}
}

// ensureMaps fills maps that may be nil after decoding a snapshot.
func (s *GroupState) ensureMaps() {
	if s.Conversations == nil {
		s.Conversations = []schema.Turn{}
	}
	if s.Scoped == nil {
		s.Scoped = map[string][]schema.Turn{}
	}
	if s.SenderLastMessage == nil {
		s.SenderLastMessage = map[string]time.Time{}
	}
	if s.ActivePairs == nil {
		s.ActivePairs = map[string]Pair{}
	}
}

// clone returns a deep copy safe to hand outside the group queue.
func (s *GroupState) clone() GroupState {
	out := GroupState{
		GroupID:           s.GroupID,
		Conversations:     append([]schema.Turn(nil), s.Conversations...),
		Scoped:            make(map[string][]schema.Turn, len(s.Scoped)),
		Pending:           append([]schema.Message(nil), s.Pending...),
		Processing:        append([]schema.Message(nil), s.Processing...),
		SenderLastMessage: make(map[string]time.Time, len(s.SenderLastMessage)),
		UpdatedAt:         s.UpdatedAt,
		ActivePairs:       make(map[string]Pair, len(s.ActivePairs)),
	}
	for k, v := range s.Scoped {
		out.Scoped[k] = append([]schema.Turn(nil), v...)
	}
	for k, v := range s.SenderLastMessage {
		out.SenderLastMessage[k] = v
	}
	for k, v := range s.ActivePairs {
		v.Messages = append([]schema.Turn(nil), v.Messages...)
		out.ActivePairs[k] = v
	}
	return out
}

// PairRecord is one entry of the durable committed-pair log.
type PairRecord struct {
	PairID        string        `json:"pair_id"`
	GroupID       string        `json:"group_id"`
	CommitMode    CommitMode    `json:"commit_mode"`
	ScopeSenderID string        `json:"scope_sender_id,omitempty"`
	Turns         []schema.Turn `json:"turns"`
	CommittedAt   time.Time     `json:"committed_at"`
}
