// Package bus carries messages between transports and the reply pipeline.
package bus

import "github.com/crystaldolphin/replyflow/internal/schema"

// Source names the transport a message arrived on.
type Source string

const (
	SourceConsole   Source = "console"
	SourceWebsocket Source = "websocket"
)

// Inbound is a chat message entering the pipeline.
type Inbound struct {
	Source  Source
	Message schema.Message
}

// Outbound is a reply leaving the pipeline for the conversation it belongs to.
type Outbound struct {
	Source          Source `json:"-"`
	ConversationKey string `json:"conversation"`
	GroupID         string `json:"group_id,omitempty"`
	SenderID        string `json:"sender_id,omitempty"`
	Text            string `json:"text"`
	ReplyTo         string `json:"reply_to,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
}
