// Package types provides core types shared by every flowengine package.
// This package has ZERO dependencies on other flowengine packages to avoid circular imports.
package types

// Role represents the role of a chat history participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat history entry attached to a node.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NodeHistory is the chat history of one node, as supplied at run start.
type NodeHistory struct {
	NodeID      string    `json:"nodeID"`
	ChatHistory []Message `json:"chat_history"`
}
