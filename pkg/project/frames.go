package project

import "github.com/sshh12/prompt-stack/pkg/domain"

// Frame discriminators carried in the for_type field.
const (
	ForTypeStatus     = "status"
	ForTypeChatUpdate = "chat_update"
	ForTypeChatChunk  = "chat_chunk"
)

// StatusFrame reports the sandbox state of a project.
type StatusFrame struct {
	ForType       string               `json:"for_type"`
	ProjectID     string               `json:"project_id"`
	SandboxStatus domain.SandboxStatus `json:"sandbox_status"`
	Tunnels       map[int]string       `json:"tunnels"`
	// FilePaths is set once a sandbox is attached.
	FilePaths []string `json:"file_paths"`
}

// ChatUpdateFrame carries a complete message of a chat.
type ChatUpdateFrame struct {
	ForType   string             `json:"for_type"`
	ChatID    string             `json:"chat_id"`
	Message   domain.ChatMessage `json:"message"`
	FollowUps []string           `json:"follow_ups"`
}

// ChatChunkFrame carries one streamed delta of an assistant message.
type ChatChunkFrame struct {
	ForType string      `json:"for_type"`
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}

// InboundMessage is a message sent by a client on a chat connection.
type InboundMessage struct {
	Role    domain.Role `json:"role"`
	Content string      `json:"content"`
}
