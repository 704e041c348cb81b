package domain

import "time"

// Project is a user project backed by exactly one sandbox.
type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	StackPackID string `json:"stack_pack_id"`

	// ActiveSandboxID is the backend handle of the most recently created
	// sandbox. It may point at a sandbox that has since exited.
	ActiveSandboxID   string     `json:"-"`
	SandboxLastUsedAt *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Chat is one conversation within a project.
type Chat struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is an immutable chat entry, ordered by creation time within a chat.
type ChatMessage struct {
	ID        string    `json:"id,omitempty"`
	ChatID    string    `json:"chat_id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// PartialChatMessage is one increment of a streamed assistant message.
type PartialChatMessage struct {
	Role         Role   `json:"role"`
	DeltaContent string `json:"delta_content"`
}

// FileChange is a proposed edit to one file in the sandbox.
type FileChange struct {
	Path string `json:"path"`
	// Diff is the body as extracted from the assistant's reply.
	Diff string `json:"diff"`
	// Content is the final file content after any reconciliation.
	Content string `json:"content"`
}

// StackPack is a named bundle of image and startup command defining what
// kind of project a sandbox boots into.
type StackPack struct {
	ID               string `json:"id" yaml:"id"`
	Title            string `json:"title" yaml:"title"`
	Description      string `json:"description" yaml:"description"`
	Image            string `json:"image" yaml:"image"`
	StartCommand     string `json:"start_command" yaml:"start_command"`
	StackDescription string `json:"stack_description" yaml:"stack_description"`
}
