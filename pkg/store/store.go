package store

import (
	"context"
	"errors"
	"time"

	"github.com/sshh12/prompt-stack/pkg/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ProjectStore manages the persistence of projects.
type ProjectStore interface {
	// CreateProject persists a new project. The ID field must be set by the caller.
	CreateProject(ctx context.Context, p *domain.Project) error

	// GetProject retrieves a project by ID. Returns ErrNotFound if it does not exist.
	GetProject(ctx context.Context, id string) (*domain.Project, error)

	// ListProjects returns all projects, newest first.
	ListProjects(ctx context.Context) ([]domain.Project, error)

	// DeleteProject removes a project together with its chats and messages.
	DeleteProject(ctx context.Context, id string) error

	// SetActiveSandbox records the sandbox most recently created for a project.
	SetActiveSandbox(ctx context.Context, projectID, sandboxID string, usedAt time.Time) error
}

// ChatStore manages the chats of a project.
type ChatStore interface {
	CreateChat(ctx context.Context, c *domain.Chat) error
	GetChat(ctx context.Context, id string) (*domain.Chat, error)
	// ListChats returns the chats of a project, newest first.
	ListChats(ctx context.Context, projectID string) ([]domain.Chat, error)
	DeleteChat(ctx context.Context, id string) error
}

// MessageStore manages the append-only message history of chats.
type MessageStore interface {
	// AppendMessage adds a message to the end of its chat. ID and CreatedAt
	// are filled in when empty.
	AppendMessage(ctx context.Context, m *domain.ChatMessage) error

	// ListMessages returns the messages of a chat in the order they were appended.
	ListMessages(ctx context.Context, chatID string) ([]domain.ChatMessage, error)
}
