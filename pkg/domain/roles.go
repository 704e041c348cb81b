package domain

// Role defines the sender of a chat message.
type Role string

const (
	// RoleSystem indicates instructions prepended by the agent.
	RoleSystem Role = "system"
	// RoleUser indicates a message typed by a user.
	RoleUser Role = "user"
	// RoleAssistant indicates a message produced by the model.
	RoleAssistant Role = "assistant"
	// RoleTool indicates a tool result fed back to the model.
	RoleTool Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// SandboxStatus is the lifecycle state of a project's sandbox as seen by
// chat subscribers.
type SandboxStatus string

const (
	SandboxOffline  SandboxStatus = "OFFLINE"
	SandboxBuilding SandboxStatus = "BUILDING"
	SandboxReady    SandboxStatus = "READY"
	SandboxWorking  SandboxStatus = "WORKING"
)
