// Package project owns the live state of each open project: its single
// sandbox, one agent per subscribed chat, and the connections watching them.
package project

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/sshh12/prompt-stack/pkg/agent"
	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/filechange"
	"github.com/sshh12/prompt-stack/pkg/hub"
	"github.com/sshh12/prompt-stack/pkg/sandbox"
	"github.com/sshh12/prompt-stack/pkg/store"
)

var (
	// ErrNoSubscription is returned for messages on a chat nobody subscribed to.
	ErrNoSubscription = errors.New("chat has no subscription")
	// ErrInvalidRole is returned for inbound messages not sent as the user.
	ErrInvalidRole = errors.New("inbound messages must have the user role")
)

// Sandbox is the sandbox session a project works against.
type Sandbox interface {
	agent.Sandbox
	filechange.FileReader
	WriteFileContents(ctx context.Context, files []sandbox.File) error
	Tunnels(ctx context.Context) (map[int]string, error)
	WaitForUp(ctx context.Context) error
}

// Agent runs the conversation of one chat.
type Agent interface {
	Step(ctx context.Context, transcript []domain.ChatMessage) iter.Seq2[domain.PartialChatMessage, error]
	SetSandbox(sb agent.Sandbox)
	SuggestFollowUps(ctx context.Context, transcript []domain.ChatMessage) []string
}

// Applier resolves extracted file changes into final contents.
type Applier interface {
	Apply(ctx context.Context, r filechange.FileReader, changes []domain.FileChange) ([]domain.FileChange, error)
}

// Store is the persistence a session needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	store.MessageStore
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store Store
	// Provision returns the project's sandbox, creating it if needed.
	Provision func(ctx context.Context, projectID string) (Sandbox, error)
	NewAgent  func(project domain.Project) Agent
	Applier   Applier
}

// Session is the live state of one project.
type Session struct {
	project domain.Project
	deps    Deps
	hub     *hub.Hub
	booted  chan struct{}

	// emitMu orders status frames, so the last frame sent always carries
	// the latest status.
	emitMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	status  domain.SandboxStatus
	sandbox Sandbox
	tunnels map[int]string
	agents  map[string]Agent
	working int

	chatMu    sync.Mutex
	chatLocks map[string]*sync.Mutex
}

// NewSession creates an OFFLINE session for project. Call Start to boot it.
func NewSession(project domain.Project, deps Deps) *Session {
	return &Session{
		project:   project,
		deps:      deps,
		hub:       hub.New(),
		booted:    make(chan struct{}),
		status:    domain.SandboxOffline,
		tunnels:   map[int]string{},
		agents:    make(map[string]Agent),
		chatLocks: make(map[string]*sync.Mutex),
	}
}

// Start moves the session to BUILDING and boots the sandbox in the
// background. It does not wait for the sandbox. The boot stops when ctx is
// done or the session is closed.
func (s *Session) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.status = domain.SandboxBuilding
	s.mu.Unlock()

	s.emitStatus(ctx)
	go s.boot(ctx)
}

// Close stops a boot in progress and waits for it to return. The session
// must not be started again.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-s.booted
}

// Booted is closed once the boot attempt has finished, successfully or not.
func (s *Session) Booted() <-chan struct{} {
	return s.booted
}

func (s *Session) boot(ctx context.Context) {
	defer close(s.booted)
	log := slog.With("projectID", s.project.ID)
	log.Info("Booting sandbox")

	sb, err := s.deps.Provision(ctx, s.project.ID)
	if err != nil {
		log.Error("Provisioning sandbox", "error", err)
		s.setStatus(domain.SandboxOffline)
		s.emitStatus(ctx)
		return
	}
	if err := sb.WaitForUp(ctx); err != nil {
		log.Error("Waiting for sandbox", "error", err)
		s.setStatus(domain.SandboxOffline)
		s.emitStatus(ctx)
		return
	}
	tunnels, err := sb.Tunnels(ctx)
	if err != nil {
		log.Warn("Resolving sandbox tunnels", "error", err)
		tunnels = map[int]string{}
	}

	s.mu.Lock()
	s.sandbox = sb
	s.tunnels = tunnels
	if s.working > 0 {
		s.status = domain.SandboxWorking
	} else {
		s.status = domain.SandboxReady
	}
	for _, a := range s.agents {
		a.SetSandbox(sb)
	}
	s.mu.Unlock()

	log.Info("Sandbox ready", "tunnels", tunnels)
	s.emitStatus(ctx)
}

// Status returns the current sandbox status.
func (s *Session) Status() domain.SandboxStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Sandbox returns the attached sandbox, or nil while booting.
func (s *Session) Sandbox() Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sandbox
}

func (s *Session) setStatus(status domain.SandboxStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// AddChatSubscription registers c on chatID, creating the chat's agent on
// the first connection, and broadcasts the project status.
func (s *Session) AddChatSubscription(ctx context.Context, chatID string, c hub.Conn) {
	s.mu.Lock()
	if _, ok := s.agents[chatID]; !ok {
		a := s.deps.NewAgent(s.project)
		if s.sandbox != nil {
			a.SetSandbox(s.sandbox)
		}
		s.agents[chatID] = a
	}
	s.hub.Add(chatID, c)
	s.mu.Unlock()

	s.emitStatus(ctx)
}

// RemoveChatSubscription unregisters c. The chat's agent is discarded with
// its last connection; the sandbox stays.
func (s *Session) RemoveChatSubscription(chatID string, c hub.Conn) {
	s.mu.Lock()
	idle := s.hub.Remove(chatID, c) == 0
	if idle {
		delete(s.agents, chatID)
	}
	s.mu.Unlock()

	if idle {
		s.dropChatLock(chatID)
	}
}

func (s *Session) chatLock(chatID string) *sync.Mutex {
	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	l, ok := s.chatLocks[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.chatLocks[chatID] = l
	}
	return l
}

// dropChatLock forgets the turn lock of a chat without an agent. A lock
// held by a running turn is left for that turn to drop.
func (s *Session) dropChatLock(chatID string) {
	s.mu.Lock()
	_, active := s.agents[chatID]
	s.mu.Unlock()
	if active {
		return
	}

	s.chatMu.Lock()
	defer s.chatMu.Unlock()
	if l, ok := s.chatLocks[chatID]; ok && l.TryLock() {
		delete(s.chatLocks, chatID)
		l.Unlock()
	}
}

// beginWork flips READY to WORKING. Turns while the sandbox is still
// booting leave the status alone.
func (s *Session) beginWork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working++
	if s.status == domain.SandboxReady {
		s.status = domain.SandboxWorking
	}
}

func (s *Session) endWork() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.working--
	if s.working == 0 && s.status == domain.SandboxWorking {
		s.status = domain.SandboxReady
	}
}

// OnChatMessage handles one inbound message end to end: it persists and
// echoes the message, streams the agent's reply, applies file changes and
// broadcasts the reply with follow-ups. Messages on the same chat are
// handled one at a time.
func (s *Session) OnChatMessage(ctx context.Context, chatID string, msg InboundMessage) error {
	role := msg.Role
	if role == "" {
		role = domain.RoleUser
	}
	if role != domain.RoleUser {
		return fmt.Errorf("role %q: %w", role, ErrInvalidRole)
	}

	l := s.chatLock(chatID)
	l.Lock()
	defer func() {
		l.Unlock()
		s.dropChatLock(chatID)
	}()

	s.mu.Lock()
	a, ok := s.agents[chatID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, ErrNoSubscription)
	}

	s.beginWork()
	defer func() {
		s.endWork()
		s.emitStatus(ctx)
	}()
	s.emitStatus(ctx)

	in := &domain.ChatMessage{ChatID: chatID, Role: role, Content: msg.Content}
	if err := s.deps.Store.AppendMessage(ctx, in); err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	s.hub.Emit(chatID, ChatUpdateFrame{ForType: ForTypeChatUpdate, ChatID: chatID, Message: *in})

	history, err := s.deps.Store.ListMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	var reply strings.Builder
	for part, err := range a.Step(ctx, history) {
		if err != nil {
			return fmt.Errorf("running agent: %w", err)
		}
		reply.WriteString(part.DeltaContent)
		s.hub.Emit(chatID, ChatChunkFrame{ForType: ForTypeChatChunk, Role: domain.RoleAssistant, Content: part.DeltaContent})
	}

	out := &domain.ChatMessage{ChatID: chatID, Role: domain.RoleAssistant, Content: reply.String()}
	if err := s.deps.Store.AppendMessage(ctx, out); err != nil {
		return fmt.Errorf("saving reply: %w", err)
	}

	s.applyFileChanges(ctx, out.Content)

	followUps := a.SuggestFollowUps(ctx, append(history, *out))
	s.hub.Emit(chatID, ChatUpdateFrame{ForType: ForTypeChatUpdate, ChatID: chatID, Message: *out, FollowUps: followUps})
	return nil
}

// applyFileChanges writes the file blocks of reply to the sandbox. Without
// a sandbox the changes are dropped.
func (s *Session) applyFileChanges(ctx context.Context, reply string) {
	sb := s.Sandbox()
	if sb == nil {
		return
	}
	changes := filechange.Extract(reply)
	if len(changes) == 0 {
		return
	}
	log := slog.With("projectID", s.project.ID)

	resolved, err := s.deps.Applier.Apply(ctx, sb, changes)
	if err != nil {
		log.Error("Resolving file changes", "error", err)
		return
	}

	files := make([]sandbox.File, len(resolved))
	paths := make([]string, len(resolved))
	for i, c := range resolved {
		files[i] = sandbox.File{Path: c.Path, Content: c.Content}
		paths[i] = c.Path
	}
	log.Info("Applying changes", "paths", paths, "summary", strings.TrimSpace(filechange.StripFileChanges(reply)))
	if err := sb.WriteFileContents(ctx, files); err != nil {
		log.Error("Writing file changes", "error", err)
	}
}

// statusFrame lists the sandbox files first and snapshots the status after,
// so a slow listing cannot carry a stale status.
func (s *Session) statusFrame(ctx context.Context) StatusFrame {
	var paths []string
	if sb := s.Sandbox(); sb != nil {
		var err error
		paths, err = sb.GetFilePaths(ctx)
		if err != nil {
			slog.Warn("Listing sandbox files", "projectID", s.project.ID, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusFrame{
		ForType:       ForTypeStatus,
		ProjectID:     s.project.ID,
		SandboxStatus: s.status,
		Tunnels:       s.tunnels,
		FilePaths:     paths,
	}
}

// emitStatus broadcasts the project status to every chat. Status frames
// are sent one at a time.
func (s *Session) emitStatus(ctx context.Context) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	s.hub.EmitAll(s.statusFrame(ctx))
}
