package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sshh12/prompt-stack/pkg/agent"
	"github.com/sshh12/prompt-stack/pkg/domain"
	"github.com/sshh12/prompt-stack/pkg/filechange"
	"github.com/sshh12/prompt-stack/pkg/model"
	"github.com/sshh12/prompt-stack/pkg/model/modeltest"
	"github.com/sshh12/prompt-stack/pkg/project"
	"github.com/sshh12/prompt-stack/pkg/sandbox"
	"github.com/sshh12/prompt-stack/pkg/store/sqlite"
)

type memSandbox struct {
	mu    sync.Mutex
	files map[string]string
}

func (m *memSandbox) RunCommand(ctx context.Context, command, workdir string) string {
	return "<empty response>"
}

func (m *memSandbox) GetFilePaths(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for p := range m.files {
		paths = append(paths, p)
	}
	return paths, nil
}

func (m *memSandbox) ReadFileContents(ctx context.Context, path string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.files[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return c, nil
}

func (m *memSandbox) WriteFileContents(ctx context.Context, files []sandbox.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		m.files[f.Path] = f.Content
	}
	return nil
}

func (m *memSandbox) Tunnels(ctx context.Context) (map[int]string, error) {
	return map[int]string{3000: "http://127.0.0.1:49153"}, nil
}

func (m *memSandbox) WaitForUp(ctx context.Context) error { return nil }

type recordingReaper struct {
	mu       sync.Mutex
	sessions *project.Registry
	deleted  []string
	// registered records whether the project still had a session when
	// its sandbox was deleted.
	registered []bool
}

func (r *recordingReaper) Delete(ctx context.Context, projectID string) {
	_, ok := r.sessions.Lookup(projectID)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, projectID)
	r.registered = append(r.registered, ok)
}

type testEnv struct {
	srv      *httptest.Server
	sessions *project.Registry
	reaper   *recordingReaper
	provider *modeltest.Provider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := sqlite.New(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	p := &modeltest.Provider{}
	sb := &memSandbox{files: map[string]string{}}
	packs := sandbox.DefaultPacks()
	provision := func(ctx context.Context, projectID string) (project.Sandbox, error) {
		return sb, nil
	}
	newAgent := func(proj domain.Project) project.Agent {
		return agent.New(p, agent.Options{Model: "main", Project: proj, Pack: packs.Get(proj.StackPackID)})
	}
	sessions := project.NewRegistry(context.Background(), project.Deps{
		Store:     st,
		Provision: provision,
		NewAgent:  newAgent,
		Applier:   filechange.NewApplier(p, "mini", nil, 0),
	})

	reaper := &recordingReaper{sessions: sessions}
	s := New(Deps{Store: st, Packs: packs, Sessions: sessions, Reaper: reaper})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sessions: sessions, reaper: reaper, provider: p}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) createProject(t *testing.T) domain.Project {
	t.Helper()
	var p domain.Project
	code := e.do(t, http.MethodPost, "/api/projects", map[string]string{"name": "demo", "stack_pack_id": "no-such-pack"}, &p)
	require.Equal(t, http.StatusCreated, code)
	return p
}

func (e *testEnv) createChat(t *testing.T, projectID string) domain.Chat {
	t.Helper()
	var c domain.Chat
	code := e.do(t, http.MethodPost, "/api/projects/"+projectID+"/chats", map[string]string{}, &c)
	require.Equal(t, http.StatusCreated, code)
	return c
}

func TestProjectCRUD(t *testing.T) {
	env := newTestEnv(t)

	p := env.createProject(t)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, sandbox.DefaultPackID, p.StackPackID)

	var got domain.Project
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/projects/"+p.ID, nil, &got))
	assert.Equal(t, "demo", got.Name)

	var list []domain.Project
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/projects", nil, &list))
	assert.Len(t, list, 1)

	_, err := env.sessions.Get(context.Background(), p.ID)
	require.NoError(t, err)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/projects/"+p.ID, nil, nil))
	assert.Equal(t, []string{p.ID}, env.reaper.deleted)
	assert.Equal(t, []bool{false}, env.reaper.registered)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/projects/"+p.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/api/projects/"+p.ID, nil, nil))
}

func TestCreateProjectRequiresName(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/projects", map[string]string{}, nil))
}

func TestChatCRUD(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t)

	c := env.createChat(t, p.ID)
	assert.Equal(t, "New Chat", c.Name)
	assert.Equal(t, p.ID, c.ProjectID)

	var chats []domain.Chat
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/chats", nil, &chats))
	assert.Len(t, chats, 1)

	var withMessages struct {
		Chat     domain.Chat          `json:"chat"`
		Messages []domain.ChatMessage `json:"messages"`
	}
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/chats/"+c.ID, nil, &withMessages))
	assert.Equal(t, c.ID, withMessages.Chat.ID)
	assert.Empty(t, withMessages.Messages)

	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodDelete, "/api/chats/"+c.ID, nil, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/chats/"+c.ID, nil, nil))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/projects/missing/chats", map[string]string{}, nil))
}

func TestListStackPacks(t *testing.T) {
	env := newTestEnv(t)
	var packs []domain.StackPack
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/stack-packs", nil, &packs))
	require.NotEmpty(t, packs)
	assert.Equal(t, sandbox.DefaultPackID, packs[0].ID)
}

func TestReadFileWithoutSandbox(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t)
	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/file?path=/app/a.js", nil, nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/file", nil, nil))
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame map[string]any
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t)
	reply := "Here:\n```js\n// /app/src/App.js\nconsole.log('hi')\n```\n"
	env.provider.Turns = [][]model.Event{{modeltest.Text(reply), modeltest.Finish(model.FinishStop)}}
	env.provider.CompleteFunc = func(ctx context.Context, call modeltest.CompleteCall) (string, error) {
		return `["Make it blue"]`, nil
	}

	p := env.createProject(t)
	c := env.createChat(t, p.ID)

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws/chat/" + c.ID
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	first := readFrame(t, ws)
	assert.Equal(t, "status", first["for_type"])
	assert.Equal(t, p.ID, first["project_id"])

	sess, ok := env.sessions.Lookup(p.ID)
	require.True(t, ok)
	<-sess.Booted()

	require.NoError(t, ws.WriteJSON(map[string]string{"role": "user", "content": "log hi"}))

	var chunks strings.Builder
	var final map[string]any
	for final == nil {
		frame := readFrame(t, ws)
		switch frame["for_type"] {
		case "chat_chunk":
			chunks.WriteString(frame["content"].(string))
		case "chat_update":
			msg := frame["message"].(map[string]any)
			if msg["role"] == "assistant" {
				final = frame
			}
		}
	}
	assert.Equal(t, reply, chunks.String())
	assert.Equal(t, []any{"Make it blue"}, final["follow_ups"])

	var file map[string]string
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/projects/"+p.ID+"/file?path=/app/src/App.js", nil, &file))
	assert.Equal(t, "console.log('hi')", file["content"])

	var withMessages struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/chats/"+c.ID, nil, &withMessages))
	assert.Len(t, withMessages.Messages, 2)
}

func TestChatWebSocketUnknownChat(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/api/ws/chat/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
