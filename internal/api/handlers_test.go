package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okcvm/okcvm/internal/common/logger"
	"github.com/okcvm/okcvm/internal/config"
	"github.com/okcvm/okcvm/internal/llm"
	"github.com/okcvm/okcvm/internal/session"
	"github.com/okcvm/okcvm/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

type testEnv struct {
	router   *gin.Engine
	sessions *session.Store
	store    *storage.ConversationStore
	runtime  *config.Runtime
}

func newTestEnv(t *testing.T, turns ...llm.ScriptedTurn) *testEnv {
	t.Helper()

	workspaceBase := t.TempDir()
	store, err := storage.NewConversationStore(filepath.Join(t.TempDir(), "conversations.db"), workspaceBase, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{}
	runtime := config.NewRuntime(cfg)

	sessions := session.NewStore(session.StoreOptions{
		StorageRoot: workspaceBase,
		Runtime:     runtime,
		Driver:      llm.NewScriptedDriver("test-model", turns...),
		Logger:      newTestLogger(),
	})

	return &testEnv{
		router:   NewRouter(sessions, store, runtime, newTestLogger()),
		sessions: sessions,
		store:    store,
		runtime:  runtime,
	}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestGetConfigRedacted(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.Replace(&config.Config{Chat: &config.EndpointConfig{
		Model: "claude-sonnet-4-20250514", BaseURL: "https://api.anthropic.com", APIKey: "secret",
	}})

	w := doJSON(t, env.router, http.MethodGet, "/api/config", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "secret")

	body := decode(t, w)
	chat := body["chat"].(map[string]any)
	assert.Equal(t, "claude-sonnet-4-20250514", chat["model"])
	assert.Equal(t, true, chat["api_key_present"])
}

func TestUpdateConfigPartial(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, http.MethodPost, "/api/config", map[string]any{
		"chat": map[string]any{"model": "m1", "base_url": "https://api.test", "api_key": "k"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	chat := env.runtime.Current().Chat
	require.NotNil(t, chat)
	assert.Equal(t, "m1", chat.Model)
	assert.NotContains(t, w.Body.String(), `"k"`)
}

func TestSessionBootAndInfo(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, http.MethodGet, "/api/session/boot?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, session.WelcomeMessage, body["reply"])
	assert.NotNil(t, body["web_preview"])

	w = doJSON(t, env.router, http.MethodGet, "/api/session/info?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)
	assert.Equal(t, float64(1), info["history_length"])
	assert.NotEmpty(t, info["tools"])
}

func TestClientIdentityResolutionOrder(t *testing.T) {
	env := newTestEnv(t)

	// Query param wins over header.
	w := doJSON(t, env.router, http.MethodGet, "/api/session/boot?client_id=from-query", nil,
		map[string]string{"x-okc-client-id": "from-header"})
	require.Equal(t, http.StatusOK, w.Code)
	_, ok := env.sessions.Peek("from-query")
	assert.True(t, ok)
	_, ok = env.sessions.Peek("from-header")
	assert.False(t, ok)

	// Header wins over cookie.
	req := httptest.NewRequest(http.MethodGet, "/api/session/boot", nil)
	req.Header.Set("x-okc-client-id", "header-client")
	req.AddCookie(&http.Cookie{Name: "okc_client_id", Value: "cookie-client"})
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = env.sessions.Peek("header-client")
	assert.True(t, ok)

	// Cookie alone works.
	req = httptest.NewRequest(http.MethodGet, "/api/session/boot", nil)
	req.AddCookie(&http.Cookie{Name: "okc_client_id", Value: "cookie-client"})
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = env.sessions.Peek("cookie-client")
	assert.True(t, ok)

	// Nothing at all falls back to "default".
	w = doJSON(t, env.router, http.MethodGet, "/api/session/boot", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, ok = env.sessions.Peek("default")
	assert.True(t, ok)
}

func TestChatSynchronous(t *testing.T) {
	env := newTestEnv(t, llm.ScriptedTurn{Text: "hello from the model"})

	w := doJSON(t, env.router, http.MethodPost, "/api/chat?client_id=alice", map[string]any{
		"message": "hi",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, "hello from the model", body["reply"])
	meta := body["meta"].(map[string]any)
	assert.Equal(t, "test-model", meta["model"])
}

func TestChatRequiresMessage(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, http.MethodPost, "/api/chat", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatStreamEmitsSSE(t *testing.T) {
	env := newTestEnv(t, llm.ScriptedTurn{Text: "streamed reply here"})

	w := doJSON(t, env.router, http.MethodPost, "/api/chat?client_id=alice", map[string]any{
		"message": "hi",
		"stream":  true,
	}, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	var tokens strings.Builder
	var sawFinal, sawStop bool
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		switch ev["type"] {
		case "token":
			tokens.WriteString(ev["delta"].(string))
		case "final":
			sawFinal = true
			assert.False(t, sawStop)
			payload := ev["payload"].(map[string]any)
			assert.Equal(t, "streamed reply here", payload["reply"])
		case "stop":
			sawStop = true
		}
	}
	assert.Equal(t, "streamed reply here", tokens.String())
	assert.True(t, sawFinal)
	assert.True(t, sawStop)
}

func TestChatWithoutAcceptHeaderFallsBackToJSON(t *testing.T) {
	env := newTestEnv(t, llm.ScriptedTurn{Text: "plain"})

	w := doJSON(t, env.router, http.MethodPost, "/api/chat", map[string]any{
		"message": "hi",
		"stream":  true,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "plain", decode(t, w)["reply"])
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t, llm.ScriptedTurn{Text: "answer"})

	doJSON(t, env.router, http.MethodGet, "/api/session/boot?client_id=alice", nil, nil)
	doJSON(t, env.router, http.MethodPost, "/api/chat?client_id=alice", map[string]any{"message": "q"}, nil)

	w := doJSON(t, env.router, http.MethodGet, "/api/session/history?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode(t, w)["history"].([]any)
	require.Len(t, history, 3)

	entryID := history[1].(map[string]any)["id"].(string)
	w = doJSON(t, env.router, http.MethodGet, "/api/session/history/"+entryID+"?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "q", decode(t, w)["content"])

	w = doJSON(t, env.router, http.MethodGet, "/api/session/history/nope-0001?client_id=alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, env.router, http.MethodDelete, "/api/session/history?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["history_cleared"])
}

func TestFileUploadEndpoints(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("files", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("uploaded content"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/session/files?client_id=alice", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	files := decode(t, w)["files"].([]any)
	require.Len(t, files, 1)
	assert.Equal(t, "notes.txt", files[0].(map[string]any)["name"])

	w2 := doJSON(t, env.router, http.MethodGet, "/api/session/files?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Len(t, decode(t, w2)["files"].([]any), 1)
}

func TestConversationEndpoints(t *testing.T) {
	env := newTestEnv(t)

	payload := map[string]any{"id": "c1", "title": "First", "updatedAt": "2026-08-25T10:00:00Z"}
	w := doJSON(t, env.router, http.MethodPost, "/api/conversations?client_id=alice", payload, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, env.router, http.MethodGet, "/api/conversations?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)["conversations"].([]any)
	require.Len(t, list, 1)

	// PUT: the path id wins over the body id.
	w = doJSON(t, env.router, http.MethodPut, "/api/conversations/c1?client_id=alice", map[string]any{
		"id": "ignored", "title": "Renamed",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "c1", decode(t, w)["id"])

	// A different client cannot overwrite it.
	w = doJSON(t, env.router, http.MethodPost, "/api/conversations?client_id=bob", payload, nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "CLIENT_MISMATCH")

	w = doJSON(t, env.router, http.MethodDelete, "/api/conversations/c1?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["deleted"])

	w = doJSON(t, env.router, http.MethodDelete, "/api/conversations/c1?client_id=alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeploymentAssetServing(t *testing.T) {
	env := newTestEnv(t)

	// Boot to provision the session, then plant a deployment.
	doJSON(t, env.router, http.MethodGet, "/api/session/boot?client_id=alice", nil, nil)
	state, ok := env.sessions.Peek("alice")
	require.True(t, ok)

	deployment := filepath.Join(state.DeploymentsRoot(), "site-"+state.Workspace().SessionID())
	require.NoError(t, os.MkdirAll(filepath.Join(deployment, "css"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(deployment, "index.html"), []byte("<h1>hi</h1>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(deployment, "css", "main.css"), []byte("body{}"), 0o644))

	id := filepath.Base(deployment)

	// Default path is index.html with an HTML content type.
	w := doJSON(t, env.router, http.MethodGet, fmt.Sprintf("/%s?client_id=alice", id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Equal(t, "<h1>hi</h1>", w.Body.String())

	// Nested assets resolve.
	w = doJSON(t, env.router, http.MethodGet, fmt.Sprintf("/%s/css/main.css?client_id=alice", id), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "body{}", w.Body.String())

	// Traversal is rejected.
	w = doJSON(t, env.router, http.MethodGet, fmt.Sprintf("/%s/..%%2f..%%2fsecret?client_id=alice", id), nil, nil)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, w.Code)

	// Unknown deployments are 404.
	w = doJSON(t, env.router, http.MethodGet, "/missing-site/index.html?client_id=alice", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// A sibling sharing the id as a name prefix is not reachable through
	// the shorter id.
	sibling := deployment + "-extra"
	require.NoError(t, os.MkdirAll(sibling, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sibling, "index.html"), []byte("<h1>other</h1>"), 0o644))
	w = doJSON(t, env.router, http.MethodGet,
		fmt.Sprintf("/%s/..%%2f%s-extra%%2findex.html?client_id=alice", id, id), nil, nil)
	assert.Contains(t, []int{http.StatusBadRequest, http.StatusNotFound}, w.Code)
	assert.NotContains(t, w.Body.String(), "other")
}

func TestSnapshotEndpointsDisabledEngine(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, http.MethodGet, "/api/session/workspace/snapshots?client_id=alice", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	state, ok := env.sessions.Peek("alice")
	require.True(t, ok)
	if state.Workspace().GitState().Enabled() {
		wPost := doJSON(t, env.router, http.MethodPost, "/api/session/workspace/snapshots?client_id=alice",
			map[string]any{"label": "checkpoint"}, nil)
		require.Equal(t, http.StatusOK, wPost.Code)
		assert.Contains(t, wPost.Body.String(), "checkpoint")
	}

	// Restore without a ref is rejected either way.
	w = doJSON(t, env.router, http.MethodPost, "/api/session/workspace/restore?client_id=alice",
		map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Branch assignment needs a name regardless of engine state.
	w = doJSON(t, env.router, http.MethodPost, "/api/session/workspace/branch?client_id=alice",
		map[string]any{"ref": "deadbeef"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
