package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kir-gadjello/deepchat/completion"
	"github.com/kir-gadjello/deepchat/history"
)

// mockAPI is a minimal chat completions server. Streaming requests get the
// reply split into one frame per word.
type mockAPI struct {
	mu       sync.Mutex
	requests []map[string]interface{}
	reply    string
	fail     bool
}

func (m *mockAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]interface{}
		json.Unmarshal(body, &req)
		m.mu.Lock()
		m.requests = append(m.requests, req)
		reply, fail := m.reply, m.fail
		m.mu.Unlock()

		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		switch {
		case fail:
			http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
		case strings.HasSuffix(r.URL.Path, "/models"):
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": []map[string]string{{"id": "deepseek-coder"}, {"id": "deepseek-chat"}},
			})
		case req["stream"] == true:
			w.Header().Set("Content-Type", "text/event-stream")
			flusher := w.(http.Flusher)
			words := strings.SplitAfter(reply, " ")
			for i, word := range words {
				var finish interface{}
				if i == len(words)-1 {
					finish = "stop"
				}
				payload, _ := json.Marshal(map[string]interface{}{
					"choices": []interface{}{map[string]interface{}{
						"index": 0, "delta": map[string]string{"content": word}, "finish_reason": finish,
					}},
				})
				io.WriteString(w, "data: "+string(payload)+"\n\n")
				flusher.Flush()
			}
			io.WriteString(w, "data: [DONE]\n\n")
		default:
			json.NewEncoder(w).Encode(map[string]interface{}{
				"choices": []interface{}{map[string]interface{}{
					"index": 0, "message": map[string]string{"role": "assistant", "content": reply}, "finish_reason": "stop",
				}},
			})
		}
	}
}

func (m *mockAPI) lastRequest() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

// newTestApp builds an app against srv with a private config directory.
func newTestApp(t *testing.T, srv *httptest.Server, extraFlags ...string) *app {
	t.Helper()
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv(configDirEnvVar, dir)

	cmd := newRootCmd()
	args := append([]string{"-b", srv.URL + "/v1", "-k", "test-key"}, extraFlags...)
	require.NoError(t, cmd.ParseFlags(args))

	a, err := newApp(cmd, appOptions{})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestAsk_PersistsBothTurns(t *testing.T) {
	api := &mockAPI{reply: "Hello there, friend."}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	a := newTestApp(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	res, err := runAsk(ctx, a, 0, "Say hello", "", &out)
	require.NoError(t, err)
	assert.Equal(t, "Hello there, friend.\n", out.String())
	assert.Equal(t, "Hello there, friend.", res.Reply)
	require.NotZero(t, res.ChatID)

	req := api.lastRequest()
	assert.Equal(t, defaultModel, req["model"])
	assert.Equal(t, true, req["stream"])

	msgs, err := a.store.ListMessages(ctx, res.ChatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
	assert.Equal(t, "Say hello", msgs[0].Content)
	assert.Equal(t, history.RoleBot, msgs[1].Role)
	assert.Equal(t, "Hello there, friend.", msgs[1].Content)

	c, err := a.store.GetChat(ctx, res.ChatID)
	require.NoError(t, err)
	assert.Equal(t, "Say hello", c.Title)

	t.Run("Resume Appends To The Same Chat", func(t *testing.T) {
		api.mu.Lock()
		api.reply = "Again."
		api.mu.Unlock()

		out.Reset()
		again, err := runAsk(ctx, a, res.ChatID, "One more", "", &out)
		require.NoError(t, err)
		assert.Equal(t, res.ChatID, again.ChatID)

		msgs, err := a.store.ListMessages(ctx, res.ChatID)
		require.NoError(t, err)
		require.Len(t, msgs, 4)
		assert.Equal(t, "Again.", msgs[3].Content)
		assert.Equal(t, 3, msgs[3].Position)

		chats, err := a.store.ListChats(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, chats, 1)
	})

	t.Run("Resume Unknown Chat", func(t *testing.T) {
		_, err := runAsk(ctx, a, 9999, "hello?", "", io.Discard)
		assert.ErrorIs(t, err, history.ErrChatNotFound)
	})
}

func TestAsk_APIFailureKeepsUserTurn(t *testing.T) {
	api := &mockAPI{fail: true}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	a := newTestApp(t, srv)
	ctx := context.Background()

	res, err := runAsk(ctx, a, 0, "Are you there?", "", io.Discard)
	require.Error(t, err)

	var apiErr *completion.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	chats, err := a.store.ListChats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Zero(t, res.Reply)

	msgs, err := a.store.ListMessages(ctx, chats[0].ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, history.RoleUser, msgs[0].Role)
}

func TestAsk_Image(t *testing.T) {
	api := &mockAPI{reply: "A small gradient."}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	t.Run("Unreadable Image Fails Before Any Request", func(t *testing.T) {
		a := newTestApp(t, srv)
		_, err := runAsk(context.Background(), a, 0, "what is it", filepath.Join(t.TempDir(), "missing.png"), io.Discard)
		var perr *PermissionError
		require.True(t, errors.As(err, &perr), "got %v", err)

		chats, err := a.store.ListChats(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, chats)
		api.mu.Lock()
		assert.Empty(t, api.requests)
		api.mu.Unlock()
	})

	t.Run("Vision Request", func(t *testing.T) {
		a := newTestApp(t, srv)
		a.vision = completion.New(completion.Config{BaseURL: srv.URL + "/v1", APIKey: "test-key"})
		a.run.Vision.Model = "vision-test"

		path := writePNG(t, t.TempDir(), 8, 8)
		var out bytes.Buffer
		res, err := runAsk(context.Background(), a, 0, "What is this?", path, &out)
		require.NoError(t, err)
		assert.Equal(t, "A small gradient.", res.Reply)
		assert.Equal(t, "A small gradient.\n", out.String())

		req := api.lastRequest()
		assert.Equal(t, "vision-test", req["model"])
		assert.Equal(t, 0.2, req["temperature"])
		assert.EqualValues(t, 500, req["max_tokens"])
		assert.NotEqual(t, true, req["stream"])

		msgs, err := a.store.ListMessages(context.Background(), res.ChatID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.True(t, strings.HasPrefix(msgs[0].ImageURL, "data:image/png;base64,"))
	})

	t.Run("Without Vision Key", func(t *testing.T) {
		a := newTestApp(t, srv)
		require.Nil(t, a.vision)
		_, err := runAsk(context.Background(), a, 0, "What is this?", writePNG(t, t.TempDir(), 2, 2), io.Discard)
		assert.Error(t, err)
	})
}

func TestModels(t *testing.T) {
	api := &mockAPI{}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	a := newTestApp(t, srv)
	a.cfg.Models = map[string]ModelConfig{"fast": {Model: strPtr("deepseek-chat")}}

	models, err := fetchModels(context.Background(), a.client, a.cfg)
	require.NoError(t, err)
	ids := make([]string, len(models))
	for i, m := range models {
		ids[i] = m.ID
	}
	assert.Equal(t, []string{"deepseek-chat", "deepseek-coder", "fast"}, ids)

	var out bytes.Buffer
	printModels(&out, models, "deepseek-coder")
	assert.Contains(t, out.String(), "* deepseek-coder")
	assert.Contains(t, out.String(), "Coder")
	assert.Contains(t, out.String(), "  fast\n")

	t.Run("Select Persists", func(t *testing.T) {
		model, err := a.selectModel("fast")
		require.NoError(t, err)
		assert.Equal(t, "deepseek-chat", model)
		assert.Equal(t, "fast", a.run.ConfigName)

		st, err := loadState(a.statePath())
		require.NoError(t, err)
		assert.Equal(t, "fast", st.Model)
	})

	t.Run("Unknown Alias Is Used As Is", func(t *testing.T) {
		model, err := a.resolveModel("deepseek-reasoner")
		require.NoError(t, err)
		assert.Equal(t, "deepseek-reasoner", model)
	})
}

func TestModelTitle(t *testing.T) {
	assert.Equal(t, "Chat", modelTitle("deepseek-chat"))
	assert.Equal(t, "Coder", modelTitle("deepseek-coder"))
	assert.Equal(t, "other", modelTitle("other"))
}

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("#42")
	require.NoError(t, err)
	assert.Equal(t, history.ChatID(42), id)

	for _, bad := range []string{"", "0", "-3", "abc"} {
		_, err := parseChatID(bad)
		assert.Error(t, err, bad)
	}
}

func TestJoinPiped(t *testing.T) {
	assert.Equal(t, "explain", joinPiped("explain", "  \n"))
	assert.Equal(t, "code", joinPiped("", "code\n"))
	assert.Equal(t, "explain\n\ncode", joinPiped("explain", "code\n"))
}

func TestProfileEdit(t *testing.T) {
	dir := t.TempDir()
	cfg := &ConfigFile{}

	first, last := " Ada ", "Lovelace"
	require.NoError(t, applyProfile(cfg, profileEdit{FirstName: &first, LastName: &last}))
	assert.Equal(t, "Ada Lovelace", cfg.Profile.userName())

	avatar := writePNG(t, dir, 3, 3)
	require.NoError(t, applyProfile(cfg, profileEdit{Avatar: &avatar}))
	assert.True(t, filepath.IsAbs(cfg.Profile.Avatar))
	assert.Equal(t, "Ada", cfg.Profile.FirstName, "untouched fields survive")

	bad := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(bad, []byte("hello"), 0o644))
	err := applyProfile(cfg, profileEdit{Avatar: &bad})
	var perr *PermissionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, avatar, cfg.Profile.Avatar, "rejected avatar leaves the old one")

	empty := ""
	require.NoError(t, applyProfile(cfg, profileEdit{Avatar: &empty}))
	assert.Empty(t, cfg.Profile.Avatar)

	var out bytes.Buffer
	printProfile(&out, cfg.Profile, false)
	assert.Equal(t, "Name:   Ada Lovelace\nAvatar: none\n", out.String())
}

func TestDoctor(t *testing.T) {
	var out bytes.Buffer
	runDoctor(&out, t.TempDir(), RunConfig{ModelName: "deepseek-chat", ApiBase: completion.DefaultBaseURL})
	s := out.String()
	assert.Contains(t, s, "SQLite FTS5")
	assert.Contains(t, s, "Configuration : Missing")
	assert.Contains(t, s, "API key       : Not set")
	assert.Contains(t, s, "Vision        : Disabled")
}
