package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_ErrorHandling(t *testing.T) {
	t.Run("API Error 500", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("Internal Server Error"))
		}))
		defer server.Close()

		_, err := New(Config{BaseURL: server.URL}).Complete(context.Background(), Request{Model: "m"})
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.Equal(t, "Internal Server Error", apiErr.Body)
	})

	t.Run("Empty Choices 200", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
		}))
		defer server.Close()

		_, err := New(Config{BaseURL: server.URL}).Complete(context.Background(), Request{Model: "m"})
		require.Error(t, err)
	})
}

// TestRequestConstruction checks headers, the typed fields and that Extra
// keys override them.
func TestRequestConstruction(t *testing.T) {
	var receivedBody map[string]interface{}
	var receivedAuth, receivedPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedAuth = r.Header.Get("Authorization")
		receivedPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &receivedBody)
		io.WriteString(w, `{"choices":[{"message":{"content":"mock response"}}]}`)
	}))
	defer server.Close()

	tests := []struct {
		name           string
		req            Request
		expectedModel  string
		expectedFormat interface{}
		expectedTemp   interface{}
	}{
		{
			name:          "Basic Request",
			req:           Request{Model: "deepseek-chat"},
			expectedModel: "deepseek-chat",
		},
		{
			name:           "JSON Response Format",
			req:            Request{Model: "deepseek-chat", ResponseFormat: "json_object"},
			expectedModel:  "deepseek-chat",
			expectedFormat: map[string]interface{}{"type": "json_object"},
		},
		{
			name:          "Extra Overrides",
			req:           Request{Model: "deepseek-chat", Extra: map[string]interface{}{"model": "deepseek-coder", "temperature": 0.1}},
			expectedModel: "deepseek-coder",
			expectedTemp:  0.1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			receivedBody = nil
			tc.req.Messages = []Message{{Role: "user", Content: "hello"}}

			c := New(Config{BaseURL: server.URL + "/v1/", APIKey: "sk-test-key"})
			got, err := c.Complete(context.Background(), tc.req)
			require.NoError(t, err)
			assert.Equal(t, "mock response", got)

			assert.Equal(t, "Bearer sk-test-key", receivedAuth)
			assert.Equal(t, "/v1/chat/completions", receivedPath)
			assert.Equal(t, tc.expectedModel, receivedBody["model"])
			assert.Equal(t, false, receivedBody["stream"])
			assert.Equal(t, tc.expectedFormat, receivedBody["response_format"])
			assert.Equal(t, tc.expectedTemp, receivedBody["temperature"])
		})
	}
}

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		io.WriteString(w, `{"object":"list","data":[{"id":"deepseek-chat","owned_by":"deepseek"},{"id":"deepseek-coder"}]}`)
	}))
	defer server.Close()

	models, err := New(Config{BaseURL: server.URL}).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "deepseek-chat", models[0].ID)
	assert.Equal(t, "deepseek", models[0].OwnedBy)
}

func TestURLJoin(t *testing.T) {
	tests := []struct{ base, rel, want string }{
		{"https://api.deepseek.com", "/chat/completions", "https://api.deepseek.com/chat/completions"},
		{"https://api.together.xyz/v1", "/chat/completions", "https://api.together.xyz/v1/chat/completions"},
		{"https://api.openai.com/v1/", "models", "https://api.openai.com/v1/models"},
		{"https://a.example", "https://b.example/x", "https://b.example/x"},
	}
	for _, tc := range tests {
		got, err := urlJoin(tc.base, tc.rel)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestSSEReader_MultiLineData(t *testing.T) {
	r := newSSEReader(strings.NewReader("event: message\r\ndata: line1\r\ndata: line2\r\nid: 7\r\n\r\ndata:tail"))

	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2", string(got))

	got, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(got))

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
