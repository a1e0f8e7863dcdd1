package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", stateFileName)

	st, err := loadState(path)
	require.NoError(t, err)
	assert.Equal(t, uiState{}, st)

	require.NoError(t, saveState(path, uiState{Model: "deepseek-coder"}))
	st, err = loadState(path)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-coder", st.Model)
}

func TestState_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), stateFileName)
	require.NoError(t, os.WriteFile(path, []byte("model: [unterminated"), 0o644))
	_, err := loadState(path)
	assert.Error(t, err)
}

func TestStateWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), stateFileName)
	require.NoError(t, saveState(path, uiState{Model: "deepseek-chat"}))

	var mu sync.Mutex
	var seen []string
	w, err := watchState(path, slog.Default(), func(st uiState) {
		mu.Lock()
		seen = append(seen, st.Model)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	// Our own selection is remembered and not echoed back, however many
	// times it is written.
	w.remember(uiState{Model: "mine"})
	require.NoError(t, saveState(path, uiState{Model: "mine"}))
	require.NoError(t, saveState(path, uiState{Model: "mine"}))
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "unrelated.yaml"), []byte("x: 1"), 0o644))

	require.NoError(t, saveState(path, uiState{Model: "deepseek-coder"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == "deepseek-coder"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, seen, "deepseek-chat")
	assert.NotContains(t, seen, "mine")
}
