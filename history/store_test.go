package history

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, journalPath string) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "history.db"), Options{JournalPath: journalPath})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_CreateAppendList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")

	id, err := s.CreateChat(ctx, "Hello there")
	require.NoError(t, err)
	require.NotZero(t, id)

	msgs, err := s.ListMessages(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs, "empty chat should list as an empty slice")

	_, err = s.AppendMessage(ctx, id, NewMessage{Role: RoleUser, Content: "Hello there"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, id, NewMessage{Role: RoleBot, Content: "Hi!"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, id, NewMessage{Role: RoleBot, Content: "Anything else?"})
	require.NoError(t, err)

	msgs, err = s.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello there", msgs[0].Content)
	assert.Equal(t, "Anything else?", msgs[2].Content)
	for i, m := range msgs {
		assert.Equal(t, i, m.Position)
		assert.Equal(t, id, m.ChatID)
		assert.NotEmpty(t, m.UUID)
	}

	chat, err := s.GetChat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Hello there", chat.Title)
}

func TestStore_AppendUnknownChat(t *testing.T) {
	s := openTestStore(t, "")

	_, err := s.AppendMessage(context.Background(), 4242, NewMessage{Role: RoleUser, Content: "x"})
	require.Error(t, err)

	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestStore_AppendInvalidRole(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")
	id, err := s.CreateChat(ctx, "x")
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, id, NewMessage{Role: "narrator", Content: "x"})
	var se *StorageError
	assert.True(t, errors.As(err, &se))
}

func TestStore_ChatsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")

	a, err := s.CreateChat(ctx, "a")
	require.NoError(t, err)
	b, err := s.CreateChat(ctx, "b")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, a, NewMessage{Role: RoleUser, Content: "to a"})
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, b, NewMessage{Role: RoleUser, Content: "to b"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, tc := range []struct {
		id      ChatID
		content string
	}{{a, "to a"}, {b, "to b"}} {
		msgs, err := s.ListMessages(ctx, tc.id)
		require.NoError(t, err)
		require.Len(t, msgs, 10)
		for i, m := range msgs {
			assert.Equal(t, tc.content, m.Content)
			assert.Equal(t, i, m.Position)
		}
	}
}

func TestStore_RenameAndListChats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "")

	first, err := s.CreateChat(ctx, "first")
	require.NoError(t, err)
	second, err := s.CreateChat(ctx, "second")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, second, NewMessage{Role: RoleUser, Content: "second"})
	require.NoError(t, err)

	require.NoError(t, s.RenameChat(ctx, first, "Renamed"))
	assert.ErrorIs(t, s.RenameChat(ctx, 999, "nope"), ErrChatNotFound)

	chats, err := s.ListChats(ctx, 10)
	require.NoError(t, err)
	require.Len(t, chats, 2)

	byID := map[ChatID]ChatSummary{}
	for _, c := range chats {
		byID[c.ID] = c
	}
	assert.Equal(t, "Renamed", byID[first].Title)
	assert.Equal(t, 0, byID[first].MessageCount)
	assert.Equal(t, 1, byID[second].MessageCount)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "Hello world", Summarize("  Hello\n  world "))

	long := strings.Repeat("word ", 60)
	title := Summarize(long)
	assert.True(t, strings.HasSuffix(title, "..."))
	assert.LessOrEqual(t, len(title), TitleWidth)
}

func TestStore_JournalRebuild(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "history.jsonl")

	s, err := Open(ctx, filepath.Join(dir, "a.db"), Options{JournalPath: journalPath})
	require.NoError(t, err)
	id, err := s.CreateChat(ctx, "remember me")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, id, NewMessage{Role: RoleUser, Content: "remember me"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, id, NewMessage{Role: RoleBot, Content: "noted"})
	require.NoError(t, err)
	require.NoError(t, s.RenameChat(ctx, id, "Memory"))
	require.NoError(t, s.Close())

	_, err = os.Stat(journalPath)
	require.NoError(t, err)

	// A fresh database picks up everything from the journal.
	rebuilt, err := Open(ctx, filepath.Join(dir, "b.db"), Options{JournalPath: journalPath})
	require.NoError(t, err)
	defer rebuilt.Close()

	chat, err := rebuilt.GetChat(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Memory", chat.Title)

	msgs, err := rebuilt.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "noted", msgs[1].Content)
	assert.Equal(t, RoleBot, msgs[1].Role)
}

func TestStore_Search(t *testing.T) {
	if !CheckFTS() {
		t.Skip("sqlite built without fts5")
	}
	ctx := context.Background()
	s := openTestStore(t, "")

	id, err := s.CreateChat(ctx, "golang question")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, id, NewMessage{Role: RoleUser, Content: "how do goroutines work"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, id, NewMessage{Role: RoleBot, Content: "goroutines are scheduled by the runtime"})
	require.NoError(t, err)

	results, err := s.Search(ctx, "bot:runtime")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].ChatID)
	assert.Equal(t, RoleBot, results[0].Role)
	assert.Contains(t, results[0].Preview, "[runtime]")
}
