// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "baiss.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// =============================================================================
// CONVERSATION STORE TESTS
// =============================================================================

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "baiss.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	conv, err := store.CreateConversation(ctx, "kept")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Title)
}

func TestStore_AppendAndLoad(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(conv.ID, "conv_"))

	user, err := store.AppendMessage(ctx, conv.ID, "user", "Where is the\nquarterly report?")
	require.NoError(t, err)
	answer, err := store.AppendMessage(ctx, conv.ID, "assistant", "In /docs/q3.pdf.")
	require.NoError(t, err)

	paths := []PathScore{{Path: "/docs/q3.pdf", Score: 0.93}, {Path: "/docs/q2.pdf", Score: 0.41}}
	require.NoError(t, store.SavePaths(ctx, answer.ID, paths))

	got, err := store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Where is the quarterly report?", got.Title)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, user.ID, got.Messages[0].ID)
	assert.Equal(t, "assistant", got.Messages[1].Role)
	assert.Empty(t, got.Messages[0].Paths)
	assert.Equal(t, paths, got.Messages[1].Paths)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestStore_TitleNotOverwritten(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "Taxes")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, conv.ID, "user", "something else")
	require.NoError(t, err)

	got, err := store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Taxes", got.Title)
}

func TestStore_LongTitleTruncated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, conv.ID, "user", strings.Repeat("é", 80))
	require.NoError(t, err)

	got, err := store.Load(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, len([]rune(got.Title)))
	assert.True(t, strings.HasSuffix(got.Title, "..."))
}

func TestStore_SavePathsReplaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.CreateConversation(ctx, "")
	msg, err := store.AppendMessage(ctx, conv.ID, "assistant", "answer")
	require.NoError(t, err)

	require.NoError(t, store.SavePaths(ctx, msg.ID, []PathScore{{Path: "/a", Score: 1}, {Path: "/b", Score: 0.5}}))
	require.NoError(t, store.SavePaths(ctx, msg.ID, []PathScore{{Path: "/c", Score: 0.7}}))

	paths, err := store.MessagePaths(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, []PathScore{{Path: "/c", Score: 0.7}}, paths)
}

func TestStore_MessagePathsEmptyAndMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.CreateConversation(ctx, "")
	msg, _ := store.AppendMessage(ctx, conv.ID, "assistant", "no sources")

	paths, err := store.MessagePaths(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, paths)
	assert.NotNil(t, paths)

	_, err = store.MessagePaths(ctx, "msg_missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, store.SavePaths(ctx, "msg_missing", nil), ErrMessageNotFound)
}

func TestStore_NotFound(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Load(ctx, "conv_missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = store.History(ctx, "conv_missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = store.AppendMessage(ctx, "conv_missing", "user", "hi")
	assert.ErrorIs(t, err, ErrConversationNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "conv_missing"), ErrConversationNotFound)
}

func TestStore_HistoryOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.CreateConversation(ctx, "")
	for _, c := range []string{"one", "two", "three"} {
		_, err := store.AppendMessage(ctx, conv.ID, "user", c)
		require.NoError(t, err)
	}

	hist, err := store.History(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "one", hist[0].Content)
	assert.Equal(t, "three", hist[2].Content)
}

func TestStore_DeleteCascades(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	conv, _ := store.CreateConversation(ctx, "")
	msg, _ := store.AppendMessage(ctx, conv.ID, "assistant", "answer")
	require.NoError(t, store.SavePaths(ctx, msg.ID, []PathScore{{Path: "/a", Score: 1}}))

	require.NoError(t, store.Delete(ctx, conv.ID))
	_, err := store.MessagePaths(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestStore_ListAndSearch(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, _ := store.CreateConversation(ctx, "")
	_, err := store.AppendMessage(ctx, first.ID, "user", "Summarize my 100% tax notes")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	second, _ := store.CreateConversation(ctx, "Recipes")
	_, err = store.AppendMessage(ctx, second.ID, "user", "pasta ideas")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, second.ID, "assistant", "Try carbonara")
	require.NoError(t, err)

	all, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "most recent first")
	assert.Equal(t, 2, all[0].MessageCount)
	assert.Equal(t, "pasta ideas", all[0].Preview)

	limited, err := store.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	hits, err := store.Search(ctx, "CARBONARA", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, second.ID, hits[0].ID)

	hits, err = store.Search(ctx, "100%", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, first.ID, hits[0].ID)

	hits, err = store.Search(ctx, "50%", 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = store.Search(ctx, "  ", 0)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

// =============================================================================
// FORMATTING TESTS
// =============================================================================

func TestFormatConversationList(t *testing.T) {
	assert.Equal(t, "No conversations found.", FormatConversationList(nil))

	out := FormatConversationList([]ConversationMeta{{
		ID:           "conv_1234",
		Title:        "Quarterly report",
		UpdatedAt:    time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC),
		MessageCount: 4,
	}})
	assert.Contains(t, out, "conv_1234")
	assert.Contains(t, out, "2025-03-01 09:30")
	assert.Contains(t, out, "Quarterly report")
}

func TestExportMarkdown(t *testing.T) {
	conv := &Conversation{
		Title: "Report",
		Messages: []Message{
			{Role: "user", Content: "where?"},
			{Role: "assistant", Content: "here", Paths: []PathScore{{Path: "/docs/q3.pdf", Score: 0.9}}},
		},
	}
	md := conv.ExportMarkdown()
	assert.True(t, strings.HasPrefix(md, "# Report"))
	assert.Contains(t, md, "**Assistant**")
	assert.Contains(t, md, "- /docs/q3.pdf (0.90)")
}
