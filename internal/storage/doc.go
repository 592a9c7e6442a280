// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations for baissd.
//
// Conversations, their messages and the retrieval sources (path scores)
// attached to assistant answers live in one SQLite database, by default
// ~/.baiss/baiss.db.
//
// # Key Types
//
//   - Store: the repository, safe for concurrent use
//   - Conversation: a conversation with its ordered messages
//   - ConversationMeta: lightweight metadata for listing
//
// # Usage
//
//	store, err := storage.Open(path)
//	conv, err := store.CreateConversation(ctx, "")
//	msg, err := store.AppendMessage(ctx, conv.ID, "user", "What is in my notes?")
//	err = store.SavePaths(ctx, answer.ID, paths)
package storage
