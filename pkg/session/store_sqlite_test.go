package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStore_SessionPersistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "sessions.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	now := time.Now().UnixMilli()
	sess := ChatSession{
		SessionID:      "sess-1",
		UserID:         "u1",
		Title:          "review",
		RepositoryID:   "repo-1",
		Branch:         "main",
		Status:         StatusActive,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
		LastActivityMS: now,
	}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := store.AppendMessage(ctx, SessionMessage{
		MessageID:       "msg-1",
		SessionID:       "sess-1",
		Role:            "user",
		Content:         "hello",
		FilesReferenced: []string{"a.go"},
		CreatedAtMS:     now,
	}); err != nil {
		t.Fatalf("append message: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	got, found, err := store2.GetSession(ctx, "sess-1")
	if err != nil || !found {
		t.Fatalf("get session: found=%v err=%v", found, err)
	}
	if got.Title != "review" || got.Status != StatusActive {
		t.Fatalf("unexpected session: %#v", got)
	}

	msgs, err := store2.ListMessages(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hello" || len(msgs[0].FilesReferenced) != 1 {
		t.Fatalf("unexpected messages: %#v", msgs)
	}
}

func TestSQLiteStore_SaveSessionUpserts(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	sess := ChatSession{SessionID: "sess-1", UserID: "u1", Status: StatusActive, CreatedAtMS: 1, UpdatedAtMS: 1, LastActivityMS: 1}
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess.Status = StatusPaused
	sess.MessageCount = 4
	if err := store.SaveSession(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, found, err := store.GetSession(ctx, "sess-1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Status != StatusPaused || got.MessageCount != 4 {
		t.Fatalf("upsert not applied: %#v", got)
	}
}

func TestSQLiteStore_DeletePurgesMessages(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	if err := store.SaveSession(ctx, ChatSession{SessionID: "sess-1", UserID: "u1", Status: StatusActive, CreatedAtMS: 1, UpdatedAtMS: 1, LastActivityMS: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	for i, content := range []string{"one", "two"} {
		if err := store.AppendMessage(ctx, SessionMessage{
			MessageID: string(rune('a' + i)), SessionID: "sess-1", Role: "user", Content: content, CreatedAtMS: int64(i),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := store.DeleteSession(ctx, "sess-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := store.GetSession(ctx, "sess-1"); found {
		t.Fatalf("session should be gone")
	}
	msgs, err := store.ListMessages(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages should be purged with the session, got %d", len(msgs))
	}
}

func TestSQLiteStore_ListSessionsOrdering(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	for i, id := range []string{"old", "new"} {
		if err := store.SaveSession(ctx, ChatSession{
			SessionID: id, UserID: "u1", Status: StatusActive,
			CreatedAtMS: int64(i), UpdatedAtMS: int64(i), LastActivityMS: int64(i + 1),
		}); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	store.SaveSession(ctx, ChatSession{SessionID: "other", UserID: "u2", Status: StatusActive, LastActivityMS: 99})

	sessions, err := store.ListSessions(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for u1, got %d", len(sessions))
	}
	if sessions[0].SessionID != "new" || sessions[1].SessionID != "old" {
		t.Fatalf("unexpected order: %#v", sessions)
	}
}
