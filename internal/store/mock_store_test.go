// ABOUTME: Tests for MockStore
// ABOUTME: Keeps the mock's behaviour in line with SQLiteStore

package store

import (
	"context"
	"errors"
	"testing"
)

func TestMockStore_AppendAndList(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()

	if err := m.AppendTurn(ctx, "s1", "hello", "hi"); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	msgs, err := m.ListMessages(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleAI {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	msgs[0].Content = "mutated"
	again, _ := m.ListMessages(ctx, "s1", 1)
	if len(again) != 1 || again[0].Content != "hi" {
		t.Errorf("limit or copy broken: %+v", again)
	}
}

func TestMockStore_AppendErr(t *testing.T) {
	m := NewMockStore()
	boom := errors.New("disk full")
	m.AppendErr = boom

	if err := m.AppendTurn(context.Background(), "s1", "a", "b"); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := m.GetSession(context.Background(), "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("failed append must not create the session, got %v", err)
	}
}

func TestMockStore_DeleteSession(t *testing.T) {
	m := NewMockStore()
	ctx := context.Background()
	_ = m.AppendTurn(ctx, "s1", "a", "b")

	if err := m.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if err := m.DeleteSession(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	sessions, _ := m.ListSessions(ctx, 0)
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}
