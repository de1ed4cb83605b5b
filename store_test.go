package mirage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStorageLoadMissing(t *testing.T) {
	m := NewMemoryStorage()
	if _, err := m.Load(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	s := NewSession("s1", WithSystemPrompt("be helpful"))
	s.AddMessage(UserMessage("hi"))
	s.AddMessage(AssistantMessage("hello"))
	if err := m.Save(ctx, s.Document()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	doc, err := m.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	restored, err := SessionFromDocument(doc)
	if err != nil {
		t.Fatalf("SessionFromDocument: %v", err)
	}
	if restored.Len() != 2 || restored.SystemPrompt() != "be helpful" {
		t.Errorf("restored = len %d, prompt %q", restored.Len(), restored.SystemPrompt())
	}
}

func TestMemoryStorageCloneIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	s := NewSession("s1")
	s.AddMessage(UserMessage("original"))
	m.Save(ctx, s.Document())

	// Mutating a loaded document must not leak into the store.
	doc, _ := m.Load(ctx, "s1")
	for _, msg := range doc.Messages {
		msg.Content = "tampered"
	}

	again, _ := m.Load(ctx, "s1")
	for _, msg := range again.Messages {
		if msg.Content == "tampered" {
			t.Fatalf("stored document shares memory with loaded copy")
		}
	}
}

func TestMemoryStorageExistsDeleteList(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	for _, id := range []string{"beta", "alpha"} {
		m.Save(ctx, NewSession(id).Document())
	}

	ok, _ := m.Exists(ctx, "alpha")
	if !ok {
		t.Errorf("alpha should exist")
	}
	ids, _ := m.List(ctx)
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "beta" {
		t.Errorf("List = %v, want sorted ids", ids)
	}

	if err := m.Delete(ctx, "alpha"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, _ = m.Exists(ctx, "alpha")
	if ok {
		t.Errorf("alpha should be gone")
	}
	// Deleting an unknown id is a no-op.
	if err := m.Delete(ctx, "ghost"); err != nil {
		t.Errorf("Delete unknown: %v", err)
	}
}

func TestMemoryStorageApprovalFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStorage()

	m.AppendApproval(ctx, ApprovalRecord{SessionID: "s1", ToolName: "shell_exec", Approved: true})
	m.AppendApproval(ctx, ApprovalRecord{SessionID: "s2", ToolName: "fetch_url", Approved: false})
	m.AppendApproval(ctx, ApprovalRecord{SessionID: "s1", ToolName: "read_file", Approved: true})

	s1, err := m.ListApprovals(ctx, "s1")
	if err != nil {
		t.Fatalf("ListApprovals: %v", err)
	}
	if len(s1) != 2 || s1[0].ToolName != "shell_exec" || s1[1].ToolName != "read_file" {
		t.Errorf("s1 records = %+v", s1)
	}

	all, _ := m.ListApprovals(ctx, "")
	if len(all) != 3 {
		t.Errorf("all records = %d, want 3", len(all))
	}
}
