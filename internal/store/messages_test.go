package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

func newTestStore(t *testing.T) *MessageStore {
	t.Helper()
	s, err := OpenMessageStore(filepath.Join(t.TempDir(), "agentd.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	return s
}

func TestMessageStore_SaveAssignsIncreasingIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.SaveMessage(ctx, "agent-a", "", providers.Message{Role: "user", Content: "first"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	id2, err := s.SaveMessage(ctx, "agent-a", "", providers.Message{Role: "assistant", Content: "second"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id1 == "" || id2 == "" || id1 == id2 {
		t.Errorf("ids not distinct: %q %q", id1, id2)
	}
}

func TestMessageStore_LoadRecentChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three", "four"} {
		if _, err := s.SaveMessage(ctx, "agent-a", "", providers.Message{Role: "user", Content: content}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	// A second agent's messages must not leak in.
	if _, err := s.SaveMessage(ctx, "agent-b", "", providers.Message{Role: "user", Content: "other"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	msgs, err := s.LoadRecent(ctx, "agent-a", 3)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("loaded %d messages, want 3", len(msgs))
	}
	want := []string{"two", "three", "four"}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, w)
		}
		if msgs[i].MsgID == "" {
			t.Errorf("msgs[%d] missing msg id", i)
		}
	}
}

func TestMessageStore_ToolCallsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	in := providers.Message{
		Role: "assistant",
		ToolCalls: []providers.ToolCall{
			{ID: "tu_1", Name: "bash", Arguments: map[string]interface{}{"command": "uptime"}},
		},
	}
	if _, err := s.SaveMessage(ctx, "agent-a", "", in); err != nil {
		t.Fatalf("save: %v", err)
	}

	msgs, err := s.LoadRecent(ctx, "agent-a", 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || len(msgs[0].ToolCalls) != 1 {
		t.Fatalf("tool calls lost: %+v", msgs)
	}
	if msgs[0].ToolCalls[0].Name != "bash" {
		t.Errorf("tool call name = %q", msgs[0].ToolCalls[0].Name)
	}
}

func TestMessageStore_DeleteAgentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveMessage(ctx, "agent-a", "", providers.Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.DeleteAgentMessages(ctx, "agent-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	msgs, err := s.LoadRecent(ctx, "agent-a", 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
}

func TestTaskCache_SurvivesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	writeFile(t, path, "{not json")

	c := NewTaskCache(path, nil)
	if got := c.List(); len(got) != 0 {
		t.Errorf("corrupt cache produced %d tasks", len(got))
	}

	// The cache must be writable after recovering.
	if err := c.Put(CachedTask{ID: "t1", AgentID: "a", ScheduleTime: time.Now()}); err != nil {
		t.Fatalf("put after recovery: %v", err)
	}
}

func TestTaskCache_RoundTripAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	c := NewTaskCache(path, nil)
	due := time.Now().Add(-time.Minute).UTC()
	if err := c.Put(CachedTask{ID: "t1", AgentID: "a", Instruction: "check logs", ScheduleTime: due}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := c.Put(CachedTask{ID: "t2", AgentID: "a", ScheduleTime: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("put: %v", err)
	}

	reloaded := NewTaskCache(path, nil)
	if got := len(reloaded.List()); got != 2 {
		t.Fatalf("reloaded %d tasks, want 2", got)
	}
	dueTasks := reloaded.DueBefore(time.Now())
	if len(dueTasks) != 1 || dueTasks[0].ID != "t1" {
		t.Errorf("DueBefore = %+v, want only t1", dueTasks)
	}

	if err := reloaded.Remove("t1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := reloaded.Get("t1"); ok {
		t.Error("t1 survived removal")
	}
	if err := reloaded.Remove("missing"); err != nil {
		t.Errorf("removing unknown id: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
