package sessiontool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/latticehq/lattice/internal/sessions"
)

func TestHistoryAndClear(t *testing.T) {
	store := sessions.NewStore()
	store.Append("main", sessions.RoleUser, "question")
	store.Append("main", sessions.RoleAssistant, "answer")
	tool := New(store)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"history","sessionKey":"main"}`))
	if err != nil || res.IsError {
		t.Fatalf("history: %v %+v", err, res)
	}
	if !strings.Contains(res.Content, "[user] question") || !strings.Contains(res.Content, "[assistant] answer") {
		t.Errorf("history = %q", res.Content)
	}

	res, err = tool.Execute(context.Background(), json.RawMessage(`{"action":"clear","sessionKey":"main"}`))
	if err != nil || res.IsError {
		t.Fatalf("clear: %v %+v", err, res)
	}
	if got := store.History("main", 0); len(got) != 0 {
		t.Errorf("session not cleared: %d messages", len(got))
	}
}

func TestList(t *testing.T) {
	store := sessions.NewStore()
	store.Append("tui", sessions.RoleUser, "x")
	tool := New(store)

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"action":"list"}`))
	if err != nil || res.IsError {
		t.Fatalf("list: %v %+v", err, res)
	}
	if !strings.Contains(res.Content, "tui") {
		t.Errorf("list = %q", res.Content)
	}
}
