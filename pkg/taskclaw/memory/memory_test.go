package memory

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/taskclaw/pkg/taskclaw/session"
)

func TestFileExtractor_WritesIdempotently(t *testing.T) {
	t.Parallel()
	e := NewFileExtractor(t.TempDir(), nil)
	ctx := context.Background()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	transcript := []session.Turn{
		{UserMessage: "hello", AssistantResponse: "hi", Timestamp: at},
		{UserMessage: "fail", AssistantResponse: "oops", IsError: true, Timestamp: at},
	}

	if err := e.ExtractAndStore(ctx, "u1", "S1", transcript); err != nil {
		t.Fatalf("ExtractAndStore failed: %v", err)
	}
	first, err := os.ReadFile(e.Path("u1", "S1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ExtractAndStore(ctx, "u1", "S1", transcript); err != nil {
		t.Fatalf("second ExtractAndStore failed: %v", err)
	}
	second, _ := os.ReadFile(e.Path("u1", "S1"))

	if string(first) != string(second) {
		t.Error("re-running extraction should produce identical content")
	}
	for _, want := range []string{"# Session S1", "**User:** hello", "**Assistant (error):** oops"} {
		if !strings.Contains(string(first), want) {
			t.Errorf("transcript missing %q:\n%s", want, first)
		}
	}
}

func TestFileExtractor_RejectsTraversal(t *testing.T) {
	t.Parallel()
	e := NewFileExtractor(t.TempDir(), nil)
	if err := e.ExtractAndStore(context.Background(), "../u1", "S1", nil); err == nil {
		t.Error("expected an error for a user id with a path separator")
	}
}
