package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/webgis-ai/webgis/internal/llm"
)

func TestGenerateReturnsStrippedSQL(t *testing.T) {
	var captured llm.CompletionRequest
	generator := &Generator{
		Model: "sql-model",
		Client: llm.ClientFunc(func(_ context.Context, req llm.CompletionRequest) (string, error) {
			captured = req
			return "```sql\nSELECT COUNT(*) FROM water_mains WHERE material = 'PVC'\n```", nil
		}),
	}

	got := generator.Generate(context.Background(), Request{
		Question: "how many PVC mains are there?",
		Schema:   BaseSchema,
	})
	if got != "SELECT COUNT(*) FROM water_mains WHERE material = 'PVC'" {
		t.Fatalf("Generate() = %q", got)
	}
	if captured.Temperature != 0 || captured.MaxTokens != 5000 || captured.Model != "sql-model" {
		t.Fatalf("request = %+v", captured)
	}
	for _, rule := range []string{"code fences", "DROP, DELETE, INSERT, UPDATE, TRUNCATE, ALTER", "single valid SQL query", "read-only"} {
		if !strings.Contains(captured.System, rule) {
			t.Fatalf("system prompt missing %q", rule)
		}
	}
	if !strings.Contains(captured.User, "Table: water_mains") || !strings.Contains(captured.User, "how many PVC mains") {
		t.Fatalf("user prompt = %q", captured.User)
	}
	if strings.Contains(captured.User, "Conversation so far") {
		t.Fatal("empty history should not be embedded")
	}
}

func TestGenerateShowQueryPromptAsksForIdentifiers(t *testing.T) {
	var prompt string
	generator := &Generator{Client: llm.ClientFunc(func(_ context.Context, req llm.CompletionRequest) (string, error) {
		prompt = req.User
		return "SELECT object_id FROM water_mains WHERE material = 'CAST IRON'", nil
	})}

	got := generator.Generate(context.Background(), Request{
		Question:  "show me cast iron pipe",
		Schema:    BaseSchema,
		History:   "User: how many mains?\n\nAssistant: 12.\n\n",
		ShowQuery: true,
	})
	if got != "SELECT object_id FROM water_mains WHERE material = 'CAST IRON'" {
		t.Fatalf("Generate() = %q", got)
	}
	if !strings.Contains(prompt, "SELECT object_id FROM water_mains WHERE material = 'CAST IRON'") {
		t.Fatal("show prompt should carry the worked example")
	}
	if !strings.Contains(prompt, "User: how many mains?") {
		t.Fatal("history should be embedded in the prompt")
	}
}

func TestGenerateRejectsDisallowedKeywords(t *testing.T) {
	for _, reply := range []string{
		"DROP TABLE water_mains",
		"delete from water_mains",
		"SELECT 1; TRUNCATE water_mains",
		"ALTER TABLE water_mains ADD x INT",
		"INSERT INTO water_mains (object_id) VALUES (1)",
		"SELECT updated_at FROM water_mains",
	} {
		generator := &Generator{Client: llm.ClientFunc(func(context.Context, llm.CompletionRequest) (string, error) {
			return reply, nil
		})}
		if got := generator.Generate(context.Background(), Request{Question: "q", Schema: BaseSchema}); got != "" {
			t.Fatalf("Generate() with reply %q = %q, want empty", reply, got)
		}
	}
}

func TestGenerateReturnsEmptyOnModelErrors(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("%w: slow down", llm.ErrRateLimited),
		fmt.Errorf("%w: deadline", llm.ErrTimeout),
		fmt.Errorf("%w: status=500", llm.ErrAPI),
		errors.New("socket closed"),
	} {
		generator := &Generator{Client: llm.ClientFunc(func(context.Context, llm.CompletionRequest) (string, error) {
			return "", err
		})}
		if got := generator.Generate(context.Background(), Request{Question: "q"}); got != "" {
			t.Fatalf("Generate() with error %v = %q, want empty", err, got)
		}
	}
}

func TestGenerateWithoutClient(t *testing.T) {
	if got := (&Generator{}).Generate(context.Background(), Request{Question: "q"}); got != "" {
		t.Fatalf("Generate() = %q", got)
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"```sql\nSELECT 1\n```":   "SELECT 1",
		"  SELECT 2  ":            "SELECT 2",
		"```SELECT 3```":          "SELECT 3",
		"text ```sql SELECT 4```": "text  SELECT 4",
	}
	for in, want := range tests {
		if got := StripFences(in); got != want {
			t.Fatalf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}
