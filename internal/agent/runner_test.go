package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildPrompt(t *testing.T) {
	t.Run("bare prompt passes through", func(t *testing.T) {
		if got := BuildPrompt("hello", PromptContext{}); got != "hello" {
			t.Fatalf("got %q", got)
		}
	})

	t.Run("memories and history wrap the prompt", func(t *testing.T) {
		got := BuildPrompt("hello", PromptContext{
			Memories: "## Relevant memories\n- likes jazz",
			History:  "H: hi\n\nA: hey\n\n",
		})
		for _, want := range []string{
			"<recalled-memories>",
			"- likes jazz",
			"<conversation-history>",
			"H: hi",
			"Now respond to this new message:\n\nhello",
		} {
			if !strings.Contains(got, want) {
				t.Fatalf("missing %q in:\n%s", want, got)
			}
		}
		if !strings.HasSuffix(got, "hello") {
			t.Fatalf("prompt not last:\n%s", got)
		}
	})

	t.Run("history only", func(t *testing.T) {
		got := BuildPrompt("q", PromptContext{History: "H: a\n"})
		if strings.Contains(got, "<recalled-memories>") {
			t.Fatalf("empty memories rendered:\n%s", got)
		}
		if !strings.Contains(got, "<conversation-history>") {
			t.Fatalf("history missing:\n%s", got)
		}
	})
}

func TestParseOutput(t *testing.T) {
	t.Run("json result with usage", func(t *testing.T) {
		out := `{"result":"the answer","total_cost_usd":0.0123,"duration_ms":4500,
			"usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":50,"cache_creation_input_tokens":10},
			"modelUsage":{"claude-haiku":{}}}`
		response, usage := parseOutput(out)
		if response != "the answer" {
			t.Fatalf("got response %q", response)
		}
		if usage == nil {
			t.Fatal("usage not parsed")
		}
		if usage.InputTokens != 100 || usage.OutputTokens != 20 ||
			usage.CacheReadTokens != 50 || usage.CacheCreationTokens != 10 {
			t.Fatalf("got usage %+v", usage)
		}
		if usage.Model != "claude-haiku" || usage.CostUSD != 0.0123 {
			t.Fatalf("got usage %+v", usage)
		}
	})

	t.Run("plain text falls through", func(t *testing.T) {
		response, usage := parseOutput("not json at all")
		if response != "not json at all" || usage != nil {
			t.Fatalf("got %q %+v", response, usage)
		}
	})

	t.Run("empty output", func(t *testing.T) {
		response, usage := parseOutput("   \n")
		if response != "" || usage != nil {
			t.Fatalf("got %q %+v", response, usage)
		}
	})

	t.Run("json without usage yields nil usage", func(t *testing.T) {
		response, usage := parseOutput(`{"result":"ok"}`)
		if response != "ok" || usage != nil {
			t.Fatalf("got %q %+v", response, usage)
		}
	})
}

func TestReadNotifierLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notifier.log")
	content := "\"sent a message\"\n\nplain line\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	got := readNotifierLines(path)
	want := []string{"[Notification: sent a message]", "[Notification: plain line]"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v", got)
		}
	}
}

func TestReadToolLinesDeduplicates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tools.log")
	if err := os.WriteFile(path, []byte("restart\nrestart\nsend\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got := readToolLines(path)
	if len(got) != 2 || got[0] != "[Tool: restart]" || got[1] != "[Tool: send]" {
		t.Fatalf("got %v", got)
	}
}

func TestPrependPath(t *testing.T) {
	env := prependPath([]string{"HOME=/root", "PATH=/usr/bin"}, "/opt/tools")
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			found = true
			if !strings.HasPrefix(kv, "PATH=/opt/tools") || !strings.Contains(kv, "/usr/bin") {
				t.Fatalf("got %q", kv)
			}
		}
	}
	if !found {
		t.Fatal("PATH entry missing")
	}
}

func TestSystemPrompt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SYSTEM_PROMPT.md"), []byte("global rules"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("bot rules"), 0o600); err != nil {
		t.Fatal(err)
	}

	r := &Runner{botDir: dir}
	got := r.systemPrompt()
	if got != "global rules\n\nbot rules" {
		t.Fatalf("got %q", got)
	}

	r2 := &Runner{botDir: t.TempDir()}
	if got := r2.systemPrompt(); got != "" {
		t.Fatalf("got %q", got)
	}
}
